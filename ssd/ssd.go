// Package ssd - SSD detection head: location and confidence producers composed with the
// default-box generator.
package ssd

import (
	"log/slog"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/anchors"
	"github.com/nvr-ai/go-multibox/boxes"
)

// Producer turns a feature map into a raw head tensor.
type Producer interface {
	Produce(input tensor.Tensor) (tensor.Tensor, error)
}

// ProducerFunc adapts a function to the Producer interface.
type ProducerFunc func(input tensor.Tensor) (tensor.Tensor, error)

// Produce calls f(input).
func (f ProducerFunc) Produce(input tensor.Tensor) (tensor.Tensor, error) {
	return f(input)
}

// Config describes one SSD head.
type Config struct {
	// Range is the network input extent per dimension; its length is D.
	Range []int `json:"range" yaml:"range"`
	// NumClasses counts every class, background included.
	NumClasses int `json:"num_classes" yaml:"num_classes"`
	// ShareLocation makes every class reuse one location prediction per anchor.
	ShareLocation bool `json:"share_location" yaml:"share_location"`
	// DefaultBoxes are the configured anchor shapes.
	DefaultBoxes []anchors.ShapeSpec `json:"default_boxes" yaml:"default_boxes"`
	// Variances holds 0, 1, D or 2D variance values.
	Variances []float32 `json:"variances" yaml:"variances"`
}

// Output is the tensor triple of one forward pass.
type Output struct {
	// DefaultLocation is [2, K*2D, spatial...].
	DefaultLocation tensor.Tensor
	// Location is [N, K*2D*(1 or C), spatial...].
	Location tensor.Tensor
	// Confidence is [N, K*C, spatial...].
	Confidence tensor.Tensor
}

// Option configures a Head.
type Option func(*Head)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Head) {
		h.logger = logger
	}
}

// Head runs the location and confidence producers and attaches the default boxes.
type Head struct {
	cfg    Config
	gen    *anchors.Generator
	loc    Producer
	conf   Producer
	logger *slog.Logger
}

// New validates the configuration and composes a head.
//
// Arguments:
//   - cfg: The head configuration.
//   - loc: Produces the location tensor, LocationChannels() wide.
//   - conf: Produces the confidence tensor, ConfidenceChannels() wide.
//   - opts: Optional logger.
//
// Returns:
//   - *Head: The composed head.
//   - error: anchors.ErrConfig on an invalid configuration.
//
// @example
// head, err := ssd.New(cfg, locConv, confConv)
//
//	if err != nil {
//	    return err
//	}
//
// out, err := head.Forward(features, features)
func New(cfg Config, loc, conf Producer, opts ...Option) (*Head, error) {
	if loc == nil || conf == nil {
		return nil, errors.Wrap(anchors.ErrConfig, "location and confidence producers are required")
	}
	if cfg.NumClasses <= 0 {
		return nil, errors.Wrapf(anchors.ErrConfig, "num_classes must be positive, got %d", cfg.NumClasses)
	}
	gen, err := anchors.NewGenerator(cfg.Range, cfg.DefaultBoxes, cfg.Variances)
	if err != nil {
		return nil, err
	}

	h := &Head{cfg: cfg, gen: gen, loc: loc, conf: conf}
	for _, opt := range opts {
		opt(h)
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	return h, nil
}

// Dims returns the number of box dimensions D.
func (h *Head) Dims() int {
	return h.gen.Dims()
}

// Kinds returns the number of default boxes per grid cell K.
func (h *Head) Kinds() int {
	return h.gen.Kinds()
}

// Generator returns the default-box generator.
func (h *Head) Generator() *anchors.Generator {
	return h.gen
}

// LocationChannels is K*2D, times C without shared locations.
func (h *Head) LocationChannels() int {
	if h.cfg.ShareLocation {
		return h.gen.Channels()
	}
	return h.gen.Channels() * h.cfg.NumClasses
}

// ConfidenceChannels is K*C.
func (h *Head) ConfidenceChannels() int {
	return h.gen.Kinds() * h.cfg.NumClasses
}

// Forward runs both producers and generates the default boxes over their grid.
//
// Arguments:
//   - locInput: The feature map fed to the location producer.
//   - confInput: The feature map fed to the confidence producer.
//
// Returns:
//   - Output: The tensors for boxes.Batch.AppendLayer.
//   - error: boxes.ErrShapeMismatch when the producers break the channel contract.
func (h *Head) Forward(locInput, confInput tensor.Tensor) (Output, error) {
	loc, err := h.loc.Produce(locInput)
	if err != nil {
		return Output{}, errors.Wrap(err, "location producer")
	}
	conf, err := h.conf.Produce(confInput)
	if err != nil {
		return Output{}, errors.Wrap(err, "confidence producer")
	}

	if err := h.check("location", loc, h.LocationChannels()); err != nil {
		return Output{}, err
	}
	if err := h.check("confidence", conf, h.ConfidenceChannels()); err != nil {
		return Output{}, err
	}
	ls, cs := loc.Shape(), conf.Shape()
	if ls[0] != cs[0] {
		return Output{}, errors.Wrapf(boxes.ErrShapeMismatch, "location batch %d != confidence batch %d", ls[0], cs[0])
	}
	tiling := append([]int(nil), ls[2:]...)
	for d := range tiling {
		if cs[2+d] != tiling[d] {
			return Output{}, errors.Wrapf(boxes.ErrShapeMismatch, "location grid %v != confidence grid %v", ls[2:], cs[2:])
		}
	}

	def, err := h.gen.Generate(tiling)
	if err != nil {
		return Output{}, err
	}

	h.logger.Debug("ssd forward",
		slog.Any("tiling", tiling),
		slog.Int("kinds", h.Kinds()),
		slog.Int("location_channels", ls[1]),
		slog.Int("confidence_channels", cs[1]),
	)
	return Output{DefaultLocation: def, Location: loc, Confidence: conf}, nil
}

func (h *Head) check(name string, t tensor.Tensor, channels int) error {
	if t == nil {
		return errors.Wrapf(boxes.ErrShapeMismatch, "%s producer returned no tensor", name)
	}
	s := t.Shape()
	if len(s) != h.Dims()+2 {
		return errors.Wrapf(boxes.ErrShapeMismatch, "%s has shape %v, want %d axes", name, s, h.Dims()+2)
	}
	if s[1] != channels {
		return errors.Wrapf(boxes.ErrShapeMismatch, "%s has %d channels, want %d", name, s[1], channels)
	}
	return nil
}
