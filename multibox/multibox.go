// Package multibox - Batch pipeline turning detection tensors into match and hard-negative
// tables for the loss stage.
//
// A Layer is set up once from a Config. Every training step calls Reshape with the
// tensors of one forward pass, then Forward, which runs overlap, matching and mining for
// each image. Images are independent and are processed by a bounded pool of workers,
// each owning its own tables.
package multibox

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/boxes"
	"github.com/nvr-ai/go-multibox/matching"
	"github.com/nvr-ai/go-multibox/mining"
	"github.com/nvr-ai/go-multibox/profiler"
)

// LayerInput is the tensor triple of one detection layer.
type LayerInput struct {
	// DefaultLocation is [2, K*2D, spatial...]: coordinates then variances.
	DefaultLocation tensor.Tensor
	// Location is [N, K*2D*(1 or C), spatial...].
	Location tensor.Tensor
	// Confidence is [N, K*C, spatial...].
	Confidence tensor.Tensor
}

// Bottom is everything one forward pass feeds the layer.
type Bottom struct {
	// Layers holds the detection layers in pyramid order.
	Layers []LayerInput
	// Label is [N, 1, spatial...]; negative labels mark empty cells.
	Label tensor.Tensor
	// GroundTruth is [N, 2D, spatial...].
	GroundTruth tensor.Tensor
}

// ImageResult is what the loss stage needs for one image.
type ImageResult struct {
	// Image holds the decoded boxes the tables refer to.
	Image *boxes.Image
	// Overlaps is the image's overlap table.
	Overlaps *matching.OverlapTable
	// Matches maps positive predictions to ground truth.
	Matches *matching.MatchTable
	// Negatives is the ranked hard-negative selection.
	Negatives []mining.Negative
}

// Result is the output of one Forward call.
type Result struct {
	// RunID identifies the forward pass in logs.
	RunID  uuid.UUID
	Images []ImageResult
}

// NumPositives sums the matched positions of every image.
func (r *Result) NumPositives() int {
	n := 0
	for _, img := range r.Images {
		n += img.Matches.NumPositives()
	}
	return n
}

// NumNegatives sums the selected negatives of every image.
func (r *Result) NumNegatives() int {
	n := 0
	for _, img := range r.Images {
		n += len(img.Negatives)
	}
	return n
}

// Option configures a Layer.
type Option func(*Layer)

// WithLogger sets the logger; slog.Default() is used otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Layer) {
		l.logger = logger
	}
}

// WithProfiler shares a profiler across layers.
func WithProfiler(p *profiler.Profiler) Option {
	return func(l *Layer) {
		l.profiler = p
	}
}

// Layer is the multibox matching stage.
type Layer struct {
	cfg      Config
	miner    mining.Miner
	logger   *slog.Logger
	profiler *profiler.Profiler

	batch *boxes.Batch
}

// New validates the configuration and creates a layer.
//
// Arguments:
//   - cfg: The layer configuration.
//   - opts: Optional logger and profiler.
//
// Returns:
//   - *Layer: The configured layer.
//   - error: ErrConfig or matching.ErrUnsupportedMatchType for a bad configuration.
//
// @example
// layer, err := multibox.New(multibox.DefaultConfig(), multibox.WithLogger(logger))
//
//	if err != nil {
//	    return err
//	}
func New(cfg Config, opts ...Option) (*Layer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	l := &Layer{
		cfg: cfg,
		miner: mining.Miner{
			Background:  cfg.BackgroundLabel,
			NegPosRatio: cfg.NegPosRatio,
			MinNegative: cfg.MinNegative,
		},
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.profiler == nil {
		l.profiler = profiler.New(0)
	}
	return l, nil
}

// Config returns the layer configuration.
func (l *Layer) Config() Config {
	return l.cfg
}

// Profiler returns the stage timings.
func (l *Layer) Profiler() *profiler.Profiler {
	return l.profiler
}

// Batch returns the boxes decoded by the last Reshape, or nil.
func (l *Layer) Batch() *boxes.Batch {
	return l.batch
}

// Reshape decodes the tensors of one forward pass. Values are copied out, so the
// tensors may be reused once it returns.
func (l *Layer) Reshape(bottom Bottom) error {
	defer l.profiler.StartOperation("reshape")()

	l.batch = nil
	if len(bottom.Layers) == 0 {
		return errors.Wrap(boxes.ErrShapeMismatch, "no detection layers")
	}

	batch := boxes.NewBatch(l.cfg.Dims, l.cfg.NumClasses, l.cfg.ShareLocation)
	for _, in := range bottom.Layers {
		if err := batch.AppendLayer(in.DefaultLocation, in.Location, in.Confidence); err != nil {
			return err
		}
	}
	if err := batch.SetGroundTruth(bottom.Label, bottom.GroundTruth); err != nil {
		return err
	}

	l.batch = batch
	l.logger.Debug("multibox reshape",
		slog.Int("images", len(batch.Images)),
		slog.Int("layers", batch.Layers()),
	)
	return nil
}

// Forward matches and mines every image of the last Reshape.
//
// Returns:
//   - *Result: One ImageResult per image, in batch order.
//   - error: The error of the lowest failing image, if any.
func (l *Layer) Forward() (*Result, error) {
	if l.batch == nil {
		return nil, errors.New("multibox: Forward called before a successful Reshape")
	}

	result := &Result{
		RunID:  uuid.New(),
		Images: make([]ImageResult, len(l.batch.Images)),
	}
	errs := make([]error, len(l.batch.Images))

	workers := l.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	sem := make(chan struct{}, workers)
	var wg sync.WaitGroup

	for i := range l.batch.Images {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			res, err := l.processImage(&l.batch.Images[idx])
			if err != nil {
				errs[idx] = errors.Wrapf(err, "image %d", idx)
				return
			}
			result.Images[idx] = res
		}(i)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			l.logger.Error("multibox forward failed",
				slog.String("run_id", result.RunID.String()),
				slog.String("error", err.Error()),
			)
			return nil, err
		}
	}

	l.logger.Info("multibox forward",
		slog.String("run_id", result.RunID.String()),
		slog.Int("images", len(result.Images)),
		slog.Int("positives", result.NumPositives()),
		slog.Int("negatives", result.NumNegatives()),
	)
	l.profiler.Log(l.logger, fmt.Sprintf("multibox timing %s", result.RunID))
	return result, nil
}

// Process runs Reshape then Forward.
func (l *Layer) Process(bottom Bottom) (*Result, error) {
	if err := l.Reshape(bottom); err != nil {
		return nil, err
	}
	return l.Forward()
}

func (l *Layer) processImage(img *boxes.Image) (ImageResult, error) {
	done := l.profiler.StartOperation("overlap")
	overlaps, err := matching.ComputeOverlaps(img, l.cfg.BackgroundLabel, l.cfg.ShareLocation)
	done()
	if err != nil {
		return ImageResult{}, err
	}

	done = l.profiler.StartOperation("match")
	matches, err := matching.Match(overlaps, l.cfg.MatchType, l.cfg.OverlapThreshold)
	done()
	if err != nil {
		return ImageResult{}, err
	}

	done = l.profiler.StartOperation("mine")
	negatives, err := l.miner.Mine(img.Predictions, matches)
	done()
	if err != nil {
		return ImageResult{}, err
	}

	return ImageResult{
		Image:     img,
		Overlaps:  overlaps,
		Matches:   matches,
		Negatives: negatives,
	}, nil
}
