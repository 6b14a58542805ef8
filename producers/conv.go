// Package producers - Producer implementations for the SSD head.
package producers

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/ssd"
)

var (
	_ ssd.Producer = (*Conv)(nil)
	_ ssd.Producer = (*ONNX)(nil)
)

// ConvConfig describes a same-padded, stride 1 2-D convolution.
type ConvConfig struct {
	// InChannels is the channel count of the feature map.
	InChannels int `json:"in_channels" yaml:"in_channels"`
	// OutChannels is the channel count produced, e.g. ssd.Head.LocationChannels().
	OutChannels int `json:"out_channels" yaml:"out_channels"`
	// Kernel is the odd kernel edge length.
	Kernel int `json:"kernel" yaml:"kernel"`
	// Weights is [OutChannels, InChannels, Kernel, Kernel] row-major. Glorot-normal
	// weights are drawn when empty.
	Weights []float32 `json:"weights,omitempty" yaml:"weights,omitempty"`
	// Bias holds one value per output channel; zero when empty.
	Bias []float32 `json:"bias,omitempty" yaml:"bias,omitempty"`
}

// Conv produces a head tensor with a gorgonia convolution over an [N, C, H, W] input.
type Conv struct {
	cfg     ConvConfig
	weights *tensor.Dense
	bias    []float32
}

// NewConv validates the configuration and prepares the kernel.
//
// Arguments:
//   - cfg: The convolution configuration.
//
// Returns:
//   - *Conv: The producer.
//   - error: If a size or the weight/bias length is invalid.
//
// @example
// loc, err := producers.NewConv(producers.ConvConfig{InChannels: 256, OutChannels: head.LocationChannels(), Kernel: 3})
func NewConv(cfg ConvConfig) (*Conv, error) {
	if cfg.InChannels <= 0 || cfg.OutChannels <= 0 {
		return nil, errors.Errorf("conv channels must be positive, got in=%d out=%d", cfg.InChannels, cfg.OutChannels)
	}
	if cfg.Kernel <= 0 || cfg.Kernel%2 == 0 {
		return nil, errors.Errorf("conv kernel must be odd and positive, got %d", cfg.Kernel)
	}

	size := cfg.OutChannels * cfg.InChannels * cfg.Kernel * cfg.Kernel
	weights := cfg.Weights
	switch len(weights) {
	case 0:
		weights = G.GlorotN(1)(tensor.Float32, cfg.OutChannels, cfg.InChannels, cfg.Kernel, cfg.Kernel).([]float32)
	case size:
		weights = append([]float32(nil), weights...)
	default:
		return nil, errors.Errorf("conv weights: got %d values, want %d", len(weights), size)
	}

	bias := make([]float32, cfg.OutChannels)
	if len(cfg.Bias) != 0 {
		if len(cfg.Bias) != cfg.OutChannels {
			return nil, errors.Errorf("conv bias: got %d values, want %d", len(cfg.Bias), cfg.OutChannels)
		}
		copy(bias, cfg.Bias)
	}

	return &Conv{
		cfg: cfg,
		weights: tensor.New(
			tensor.WithShape(cfg.OutChannels, cfg.InChannels, cfg.Kernel, cfg.Kernel),
			tensor.WithBacking(weights),
		),
		bias: bias,
	}, nil
}

// Produce convolves the input. The graph is built per call, so the spatial size may
// change between calls.
func (c *Conv) Produce(input tensor.Tensor) (tensor.Tensor, error) {
	x, err := denseFloat32(input)
	if err != nil {
		return nil, err
	}
	s := x.Shape()
	if len(s) != 4 {
		return nil, errors.Errorf("conv input must be [N, C, H, W], got %v", s)
	}
	if s[1] != c.cfg.InChannels {
		return nil, errors.Errorf("conv input has %d channels, want %d", s[1], c.cfg.InChannels)
	}

	g := G.NewGraph()
	in := G.NewTensor(g, tensor.Float32, 4, G.WithShape(s...), G.WithName("input"))
	kernel := G.NewTensor(g, tensor.Float32, 4, G.WithShape(c.weights.Shape()...), G.WithName("kernel"), G.WithValue(c.weights))

	pad := c.cfg.Kernel / 2
	out, err := G.Conv2d(in, kernel, tensor.Shape{c.cfg.Kernel, c.cfg.Kernel}, []int{pad, pad}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrap(err, "building conv graph")
	}

	if err := G.Let(in, x); err != nil {
		return nil, errors.Wrap(err, "binding conv input")
	}
	tm := G.NewTapeMachine(g)
	defer tm.Close()
	if err := tm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "running conv graph")
	}

	result, ok := out.Value().(tensor.Tensor)
	if !ok {
		return nil, errors.New("conv graph produced no tensor")
	}
	data := append([]float32(nil), result.Data().([]float32)...)

	// Per output channel bias.
	cells := s[2] * s[3]
	for n := 0; n < s[0]; n++ {
		for ch, b := range c.bias {
			base := (n*c.cfg.OutChannels + ch) * cells
			for i := 0; i < cells; i++ {
				data[base+i] += b
			}
		}
	}

	return tensor.New(tensor.WithShape(s[0], c.cfg.OutChannels, s[2], s[3]), tensor.WithBacking(data)), nil
}

// denseFloat32 returns the input as a contiguous float32 dense tensor.
func denseFloat32(t tensor.Tensor) (*tensor.Dense, error) {
	if t == nil {
		return nil, errors.New("nil input tensor")
	}
	if t.Dtype() != tensor.Float32 {
		return nil, errors.Errorf("input dtype %v, want float32", t.Dtype())
	}
	if v, ok := t.(tensor.View); ok && v.IsMaterializable() {
		t = v.Materialize()
	}
	d, ok := t.(*tensor.Dense)
	if !ok {
		return nil, errors.Errorf("unsupported tensor type %T", t)
	}
	return d, nil
}
