// Package preprocess - In-memory image to network input tensors.
package preprocess

import (
	"image"
	"image/color"
	"image/draw"
	"math"
	"sync"

	"github.com/nfnt/resize"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/geometry"
)

// NormalizationType defines how pixel values are normalized.
type NormalizationType int

const (
	// NormalizeNone keeps pixel values as 0-255.
	NormalizeNone NormalizationType = iota
	// NormalizeZeroToOne scales pixel values to [0, 1].
	NormalizeZeroToOne
	// NormalizeMinusOneToOne scales pixel values to [-1, 1].
	NormalizeMinusOneToOne
	// NormalizeStandardize applies per-channel mean and std.
	NormalizeStandardize
)

// Config defines the network input.
type Config struct {
	// Width and Height are the network input extent.
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
	// Normalization selects the pixel scaling.
	Normalization NormalizationType `json:"normalization" yaml:"normalization"`
	// Mean and Std are per RGB channel, for NormalizeStandardize.
	Mean []float32 `json:"mean,omitempty" yaml:"mean,omitempty"`
	Std  []float32 `json:"std,omitempty" yaml:"std,omitempty"`
	// KeepAspectRatio letterboxes instead of stretching.
	KeepAspectRatio bool `json:"keep_aspect_ratio" yaml:"keep_aspect_ratio"`
	// LetterboxColor fills the padding; black when nil.
	LetterboxColor color.Color `json:"-" yaml:"-"`
}

// Transform records how a source image was mapped onto the network input.
type Transform struct {
	// SourceWidth and SourceHeight are the original image size.
	SourceWidth  int `json:"source_width"`
	SourceHeight int `json:"source_height"`
	// ScaleX and ScaleY are the resize factors.
	ScaleX float64 `json:"scale_x"`
	ScaleY float64 `json:"scale_y"`
	// PadLeft and PadTop are the letterbox offsets in input pixels.
	PadLeft int `json:"pad_left"`
	PadTop  int `json:"pad_top"`
	// Width and Height are the network input extent.
	Width  int `json:"width"`
	Height int `json:"height"`
}

// NormalizeBox maps a source-pixel rectangle to a 2-D box in [0, 1] input coordinates.
// Dimension 0 is the row (y) axis and dimension 1 the column (x) axis, matching the
// [H, W] order of the tensors.
func (t Transform) NormalizeBox(r image.Rectangle) geometry.Box {
	y0 := (float64(r.Min.Y)*t.ScaleY + float64(t.PadTop)) / float64(t.Height)
	x0 := (float64(r.Min.X)*t.ScaleX + float64(t.PadLeft)) / float64(t.Width)
	y1 := (float64(r.Max.Y)*t.ScaleY + float64(t.PadTop)) / float64(t.Height)
	x1 := (float64(r.Max.X)*t.ScaleX + float64(t.PadLeft)) / float64(t.Width)
	return geometry.NewBox(
		[]float32{float32(y0), float32(x0)},
		[]float32{float32(y1), float32(x1)},
	)
}

// Preprocessor turns images into [3, H, W] float32 tensors.
type Preprocessor struct {
	cfg Config
}

// New validates the configuration.
//
// Arguments:
//   - cfg: The network input configuration.
//
// Returns:
//   - *Preprocessor: A ready preprocessor.
//   - error: If the size or standardization values are invalid.
//
// @example
// p, err := preprocess.New(preprocess.Config{Width: 300, Height: 300, Normalization: preprocess.NormalizeZeroToOne})
func New(cfg Config) (*Preprocessor, error) {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, errors.Errorf("invalid input size %dx%d", cfg.Width, cfg.Height)
	}
	if cfg.Normalization == NormalizeStandardize {
		if len(cfg.Mean) != 3 || len(cfg.Std) != 3 {
			return nil, errors.Errorf("standardize needs 3 means and 3 stds, got %d and %d", len(cfg.Mean), len(cfg.Std))
		}
		for c, s := range cfg.Std {
			if s == 0 {
				return nil, errors.Errorf("std for channel %d is zero", c)
			}
		}
	}
	if cfg.LetterboxColor == nil {
		cfg.LetterboxColor = color.Black
	}
	return &Preprocessor{cfg: cfg}, nil
}

// Preprocess resizes one image and converts it to a CHW tensor.
//
// Arguments:
//   - img: The source image.
//
// Returns:
//   - *tensor.Dense: The [3, Height, Width] input.
//   - Transform: The source to input mapping.
//   - error: If the image is empty.
func (p *Preprocessor) Preprocess(img image.Image) (*tensor.Dense, Transform, error) {
	if img == nil {
		return nil, Transform{}, errors.New("image is nil")
	}
	bounds := img.Bounds()
	if bounds.Dx() <= 0 || bounds.Dy() <= 0 {
		return nil, Transform{}, errors.Errorf("invalid image dimensions: %dx%d", bounds.Dx(), bounds.Dy())
	}

	resized, tr := p.resizeImage(img)
	data := p.imageToTensor(resized)
	p.normalize(data)
	return tensor.New(tensor.WithShape(3, p.cfg.Height, p.cfg.Width), tensor.WithBacking(data)), tr, nil
}

// Batch preprocesses images in parallel into one [N, 3, H, W] tensor.
//
// Arguments:
//   - images: The source images.
//   - maxConcurrency: Maximum number of images processed at once.
//
// Returns:
//   - *tensor.Dense: The batch input.
//   - []Transform: One transform per image.
//   - error: The first failure in image order.
func (p *Preprocessor) Batch(images []image.Image, maxConcurrency int) (*tensor.Dense, []Transform, error) {
	if len(images) == 0 {
		return nil, nil, errors.New("no images")
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 1
	}

	plane := 3 * p.cfg.Height * p.cfg.Width
	data := make([]float32, len(images)*plane)
	transforms := make([]Transform, len(images))
	errs := make([]error, len(images))

	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, img := range images {
		wg.Add(1)
		go func(idx int, img image.Image) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			t, tr, err := p.Preprocess(img)
			if err != nil {
				errs[idx] = errors.Wrapf(err, "failed to preprocess image %d", idx)
				return
			}
			copy(data[idx*plane:], t.Data().([]float32))
			transforms[idx] = tr
		}(i, img)
	}

	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return nil, nil, err
		}
	}
	return tensor.New(tensor.WithShape(len(images), 3, p.cfg.Height, p.cfg.Width), tensor.WithBacking(data)), transforms, nil
}

func (p *Preprocessor) resizeImage(img image.Image) (image.Image, Transform) {
	bounds := img.Bounds()
	srcWidth, srcHeight := bounds.Dx(), bounds.Dy()
	tr := Transform{
		SourceWidth:  srcWidth,
		SourceHeight: srcHeight,
		Width:        p.cfg.Width,
		Height:       p.cfg.Height,
	}

	scaleX := float64(p.cfg.Width) / float64(srcWidth)
	scaleY := float64(p.cfg.Height) / float64(srcHeight)
	if !p.cfg.KeepAspectRatio {
		tr.ScaleX, tr.ScaleY = scaleX, scaleY
		return resize.Resize(uint(p.cfg.Width), uint(p.cfg.Height), img, resize.Bilinear), tr
	}

	scale := math.Min(scaleX, scaleY)
	newWidth := max(1, int(float64(srcWidth)*scale))
	newHeight := max(1, int(float64(srcHeight)*scale))
	resized := resize.Resize(uint(newWidth), uint(newHeight), img, resize.Bilinear)

	tr.ScaleX, tr.ScaleY = scale, scale
	tr.PadLeft = (p.cfg.Width - newWidth) / 2
	tr.PadTop = (p.cfg.Height - newHeight) / 2

	letterboxed := image.NewRGBA(image.Rect(0, 0, p.cfg.Width, p.cfg.Height))
	draw.Draw(letterboxed, letterboxed.Bounds(), &image.Uniform{p.cfg.LetterboxColor}, image.Point{}, draw.Src)
	draw.Draw(letterboxed, image.Rect(tr.PadLeft, tr.PadTop, tr.PadLeft+newWidth, tr.PadTop+newHeight),
		resized, resized.Bounds().Min, draw.Src)
	return letterboxed, tr
}

func (p *Preprocessor) imageToTensor(img image.Image) []float32 {
	bounds := img.Bounds()
	width, height := p.cfg.Width, p.cfg.Height
	cells := width * height
	data := make([]float32, 3*cells)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			i := y*width + x
			data[i] = float32(r >> 8)
			data[cells+i] = float32(g >> 8)
			data[2*cells+i] = float32(b >> 8)
		}
	}
	return data
}

func (p *Preprocessor) normalize(data []float32) {
	switch p.cfg.Normalization {
	case NormalizeZeroToOne:
		for i := range data {
			data[i] /= 255.0
		}
	case NormalizeMinusOneToOne:
		for i := range data {
			data[i] = (data[i] / 127.5) - 1.0
		}
	case NormalizeStandardize:
		cells := len(data) / 3
		for c := 0; c < 3; c++ {
			mean, std := p.cfg.Mean[c], p.cfg.Std[c]
			for i := c * cells; i < (c+1)*cells; i++ {
				data[i] = (data[i] - mean) / std
			}
		}
	}
}
