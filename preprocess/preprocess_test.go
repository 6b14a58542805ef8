package preprocess

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Draw(img, img.Bounds(), &image.Uniform{c}, image.Point{}, draw.Src)
	return img
}

func TestPreprocessStretch(t *testing.T) {
	p, err := New(Config{Width: 8, Height: 8, Normalization: NormalizeZeroToOne})
	require.NoError(t, err)

	out, tr, err := p.Preprocess(solid(20, 10, color.RGBA{R: 255, G: 51, B: 0, A: 255}))
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 8, 8}, out.Shape())
	assert.Equal(t, Transform{SourceWidth: 20, SourceHeight: 10, ScaleX: 0.4, ScaleY: 0.8, Width: 8, Height: 8}, tr)

	data := out.Data().([]float32)
	for i := 0; i < 64; i++ {
		assert.InDelta(t, 1.0, data[i], 0.01)
		assert.InDelta(t, 0.2, data[64+i], 0.01)
		assert.InDelta(t, 0.0, data[128+i], 0.01)
	}
}

func TestPreprocessLetterbox(t *testing.T) {
	p, err := New(Config{Width: 8, Height: 8, Normalization: NormalizeNone, KeepAspectRatio: true})
	require.NoError(t, err)

	out, tr, err := p.Preprocess(solid(20, 10, color.White))
	require.NoError(t, err)
	assert.Equal(t, 0.4, tr.ScaleX)
	assert.Equal(t, 0, tr.PadLeft)
	assert.Equal(t, 2, tr.PadTop)

	data := out.Data().([]float32)
	for x := 0; x < 8; x++ {
		assert.Equal(t, float32(0), data[0*8+x], "top padding row")
		assert.Equal(t, float32(0), data[7*8+x], "bottom padding row")
		assert.InDelta(t, 255, data[4*8+x], 1, "image row")
	}
}

func TestNormalizeBox(t *testing.T) {
	tr := Transform{ScaleX: 0.4, ScaleY: 0.4, PadTop: 2, Width: 8, Height: 8}
	box := tr.NormalizeBox(image.Rect(0, 0, 10, 5))
	assert.InDeltaSlice(t, []float32{0.25, 0}, box.Min, 1e-6)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, box.Max, 1e-6)
}

func TestStandardize(t *testing.T) {
	p, err := New(Config{
		Width: 2, Height: 2,
		Normalization: NormalizeStandardize,
		Mean:          []float32{100, 0, 0},
		Std:           []float32{2, 1, 1},
	})
	require.NoError(t, err)
	out, _, err := p.Preprocess(solid(2, 2, color.RGBA{R: 110, A: 255}))
	require.NoError(t, err)
	assert.InDelta(t, 5, out.Data().([]float32)[0], 0.6)

	_, err = New(Config{Width: 2, Height: 2, Normalization: NormalizeStandardize})
	assert.Error(t, err)
	_, err = New(Config{Width: 2, Height: 2, Normalization: NormalizeStandardize,
		Mean: []float32{0, 0, 0}, Std: []float32{1, 0, 1}})
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	p, err := New(Config{Width: 4, Height: 4, Normalization: NormalizeZeroToOne})
	require.NoError(t, err)

	images := []image.Image{solid(8, 8, color.White), solid(8, 8, color.Black), solid(4, 2, color.White)}
	out, transforms, err := p.Batch(images, 2)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{3, 3, 4, 4}, out.Shape())
	require.Len(t, transforms, 3)
	assert.Equal(t, 2.0, transforms[2].ScaleY)

	data := out.Data().([]float32)
	plane := 3 * 16
	assert.InDelta(t, 1, data[0], 0.01)
	assert.InDelta(t, 0, data[plane], 0.01)
	assert.InDelta(t, 1, data[2*plane], 0.01)

	_, _, err = p.Batch([]image.Image{solid(4, 4, color.White), nil}, 0)
	assert.Error(t, err)
	_, _, err = p.Batch(nil, 1)
	assert.Error(t, err)
}

func TestNewErrors(t *testing.T) {
	_, err := New(Config{Width: 0, Height: 4})
	assert.Error(t, err)
}
