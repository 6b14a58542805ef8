package multibox_test

import (
	"image"
	"image/color"
	"image/draw"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/anchors"
	"github.com/nvr-ai/go-multibox/boxes"
	"github.com/nvr-ai/go-multibox/geometry"
	"github.com/nvr-ai/go-multibox/labelmap"
	"github.com/nvr-ai/go-multibox/mining"
	"github.com/nvr-ai/go-multibox/multibox"
	"github.com/nvr-ai/go-multibox/preprocess"
	"github.com/nvr-ai/go-multibox/producers"
	"github.com/nvr-ai/go-multibox/ssd"
)

func gray(v uint8) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{R: v, G: v, B: v, A: 255}}, image.Point{}, draw.Src)
	return img
}

// anchorEcho predicts the anchors themselves as locations.
func anchorEcho(t *testing.T, cfg ssd.Config) ssd.Producer {
	gen, err := anchors.NewGenerator(cfg.Range, cfg.DefaultBoxes, cfg.Variances)
	require.NoError(t, err)
	return ssd.ProducerFunc(func(input tensor.Tensor) (tensor.Tensor, error) {
		s := input.Shape()
		def, err := gen.Generate(s[2:])
		if err != nil {
			return nil, err
		}
		coords := def.Data().([]float32)[:gen.Channels()*s[2]*s[3]]
		var data []float32
		for n := 0; n < s[0]; n++ {
			data = append(data, coords...)
		}
		return tensor.New(tensor.WithShape(s[0], gen.Channels(), s[2], s[3]), tensor.WithBacking(data)), nil
	})
}

func TestPipeline(t *testing.T) {
	pre, err := preprocess.New(preprocess.Config{Width: 4, Height: 4, Normalization: preprocess.NormalizeZeroToOne})
	require.NoError(t, err)
	features, transforms, err := pre.Batch([]image.Image{gray(40), gray(200)}, 2)
	require.NoError(t, err)

	headCfg := ssd.Config{
		Range:         []int{4, 4},
		NumClasses:    3,
		ShareLocation: true,
		DefaultBoxes:  []anchors.ShapeSpec{{Size: 2, SideRatios: [][]float32{{1, 1}}}},
	}
	conf, err := producers.NewConv(producers.ConvConfig{
		InChannels:  3,
		OutChannels: 3,
		Kernel:      1,
		Weights:     make([]float32, 9),
		Bias:        []float32{0.1, 0.9, 0.2},
	})
	require.NoError(t, err)
	head, err := ssd.New(headCfg, anchorEcho(t, headCfg), conf)
	require.NoError(t, err)

	out, err := head.Forward(features, features)
	require.NoError(t, err)

	// One object per image, drawn on the anchor of cell (1, 1).
	object := transforms[0].NormalizeBox(image.Rect(1, 1, 5, 5))
	assert.InDeltaSlice(t, []float32{0.125, 0.125}, object.Min, 1e-6)
	var labels, locations []*tensor.Dense
	for range transforms {
		label, location, dropped, err := labelmap.Rasterize([]labelmap.Object{{Box: object, Label: 1}}, []int{4, 4})
		require.NoError(t, err)
		require.Zero(t, dropped)
		labels = append(labels, label)
		locations = append(locations, location)
	}
	label, err := labelmap.Stack(labels...)
	require.NoError(t, err)
	location, err := labelmap.Stack(locations...)
	require.NoError(t, err)

	cfg := multibox.DefaultConfig()
	cfg.NumClasses = 3
	layer, err := multibox.New(cfg)
	require.NoError(t, err)

	result, err := layer.Process(multibox.Bottom{
		Layers:      []multibox.LayerInput{multibox.LayerInput(out)},
		Label:       label,
		GroundTruth: location,
	})
	require.NoError(t, err)
	require.Len(t, result.Images, 2)

	for i, img := range result.Images {
		assert.Equal(t, map[int]struct{}{5: {}}, img.Matches.Positions(), "image %d", i)
		assert.Equal(t, 3, img.Matches.Len(), "one match per class slot")
		assert.Equal(t, []mining.Negative{
			{Class: 1, Index: 0, Confidence: 0.9},
			{Class: 1, Index: 1, Confidence: 0.9},
			{Class: 1, Index: 2, Confidence: 0.9},
		}, img.Negatives)

		anchor := img.Image.Anchor(boxes.PredictionRef{Class: 1, Index: 5})
		require.NotNil(t, anchor)
		assert.InDelta(t, 1, geometry.Overlap(anchor.Box, object), 1e-6)
	}
}
