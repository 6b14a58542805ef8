package postprocess

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvr-ai/go-multibox/boxes"
	"github.com/nvr-ai/go-multibox/geometry"
)

func box(min0, min1, max0, max1 float32) geometry.Box {
	return geometry.NewBox([]float32{min0, min1}, []float32{max0, max1})
}

func testImage() *boxes.Image {
	locs := []geometry.Box{
		box(0, 0, 0.5, 0.5),
		box(0, 0, 0.5, 0.45),
		box(0.5, 0.5, 1, 1),
	}
	confs := [][]float32{
		{0.9, 0.9, 0.9},
		{0.8, 0.7, 0.2},
		{0.3, 0.75, 0.6},
	}
	img := &boxes.Image{Predictions: make([][]boxes.Prediction, len(confs))}
	for c, row := range confs {
		for i, conf := range row {
			img.Predictions[c] = append(img.Predictions[c], boxes.Prediction{Box: locs[i], Confidence: conf, Default: i})
		}
	}
	return img
}

func refs(dets []Detection) []boxes.PredictionRef {
	out := make([]boxes.PredictionRef, len(dets))
	for i, d := range dets {
		out[i] = d.Ref
	}
	return out
}

func TestDetections(t *testing.T) {
	dets := Detections(testImage(), 0, 0.5)
	assert.Equal(t, []boxes.PredictionRef{
		{Class: 1, Index: 0},
		{Class: 2, Index: 1},
		{Class: 1, Index: 1},
		{Class: 2, Index: 2},
	}, refs(dets))
	assert.Equal(t, 2, dets[1].Class())

	assert.Empty(t, Detections(testImage(), 0, 0.95))
}

func TestApplyNMS(t *testing.T) {
	tests := []struct {
		name     string
		config   NMSConfig
		expected []boxes.PredictionRef
	}{
		{
			name:   "class agnostic",
			config: NMSConfig{IoUThreshold: 0.5},
			expected: []boxes.PredictionRef{
				{Class: 1, Index: 0},
				{Class: 2, Index: 2},
			},
		},
		{
			name:   "class aware",
			config: NMSConfig{IoUThreshold: 0.5, ClassAware: true},
			expected: []boxes.PredictionRef{
				{Class: 1, Index: 0},
				{Class: 2, Index: 1},
				{Class: 2, Index: 2},
			},
		},
		{
			name:   "top k",
			config: NMSConfig{IoUThreshold: 0.5, ClassAware: true, TopK: 2},
			expected: []boxes.PredictionRef{
				{Class: 1, Index: 0},
				{Class: 2, Index: 1},
			},
		},
		{
			name:   "high threshold still drops identical boxes",
			config: NMSConfig{IoUThreshold: 0.95},
			expected: []boxes.PredictionRef{
				{Class: 1, Index: 0},
				{Class: 2, Index: 1},
				{Class: 2, Index: 2},
			},
		},
		{
			name:   "threshold one keeps everything",
			config: NMSConfig{IoUThreshold: 1},
			expected: []boxes.PredictionRef{
				{Class: 1, Index: 0},
				{Class: 2, Index: 1},
				{Class: 1, Index: 1},
				{Class: 2, Index: 2},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			kept := ApplyNMS(Detections(testImage(), 0, 0.5), tt.config)
			require.NotNil(t, kept)
			assert.Equal(t, tt.expected, refs(kept))
		})
	}

	assert.Nil(t, ApplyNMS(nil, NMSConfig{IoUThreshold: 0.5}))
}
