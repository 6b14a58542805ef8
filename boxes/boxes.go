// Package boxes - Per-image box arenas decoded from network tensors.
//
// Cross references between ground-truth, default and predicted boxes are integer
// indices into the arenas of one Image. Values are copied out of the source tensors, so
// an Image stays valid after the tensors are reused for the next pass.
package boxes

import (
	"fmt"

	"github.com/nvr-ai/go-multibox/geometry"
)

// PredictionRef identifies a predicted box inside an Image.
type PredictionRef struct {
	// Class is the class slot the prediction belongs to.
	Class int `json:"class"`
	// Index is the position of the prediction within its class.
	Index int `json:"index"`
}

func (r PredictionRef) String() string {
	return fmt.Sprintf("c%d/%d", r.Class, r.Index)
}

// Less orders references by class, then index.
func (r PredictionRef) Less(o PredictionRef) bool {
	if r.Class != o.Class {
		return r.Class < o.Class
	}
	return r.Index < o.Index
}

// GroundTruth is an annotated box for one grid cell.
type GroundTruth struct {
	geometry.Box
	// Label is the class id. Negative labels mark cells without an object.
	Label int `json:"label"`
	// Cell is the spatial cell the box was read from.
	Cell int `json:"cell"`
}

// DefaultBox is an anchor box with its decoding variances.
type DefaultBox struct {
	geometry.Box
	// MinVariance and MaxVariance hold one variance per dimension.
	MinVariance []float32 `json:"min_variance"`
	MaxVariance []float32 `json:"max_variance"`
	// Layer is the pyramid layer the anchor came from.
	Layer int `json:"layer"`
	// Cell is the spatial cell within the layer.
	Cell int `json:"cell"`
	// Kind is the shape kind index.
	Kind int `json:"kind"`
	// Predictions lists the predicted boxes decoded from this anchor, one per class.
	Predictions []PredictionRef `json:"predictions"`
}

// Prediction is a box decoded from the location output, with its class confidence.
type Prediction struct {
	geometry.Box
	// Confidence is the raw confidence for the prediction's class.
	Confidence float32 `json:"confidence"`
	// Default is the index of the anchor this prediction was decoded from.
	Default int `json:"default"`
}

// Image holds every box decoded for one image of a batch.
type Image struct {
	// GroundTruth is indexed by spatial cell of the label tensor.
	GroundTruth []GroundTruth
	// Defaults is indexed by anchor id (cell-major, then shape kind, across layers).
	Defaults []DefaultBox
	// Predictions is indexed [class][anchor id].
	Predictions [][]Prediction
}

// NumClasses returns the number of class slots.
func (img *Image) NumClasses() int {
	return len(img.Predictions)
}

// NumPositions returns the number of anchor positions carrying predictions.
func (img *Image) NumPositions() int {
	if len(img.Predictions) == 0 {
		return 0
	}
	return len(img.Predictions[0])
}

// Prediction resolves a reference, or returns nil if it is out of range.
func (img *Image) Prediction(ref PredictionRef) *Prediction {
	if ref.Class < 0 || ref.Class >= len(img.Predictions) {
		return nil
	}
	preds := img.Predictions[ref.Class]
	if ref.Index < 0 || ref.Index >= len(preds) {
		return nil
	}
	return &preds[ref.Index]
}

// Anchor returns the default box a prediction was decoded from.
func (img *Image) Anchor(ref PredictionRef) *DefaultBox {
	p := img.Prediction(ref)
	if p == nil || p.Default < 0 || p.Default >= len(img.Defaults) {
		return nil
	}
	return &img.Defaults[p.Default]
}
