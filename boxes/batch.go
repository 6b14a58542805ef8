package boxes

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// Batch accumulates the boxes of one forward pass: ground truth plus the anchors and
// predictions of every detection layer, per image.
type Batch struct {
	Dims          int
	NumClasses    int
	ShareLocation bool
	Images        []Image

	layers int
}

// NewBatch creates an empty batch.
//
// Arguments:
//   - dims: The number of box dimensions D.
//   - numClasses: The number of classes, background included.
//   - shareLocation: Whether classes share location predictions.
//
// Returns:
//   - *Batch: An empty batch.
func NewBatch(dims, numClasses int, shareLocation bool) *Batch {
	return &Batch{
		Dims:          dims,
		NumClasses:    numClasses,
		ShareLocation: shareLocation,
	}
}

// Layers returns the number of detection layers appended so far.
func (b *Batch) Layers() int {
	return b.layers
}

// SetGroundTruth decodes the label and location tensors into every image.
func (b *Batch) SetGroundTruth(label, location tensor.Tensor) error {
	gt, err := ExtractGroundTruth(label, location, b.Dims)
	if err != nil {
		return errors.Wrap(err, "extracting ground truth")
	}
	if len(b.Images) == 0 {
		b.Images = make([]Image, len(gt))
	}
	if len(gt) != len(b.Images) {
		return errors.Wrapf(ErrShapeMismatch, "ground truth batch %d != prediction batch %d", len(gt), len(b.Images))
	}
	for n := range gt {
		b.Images[n].GroundTruth = gt[n]
	}
	return nil
}

// AppendLayer decodes one detection layer and appends its anchors and predictions.
func (b *Batch) AppendLayer(defLocation, predLocation, predConfidence tensor.Tensor) error {
	if err := appendPredictions(&b.Images, b.layers, defLocation, predLocation, predConfidence,
		b.Dims, b.ShareLocation, b.NumClasses); err != nil {
		return errors.Wrapf(err, "extracting layer %d", b.layers)
	}
	b.layers++
	return nil
}
