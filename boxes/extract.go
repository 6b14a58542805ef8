package boxes

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/geometry"
)

// ExtractGroundTruth decodes the label and location tensors into ground-truth boxes.
//
// The label tensor is [N, 1, spatial...] and the location tensor [N, 2D, spatial...]
// with the same spatial shape. Every spatial cell yields one GroundTruth whose min
// corner is read from location channels 0..D-1 and max corner from D..2D-1.
//
// Arguments:
//   - label: The per-cell class labels.
//   - location: The per-cell ground-truth corners.
//   - dims: The number of box dimensions D.
//
// Returns:
//   - [][]GroundTruth: Boxes indexed [image][cell].
//   - error: ErrShapeMismatch when the tensors break the contract.
//
// @example
// gt, err := boxes.ExtractGroundTruth(label, location, 2)
//
//	if err != nil {
//	    return err
//	}
func ExtractGroundTruth(label, location tensor.Tensor, dims int) ([][]GroundTruth, error) {
	if label == nil || location == nil {
		return nil, errors.Wrap(ErrShapeMismatch, "label and location tensors are required")
	}
	cells, err := spatial("label", label, dims)
	if err != nil {
		return nil, err
	}
	if _, err := spatial("location", location, dims); err != nil {
		return nil, err
	}

	ls, gs := label.Shape(), location.Shape()
	if ls[0] != gs[0] {
		return nil, errors.Wrapf(ErrShapeMismatch, "label batch %d != location batch %d", ls[0], gs[0])
	}
	if ls[1] != 1 {
		return nil, errors.Wrapf(ErrShapeMismatch, "label tensor must have 1 channel, got %d", ls[1])
	}
	if gs[1] != 2*dims {
		return nil, errors.Wrapf(ErrShapeMismatch, "location tensor must have %d channels, got %d", 2*dims, gs[1])
	}
	if !sameSpatial(ls, gs) {
		return nil, errors.Wrapf(ErrShapeMismatch, "label shape %v and location shape %v differ spatially", ls, gs)
	}

	labels, err := float32Data("label", label)
	if err != nil {
		return nil, err
	}
	locs, err := float32Data("location", location)
	if err != nil {
		return nil, err
	}

	num := ls[0]
	out := make([][]GroundTruth, num)
	for n := 0; n < num; n++ {
		base := n * 2 * dims * cells
		out[n] = make([]GroundTruth, cells)
		for i := 0; i < cells; i++ {
			box := geometry.Box{
				Min: make([]float32, dims),
				Max: make([]float32, dims),
			}
			for d := 0; d < dims; d++ {
				box.Min[d] = locs[base+d*cells+i]
				box.Max[d] = locs[base+(d+dims)*cells+i]
			}
			out[n][i] = GroundTruth{
				Box:   box,
				Label: int(math32.Round(labels[n*cells+i])),
				Cell:  i,
			}
		}
	}

	return out, nil
}

// ExtractPredictions decodes one detection layer into default and predicted boxes.
//
// Tensor layouts, with K shape kinds, C classes and L = 1 (shared) or C location slots:
//
//	default location:  [2, K*2D, spatial...]  plane 0 boxes, plane 1 variances
//	pred location:     [N, K*L*2D, spatial...] channel (k*L + l)*2D + j
//	pred confidence:   [N, K*C, spatial...]    channel k*C + c
//
// Arguments:
//   - defLocation: The default-location tensor.
//   - predLocation: The predicted-location tensor.
//   - predConfidence: The predicted-confidence tensor.
//   - dims: The number of box dimensions D.
//   - shareLocation: Whether all classes share one location per anchor.
//   - numClasses: The number of classes C.
//
// Returns:
//   - []Image: One image per batch entry with Defaults and Predictions filled in.
//   - error: ErrShapeMismatch when the tensors break the contract.
func ExtractPredictions(defLocation, predLocation, predConfidence tensor.Tensor,
	dims int, shareLocation bool, numClasses int) ([]Image, error) {
	var images []Image
	if err := appendPredictions(&images, 0, defLocation, predLocation, predConfidence,
		dims, shareLocation, numClasses); err != nil {
		return nil, err
	}
	return images, nil
}

func appendPredictions(images *[]Image, layer int, defLocation, predLocation, predConfidence tensor.Tensor,
	dims int, shareLocation bool, numClasses int) error {
	if defLocation == nil || predLocation == nil || predConfidence == nil {
		return errors.Wrap(ErrShapeMismatch, "default location, location and confidence tensors are required")
	}
	if numClasses <= 0 {
		return errors.Wrapf(ErrShapeMismatch, "number of classes must be positive, got %d", numClasses)
	}
	cells, err := spatial("default location", defLocation, dims)
	if err != nil {
		return err
	}
	if _, err := spatial("location", predLocation, dims); err != nil {
		return err
	}
	if _, err := spatial("confidence", predConfidence, dims); err != nil {
		return err
	}

	ds, ps, cs := defLocation.Shape(), predLocation.Shape(), predConfidence.Shape()
	if !sameSpatial(ds, ps) || !sameSpatial(ds, cs) {
		return errors.Wrapf(ErrShapeMismatch, "spatial shapes differ: default %v, location %v, confidence %v", ds, ps, cs)
	}
	if ds[0] != 2 {
		return errors.Wrapf(ErrShapeMismatch, "default location must have 2 planes, got %d", ds[0])
	}
	num := ps[0]
	if cs[0] != num {
		return errors.Wrapf(ErrShapeMismatch, "location batch %d != confidence batch %d", num, cs[0])
	}

	defChannels, locChannels, confChannels := ds[1], ps[1], cs[1]
	if defChannels == 0 || defChannels%(2*dims) != 0 {
		return errors.Wrapf(ErrShapeMismatch, "default location channels %d not a multiple of %d", defChannels, 2*dims)
	}
	kinds := defChannels / (2 * dims)
	if locChannels%kinds != 0 {
		return errors.Wrapf(ErrShapeMismatch, "location channels %d not a multiple of %d shape kinds", locChannels, kinds)
	}
	if numClasses > 1 && shareLocation != (locChannels == defChannels) {
		return errors.Wrapf(ErrShapeMismatch, "share_location=%v inconsistent with location channels %d (default %d)",
			shareLocation, locChannels, defChannels)
	}
	locClasses := 1
	if !shareLocation {
		locClasses = numClasses
	}
	if locChannels != defChannels*locClasses {
		return errors.Wrapf(ErrShapeMismatch, "location channels %d, want %d", locChannels, defChannels*locClasses)
	}
	if confChannels != kinds*numClasses {
		return errors.Wrapf(ErrShapeMismatch, "confidence channels %d, want %d", confChannels, kinds*numClasses)
	}

	defData, err := float32Data("default location", defLocation)
	if err != nil {
		return err
	}
	locData, err := float32Data("location", predLocation)
	if err != nil {
		return err
	}
	confData, err := float32Data("confidence", predConfidence)
	if err != nil {
		return err
	}

	if len(*images) == 0 {
		*images = make([]Image, num)
	}
	if len(*images) != num {
		return errors.Wrapf(ErrShapeMismatch, "layer batch %d != existing batch %d", num, len(*images))
	}

	// Checked up front so a failing layer leaves every image untouched.
	for n, img := range *images {
		if img.Predictions != nil && len(img.Predictions) != numClasses {
			return errors.Wrapf(ErrShapeMismatch, "image %d has %d classes, layer has %d", n, len(img.Predictions), numClasses)
		}
	}

	varData := defData[defChannels*cells:]
	for n := 0; n < num; n++ {
		img := &(*images)[n]
		if img.Predictions == nil {
			img.Predictions = make([][]Prediction, numClasses)
		}

		locBase := n * locChannels * cells
		confBase := n * confChannels * cells
		for i := 0; i < cells; i++ {
			for k := 0; k < kinds; k++ {
				def := DefaultBox{
					Box: geometry.Box{
						Min: make([]float32, dims),
						Max: make([]float32, dims),
					},
					MinVariance: make([]float32, dims),
					MaxVariance: make([]float32, dims),
					Layer:       layer,
					Cell:        i,
					Kind:        k,
					Predictions: make([]PredictionRef, 0, numClasses),
				}
				start := 2 * k * dims
				for d := 0; d < dims; d++ {
					minIdx := (start+d)*cells + i
					maxIdx := (start+dims+d)*cells + i
					def.Min[d] = defData[minIdx]
					def.Max[d] = defData[maxIdx]
					def.MinVariance[d] = varData[minIdx]
					def.MaxVariance[d] = varData[maxIdx]
				}

				defID := len(img.Defaults)
				for c := 0; c < numClasses; c++ {
					l := 0
					if !shareLocation {
						l = c
					}
					pred := Prediction{
						Box: geometry.Box{
							Min: make([]float32, dims),
							Max: make([]float32, dims),
						},
						Confidence: confData[confBase+(k*numClasses+c)*cells+i],
						Default:    defID,
					}
					locStart := (k*locClasses + l) * 2 * dims
					for d := 0; d < dims; d++ {
						pred.Min[d] = locData[locBase+(locStart+d)*cells+i]
						pred.Max[d] = locData[locBase+(locStart+dims+d)*cells+i]
					}
					def.Predictions = append(def.Predictions, PredictionRef{Class: c, Index: len(img.Predictions[c])})
					img.Predictions[c] = append(img.Predictions[c], pred)
				}
				img.Defaults = append(img.Defaults, def)
			}
		}
	}

	return nil
}
