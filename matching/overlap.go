// Package matching - Ground-truth to prediction overlap and assignment.
package matching

import (
	"maps"
	"slices"

	"github.com/pkg/errors"

	"github.com/nvr-ai/go-multibox/boxes"
	"github.com/nvr-ai/go-multibox/geometry"
)

var (
	// ErrBackgroundLabel is returned when a ground-truth box carries the background label.
	ErrBackgroundLabel = errors.New("background label used as a positive label")
	// ErrInvalidLabel is returned when a ground-truth label has no class slot. The label
	// and confidence tensors disagree, so it also matches boxes.ErrShapeMismatch.
	ErrInvalidLabel = errors.Wrap(boxes.ErrShapeMismatch, "ground truth label out of range")
)

// classTable holds the overlaps of one class in both traversal orders.
type classTable struct {
	byGT   map[int]map[boxes.PredictionRef]float32
	byCand map[boxes.PredictionRef]map[int]float32
}

// OverlapTable records the Jaccard overlap between ground-truth boxes and candidate
// predictions, per class, in both directions.
//
// A table is built for a single image and is not safe for concurrent mutation.
type OverlapTable struct {
	classes map[int]*classTable
}

// NewOverlapTable creates an empty table.
func NewOverlapTable() *OverlapTable {
	return &OverlapTable{classes: make(map[int]*classTable)}
}

// Set records the overlap between a ground-truth box and a candidate in both directions.
func (t *OverlapTable) Set(class, gt int, cand boxes.PredictionRef, overlap float32) {
	ct, ok := t.classes[class]
	if !ok {
		ct = &classTable{
			byGT:   make(map[int]map[boxes.PredictionRef]float32),
			byCand: make(map[boxes.PredictionRef]map[int]float32),
		}
		t.classes[class] = ct
	}
	if ct.byGT[gt] == nil {
		ct.byGT[gt] = make(map[boxes.PredictionRef]float32)
	}
	if ct.byCand[cand] == nil {
		ct.byCand[cand] = make(map[int]float32)
	}
	ct.byGT[gt][cand] = overlap
	ct.byCand[cand][gt] = overlap
}

// Get returns the overlap between a ground-truth box and a candidate, and whether it
// was recorded.
func (t *OverlapTable) Get(class, gt int, cand boxes.PredictionRef) (float32, bool) {
	ct, ok := t.classes[class]
	if !ok {
		return 0, false
	}
	v, ok := ct.byGT[gt][cand]
	return v, ok
}

// Reverse looks the same pair up from the candidate side.
func (t *OverlapTable) Reverse(class int, cand boxes.PredictionRef, gt int) (float32, bool) {
	ct, ok := t.classes[class]
	if !ok {
		return 0, false
	}
	v, ok := ct.byCand[cand][gt]
	return v, ok
}

// Classes returns the classes present in the table, ascending.
func (t *OverlapTable) Classes() []int {
	return slices.Sorted(maps.Keys(t.classes))
}

// GroundTruth returns the ground-truth ids recorded for a class, ascending.
func (t *OverlapTable) GroundTruth(class int) []int {
	ct, ok := t.classes[class]
	if !ok {
		return nil
	}
	return slices.Sorted(maps.Keys(ct.byGT))
}

// Candidates returns the candidates recorded for a class, ordered by class then index.
func (t *OverlapTable) Candidates(class int) []boxes.PredictionRef {
	ct, ok := t.classes[class]
	if !ok {
		return nil
	}
	return sortRefs(slices.Collect(maps.Keys(ct.byCand)))
}

// Len returns the number of recorded pairs.
func (t *OverlapTable) Len() int {
	n := 0
	for _, ct := range t.classes {
		for _, m := range ct.byGT {
			n += len(m)
		}
	}
	return n
}

func sortRefs(refs []boxes.PredictionRef) []boxes.PredictionRef {
	slices.SortFunc(refs, func(a, b boxes.PredictionRef) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
	return refs
}

// ComputeOverlaps records the overlap of every usable ground-truth box against the
// candidate predictions of one image.
//
// Ground truth with a negative label marks an empty cell and is skipped, as is ground
// truth with degenerate geometry. With shared locations every class's predictions are
// candidates; otherwise only the predictions of the ground truth's own class are.
//
// Arguments:
//   - img: The decoded image.
//   - background: The background label id.
//   - shareLocation: Whether classes share location predictions.
//
// Returns:
//   - *OverlapTable: The populated table.
//   - error: ErrBackgroundLabel or ErrInvalidLabel on labelling bugs upstream.
//
// @example
// table, err := matching.ComputeOverlaps(&batch.Images[0], 0, true)
//
//	if err != nil {
//	    return err
//	}
func ComputeOverlaps(img *boxes.Image, background int, shareLocation bool) (*OverlapTable, error) {
	table := NewOverlapTable()
	numClasses := img.NumClasses()

	for id, gt := range img.GroundTruth {
		if gt.Label < 0 || !gt.Valid() {
			continue
		}
		if gt.Label == background {
			return nil, errors.Wrapf(ErrBackgroundLabel, "ground truth %d (cell %d) has label %d", id, gt.Cell, gt.Label)
		}
		if gt.Label >= numClasses {
			return nil, errors.Wrapf(ErrInvalidLabel, "ground truth %d has label %d, only %d classes",
				id, gt.Label, numClasses)
		}

		if shareLocation {
			for c := 0; c < numClasses; c++ {
				record(table, c, id, gt.Box, img.Predictions[c])
			}
			continue
		}
		record(table, gt.Label, id, gt.Box, img.Predictions[gt.Label])
	}

	return table, nil
}

func record(table *OverlapTable, class, gt int, box geometry.Box, preds []boxes.Prediction) {
	for j := range preds {
		ref := boxes.PredictionRef{Class: class, Index: j}
		table.Set(class, gt, ref, geometry.Overlap(box, preds[j].Box))
	}
}
