package labelmap

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/geometry"
)

// Ignore is the label of a cell without an object.
const Ignore = -1

// Object is an annotated box in normalised input coordinates.
type Object struct {
	Box   geometry.Box `json:"box"`
	Label int          `json:"label"`
}

// Rasterize writes objects into the label and ground-truth location planes of one
// image. Each object lands in the cell containing its center; when several objects
// share a cell the first one is kept.
//
// Arguments:
//   - objects: The annotations.
//   - grid: Cells per dimension; its length is D.
//
// Returns:
//   - label: [1, grid...] with Ignore in empty cells.
//   - location: [2D, grid...], min corners then max corners.
//   - dropped: The number of objects that lost their cell to an earlier one.
//   - error: ErrFormat for an invalid grid, a box of the wrong dimension or a negative label.
func Rasterize(objects []Object, grid []int) (label, location *tensor.Dense, dropped int, err error) {
	dims := len(grid)
	if dims == 0 {
		return nil, nil, 0, errors.Wrap(ErrFormat, "empty grid")
	}
	cells := 1
	for d, n := range grid {
		if n <= 0 {
			return nil, nil, 0, errors.Wrapf(ErrFormat, "grid dimension %d must be positive, got %d", d, n)
		}
		cells *= n
	}

	labels := make([]float32, cells)
	for i := range labels {
		labels[i] = Ignore
	}
	locs := make([]float32, 2*dims*cells)

	for i, obj := range objects {
		if obj.Box.Dims() != dims {
			return nil, nil, 0, errors.Wrapf(ErrFormat, "object %d has %d dimensions, grid has %d", i, obj.Box.Dims(), dims)
		}
		if obj.Label < 0 {
			return nil, nil, 0, errors.Wrapf(ErrFormat, "object %d has negative label %d", i, obj.Label)
		}

		cell := 0
		for d, c := range obj.Box.Center() {
			idx := min(max(int(c*float32(grid[d])), 0), grid[d]-1)
			cell = cell*grid[d] + idx
		}
		if labels[cell] != Ignore {
			dropped++
			continue
		}

		labels[cell] = float32(obj.Label)
		for d := 0; d < dims; d++ {
			locs[d*cells+cell] = obj.Box.Min[d]
			locs[(dims+d)*cells+cell] = obj.Box.Max[d]
		}
	}

	label = tensor.New(tensor.WithShape(append([]int{1}, grid...)...), tensor.WithBacking(labels))
	location = tensor.New(tensor.WithShape(append([]int{2 * dims}, grid...)...), tensor.WithBacking(locs))
	return label, location, dropped, nil
}
