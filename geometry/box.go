// Package geometry - Axis-aligned boxes in normalized coordinate space.
package geometry

import (
	"fmt"
	"strings"

	"github.com/chewxy/math32"
)

// Box is a D-dimensional axis-aligned region in normalized [0,1] space.
//
// Min and Max hold one coordinate per dimension. A box whose Min exceeds its Max in
// any dimension is degenerate: it is never an error, it simply overlaps nothing.
type Box struct {
	Min []float32 `json:"min"`
	Max []float32 `json:"max"`
}

// NewBox creates a box from its min and max corners.
//
// Arguments:
//   - min: The lower corner, one value per dimension.
//   - max: The upper corner, one value per dimension.
//
// Returns:
//   - Box: A box owning copies of both corners.
//
// @example
// b := geometry.NewBox([]float32{0.1, 0.1}, []float32{0.4, 0.3})
func NewBox(min, max []float32) Box {
	b := Box{
		Min: make([]float32, len(min)),
		Max: make([]float32, len(max)),
	}
	copy(b.Min, min)
	copy(b.Max, max)
	return b
}

// Dims returns the number of dimensions, or -1 if the corners disagree.
func (b Box) Dims() int {
	if len(b.Min) != len(b.Max) {
		return -1
	}
	return len(b.Min)
}

// Valid reports whether every dimension has a strictly positive extent.
func (b Box) Valid() bool {
	if b.Dims() <= 0 {
		return false
	}
	for d := range b.Min {
		if b.Max[d] <= b.Min[d] {
			return false
		}
	}
	return true
}

// Size returns the per-dimension extent of the box.
func (b Box) Size() []float32 {
	size := make([]float32, len(b.Min))
	for d := range b.Min {
		size[d] = b.Max[d] - b.Min[d]
	}
	return size
}

// Center returns the per-dimension midpoint of the box.
func (b Box) Center() []float32 {
	center := make([]float32, len(b.Min))
	for d := range b.Min {
		center[d] = (b.Min[d] + b.Max[d]) / 2
	}
	return center
}

// Volume returns the product of the extents. Degenerate boxes may return zero or a
// negative value.
func (b Box) Volume() float32 {
	v := float32(1)
	for d := range b.Min {
		v *= b.Max[d] - b.Min[d]
	}
	return v
}

func (b Box) String() string {
	var sb strings.Builder
	sb.WriteString("Box[")
	for d := range b.Min {
		if d > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%.4f:%.4f", b.Min[d], b.Max[d])
	}
	sb.WriteString("]")
	return sb.String()
}

// Overlap computes the generalized Jaccard overlap (IoU) of two boxes.
//
// The intersection length is computed per dimension. As soon as one dimension does not
// intersect (length <= 0) the result is exactly 0 and nothing else is computed, so
// degenerate boxes never divide by zero. Boxes of different dimensionality do not
// overlap.
//
//	IoU = intersection / (volume(a) + volume(b) - intersection)
//
// Arguments:
//   - a: The first box.
//   - b: The second box.
//
// Returns:
//   - float32: A value in [0, 1]; 1 for identical non-degenerate boxes.
//
// @example
// a := geometry.NewBox([]float32{0, 0}, []float32{0.5, 0.5})
// b := geometry.NewBox([]float32{0.25, 0.25}, []float32{0.75, 0.75})
// iou := geometry.Overlap(a, b) // 0.0625 / (0.25 + 0.25 - 0.0625) = 0.142857
func Overlap(a, b Box) float32 {
	dims := a.Dims()
	if dims <= 0 || dims != b.Dims() {
		return 0
	}

	inter := float32(1)
	for d := 0; d < dims; d++ {
		length := math32.Min(a.Max[d], b.Max[d]) - math32.Max(a.Min[d], b.Min[d])
		if length <= 0 {
			return 0
		}
		inter *= length
	}

	return inter / (a.Volume() + b.Volume() - inter)
}
