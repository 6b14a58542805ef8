// Package anchors - Default (anchor) box generation over a spatial grid.
package anchors

import (
	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/geometry"
)

// ErrConfig is returned for any invalid default-box configuration.
var ErrConfig = errors.New("invalid default box configuration")

// ShapeSpec describes one configured default box: a base size and the side ratios it is
// stretched to. Each entry of SideRatios produces one box shape.
type ShapeSpec struct {
	// Size is the base edge length in input units.
	Size float32 `json:"size" yaml:"size"`
	// SideRatios holds one ratio per dimension for every shape derived from Size.
	SideRatios [][]float32 `json:"side_ratios" yaml:"side_ratios"`
}

// Shapes expands shape specs into per-dimension box sizes.
//
// Every side-ratio set is normalised so that the geometric mean of its ratios is 1:
//
//	shape[d] = size * ratio[d] / (ratio[0] * ... * ratio[D-1])^(1/D)
//
// Arguments:
//   - specs: The configured default boxes.
//   - dims: The number of spatial dimensions D.
//
// Returns:
//   - [][]float32: One size vector of length D per shape kind.
//   - error: ErrConfig when a size, a ratio count or a ratio product is invalid.
//
// @example
// shapes, err := anchors.Shapes([]anchors.ShapeSpec{{Size: 30, SideRatios: [][]float32{{1, 1}, {1, 2}}}}, 2)
// // shapes == [[30 30] [21.213 42.426]]
func Shapes(specs []ShapeSpec, dims int) ([][]float32, error) {
	if dims <= 0 {
		return nil, errors.Wrapf(ErrConfig, "box dimensions must be positive, got %d", dims)
	}
	if len(specs) == 0 {
		return nil, errors.Wrap(ErrConfig, "no default boxes configured")
	}

	var shapes [][]float32
	for i, spec := range specs {
		if spec.Size <= 0 {
			return nil, errors.Wrapf(ErrConfig, "default box %d: size must be positive, got %v", i, spec.Size)
		}
		if len(spec.SideRatios) == 0 {
			return nil, errors.Wrapf(ErrConfig, "default box %d: no side ratios", i)
		}
		for j, ratios := range spec.SideRatios {
			if len(ratios) != dims {
				return nil, errors.Wrapf(ErrConfig, "default box %d ratio %d: got %d ratios for %d dimensions",
					i, j, len(ratios), dims)
			}
			product := float32(1)
			shape := make([]float32, dims)
			for d, r := range ratios {
				product *= r
				shape[d] = r * spec.Size
			}
			if product <= 0 {
				return nil, errors.Wrapf(ErrConfig, "default box %d ratio %d: ratio product must be positive, got %v",
					i, j, product)
			}
			mean := math32.Pow(product, 1/float32(dims))
			for d := range shape {
				shape[d] /= mean
			}
			shapes = append(shapes, shape)
		}
	}

	return shapes, nil
}

// Variances expands a configured variance list to one value per box coordinate.
//
// The result has 2*dims entries: the min variances for dimensions 0..D-1 followed by
// the max variances. An empty list defaults to 1.0 everywhere, a single value is
// broadcast, dims values apply to both min and max of their dimension, and 2*dims
// values are used as given.
//
// Arguments:
//   - values: The configured variances.
//   - dims: The number of spatial dimensions D.
//
// Returns:
//   - []float32: The expanded variances.
//   - error: ErrConfig on any other count or a non-positive variance.
func Variances(values []float32, dims int) ([]float32, error) {
	if dims <= 0 {
		return nil, errors.Wrapf(ErrConfig, "box dimensions must be positive, got %d", dims)
	}
	for i, v := range values {
		if v <= 0 {
			return nil, errors.Wrapf(ErrConfig, "variance %d must be positive, got %v", i, v)
		}
	}

	out := make([]float32, 2*dims)
	switch len(values) {
	case 0:
		for i := range out {
			out[i] = 1
		}
	case 1:
		for i := range out {
			out[i] = values[0]
		}
	case dims:
		for d := 0; d < dims; d++ {
			out[d] = values[d]
			out[d+dims] = values[d]
		}
	case 2 * dims:
		copy(out, values)
	default:
		return nil, errors.Wrapf(ErrConfig, "got %d variances, want 1, %d or %d", len(values), dims, 2*dims)
	}

	return out, nil
}

// Generator tiles default boxes over a grid.
type Generator struct {
	// Range is the input extent per dimension.
	Range []int
	// Shapes holds one size vector per shape kind.
	Shapes [][]float32
	// Variances holds 2*D variances, min first.
	Variances []float32
}

// NewGenerator validates the configuration and builds a generator.
//
// Arguments:
//   - inputRange: The network input extent per dimension.
//   - specs: The configured default boxes.
//   - variances: The configured variances (0, 1, D or 2D values).
//
// Returns:
//   - *Generator: A ready generator.
//   - error: ErrConfig if anything is invalid.
func NewGenerator(inputRange []int, specs []ShapeSpec, variances []float32) (*Generator, error) {
	dims := len(inputRange)
	for d, r := range inputRange {
		if r <= 0 {
			return nil, errors.Wrapf(ErrConfig, "input range dimension %d must be positive, got %d", d, r)
		}
	}
	shapes, err := Shapes(specs, dims)
	if err != nil {
		return nil, err
	}
	vars, err := Variances(variances, dims)
	if err != nil {
		return nil, err
	}

	return &Generator{
		Range:     append([]int(nil), inputRange...),
		Shapes:    shapes,
		Variances: vars,
	}, nil
}

// Dims returns the number of spatial dimensions.
func (g *Generator) Dims() int {
	return len(g.Range)
}

// Kinds returns the number of shape kinds emitted per grid cell.
func (g *Generator) Kinds() int {
	return len(g.Shapes)
}

// Channels returns the channel count of one plane of the generated tensor (K*2D).
func (g *Generator) Channels() int {
	return 2 * g.Dims() * g.Kinds()
}

// Generate writes the default boxes for a tiling into a new tensor.
//
// The result has shape [2, K*2D, tiling...]. Plane 0 holds box coordinates and plane 1
// the matching variances. Within a plane, shape kind k occupies channels
// [k*2D, (k+1)*2D): the first D are min coordinates, the next D max coordinates, and each
// channel is a row-major map over the grid cells.
//
// Arguments:
//   - tiling: Number of grid cells per dimension.
//
// Returns:
//   - *tensor.Dense: The default-location tensor.
//   - error: ErrConfig when the tiling does not fit the generator.
//
// @example
// gen, _ := anchors.NewGenerator([]int{10, 10}, []anchors.ShapeSpec{{Size: 2, SideRatios: [][]float32{{1, 1}}}}, nil)
// def, _ := gen.Generate([]int{2, 2}) // shape (2, 4, 2, 2)
func (g *Generator) Generate(tiling []int) (*tensor.Dense, error) {
	cells, err := g.cells(tiling)
	if err != nil {
		return nil, err
	}

	channels := g.Channels()
	data := make([]float32, 2*channels*cells)
	coords := data[:channels*cells]
	vars := data[channels*cells:]

	g.walk(tiling, func(kind, cell int, min, max []float32) {
		start := kind * 2 * g.Dims() * cells
		for d := range min {
			minIdx := start + d*cells + cell
			maxIdx := start + (d+g.Dims())*cells + cell
			coords[minIdx] = min[d]
			coords[maxIdx] = max[d]
			vars[minIdx] = g.Variances[d]
			vars[maxIdx] = g.Variances[d+g.Dims()]
		}
	})

	shape := append([]int{2, channels}, tiling...)
	return tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data)), nil
}

// Boxes returns the default boxes for a tiling, ordered by grid cell then shape kind.
func (g *Generator) Boxes(tiling []int) ([]geometry.Box, error) {
	cells, err := g.cells(tiling)
	if err != nil {
		return nil, err
	}

	out := make([]geometry.Box, cells*g.Kinds())
	g.walk(tiling, func(kind, cell int, min, max []float32) {
		out[cell*g.Kinds()+kind] = geometry.NewBox(min, max)
	})
	return out, nil
}

func (g *Generator) cells(tiling []int) (int, error) {
	if len(tiling) != g.Dims() {
		return 0, errors.Wrapf(ErrConfig, "tiling has %d dimensions, input range has %d", len(tiling), g.Dims())
	}
	cells := 1
	for d, n := range tiling {
		if n <= 0 {
			return 0, errors.Wrapf(ErrConfig, "tiling dimension %d must be positive, got %d", d, n)
		}
		cells *= n
	}
	return cells, nil
}

// walk visits every (shape kind, grid cell) pair with its normalised corners. The
// corner slices are reused between calls.
func (g *Generator) walk(tiling []int, visit func(kind, cell int, min, max []float32)) {
	dims := g.Dims()
	min := make([]float32, dims)
	max := make([]float32, dims)

	var tile func(kind int, size []float32, dim, prev int)
	tile = func(kind int, size []float32, dim, prev int) {
		extent := float32(g.Range[dim])
		step := extent / float32(tiling[dim])
		for i := 0; i < tiling[dim]; i++ {
			cell := prev + i
			center := step * (float32(i) + 0.5)
			min[dim] = (center - size[dim]/2) / extent
			max[dim] = (center + size[dim]/2) / extent
			if dim+1 < dims {
				tile(kind, size, dim+1, cell*tiling[dim+1])
				continue
			}
			visit(kind, cell, min, max)
		}
	}

	for kind, size := range g.Shapes {
		tile(kind, size, 0, 0)
	}
}
