package boxes

import (
	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrShapeMismatch is returned when cooperating tensors disagree on their shapes.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

// float32Data returns the flat row-major data of t as float32.
func float32Data(name string, t tensor.Tensor) ([]float32, error) {
	if t == nil {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s tensor is nil", name)
	}
	if v, ok := t.(tensor.View); ok && v.IsMaterializable() {
		t = v.Materialize()
	}

	switch data := t.Data().(type) {
	case []float32:
		return data, nil
	case []float64:
		out := make([]float32, len(data))
		for i, v := range data {
			out[i] = float32(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("%s tensor: unsupported dtype %v", name, t.Dtype())
	}
}

// spatial checks that t is [batch, channels, spatial...] with the given spatial rank and
// returns the number of spatial cells.
func spatial(name string, t tensor.Tensor, dims int) (int, error) {
	shape := t.Shape()
	if len(shape) != dims+2 {
		return 0, errors.Wrapf(ErrShapeMismatch, "%s tensor: got %d axes, want %d", name, len(shape), dims+2)
	}
	cells := 1
	for _, n := range shape[2:] {
		if n <= 0 {
			return 0, errors.Wrapf(ErrShapeMismatch, "%s tensor: non-positive axis in %v", name, shape)
		}
		cells *= n
	}
	return cells, nil
}

func sameSpatial(a, b tensor.Shape) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 2; i < len(a); i++ {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
