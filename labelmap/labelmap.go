// Package labelmap - Label planes: raw decoding, grid resampling and batch stacking.
//
// A label plane holds one value per spatial cell; label values are integers stored as
// float32, with negative values marking cells without an object.
package labelmap

import (
	"encoding/binary"
	"math"
	"strings"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// ErrFormat is returned for raw label data that does not match its declared layout.
var ErrFormat = errors.New("malformed label data")

// Depth is the element type of raw label data.
type Depth int

// Label depths.
const (
	Int8 Depth = iota
	Uint8
	Int16
	Uint16
	Int32
	Float32
	Float64
)

var depthNames = [...]string{"int8", "uint8", "int16", "uint16", "int32", "float32", "float64"}

func (d Depth) String() string {
	if d < 0 || int(d) >= len(depthNames) {
		return "unknown"
	}
	return depthNames[d]
}

// Size returns the number of bytes per element, or 0 for an unknown depth.
func (d Depth) Size() int {
	switch d {
	case Int8, Uint8:
		return 1
	case Int16, Uint16:
		return 2
	case Int32, Float32:
		return 4
	case Float64:
		return 8
	default:
		return 0
	}
}

// ParseDepth parses a depth name such as "uint8" (case insensitive).
func ParseDepth(s string) (Depth, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for i, n := range depthNames {
		if n == name {
			return Depth(i), nil
		}
	}
	return 0, errors.Wrapf(ErrFormat, "unknown depth %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (d Depth) MarshalText() ([]byte, error) {
	if d.Size() == 0 {
		return nil, errors.Wrapf(ErrFormat, "unknown depth %d", int(d))
	}
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Depth) UnmarshalText(text []byte) error {
	v, err := ParseDepth(string(text))
	if err != nil {
		return err
	}
	*d = v
	return nil
}

// Decode converts little-endian raw label data into a [channels, height, width] plane.
//
// Arguments:
//   - raw: The packed values, row-major per channel.
//   - depth: The element type.
//   - channels, height, width: The plane layout.
//
// Returns:
//   - *tensor.Dense: A float32 tensor.
//   - error: ErrFormat when the byte count or depth is wrong.
//
// @example
// plane, err := labelmap.Decode(raw, labelmap.Uint8, 1, 19, 19)
func Decode(raw []byte, depth Depth, channels, height, width int) (*tensor.Dense, error) {
	size := depth.Size()
	if size == 0 {
		return nil, errors.Wrapf(ErrFormat, "unknown depth %d", int(depth))
	}
	if channels <= 0 || height <= 0 || width <= 0 {
		return nil, errors.Wrapf(ErrFormat, "invalid layout %dx%dx%d", channels, height, width)
	}
	count := channels * height * width
	if len(raw) != count*size {
		return nil, errors.Wrapf(ErrFormat, "%d bytes for %d %s values", len(raw), count, depth)
	}

	le := binary.LittleEndian
	data := make([]float32, count)
	for i := range data {
		b := raw[i*size:]
		switch depth {
		case Int8:
			data[i] = float32(int8(b[0]))
		case Uint8:
			data[i] = float32(b[0])
		case Int16:
			data[i] = float32(int16(le.Uint16(b)))
		case Uint16:
			data[i] = float32(le.Uint16(b))
		case Int32:
			data[i] = float32(int32(le.Uint32(b)))
		case Float32:
			data[i] = math.Float32frombits(le.Uint32(b))
		case Float64:
			data[i] = float32(math.Float64frombits(le.Uint64(b)))
		}
	}
	return tensor.New(tensor.WithShape(channels, height, width), tensor.WithBacking(data)), nil
}

// Resample maps a [C, H, W] plane onto a height x width grid by nearest neighbour. Every
// output value is copied from one source cell, so labels are never blended.
//
// Output cell (y, x) reads source cell (floor((y+0.5)*H/height), floor((x+0.5)*W/width)).
func Resample(plane *tensor.Dense, height, width int) (*tensor.Dense, error) {
	if plane == nil {
		return nil, errors.Wrap(ErrFormat, "nil plane")
	}
	s := plane.Shape()
	if len(s) != 3 {
		return nil, errors.Wrapf(ErrFormat, "plane must be [C, H, W], got %v", s)
	}
	if height <= 0 || width <= 0 {
		return nil, errors.Wrapf(ErrFormat, "invalid grid %dx%d", height, width)
	}
	src, ok := plane.Data().([]float32)
	if !ok {
		return nil, errors.Wrapf(ErrFormat, "plane dtype %v, want float32", plane.Dtype())
	}

	channels, srcH, srcW := s[0], s[1], s[2]
	rows := sampleIndex(srcH, height)
	cols := sampleIndex(srcW, width)

	data := make([]float32, channels*height*width)
	for c := 0; c < channels; c++ {
		for y, sy := range rows {
			srcRow := src[(c*srcH+sy)*srcW:]
			dst := data[(c*height+y)*width:]
			for x, sx := range cols {
				dst[x] = srcRow[sx]
			}
		}
	}
	return tensor.New(tensor.WithShape(channels, height, width), tensor.WithBacking(data)), nil
}

func sampleIndex(src, dst int) []int {
	out := make([]int, dst)
	for i := range out {
		out[i] = min(int((float64(i)+0.5)*float64(src)/float64(dst)), src-1)
	}
	return out
}

// Stack joins equally shaped [C, H, W] planes into an [N, C, H, W] batch.
func Stack(planes ...*tensor.Dense) (*tensor.Dense, error) {
	if len(planes) == 0 {
		return nil, errors.Wrap(ErrFormat, "nothing to stack")
	}
	shape := planes[0].Shape().Clone()
	var data []float32
	for i, p := range planes {
		if !p.Shape().Eq(shape) {
			return nil, errors.Wrapf(ErrFormat, "plane %d has shape %v, want %v", i, p.Shape(), shape)
		}
		d, ok := p.Data().([]float32)
		if !ok {
			return nil, errors.Wrapf(ErrFormat, "plane %d dtype %v, want float32", i, p.Dtype())
		}
		data = append(data, d...)
	}
	return tensor.New(tensor.WithShape(append([]int{len(planes)}, shape...)...), tensor.WithBacking(data)), nil
}
