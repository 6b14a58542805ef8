package labelmap

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-multibox/geometry"
)

func TestDecode(t *testing.T) {
	f32 := make([]byte, 8)
	binary.LittleEndian.PutUint32(f32, math.Float32bits(-1))
	binary.LittleEndian.PutUint32(f32[4:], math.Float32bits(7))
	f64 := make([]byte, 16)
	binary.LittleEndian.PutUint64(f64, math.Float64bits(3))
	binary.LittleEndian.PutUint64(f64[8:], math.Float64bits(-2))

	tests := []struct {
		name     string
		raw      []byte
		depth    Depth
		expected []float32
	}{
		{name: "int8", raw: []byte{0xff, 0x02}, depth: Int8, expected: []float32{-1, 2}},
		{name: "uint8", raw: []byte{0xff, 0x02}, depth: Uint8, expected: []float32{255, 2}},
		{name: "int16", raw: []byte{0xff, 0xff, 0x01, 0x01}, depth: Int16, expected: []float32{-1, 257}},
		{name: "uint16", raw: []byte{0xff, 0xff, 0x01, 0x01}, depth: Uint16, expected: []float32{65535, 257}},
		{name: "int32", raw: []byte{0xfe, 0xff, 0xff, 0xff, 0x10, 0, 0, 0}, depth: Int32, expected: []float32{-2, 16}},
		{name: "float32", raw: f32, depth: Float32, expected: []float32{-1, 7}},
		{name: "float64", raw: f64, depth: Float64, expected: []float32{3, -2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plane, err := Decode(tt.raw, tt.depth, 1, 1, 2)
			require.NoError(t, err)
			assert.Equal(t, tensor.Shape{1, 1, 2}, plane.Shape())
			assert.Equal(t, tt.expected, plane.Data().([]float32))
		})
	}
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3}, Int16, 1, 1, 2)
	assert.True(t, errors.Is(err, ErrFormat), "short data")

	_, err = Decode([]byte{1}, Depth(42), 1, 1, 1)
	assert.True(t, errors.Is(err, ErrFormat), "unknown depth")

	_, err = Decode(nil, Uint8, 0, 1, 1)
	assert.True(t, errors.Is(err, ErrFormat), "empty layout")
}

func TestParseDepth(t *testing.T) {
	for d := Int8; d <= Float64; d++ {
		text, err := d.MarshalText()
		require.NoError(t, err)
		var back Depth
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, d, back)
	}

	d, err := ParseDepth(" UINT16 ")
	require.NoError(t, err)
	assert.Equal(t, Uint16, d)

	_, err = ParseDepth("complex64")
	assert.True(t, errors.Is(err, ErrFormat))
	assert.Equal(t, "unknown", Depth(-1).String())
}

func TestResampleDown(t *testing.T) {
	// 4x4 quadrants of labels 1, 2, 3, -1.
	plane := tensor.New(tensor.WithShape(1, 4, 4), tensor.WithBacking([]float32{
		1, 1, 2, 2,
		1, 1, 2, 2,
		3, 3, -1, -1,
		3, 3, -1, -1,
	}))
	out, err := Resample(plane, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{1, 2, 2}, out.Shape())
	assert.Equal(t, []float32{1, 2, 3, -1}, out.Data().([]float32))
}

func TestResampleUp(t *testing.T) {
	plane := tensor.New(tensor.WithShape(2, 1, 2), tensor.WithBacking([]float32{5, 6, 7, 8}))
	out, err := Resample(plane, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []float32{
		5, 5, 6, 6,
		5, 5, 6, 6,
		7, 7, 8, 8,
		7, 7, 8, 8,
	}, out.Data().([]float32))
}

func TestResampleNonIntegerRatio(t *testing.T) {
	plane := tensor.New(tensor.WithShape(1, 1, 5), tensor.WithBacking([]float32{0, 1, 2, 3, 4}))
	out, err := Resample(plane, 1, 3)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 2, 4}, out.Data().([]float32))
}

func TestResampleErrors(t *testing.T) {
	_, err := Resample(nil, 1, 1)
	assert.Error(t, err)
	_, err = Resample(tensor.New(tensor.WithShape(2, 2), tensor.Of(tensor.Float32)), 1, 1)
	assert.Error(t, err)
	_, err = Resample(tensor.New(tensor.WithShape(1, 2, 2), tensor.Of(tensor.Float32)), 0, 1)
	assert.Error(t, err)
	_, err = Resample(tensor.New(tensor.WithShape(1, 2, 2), tensor.Of(tensor.Float64)), 1, 1)
	assert.Error(t, err)
}

func TestStack(t *testing.T) {
	a := tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float32{1, 2}))
	b := tensor.New(tensor.WithShape(1, 1, 2), tensor.WithBacking([]float32{3, 4}))
	out, err := Stack(a, b)
	require.NoError(t, err)
	assert.Equal(t, tensor.Shape{2, 1, 1, 2}, out.Shape())
	assert.Equal(t, []float32{1, 2, 3, 4}, out.Data().([]float32))

	_, err = Stack()
	assert.Error(t, err)
	_, err = Stack(a, tensor.New(tensor.WithShape(1, 2, 1), tensor.Of(tensor.Float32)))
	assert.Error(t, err)
}

func TestRasterize(t *testing.T) {
	objects := []Object{
		{Box: geometry.NewBox([]float32{0.1, 0.6}, []float32{0.3, 0.9}), Label: 2},
		{Box: geometry.NewBox([]float32{0.6, 0.1}, []float32{0.9, 0.4}), Label: 1},
		{Box: geometry.NewBox([]float32{0.0, 0.5}, []float32{0.45, 1.0}), Label: 3},
	}
	label, location, dropped, err := Rasterize(objects, []int{2, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, dropped, "third object shares the first one's cell")
	assert.Equal(t, tensor.Shape{1, 2, 2}, label.Shape())
	assert.Equal(t, []float32{-1, 2, 1, -1}, label.Data().([]float32))

	assert.Equal(t, tensor.Shape{4, 2, 2}, location.Shape())
	loc := location.Data().([]float32)
	assert.Equal(t, []float32{0.1, 0.6, 0.3, 0.9}, []float32{loc[0*4+1], loc[1*4+1], loc[2*4+1], loc[3*4+1]})
	assert.Equal(t, []float32{0.6, 0.1, 0.9, 0.4}, []float32{loc[0*4+2], loc[1*4+2], loc[2*4+2], loc[3*4+2]})
}

func TestRasterizeErrors(t *testing.T) {
	_, _, _, err := Rasterize(nil, nil)
	assert.True(t, errors.Is(err, ErrFormat))
	_, _, _, err = Rasterize(nil, []int{2, 0})
	assert.True(t, errors.Is(err, ErrFormat))

	box := geometry.NewBox([]float32{0, 0}, []float32{1, 1})
	_, _, _, err = Rasterize([]Object{{Box: box, Label: -1}}, []int{2, 2})
	assert.True(t, errors.Is(err, ErrFormat))
	_, _, _, err = Rasterize([]Object{{Box: box, Label: 1}}, []int{2})
	assert.True(t, errors.Is(err, ErrFormat))
}
