package tensor

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/x448/float16"
)

// Zeros creates a zero-initialized tensor of the inferred data type.
func Zeros[T DType](shape Shape, device Device) (*RawTensor, error) {
	var dummy T
	return NewRaw(shape, inferDataType(dummy), device)
}

// FromSlice creates a tensor from an existing slice. The data is copied.
func FromSlice[T DType](data []T, shape Shape, device Device) (*RawTensor, error) {
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}

	var dummy T
	raw, err := NewRaw(shape, inferDataType(dummy), device)
	if err != nil {
		return nil, err
	}

	switch src := any(data).(type) {
	case []float32:
		copy(raw.AsFloat32(), src)
	case []float64:
		copy(raw.AsFloat64(), src)
	case []bool:
		copy(raw.AsBool(), src)
	}
	return raw, nil
}

// FromFloat16 creates a Float16 tensor from a half-precision slice.
func FromFloat16(data []float16.Float16, shape Shape, device Device) (*RawTensor, error) {
	if len(data) != shape.NumElements() {
		return nil, fmt.Errorf("data length %d does not match shape %v (%d elements)",
			len(data), shape, shape.NumElements())
	}

	raw, err := NewRaw(shape, Float16, device)
	if err != nil {
		return nil, err
	}
	copy(raw.AsFloat16(), data)
	return raw, nil
}

// Randn creates a float tensor with values drawn from a standard normal
// distribution using the Box-Muller transform. Intended for tests and
// benchmarks; uses math/rand for reproducibility.
func Randn[T Float](rng *rand.Rand, shape Shape, device Device) (*RawTensor, error) {
	raw, err := Zeros[T](shape, device)
	if err != nil {
		return nil, err
	}

	n := raw.NumElements()
	for i := 0; i < n; i += 2 {
		u1 := rng.Float64()
		u2 := rng.Float64()
		z0 := math.Sqrt(-2.0*math.Log(u1)) * math.Cos(2.0*math.Pi*u2)
		z1 := math.Sqrt(-2.0*math.Log(u1)) * math.Sin(2.0*math.Pi*u2)
		setFloat[T](raw, i, z0)
		if i+1 < n {
			setFloat[T](raw, i+1, z1)
		}
	}
	return raw, nil
}

func setFloat[T Float](raw *RawTensor, i int, v float64) {
	switch raw.DType() {
	case Float32:
		raw.AsFloat32()[i] = float32(v)
	case Float64:
		raw.AsFloat64()[i] = v
	}
}
