// Package tensor provides the dense buffer substrate for the cosim attention kernels.
package tensor

import "github.com/x448/float16"

// DType is a constraint for element types that can back a tensor buffer.
type DType interface {
	~float32 | ~float64 | ~bool
}

// Float is a constraint for the floating-point types the kernels are
// instantiated for. Float16 tensors are computed in float32 by the
// dispatch layer and are therefore not part of this constraint.
type Float interface {
	~float32 | ~float64
}

// DataType represents runtime type information for tensors.
type DataType int

// Supported data types.
const (
	Float32 DataType = iota
	Float64
	Float16
	Bool
)

// Size returns the byte size of one element of the data type.
func (dt DataType) Size() int {
	switch dt {
	case Float32:
		return 4
	case Float64:
		return 8
	case Float16:
		return 2
	case Bool:
		return 1
	default:
		panic("unknown data type")
	}
}

// String returns a human-readable name for the data type.
func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case Float16:
		return "float16"
	case Bool:
		return "bool"
	default:
		return "unknown"
	}
}

// IsFloat reports whether the data type is a floating-point type.
func (dt DataType) IsFloat() bool {
	return dt == Float32 || dt == Float64 || dt == Float16
}

// inferDataType infers DataType from a generic type T.
func inferDataType[T DType](dummy T) DataType {
	switch any(dummy).(type) {
	case float32:
		return Float32
	case float64:
		return Float64
	case bool:
		return Bool
	default:
		panic("unsupported type")
	}
}

// Float16ToFloat32 widens a half-precision buffer to float32.
func Float16ToFloat32(src []float16.Float16) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = v.Float32()
	}
	return dst
}

// Float32ToFloat16 narrows a float32 buffer to half precision with
// round-to-nearest-even.
func Float32ToFloat16(src []float32) []float16.Float16 {
	dst := make([]float16.Float16, len(src))
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v)
	}
	return dst
}
