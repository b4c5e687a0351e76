// Copyright 2025 The cosim Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor re-exports the dense buffer types consumed and
// produced by the attention operations.
//
// The attention kernels have no opinion on how buffers are obtained;
// this package provides the minimal substrate: contiguous row-major
// RawTensor buffers with shape and runtime type information.
//
// Example:
//
//	q, _ := tensor.FromSlice(qData, tensor.Shape{2, 8, 128, 64}, tensor.CPU)
//	mask, _ := tensor.FromSlice(bits, tensor.Shape{2, 128}, tensor.CPU)
package tensor

import (
	"math/rand"

	"github.com/x448/float16"

	"github.com/cosim-ml/cosim/internal/tensor"
)

// Shape represents the dimensions of a tensor.
type Shape = tensor.Shape

// RawTensor is the low-level tensor representation.
//
// RawTensor provides:
//   - Shape and type information via Shape(), DType(), Device()
//   - Type-safe data access via AsFloat32(), AsBool(), etc.
//   - Reference-counted buffers via Clone() and Release()
type RawTensor = tensor.RawTensor

// DataType represents runtime type information for tensors.
type DataType = tensor.DataType

// Supported data types.
const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Float16 = tensor.Float16
	Bool    = tensor.Bool
)

// Device represents the compute device a tensor buffer is resident on.
type Device = tensor.Device

// Supported compute devices.
const (
	CPU    = tensor.CPU
	WebGPU = tensor.WebGPU
)

// DType is a constraint for element types that can back a tensor buffer.
type DType = tensor.DType

// Float is a constraint for the floating-point element types.
type Float = tensor.Float

// NewRaw creates a new zero-initialized RawTensor with the given shape
// and type.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// FromSlice creates a tensor from an existing slice. The data is copied.
func FromSlice[T DType](data []T, shape Shape, device Device) (*RawTensor, error) {
	return tensor.FromSlice(data, shape, device)
}

// FromFloat16 creates a Float16 tensor from a half-precision slice.
func FromFloat16(data []float16.Float16, shape Shape, device Device) (*RawTensor, error) {
	return tensor.FromFloat16(data, shape, device)
}

// Randn creates a float tensor with standard normal values. Intended
// for tests and benchmarks.
func Randn[T Float](rng *rand.Rand, shape Shape, device Device) (*RawTensor, error) {
	return tensor.Randn[T](rng, shape, device)
}
