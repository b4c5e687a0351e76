// Copyright 2025 The cosim Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package attention exposes the cosine-similarity attention operations.
//
// # Overview
//
// The package is a thin dispatch layer over the tiled kernels in
// internal/kernel: it validates shapes and dtypes, allocates or checks
// result buffers, and instantiates the kernels for the requested
// floating-point type. The kernels themselves never see a tensor, only
// contiguous row-major buffers.
//
// # Layouts
//
//	Query   [batch, heads, qLen, kDim]
//	Key     [batch, heads, kLen, kDim]
//	Value   [batch, heads, kLen, vDim]
//	Mask    [batch, kLen] (bool; nil means every key column is valid)
//	Output  [batch, heads, qLen, vDim]
//	RowSum  [batch, heads, qLen]
//
// # Normalization contract
//
// Forward produces the unnormalized numerator and the per-query
// denominator; the caller divides. The kernels stabilize the softmax
// exponent by subtracting the fixed scale constant, which is safe only
// when queries and keys are unit-normalized so that similarity scores
// are bounded by one in magnitude. Use L2Normalize (or, for a uniquely
// owned buffer, L2NormalizeInPlace) to establish that precondition; the
// kernels do not check it.
//
// # Basic usage
//
//	cfg := attention.Config{Causal: true}
//	out, sums, err := attention.Forward(q, k, v, nil, cfg)
//	// out[b,h,r,:] / sums[b,h,r] is the attended result.
//
// # Supported dtypes
//
// float32 and float64 run natively; float16 tensors (x448/float16
// layout) are widened to float32 for computation and narrowed on the
// way out. For float16 inputs the RowSum tensor is float32: with
// unit-normalized inputs each exponential term is at most 1, so a
// half-precision denominator would saturate at 65504 eligible key
// columns. The unnormalized Output numerator is still stored in half
// precision; keep value magnitudes times kLen inside float16's finite
// range, or use float32 throughout.
package attention
