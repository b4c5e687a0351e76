//go:build windows

// Copyright 2025 The cosim Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package webgpu provides the GPU execution path for the attention
// forward pass.
//
// WebGPU is a cross-platform graphics and compute API; the kernel here
// runs one workgroup per (batch, head) pair and keeps the staged tiles
// in workgroup-shared memory.
//
// Example:
//
//	import (
//	    "github.com/cosim-ml/cosim/backend/webgpu"
//	    "github.com/cosim-ml/cosim/tensor"
//	)
//
//	func main() {
//	    gpu, err := webgpu.New()
//	    if err != nil {
//	        log.Fatal(err)
//	    }
//	    defer gpu.Release()
//
//	    output, rowsum, err := gpu.Forward(q, k, v, nil, 8, true)
//	    ...
//	}
//
// The backward pass has no GPU rendition; compute gradients on the CPU
// with the attention package.
package webgpu

import (
	internalwebgpu "github.com/cosim-ml/cosim/internal/backend/webgpu"
)

// Backend holds the WebGPU device and the compiled attention pipeline.
type Backend = internalwebgpu.Backend

// New initializes the WebGPU device and returns a backend ready to
// dispatch the attention kernel. Call Release when done to free GPU
// resources.
//
// Returns an error if WebGPU initialization fails (e.g., no compatible
// GPU).
func New() (*Backend, error) {
	return internalwebgpu.New()
}

// IsAvailable reports whether a compatible GPU and drivers are present.
// Use it to fall back to the CPU path in the attention package when the
// GPU path cannot run.
func IsAvailable() bool {
	return internalwebgpu.IsAvailable()
}
