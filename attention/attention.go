// Copyright 2025 The cosim Authors. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package attention

import (
	"fmt"

	"github.com/cosim-ml/cosim/internal/kernel"
	"github.com/cosim-ml/cosim/internal/tensor"
)

// Default tile and scale parameters.
const (
	// DefaultScale is the similarity scale applied to cosine scores.
	// Because scores are bounded by one, scale*sim - scale never
	// exceeds zero, keeping the stabilized exponent safe.
	DefaultScale = 8

	// DefaultQBlockSize is the query rows staged per tile.
	DefaultQBlockSize = 16

	// DefaultKBlockSize is the key/value columns staged per tile.
	DefaultKBlockSize = 16
)

// Config controls one attention invocation.
type Config struct {
	Scale      float64 // Similarity scale; 0 selects DefaultScale.
	Causal     bool    // Restrict each query to non-future key columns.
	QBlockSize int     // Query tile height; 0 selects DefaultQBlockSize.
	KBlockSize int     // Key/value tile width; 0 selects DefaultKBlockSize.
}

func (c Config) withDefaults() Config {
	if c.Scale == 0 {
		c.Scale = DefaultScale
	}
	if c.QBlockSize == 0 {
		c.QBlockSize = DefaultQBlockSize
	}
	if c.KBlockSize == 0 {
		c.KBlockSize = DefaultKBlockSize
	}
	return c
}

// dims holds the validated attention geometry.
type dims struct {
	batch, heads int
	qLen, kLen   int
	kDim, vDim   int
}

func (d dims) params(cfg Config) kernel.Params {
	return kernel.Params{
		Batch:  d.batch,
		Heads:  d.heads,
		QLen:   d.qLen,
		KLen:   d.kLen,
		KDim:   d.kDim,
		VDim:   d.vDim,
		Scale:  cfg.Scale,
		Causal: cfg.Causal,
		QBlock: cfg.QBlockSize,
		KBlock: cfg.KBlockSize,
	}
}

// validate checks the query/key/value/mask geometry shared by every
// operation and returns it.
func validate(q, k, v, mask *tensor.RawTensor, cfg Config) (dims, error) {
	var d dims

	if cfg.QBlockSize <= 0 || cfg.KBlockSize <= 0 {
		return d, fmt.Errorf("attention: block sizes must be positive, got %d x %d",
			cfg.QBlockSize, cfg.KBlockSize)
	}

	for name, t := range map[string]*tensor.RawTensor{"query": q, "key": k, "value": v} {
		if t == nil {
			return d, fmt.Errorf("attention: %s tensor is nil", name)
		}
		if len(t.Shape()) != 4 {
			return d, fmt.Errorf("attention: %s must be 4D [batch, heads, seq, dim], got %v", name, t.Shape())
		}
		if !t.DType().IsFloat() {
			return d, fmt.Errorf("attention: %s dtype %s is not a float type", name, t.DType())
		}
	}

	if k.DType() != q.DType() || v.DType() != q.DType() {
		return d, fmt.Errorf("attention: mixed dtypes: query %s, key %s, value %s",
			q.DType(), k.DType(), v.DType())
	}

	d = dims{
		batch: q.Shape()[0],
		heads: q.Shape()[1],
		qLen:  q.Shape()[2],
		kLen:  k.Shape()[2],
		kDim:  q.Shape()[3],
		vDim:  v.Shape()[3],
	}

	if k.Shape()[0] != d.batch || v.Shape()[0] != d.batch {
		return d, fmt.Errorf("attention: batch mismatch: query %d, key %d, value %d",
			d.batch, k.Shape()[0], v.Shape()[0])
	}
	if k.Shape()[1] != d.heads || v.Shape()[1] != d.heads {
		return d, fmt.Errorf("attention: heads mismatch: query %d, key %d, value %d",
			d.heads, k.Shape()[1], v.Shape()[1])
	}
	if v.Shape()[2] != d.kLen {
		return d, fmt.Errorf("attention: key length %d does not match value length %d",
			d.kLen, v.Shape()[2])
	}
	if k.Shape()[3] != d.kDim {
		return d, fmt.Errorf("attention: query dim %d does not match key dim %d",
			d.kDim, k.Shape()[3])
	}

	if mask != nil {
		if mask.DType() != tensor.Bool {
			return d, fmt.Errorf("attention: mask dtype must be bool, got %s", mask.DType())
		}
		want := tensor.Shape{d.batch, d.kLen}
		if !mask.Shape().Equal(want) {
			return d, fmt.Errorf("attention: mask shape %v, want %v", mask.Shape(), want)
		}
	}

	return d, nil
}

func maskBits(mask *tensor.RawTensor) []bool {
	if mask == nil {
		return nil
	}
	return mask.AsBool()
}

// rowsumType returns the dtype of the denominator tensor for a given
// input dtype. Half precision keeps the denominator in float32: it is
// a sum of up to k_len exponentials and would saturate float16's
// finite range on long sequences before the caller divides.
func rowsumType(dt tensor.DataType) tensor.DataType {
	if dt == tensor.Float16 {
		return tensor.Float32
	}
	return dt
}

// Forward computes the attention numerator and denominator, allocating
// the result tensors.
//
// output[b,h,r,:] / rowsum[b,h,r] is the softmax-weighted attention
// result for query row r. Division is deliberately left to the caller
// so the unnormalized pair can be saved for Backward.
func Forward(q, k, v, mask *tensor.RawTensor, cfg Config) (output, rowsum *tensor.RawTensor, err error) {
	cfg = cfg.withDefaults()
	d, err := validate(q, k, v, mask, cfg)
	if err != nil {
		return nil, nil, err
	}

	output, err = tensor.NewRaw(tensor.Shape{d.batch, d.heads, d.qLen, d.vDim}, q.DType(), q.Device())
	if err != nil {
		return nil, nil, fmt.Errorf("attention: allocating output: %w", err)
	}
	rowsum, err = tensor.NewRaw(tensor.Shape{d.batch, d.heads, d.qLen}, rowsumType(q.DType()), q.Device())
	if err != nil {
		return nil, nil, fmt.Errorf("attention: allocating rowsum: %w", err)
	}

	if err := forwardInto(d, cfg, q, k, v, output, rowsum, mask); err != nil {
		return nil, nil, err
	}
	return output, rowsum, nil
}

// ForwardInto computes the attention numerator and denominator into
// caller-allocated output and rowsum tensors.
func ForwardInto(q, k, v, output, rowsum, mask *tensor.RawTensor, cfg Config) error {
	cfg = cfg.withDefaults()
	d, err := validate(q, k, v, mask, cfg)
	if err != nil {
		return err
	}

	if output == nil || rowsum == nil {
		return fmt.Errorf("attention: output and rowsum must be pre-allocated")
	}
	if want := (tensor.Shape{d.batch, d.heads, d.qLen, d.vDim}); !output.Shape().Equal(want) {
		return fmt.Errorf("attention: output shape %v, want %v", output.Shape(), want)
	}
	if want := (tensor.Shape{d.batch, d.heads, d.qLen}); !rowsum.Shape().Equal(want) {
		return fmt.Errorf("attention: rowsum shape %v, want %v", rowsum.Shape(), want)
	}
	if output.DType() != q.DType() {
		return fmt.Errorf("attention: output dtype %s, want %s", output.DType(), q.DType())
	}
	if rowsum.DType() != rowsumType(q.DType()) {
		return fmt.Errorf("attention: rowsum dtype %s, want %s", rowsum.DType(), rowsumType(q.DType()))
	}

	return forwardInto(d, cfg, q, k, v, output, rowsum, mask)
}

// forwardInto dispatches the forward kernel per dtype.
func forwardInto(d dims, cfg Config, q, k, v, output, rowsum, mask *tensor.RawTensor) error {
	p := d.params(cfg)

	switch q.DType() {
	case tensor.Float32:
		kernel.Forward(p, q.AsFloat32(), k.AsFloat32(), v.AsFloat32(), maskBits(mask),
			output.AsFloat32(), rowsum.AsFloat32())
	case tensor.Float64:
		kernel.Forward(p, q.AsFloat64(), k.AsFloat64(), v.AsFloat64(), maskBits(mask),
			output.AsFloat64(), rowsum.AsFloat64())
	case tensor.Float16:
		// Half precision computes in float32 and narrows only the
		// numerator for storage; the denominator stays float32 so long
		// sequences cannot saturate it.
		out32 := make([]float32, output.NumElements())
		kernel.Forward(p,
			tensor.Float16ToFloat32(q.AsFloat16()),
			tensor.Float16ToFloat32(k.AsFloat16()),
			tensor.Float16ToFloat32(v.AsFloat16()),
			maskBits(mask), out32, rowsum.AsFloat32())
		copy(output.AsFloat16(), tensor.Float32ToFloat16(out32))
	default:
		return fmt.Errorf("attention: unsupported dtype %s", q.DType())
	}
	return nil
}

// Backward accumulates gradients of the normalized attention output
// with respect to query, key, and value.
//
// outputGrad is the upstream gradient of output/rowsum; output and
// rowsum are the tensors Forward produced. The returned gradient
// tensors are freshly zero-initialized before accumulation begins.
func Backward(outputGrad, output, rowsum, q, k, v, mask *tensor.RawTensor, cfg Config) (dq, dk, dv *tensor.RawTensor, err error) {
	cfg = cfg.withDefaults()
	d, err := validate(q, k, v, mask, cfg)
	if err != nil {
		return nil, nil, nil, err
	}

	for name, t := range map[string]*tensor.RawTensor{"outputGrad": outputGrad, "output": output, "rowsum": rowsum} {
		if t == nil {
			return nil, nil, nil, fmt.Errorf("attention: %s tensor is nil", name)
		}
		want := q.DType()
		if name == "rowsum" {
			want = rowsumType(q.DType())
		}
		if t.DType() != want {
			return nil, nil, nil, fmt.Errorf("attention: %s dtype %s, want %s", name, t.DType(), want)
		}
	}
	if want := (tensor.Shape{d.batch, d.heads, d.qLen, d.vDim}); !outputGrad.Shape().Equal(want) || !output.Shape().Equal(want) {
		return nil, nil, nil, fmt.Errorf("attention: outputGrad/output shape must be %v", want)
	}
	if want := (tensor.Shape{d.batch, d.heads, d.qLen}); !rowsum.Shape().Equal(want) {
		return nil, nil, nil, fmt.Errorf("attention: rowsum shape %v, want %v", rowsum.Shape(), want)
	}

	// NewRaw zero-initializes, satisfying the accumulation contract.
	dq, err = tensor.NewRaw(q.Shape(), q.DType(), q.Device())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("attention: allocating query grad: %w", err)
	}
	dk, err = tensor.NewRaw(k.Shape(), k.DType(), k.Device())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("attention: allocating key grad: %w", err)
	}
	dv, err = tensor.NewRaw(v.Shape(), v.DType(), v.Device())
	if err != nil {
		return nil, nil, nil, fmt.Errorf("attention: allocating value grad: %w", err)
	}

	p := d.params(cfg)
	switch q.DType() {
	case tensor.Float32:
		kernel.Backward(p,
			outputGrad.AsFloat32(), output.AsFloat32(), rowsum.AsFloat32(),
			q.AsFloat32(), k.AsFloat32(), v.AsFloat32(), maskBits(mask),
			dq.AsFloat32(), dk.AsFloat32(), dv.AsFloat32())
	case tensor.Float64:
		kernel.Backward(p,
			outputGrad.AsFloat64(), output.AsFloat64(), rowsum.AsFloat64(),
			q.AsFloat64(), k.AsFloat64(), v.AsFloat64(), maskBits(mask),
			dq.AsFloat64(), dk.AsFloat64(), dv.AsFloat64())
	case tensor.Float16:
		dq32 := make([]float32, dq.NumElements())
		dk32 := make([]float32, dk.NumElements())
		dv32 := make([]float32, dv.NumElements())
		kernel.Backward(p,
			tensor.Float16ToFloat32(outputGrad.AsFloat16()),
			tensor.Float16ToFloat32(output.AsFloat16()),
			rowsum.AsFloat32(),
			tensor.Float16ToFloat32(q.AsFloat16()),
			tensor.Float16ToFloat32(k.AsFloat16()),
			tensor.Float16ToFloat32(v.AsFloat16()),
			maskBits(mask), dq32, dk32, dv32)
		copy(dq.AsFloat16(), tensor.Float32ToFloat16(dq32))
		copy(dk.AsFloat16(), tensor.Float32ToFloat16(dk32))
		copy(dv.AsFloat16(), tensor.Float32ToFloat16(dv32))
	default:
		return nil, nil, nil, fmt.Errorf("attention: unsupported dtype %s", q.DType())
	}

	return dq, dk, dv, nil
}

// Plain computes normalized attention with a materialized score row per
// query. It is the straightforward reference implementation; use it for
// validation, not for long sequences.
func Plain(q, k, v, mask *tensor.RawTensor, cfg Config) (*tensor.RawTensor, error) {
	cfg = cfg.withDefaults()
	d, err := validate(q, k, v, mask, cfg)
	if err != nil {
		return nil, err
	}

	out, err := tensor.NewRaw(tensor.Shape{d.batch, d.heads, d.qLen, d.vDim}, q.DType(), q.Device())
	if err != nil {
		return nil, fmt.Errorf("attention: allocating output: %w", err)
	}

	p := d.params(cfg)
	switch q.DType() {
	case tensor.Float32:
		kernel.Plain(p, q.AsFloat32(), k.AsFloat32(), v.AsFloat32(), maskBits(mask), out.AsFloat32())
	case tensor.Float64:
		kernel.Plain(p, q.AsFloat64(), k.AsFloat64(), v.AsFloat64(), maskBits(mask), out.AsFloat64())
	case tensor.Float16:
		out32 := make([]float32, out.NumElements())
		kernel.Plain(p,
			tensor.Float16ToFloat32(q.AsFloat16()),
			tensor.Float16ToFloat32(k.AsFloat16()),
			tensor.Float16ToFloat32(v.AsFloat16()),
			maskBits(mask), out32)
		copy(out.AsFloat16(), tensor.Float32ToFloat16(out32))
	default:
		return nil, fmt.Errorf("attention: unsupported dtype %s", q.DType())
	}
	return out, nil
}

// L2Normalize returns a copy of t with its last axis scaled to unit
// Euclidean norm. Applying it to queries and keys establishes the
// bounded-score precondition the kernels rely on.
func L2Normalize(t *tensor.RawTensor) (*tensor.RawTensor, error) {
	if t == nil {
		return nil, fmt.Errorf("attention: tensor is nil")
	}
	if len(t.Shape()) == 0 {
		return nil, fmt.Errorf("attention: cannot normalize a scalar")
	}
	if !t.DType().IsFloat() {
		return nil, fmt.Errorf("attention: dtype %s is not a float type", t.DType())
	}

	out, err := tensor.NewRaw(t.Shape(), t.DType(), t.Device())
	if err != nil {
		return nil, fmt.Errorf("attention: allocating result: %w", err)
	}

	dim := t.Shape()[len(t.Shape())-1]
	switch t.DType() {
	case tensor.Float32:
		kernel.L2Normalize(out.AsFloat32(), t.AsFloat32(), dim)
	case tensor.Float64:
		kernel.L2Normalize(out.AsFloat64(), t.AsFloat64(), dim)
	case tensor.Float16:
		x32 := tensor.Float16ToFloat32(t.AsFloat16())
		kernel.L2Normalize(x32, x32, dim)
		copy(out.AsFloat16(), tensor.Float32ToFloat16(x32))
	}
	return out, nil
}

// L2NormalizeInPlace scales t's last axis to unit Euclidean norm inside
// t's own buffer, avoiding the allocation L2Normalize makes. The buffer
// must be uniquely owned: normalizing storage that other tensors still
// share would corrupt them, so a shared buffer is rejected. Release
// outstanding clones first, or use L2Normalize.
func L2NormalizeInPlace(t *tensor.RawTensor) error {
	if t == nil {
		return fmt.Errorf("attention: tensor is nil")
	}
	if len(t.Shape()) == 0 {
		return fmt.Errorf("attention: cannot normalize a scalar")
	}
	if !t.DType().IsFloat() {
		return fmt.Errorf("attention: dtype %s is not a float type", t.DType())
	}
	if !t.IsUnique() {
		return fmt.Errorf("attention: cannot normalize in place: buffer is shared")
	}

	dim := t.Shape()[len(t.Shape())-1]
	switch t.DType() {
	case tensor.Float32:
		kernel.L2Normalize(t.AsFloat32(), t.AsFloat32(), dim)
	case tensor.Float64:
		kernel.L2Normalize(t.AsFloat64(), t.AsFloat64(), dim)
	case tensor.Float16:
		x32 := tensor.Float16ToFloat32(t.AsFloat16())
		kernel.L2Normalize(x32, x32, dim)
		copy(t.AsFloat16(), tensor.Float32ToFloat16(x32))
	}
	return nil
}
