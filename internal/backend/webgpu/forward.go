//go:build windows

package webgpu

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/go-webgpu/webgpu/wgpu"

	"github.com/cosim-ml/cosim/internal/tensor"
)

// Forward executes the attention forward engine on GPU.
//
// One workgroup is dispatched per (batch, head) pair; the shader's
// thread tile walks the column/row tiles internally with the same
// write-through accumulator protocol as the CPU engine. q, k, v must be
// float32 with layouts [batch, heads, qLen, kDim], [batch, heads, kLen,
// kDim], [batch, heads, kLen, vDim]; mask may be nil or [batch, kLen]
// bool. Any device failure aborts the whole call; there are no partial
// results.
//
//nolint:gocyclo,funlen // Length inherent to GPU dispatch setup with validation checks
func (b *Backend) Forward(
	q, k, v, mask *tensor.RawTensor,
	scale float32,
	causal bool,
) (output, rowsum *tensor.RawTensor, err error) {
	if len(q.Shape()) != 4 || len(k.Shape()) != 4 || len(v.Shape()) != 4 {
		return nil, nil, fmt.Errorf("webgpu: q, k, v must be 4D [batch, heads, seq, dim]")
	}
	if q.DType() != tensor.Float32 || k.DType() != tensor.Float32 || v.DType() != tensor.Float32 {
		return nil, nil, fmt.Errorf("webgpu: only float32 is supported")
	}

	batch := q.Shape()[0]
	heads := q.Shape()[1]
	qLen := q.Shape()[2]
	kLen := k.Shape()[2]
	kDim := q.Shape()[3]
	vDim := v.Shape()[3]

	if k.Shape()[0] != batch || v.Shape()[0] != batch || k.Shape()[1] != heads || v.Shape()[1] != heads {
		return nil, nil, fmt.Errorf("webgpu: batch/heads mismatch between q, k, v")
	}
	if v.Shape()[2] != kLen {
		return nil, nil, fmt.Errorf("webgpu: key length %d does not match value length %d", kLen, v.Shape()[2])
	}
	if k.Shape()[3] != kDim {
		return nil, nil, fmt.Errorf("webgpu: query dim %d does not match key dim %d", kDim, k.Shape()[3])
	}
	if kDim > maxHeadDim || vDim > maxHeadDim {
		return nil, nil, fmt.Errorf("webgpu: head dims must be <= %d, got %d/%d", maxHeadDim, kDim, vDim)
	}

	// Mask travels as u32 per key column; nil means all columns valid.
	maskWords := make([]byte, 4*batch*kLen)
	if mask != nil {
		if mask.DType() != tensor.Bool {
			return nil, nil, fmt.Errorf("webgpu: mask dtype must be bool, got %s", mask.DType())
		}
		if !mask.Shape().Equal(tensor.Shape{batch, kLen}) {
			return nil, nil, fmt.Errorf("webgpu: mask shape %v, want %v", mask.Shape(), tensor.Shape{batch, kLen})
		}
		for i, ok := range mask.AsBool() {
			if ok {
				binary.LittleEndian.PutUint32(maskWords[4*i:], 1)
			}
		}
	} else {
		for i := 0; i < batch*kLen; i++ {
			binary.LittleEndian.PutUint32(maskWords[4*i:], 1)
		}
	}

	shader := b.compileShader("cosim_forward", forwardShader)
	pipeline := b.getOrCreatePipeline("cosim_forward", shader)

	bufferQ := b.createBuffer(q.Data(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferQ.Release()

	bufferK := b.createBuffer(k.Data(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferK.Release()

	bufferV := b.createBuffer(v.Data(), wgpu.BufferUsageStorage|wgpu.BufferUsageCopySrc)
	defer bufferV.Release()

	bufferMask := b.createBuffer(maskWords, wgpu.BufferUsageStorage)
	defer bufferMask.Release()

	outSize := uint64(4 * batch * heads * qLen * vDim) //nolint:gosec // G115: sizes validated above
	bufferOut := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  outSize,
	})
	defer bufferOut.Release()

	sumSize := uint64(4 * batch * heads * qLen) //nolint:gosec // G115: sizes validated above
	bufferSum := b.device.CreateBuffer(&wgpu.BufferDescriptor{
		Usage: wgpu.BufferUsageStorage | wgpu.BufferUsageCopySrc,
		Size:  sumSize,
	})
	defer bufferSum.Release()

	// struct Params { q_len, k_len, k_dim, v_dim, heads, scale (f32), causal, pad }
	params := make([]byte, 32)
	//nolint:gosec // G115: dimensions validated above
	binary.LittleEndian.PutUint32(params[0:4], uint32(qLen))
	//nolint:gosec // G115: dimensions validated above
	binary.LittleEndian.PutUint32(params[4:8], uint32(kLen))
	//nolint:gosec // G115: dimensions validated above
	binary.LittleEndian.PutUint32(params[8:12], uint32(kDim))
	//nolint:gosec // G115: dimensions validated above
	binary.LittleEndian.PutUint32(params[12:16], uint32(vDim))
	//nolint:gosec // G115: dimensions validated above
	binary.LittleEndian.PutUint32(params[16:20], uint32(heads))
	binary.LittleEndian.PutUint32(params[20:24], math.Float32bits(scale))

	causalU32 := uint32(0)
	if causal {
		causalU32 = 1
	}
	binary.LittleEndian.PutUint32(params[24:28], causalU32)

	bufferParams := b.createUniformBuffer(params)
	defer bufferParams.Release()

	bindGroupLayout := pipeline.GetBindGroupLayout(0)
	bindGroup := b.device.CreateBindGroupSimple(bindGroupLayout, []wgpu.BindGroupEntry{
		wgpu.BufferBindingEntry(0, bufferQ, 0, uint64(q.ByteSize())), //nolint:gosec // G115: buffer size fits
		wgpu.BufferBindingEntry(1, bufferK, 0, uint64(k.ByteSize())), //nolint:gosec // G115: buffer size fits
		wgpu.BufferBindingEntry(2, bufferV, 0, uint64(v.ByteSize())), //nolint:gosec // G115: buffer size fits
		wgpu.BufferBindingEntry(3, bufferMask, 0, uint64(len(maskWords))),
		wgpu.BufferBindingEntry(4, bufferOut, 0, outSize),
		wgpu.BufferBindingEntry(5, bufferSum, 0, sumSize),
		wgpu.BufferBindingEntry(6, bufferParams, 0, 32),
	})
	defer bindGroup.Release()

	encoder := b.device.CreateCommandEncoder(nil)

	computePass := encoder.BeginComputePass(nil)
	computePass.SetPipeline(pipeline)
	computePass.SetBindGroup(0, bindGroup, nil)

	// One workgroup per (batch, head) pair; no cross-group communication.
	computePass.DispatchWorkgroups(uint32(heads), uint32(batch), 1) //nolint:gosec // G115: safe cast
	computePass.End()

	cmdBuffer := encoder.Finish(nil)
	b.queue.Submit(cmdBuffer)

	outData, err := b.readBuffer(bufferOut, outSize)
	if err != nil {
		return nil, nil, fmt.Errorf("webgpu: failed to read output: %w", err)
	}
	sumData, err := b.readBuffer(bufferSum, sumSize)
	if err != nil {
		return nil, nil, fmt.Errorf("webgpu: failed to read rowsum: %w", err)
	}

	output, err = tensor.NewRaw(tensor.Shape{batch, heads, qLen, vDim}, tensor.Float32, tensor.WebGPU)
	if err != nil {
		return nil, nil, fmt.Errorf("webgpu: failed to create output tensor: %w", err)
	}
	rowsum, err = tensor.NewRaw(tensor.Shape{batch, heads, qLen}, tensor.Float32, tensor.WebGPU)
	if err != nil {
		return nil, nil, fmt.Errorf("webgpu: failed to create rowsum tensor: %w", err)
	}

	copy(output.Data(), outData)
	copy(rowsum.Data(), sumData)
	return output, rowsum, nil
}
