//go:build windows

package webgpu

import (
	"math"
	"math/rand"
	"testing"

	"github.com/cosim-ml/cosim/internal/kernel"
	"github.com/cosim-ml/cosim/internal/tensor"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	backend, err := New()
	if err != nil {
		t.Skipf("WebGPU not available: %v", err)
	}
	t.Cleanup(backend.Release)
	return backend
}

func randUnitTensor(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.Randn[float32](rng, shape, tensor.CPU)
	if err != nil {
		t.Fatal(err)
	}
	data := raw.AsFloat32()
	kernel.L2Normalize(data, data, shape[len(shape)-1])
	return raw
}

func randTensor(t *testing.T, rng *rand.Rand, shape tensor.Shape) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.Randn[float32](rng, shape, tensor.CPU)
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

// TestForwardMatchesCPU compares the GPU engine against the CPU engine
// across the geometries the shader has to handle: ragged tiles, causal
// alignment with unequal lengths, masking, and the head-dim capacity
// boundary.
func TestForwardMatchesCPU(t *testing.T) {
	backend := newTestBackend(t)

	tests := []struct {
		name       string
		batch      int
		heads      int
		qLen, kLen int
		kDim, vDim int
		causal     bool
		masked     bool
		maxError   float64
	}{
		{
			name:  "small_non_causal",
			batch: 2, heads: 4,
			qLen: 32, kLen: 32,
			kDim: 16, vDim: 16,
			maxError: 1e-4,
		},
		{
			name:  "small_causal",
			batch: 2, heads: 4,
			qLen: 32, kLen: 32,
			kDim: 16, vDim: 16,
			causal:   true,
			maxError: 1e-4,
		},
		{
			name:  "longer_key_context_causal",
			batch: 1, heads: 2,
			qLen: 16, kLen: 48,
			kDim: 32, vDim: 32,
			causal:   true,
			maxError: 1e-4,
		},
		{
			name:  "ragged_tiles",
			batch: 2, heads: 2,
			qLen: 10, kLen: 13,
			kDim: 8, vDim: 6,
			causal:   true,
			maxError: 1e-4,
		},
		{
			name:  "masked",
			batch: 2, heads: 2,
			qLen: 17, kLen: 33,
			kDim: 16, vDim: 16,
			masked:   true,
			maxError: 1e-4,
		},
		{
			name:  "max_head_dim",
			batch: 1, heads: 2,
			qLen: 32, kLen: 32,
			kDim: 64, vDim: 64,
			causal:   true,
			maxError: 1e-3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng := rand.New(rand.NewSource(int64(len(tt.name))))

			q := randUnitTensor(t, rng, tensor.Shape{tt.batch, tt.heads, tt.qLen, tt.kDim})
			k := randUnitTensor(t, rng, tensor.Shape{tt.batch, tt.heads, tt.kLen, tt.kDim})
			v := randTensor(t, rng, tensor.Shape{tt.batch, tt.heads, tt.kLen, tt.vDim})

			var mask *tensor.RawTensor
			var maskBits []bool
			if tt.masked {
				maskBits = make([]bool, tt.batch*tt.kLen)
				for i := range maskBits {
					maskBits[i] = i%5 != 0
				}
				var err error
				mask, err = tensor.FromSlice(maskBits, tensor.Shape{tt.batch, tt.kLen}, tensor.CPU)
				if err != nil {
					t.Fatal(err)
				}
			}

			const scale = 8
			output, rowsum, err := backend.Forward(q, k, v, mask, scale, tt.causal)
			if err != nil {
				t.Fatalf("GPU forward failed: %v", err)
			}
			if output.Device() != tensor.WebGPU {
				t.Errorf("Output device = %s, want webgpu", output.Device())
			}

			p := kernel.Params{
				Batch: tt.batch, Heads: tt.heads,
				QLen: tt.qLen, KLen: tt.kLen,
				KDim: tt.kDim, VDim: tt.vDim,
				Scale: scale, Causal: tt.causal,
				QBlock: qTileSize, KBlock: kTileSize,
			}
			wantOut := make([]float32, tt.batch*tt.heads*tt.qLen*tt.vDim)
			wantSum := make([]float32, tt.batch*tt.heads*tt.qLen)
			kernel.Forward(p, q.AsFloat32(), k.AsFloat32(), v.AsFloat32(), maskBits, wantOut, wantSum)

			var maxDiff float64
			gotOut := output.AsFloat32()
			for i := range wantOut {
				if d := math.Abs(float64(gotOut[i] - wantOut[i])); d > maxDiff {
					maxDiff = d
				}
			}
			gotSum := rowsum.AsFloat32()
			for i := range wantSum {
				if d := math.Abs(float64(gotSum[i] - wantSum[i])); d > maxDiff {
					maxDiff = d
				}
			}
			if maxDiff > tt.maxError {
				t.Errorf("Max GPU/CPU difference %.6g exceeds %.6g", maxDiff, tt.maxError)
			}
		})
	}
}

// TestForwardRepeatable reruns one dispatch and checks the atomic
// accumulation does not drift beyond float rounding between runs.
func TestForwardRepeatable(t *testing.T) {
	backend := newTestBackend(t)
	rng := rand.New(rand.NewSource(7))

	q := randUnitTensor(t, rng, tensor.Shape{1, 2, 24, 16})
	k := randUnitTensor(t, rng, tensor.Shape{1, 2, 24, 16})
	v := randTensor(t, rng, tensor.Shape{1, 2, 24, 16})

	first, firstSum, err := backend.Forward(q, k, v, nil, 8, true)
	if err != nil {
		t.Fatal(err)
	}
	second, secondSum, err := backend.Forward(q, k, v, nil, 8, true)
	if err != nil {
		t.Fatal(err)
	}

	a, b := first.AsFloat32(), second.AsFloat32()
	for i := range a {
		if math.Abs(float64(a[i]-b[i])) > 1e-5 {
			t.Fatalf("Output[%d] drifted between runs: %v vs %v", i, a[i], b[i])
		}
	}
	sa, sb := firstSum.AsFloat32(), secondSum.AsFloat32()
	for i := range sa {
		if math.Abs(float64(sa[i]-sb[i])) > 1e-5 {
			t.Fatalf("RowSum[%d] drifted between runs: %v vs %v", i, sa[i], sb[i])
		}
	}
}

// TestForwardValidation exercises the dispatch-side checks that reject
// work before anything reaches the device.
func TestForwardValidation(t *testing.T) {
	backend := newTestBackend(t)
	rng := rand.New(rand.NewSource(9))

	q := randUnitTensor(t, rng, tensor.Shape{1, 1, 8, 16})
	k := randUnitTensor(t, rng, tensor.Shape{1, 1, 8, 16})
	v := randTensor(t, rng, tensor.Shape{1, 1, 8, 16})

	wideQ := randTensor(t, rng, tensor.Shape{1, 1, 8, 80})
	wideK := randTensor(t, rng, tensor.Shape{1, 1, 8, 80})
	if _, _, err := backend.Forward(wideQ, wideK, v, nil, 8, false); err == nil {
		t.Error("Expected error for head dim above the shader capacity")
	}

	threeD := randTensor(t, rng, tensor.Shape{1, 8, 16})
	if _, _, err := backend.Forward(threeD, k, v, nil, 8, false); err == nil {
		t.Error("Expected error for non-4D input")
	}

	f64, err := tensor.Randn[float64](rng, tensor.Shape{1, 1, 8, 16}, tensor.CPU)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := backend.Forward(f64, k, v, nil, 8, false); err == nil {
		t.Error("Expected error for non-float32 input")
	}

	badMask, err := tensor.FromSlice([]bool{true, false}, tensor.Shape{1, 2}, tensor.CPU)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := backend.Forward(q, k, v, badMask, 8, false); err == nil {
		t.Error("Expected error for mask shape mismatch")
	}
}

func TestBackendName(t *testing.T) {
	backend := newTestBackend(t)
	if backend.Name() == "" {
		t.Error("Backend name should not be empty")
	}
	t.Logf("Backend name: %s", backend.Name())
}
