package tensor

import (
	"math/rand"
	"testing"

	"github.com/x448/float16"
)

func TestNewRaw(t *testing.T) {
	raw, err := NewRaw(Shape{2, 3, 4}, Float32, CPU)
	if err != nil {
		t.Fatalf("NewRaw failed: %v", err)
	}

	if raw.NumElements() != 24 {
		t.Errorf("NumElements = %d, want 24", raw.NumElements())
	}
	if raw.ByteSize() != 96 {
		t.Errorf("ByteSize = %d, want 96", raw.ByteSize())
	}
	if raw.DType() != Float32 || raw.Device() != CPU {
		t.Errorf("DType/Device = %s/%s", raw.DType(), raw.Device())
	}
	for i, x := range raw.AsFloat32() {
		if x != 0 {
			t.Fatalf("Element %d = %v, want zero-initialized", i, x)
		}
	}

	wantStrides := []int{12, 4, 1}
	for i, s := range raw.Strides() {
		if s != wantStrides[i] {
			t.Errorf("Strides = %v, want %v", raw.Strides(), wantStrides)
			break
		}
	}
}

func TestNewRawInvalidShape(t *testing.T) {
	if _, err := NewRaw(Shape{2, -1}, Float32, CPU); err == nil {
		t.Error("Expected error for negative dimension")
	}
}

func TestFromSliceRoundTrip(t *testing.T) {
	data := []float64{1, 2, 3, 4, 5, 6}
	raw, err := FromSlice(data, Shape{2, 3}, CPU)
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	if raw.DType() != Float64 {
		t.Fatalf("Inferred dtype = %s, want float64", raw.DType())
	}

	got := raw.AsFloat64()
	for i := range data {
		if got[i] != data[i] {
			t.Fatalf("Element %d = %v, want %v", i, got[i], data[i])
		}
	}

	// The tensor owns a copy, not the caller's slice.
	data[0] = 99
	if raw.AsFloat64()[0] == 99 {
		t.Error("FromSlice aliased the source slice")
	}
}

func TestFromSliceLengthMismatch(t *testing.T) {
	if _, err := FromSlice([]float32{1, 2, 3}, Shape{2, 2}, CPU); err == nil {
		t.Error("Expected error for length/shape mismatch")
	}
}

func TestBoolTensor(t *testing.T) {
	raw, err := FromSlice([]bool{true, false, true}, Shape{3}, CPU)
	if err != nil {
		t.Fatalf("FromSlice failed: %v", err)
	}
	bits := raw.AsBool()
	if !bits[0] || bits[1] || !bits[2] {
		t.Errorf("AsBool = %v, want [true false true]", bits)
	}
}

func TestCloneSharesBuffer(t *testing.T) {
	raw, err := FromSlice([]float32{1, 2}, Shape{2}, CPU)
	if err != nil {
		t.Fatal(err)
	}
	if !raw.IsUnique() {
		t.Fatal("Fresh tensor should own its buffer uniquely")
	}

	clone := raw.Clone()
	if raw.IsUnique() || clone.IsUnique() {
		t.Error("Clone should share the buffer")
	}

	clone.AsFloat32()[0] = 7
	if raw.AsFloat32()[0] != 7 {
		t.Error("Clone did not share the underlying buffer")
	}

	clone.Release()
	if !raw.IsUnique() {
		t.Error("Release did not drop the clone's reference")
	}
}

func TestFloat16Conversion(t *testing.T) {
	src := []float32{0, 1, -2.5, 0.125}
	half := Float32ToFloat16(src)
	back := Float16ToFloat32(half)
	for i := range src {
		if back[i] != src[i] {
			t.Errorf("Round trip of %v gave %v", src[i], back[i])
		}
	}
}

func TestFromFloat16(t *testing.T) {
	half := []float16.Float16{float16.Fromfloat32(1.5), float16.Fromfloat32(-3)}
	raw, err := FromFloat16(half, Shape{2}, CPU)
	if err != nil {
		t.Fatal(err)
	}
	if raw.DType() != Float16 || raw.ByteSize() != 4 {
		t.Errorf("DType/ByteSize = %s/%d, want float16/4", raw.DType(), raw.ByteSize())
	}
	if got := raw.AsFloat16()[0].Float32(); got != 1.5 {
		t.Errorf("Element 0 = %v, want 1.5", got)
	}
}

func TestRandnReproducible(t *testing.T) {
	a, err := Randn[float32](rand.New(rand.NewSource(42)), Shape{4, 4}, CPU)
	if err != nil {
		t.Fatal(err)
	}
	b, err := Randn[float32](rand.New(rand.NewSource(42)), Shape{4, 4}, CPU)
	if err != nil {
		t.Fatal(err)
	}
	av, bv := a.AsFloat32(), b.AsFloat32()
	for i := range av {
		if av[i] != bv[i] {
			t.Fatal("Same seed produced different tensors")
		}
	}

	var nonZero bool
	for _, x := range av {
		if x != 0 {
			nonZero = true
		}
	}
	if !nonZero {
		t.Error("Randn produced all zeros")
	}
}

func TestShapeHelpers(t *testing.T) {
	s := Shape{2, 3}
	if !s.Equal(Shape{2, 3}) || s.Equal(Shape{3, 2}) || s.Equal(Shape{2}) {
		t.Error("Shape.Equal misbehaved")
	}

	c := s.Clone()
	c[0] = 9
	if s[0] != 2 {
		t.Error("Clone aliased the original")
	}

	scalar := Shape{}
	if scalar.NumElements() != 1 {
		t.Errorf("Scalar NumElements = %d, want 1", scalar.NumElements())
	}
}
