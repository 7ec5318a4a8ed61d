package tensor

import (
	"math"
	"testing"
)

func TestSoftmaxLargeValuesStayFinite(t *testing.T) {
	t.Parallel()

	x := []float32{1000, 1001, 1002}
	Softmax(x)
	var sum float32
	for _, v := range x {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			t.Fatalf("non-finite softmax output %v", x)
		}
		sum += v
	}
	if math.Abs(float64(sum-1)) > 1e-6 {
		t.Fatalf("softmax sum %v", sum)
	}
	if !(x[2] > x[1] && x[1] > x[0]) {
		t.Fatalf("softmax order lost: %v", x)
	}
}

func TestLayerNormZeroMeanUnitVariance(t *testing.T) {
	t.Parallel()

	src := []float32{1, 2, 3, 4}
	w := []float32{1, 1, 1, 1}
	dst := make([]float32, 4)
	LayerNorm(dst, src, w, nil, 1e-6)
	var mean, sq float64
	for _, v := range dst {
		mean += float64(v)
		sq += float64(v) * float64(v)
	}
	mean /= 4
	if math.Abs(mean) > 1e-6 || math.Abs(sq/4-1) > 1e-4 {
		t.Fatalf("layernorm stats: mean=%v var=%v", mean, sq/4)
	}

	LayerNorm(dst, src, w, []float32{1, 1, 1, 1}, 1e-6)
	var withBias float64
	for _, v := range dst {
		withBias += float64(v)
	}
	if math.Abs(withBias/4-1) > 1e-6 {
		t.Fatalf("bias not applied: mean %v", withBias/4)
	}
}

func TestRMSNormUnitRMS(t *testing.T) {
	t.Parallel()

	src := []float32{3, -4, 0, 0}
	dst := make([]float32, 4)
	RMSNorm(dst, src, []float32{1, 1, 1, 1}, 0)
	var sq float64
	for _, v := range dst {
		sq += float64(v) * float64(v)
	}
	if math.Abs(sq/4-1) > 1e-5 {
		t.Fatalf("rms of output %v", math.Sqrt(sq/4))
	}
}

func TestActivations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		fn   func(float32) float32
		in   float32
		want float32
	}{
		{"relu neg", Relu, -2, 0},
		{"relu pos", Relu, 2, 2},
		{"silu zero", Silu, 0, 0},
		{"gelu zero", Gelu, 0, 0},
		{"gelu large", Gelu, 10, 10},
	}
	for _, tt := range tests {
		if got := tt.fn(tt.in); math.Abs(float64(got-tt.want)) > 1e-4 {
			t.Fatalf("%s: got %v want %v", tt.name, got, tt.want)
		}
	}

	dst := make([]float32, 2)
	SwiGLU(dst, []float32{0, 10}, []float32{5, 2})
	if dst[0] != 0 || math.Abs(float64(dst[1]-2*Silu(10))) > 1e-6 {
		t.Fatalf("swiglu: %v", dst)
	}
}

func TestApplyRoPEPreservesNormAndPositionZero(t *testing.T) {
	t.Parallel()

	inv := RopeInvFreq(8, 10000, 0)
	x := RandValues(16, 9, 1)
	orig := append([]float32(nil), x...)

	ApplyRoPE(x, 2, 8, 0, inv)
	for i := range x {
		if x[i] != orig[i] {
			t.Fatalf("position 0 changed element %d", i)
		}
	}

	ApplyRoPE(x, 2, 8, 17, inv)
	var a, b float64
	for i := range x {
		a += float64(orig[i]) * float64(orig[i])
		b += float64(x[i]) * float64(x[i])
	}
	if math.Abs(a-b) > 1e-4 {
		t.Fatalf("rotation changed norm: %v vs %v", a, b)
	}
}

func TestRopeScalingDividesPositions(t *testing.T) {
	t.Parallel()

	plain := RopeInvFreq(4, 10000, 0)
	scaled := RopeInvFreq(4, 10000, 2)
	x1 := []float32{1, 0, 1, 0}
	x2 := []float32{1, 0, 1, 0}
	ApplyRoPE(x1, 1, 4, 3, plain)
	ApplyRoPE(x2, 1, 4, 6, scaled)
	for i := range x1 {
		if math.Abs(float64(x1[i]-x2[i])) > 1e-6 {
			t.Fatalf("scaled rope mismatch at %d: %v vs %v", i, x1, x2)
		}
	}
}
