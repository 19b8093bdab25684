package engine

import (
	"math"
	"testing"
)

// TestMaxPoolSamePadding tests window placement at the ragged edge
func TestMaxPoolSamePadding(t *testing.T) {
	p := &layerPlan{inH: 3, inW: 3, inC: 1, outH: 2, outW: 2, outC: 1, pool: 2, stride: 2}
	p.padTop = samePadding(3, 2, 2, 2)
	p.padLeft = samePadding(3, 2, 2, 2)

	in := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	out := make([]float32, 4)
	argmax := make([]int32, 4)
	maxPoolForward(in, p, out, argmax)

	expected := []float32{5, 6, 8, 9}
	expectedIdx := []int32{4, 5, 7, 8}
	for i := range expected {
		if out[i] != expected[i] || argmax[i] != expectedIdx[i] {
			t.Errorf("Output %d: expected %f@%d, got %f@%d", i, expected[i], expectedIdx[i], out[i], argmax[i])
		}
	}

	dIn := make([]float32, 9)
	maxPoolBackward([]float32{1, 2, 3, 4}, argmax, dIn)
	expectedGrad := []float32{0, 0, 0, 0, 1, 2, 0, 3, 4}
	for i := range expectedGrad {
		if dIn[i] != expectedGrad[i] {
			t.Errorf("dIn[%d]: expected %f, got %f", i, expectedGrad[i], dIn[i])
		}
	}
}

// TestSamePadding tests the leading pad of "same" windows
func TestSamePadding(t *testing.T) {
	testCases := []struct {
		in, out, window, stride int
		expected                int
	}{
		{4, 2, 2, 2, 0},
		{3, 2, 2, 2, 0},
		{1, 1, 2, 2, 0},
		{5, 5, 3, 1, 1},
	}
	for _, tc := range testCases {
		if got := samePadding(tc.in, tc.out, tc.window, tc.stride); got != tc.expected {
			t.Errorf("samePadding(%d, %d, %d, %d) = %d, expected %d",
				tc.in, tc.out, tc.window, tc.stride, got, tc.expected)
		}
	}
}

// TestConv2DForward tests a single-channel convolution against a hand computed result
func TestConv2DForward(t *testing.T) {
	p := &layerPlan{inH: 3, inW: 3, inC: 1, outH: 2, outW: 2, outC: 1, kernel: 2, stride: 1}
	in := []float32{1, 2, 3, 4, 5, 6, 7, 8, 9}
	kernel := []float32{1, 0, 0, 1} // main diagonal
	out := make([]float32, 4)
	conv2DForward(in, p, kernel, []float32{0.5}, out)

	expected := []float32{6.5, 8.5, 12.5, 14.5}
	for i := range expected {
		if out[i] != expected[i] {
			t.Errorf("Output %d: expected %f, got %f", i, expected[i], out[i])
		}
	}
}

// TestDenseForward tests the [in][out] weight layout
func TestDenseForward(t *testing.T) {
	weights := []float32{
		1, 2,
		3, 4,
		5, 6,
	}
	out := make([]float32, 2)
	denseForward([]float32{1, 0, -1}, weights, []float32{0.5, -0.5}, out)
	if out[0] != -3.5 || out[1] != -4.5 {
		t.Errorf("Expected [-3.5 -4.5], got %v", out)
	}
}

// TestReLU tests forward clamping and gradient masking
func TestReLU(t *testing.T) {
	in := []float32{-1, 0, 2}
	out := make([]float32, 3)
	reluForward(in, out)
	if out[0] != 0 || out[1] != 0 || out[2] != 2 {
		t.Errorf("Unexpected ReLU output %v", out)
	}
	dIn := make([]float32, 3)
	reluBackward(out, []float32{5, 5, 5}, dIn)
	if dIn[0] != 0 || dIn[1] != 0 || dIn[2] != 5 {
		t.Errorf("Unexpected ReLU gradient %v", dIn)
	}
}

// TestSoftmaxStable tests that large logits do not overflow
func TestSoftmaxStable(t *testing.T) {
	out := make([]float32, 3)
	softmaxForward([]float32{1000, 1000, 1000}, out)
	for i, v := range out {
		if math.Abs(float64(v)-1.0/3) > 1e-6 {
			t.Errorf("Output %d: expected 1/3, got %f", i, v)
		}
	}
}
