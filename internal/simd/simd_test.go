package simd

import (
	"testing"
)

func TestVecAdd(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{11, 22, 33, 44, 55}

	VecAdd(dst, src)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAdd(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecAddScaled(t *testing.T) {
	dst := []float32{1, 2, 3, 4, 5}
	src := []float32{10, 20, 30, 40, 50}
	expected := []float32{6, 12, 18, 24, 30}

	VecAddScaled(dst, src, 0.5)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecAddScaled(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestVecScaleShift(t *testing.T) {
	dst := []float32{0, 1, 2, 3, 4, 5}
	expected := []float32{1, 3, 5, 7, 9, 11}

	VecScaleShift(dst, 2, 1)

	for i, v := range dst {
		if v != expected[i] {
			t.Errorf("VecScaleShift(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestRelu(t *testing.T) {
	data := []float32{-1, 0, 2, -0.5, 3}
	Relu(data)
	expected := []float32{0, 0, 2, 0, 3}
	for i, v := range data {
		if v != expected[i] {
			t.Errorf("Relu(%d) = %f, want %f", i, v, expected[i])
		}
	}
}

func TestDotProduct(t *testing.T) {
	a := []float32{1, 2, 3, 4, 5}
	b := []float32{2, 3, 4, 5, 6}
	// 2 + 6 + 12 + 20 + 30 = 70
	if got := DotProduct(a, b); got != 70 {
		t.Errorf("DotProduct = %f, want 70", got)
	}
}

func TestSumAndMax(t *testing.T) {
	a := []float32{1, 7, 3, 4, 5, -2}
	if got := Sum(a); got != 18 {
		t.Errorf("Sum = %f, want 18", got)
	}
	if got := MaxValue(a); got != 7 {
		t.Errorf("MaxValue = %f, want 7", got)
	}
}
