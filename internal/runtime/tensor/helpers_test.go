package tensor

import (
	"math"
	"slices"
	"testing"
)

func mustNew(t *testing.T, data []float32, shape ...int64) *Tensor {
	t.Helper()

	x, err := New(data, shape)
	if err != nil {
		t.Fatalf("New(%v): %v", shape, err)
	}

	return x
}

func seq(n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(i%7) - 3
	}

	return out
}

func near(a, b []float32, tol float64) bool {
	return slices.EqualFunc(a, b, func(x, y float32) bool {
		return math.Abs(float64(x-y)) <= tol
	})
}

func assertTensor(t *testing.T, got *Tensor, shape []int64, data []float32, tol float64) {
	t.Helper()

	if !slices.Equal(got.Shape(), shape) {
		t.Fatalf("shape = %v, want %v", got.Shape(), shape)
	}

	if !near(got.RawData(), data, tol) {
		t.Fatalf("data = %v, want %v", got.RawData(), data)
	}
}
