package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Softmax normalizes x along dim. Exponentials are accumulated in float64
// after subtracting the row maximum.
func Softmax(x *Tensor, dim int) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: softmax on nil tensor")
	}

	dim, err := normalizeDim(dim, x.Rank())
	if err != nil {
		return nil, fmt.Errorf("tensor: softmax: %w", err)
	}

	axis := int(x.shape[dim])
	if axis == 0 {
		return nil, errors.New("tensor: softmax over an empty dimension")
	}

	inner := 1
	for _, d := range x.shape[dim+1:] {
		inner *= int(d)
	}

	out := x.Clone()
	if len(out.data) == 0 {
		return out, nil
	}

	rows := len(out.data) / (axis * inner)

	for r := range rows * inner {
		base := r/inner*axis*inner + r%inner
		at := func(k int) *float32 { return &out.data[base+k*inner] }

		peak := float32(math.Inf(-1))
		for k := range axis {
			peak = max(peak, *at(k))
		}

		var sum float64

		for k := range axis {
			e := math.Exp(float64(*at(k) - peak))
			*at(k) = float32(e)
			sum += e
		}

		if sum == 0 {
			return nil, errors.New("tensor: softmax encountered zero normalization sum")
		}

		inv := float32(1 / sum)
		for k := range axis {
			*at(k) *= inv
		}
	}

	return out, nil
}

// LayerNorm normalizes over the last dimension, then applies the optional
// per-feature weight and bias.
func LayerNorm(x, weight, bias *Tensor, eps float32) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: layernorm input is nil")
	}

	if x.Rank() == 0 || eps <= 0 {
		return nil, fmt.Errorf("tensor: layernorm needs rank >= 1 and eps > 0, got rank %d eps %v", x.Rank(), eps)
	}

	d := x.Dim(-1)
	if d == 0 {
		return nil, errors.New("tensor: layernorm last dimension must be > 0")
	}

	for _, p := range []struct {
		name string
		t    *Tensor
	}{{"weight", weight}, {"bias", bias}} {
		if p.t != nil && (p.t.Rank() != 1 || p.t.shape[0] != d) {
			return nil, fmt.Errorf("tensor: layernorm %s shape %v does not match last dimension %d", p.name, p.t.shape, d)
		}
	}

	out := x.Clone()

	for row := range slices.Chunk(out.data, int(d)) {
		var mean, sq float64
		for _, v := range row {
			mean += float64(v)
		}

		mean /= float64(d)

		for _, v := range row {
			sq += (float64(v) - mean) * (float64(v) - mean)
		}

		inv := float32(1 / math.Sqrt(sq/float64(d)+float64(eps)))
		m := float32(mean)

		for i, v := range row {
			v = (v - m) * inv
			if weight != nil {
				v *= weight.data[i]
			}

			if bias != nil {
				v += bias.data[i]
			}

			row[i] = v
		}
	}

	return out, nil
}

// MatMul multiplies the trailing [m, k] and [k, n] matrices of a and b,
// broadcasting any leading batch dimensions.
func MatMul(a, b *Tensor) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, errors.New("tensor: matmul requires non-nil inputs")
	}

	if a.Rank() < 2 || b.Rank() < 2 {
		return nil, fmt.Errorf("tensor: matmul requires rank >= 2, got %d and %d", a.Rank(), b.Rank())
	}

	m, k := a.Dim(-2), a.Dim(-1)
	n := b.Dim(-1)

	if b.Dim(-2) != k {
		return nil, fmt.Errorf("tensor: matmul mismatch: A shape %v and B shape %v (K dims %d vs %d)", a.shape, b.shape, k, b.Dim(-2))
	}

	aBatch, bBatch := a.shape[:a.Rank()-2], b.shape[:b.Rank()-2]

	batch, err := broadcastShape(aBatch, bBatch)
	if err != nil {
		return nil, fmt.Errorf("tensor: matmul batch broadcast: %w", err)
	}

	shape := append(slices.Clone(batch), m, n)

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, total)
	aStr := scaledStrides(broadcastStrides(aBatch, len(batch)), m*k)
	bStr := scaledStrides(broadcastStrides(bBatch, len(batch)), k*n)

	walk(batch, func(i int, offs []int64) {
		am := a.data[offs[0]:][:m*k]
		bm := b.data[offs[1]:][:k*n]
		om := out[int64(i)*m*n:][:m*n]

		for r := range m {
			dst := om[r*n:][:n]
			for c := range k {
				Axpy(dst, am[r*k+c], bm[c*n:][:n])
			}
		}
	}, aStr, bStr)

	return newOwned(out, shape), nil
}

func scaledStrides(strides []int64, f int64) []int64 {
	for i := range strides {
		strides[i] *= f
	}

	return strides
}

// Linear computes x·Wᵀ + b for weight [out, in] over the last dimension of x.
func Linear(x, weight, bias *Tensor) (*Tensor, error) {
	if x == nil || weight == nil {
		return nil, errors.New("tensor: linear requires non-nil x and weight")
	}

	if x.Rank() == 0 || weight.Rank() != 2 {
		return nil, fmt.Errorf("tensor: linear needs x rank >= 1 and weight rank 2, got %d and %d", x.Rank(), weight.Rank())
	}

	in, outDim := int(x.Dim(-1)), int(weight.shape[0])
	if int(weight.shape[1]) != in {
		return nil, fmt.Errorf("tensor: linear mismatch: x last dim %d, weight in dim %d", in, weight.shape[1])
	}

	if bias != nil && (bias.Rank() != 1 || int(bias.shape[0]) != outDim) {
		return nil, fmt.Errorf("tensor: linear bias shape %v does not match out dim %d", bias.shape, outDim)
	}

	rows := 0
	if in > 0 {
		rows = len(x.data) / in
	}

	out := make([]float32, rows*outDim)

	parallelFor(rows, getWorkers(), func(lo, hi int) {
		for r := lo; r < hi; r++ {
			src := x.data[r*in:][:in]
			dst := out[r*outDim:][:outDim]

			for o := range dst {
				dst[o] = DotProduct(src, weight.data[o*in:][:in])
				if bias != nil {
					dst[o] += bias.data[o]
				}
			}
		}
	})

	shape := slices.Clone(x.shape)
	shape[len(shape)-1] = int64(outDim)

	return newOwned(out, shape), nil
}
