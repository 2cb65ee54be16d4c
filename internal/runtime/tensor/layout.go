package tensor

import (
	"fmt"
	"math"
)

func shapeElemCount(shape []int64) (int, error) {
	total := int64(1)

	for i, d := range shape {
		if d < 0 {
			return 0, fmt.Errorf("tensor: shape %v has negative dimension at %d", shape, i)
		}

		if d != 0 && total > int64(math.MaxInt)/d {
			return 0, fmt.Errorf("tensor: shape %v too large", shape)
		}

		total *= d
	}

	return int(total), nil
}

func normalizeDim(dim, rank int) (int, error) {
	if dim < 0 {
		dim += rank
	}

	if dim < 0 || dim >= rank {
		return 0, fmt.Errorf("dim %d out of range for rank %d", dim, rank)
	}

	return dim, nil
}

// contiguousStrides returns row-major element strides for shape.
func contiguousStrides(shape []int64) []int64 {
	strides := make([]int64, len(shape))
	step := int64(1)

	for i := len(shape) - 1; i >= 0; i-- {
		strides[i] = step
		step *= shape[i]
	}

	return strides
}

// broadcastStrides returns strides that read shape as if it had been
// broadcast to rank dimensions: leading and size-1 dimensions step by zero.
func broadcastStrides(shape []int64, rank int) []int64 {
	out := make([]int64, rank)
	pad := rank - len(shape)

	for i, s := range contiguousStrides(shape) {
		if shape[i] != 1 {
			out[pad+i] = s
		}
	}

	return out
}

func broadcastShape(a, b []int64) ([]int64, error) {
	rank := max(len(a), len(b))
	out := make([]int64, rank)

	for i := range rank {
		ad, bd := dimFromEnd(a, rank-i), dimFromEnd(b, rank-i)

		switch {
		case ad == bd || ad == 1:
			out[i] = bd
		case bd == 1:
			out[i] = ad
		default:
			return nil, fmt.Errorf("cannot broadcast shapes %v and %v", a, b)
		}
	}

	return out, nil
}

// dimFromEnd returns shape[len(shape)-k], or 1 past the leading edge.
func dimFromEnd(shape []int64, k int) int64 {
	if k > len(shape) {
		return 1
	}

	return shape[len(shape)-k]
}

// walk visits every position of shape in row-major order. For each position
// fn receives the linear index and, per stride set, the matching offset.
// fn must not retain offs.
func walk(shape []int64, fn func(i int, offs []int64), strides ...[]int64) {
	n, err := shapeElemCount(shape)
	if err != nil || n == 0 {
		return
	}

	coord := make([]int64, len(shape))
	offs := make([]int64, len(strides))

	for i := range n {
		fn(i, offs)

		for d := len(shape) - 1; d >= 0; d-- {
			coord[d]++
			for s, st := range strides {
				offs[s] += st[d]
			}

			if coord[d] < shape[d] {
				break
			}

			for s, st := range strides {
				offs[s] -= st[d] * shape[d]
			}

			coord[d] = 0
		}
	}
}
