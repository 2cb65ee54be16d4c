package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// Wrap adopts data as a tensor of the given shape without copying. The
// caller must not modify data afterwards.
func Wrap(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return newOwned(data, slices.Clone(shape)), nil
}

// BroadcastAdd adds a and b with NumPy broadcasting rules.
func BroadcastAdd(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary("add", a, b, func(x, y float32) float32 { return x + y })
}

func BroadcastSub(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary("sub", a, b, func(x, y float32) float32 { return x - y })
}

func BroadcastMul(a, b *Tensor) (*Tensor, error) {
	return broadcastBinary("mul", a, b, func(x, y float32) float32 { return x * y })
}

func broadcastBinary(op string, a, b *Tensor, fn func(x, y float32) float32) (*Tensor, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("tensor: broadcast %s requires non-nil inputs", op)
	}

	if slices.Equal(a.shape, b.shape) {
		out := make([]float32, len(a.data))
		for i := range out {
			out[i] = fn(a.data[i], b.data[i])
		}

		return newOwned(out, slices.Clone(a.shape)), nil
	}

	shape, err := broadcastShape(a.shape, b.shape)
	if err != nil {
		return nil, fmt.Errorf("tensor: broadcast %s: %w", op, err)
	}

	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, n)

	walk(shape, func(i int, offs []int64) {
		out[i] = fn(a.data[offs[0]], b.data[offs[1]])
	}, broadcastStrides(a.shape, len(shape)), broadcastStrides(b.shape, len(shape)))

	return newOwned(out, shape), nil
}

// Map applies fn to every element and returns a new tensor.
func Map(x *Tensor, fn func(float32) float32) *Tensor {
	if x == nil {
		return nil
	}

	out := make([]float32, len(x.data))
	for i, v := range x.data {
		out[i] = fn(v)
	}

	return newOwned(out, slices.Clone(x.shape))
}

func Scale(x *Tensor, s float32) *Tensor {
	return Map(x, func(v float32) float32 { return v * s })
}

// ReduceToShape sums x over the dimensions that broadcasting target to
// x.Shape() would have expanded. It is the adjoint of that broadcast.
func ReduceToShape(x *Tensor, target []int64) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("tensor: reduce on nil tensor")
	}

	rank := x.Rank()
	if len(target) > rank {
		return nil, fmt.Errorf("tensor: cannot reduce %v to higher rank %v", x.shape, target)
	}

	for k := 1; k <= rank; k++ {
		if td := dimFromEnd(target, k); td != 1 && td != x.shape[rank-k] {
			return nil, fmt.Errorf("tensor: cannot reduce %v to %v", x.shape, target)
		}
	}

	n, err := shapeElemCount(target)
	if err != nil {
		return nil, err
	}

	out := make([]float32, n)

	walk(x.shape, func(i int, offs []int64) {
		out[offs[0]] += x.data[i]
	}, broadcastStrides(target, rank))

	return newOwned(out, slices.Clone(target)), nil
}

// Sum adds every element in float64.
func (t *Tensor) Sum() float64 {
	if t == nil {
		return 0
	}

	var s float64
	for _, v := range t.data {
		s += float64(v)
	}

	return s
}
