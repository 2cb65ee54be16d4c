package tensor

import (
	"errors"
	"fmt"
	"slices"
)

// strided copies the elements of t read through strides from base into a new
// tensor of the given shape.
func (t *Tensor) strided(shape, strides []int64, base int64) *Tensor {
	n, _ := shapeElemCount(shape)
	out := make([]float32, n)

	walk(shape, func(i int, offs []int64) {
		out[i] = t.data[base+offs[0]]
	}, strides)

	return newOwned(out, shape)
}

// Narrow keeps length entries of dim starting at start.
func (t *Tensor) Narrow(dim int, start, length int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: narrow on nil tensor")
	}

	dim, err := normalizeDim(dim, t.Rank())
	if err != nil {
		return nil, fmt.Errorf("tensor: narrow: %w", err)
	}

	if start < 0 || length < 0 || start+length > t.shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, t.shape[dim])
	}

	shape := slices.Clone(t.shape)
	shape[dim] = length
	strides := contiguousStrides(t.shape)

	return t.strided(shape, strides, start*strides[dim]), nil
}

// Transpose swaps two dimensions.
func (t *Tensor) Transpose(dim1, dim2 int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: transpose on nil tensor")
	}

	d1, err := normalizeDim(dim1, t.Rank())
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim1: %w", err)
	}

	d2, err := normalizeDim(dim2, t.Rank())
	if err != nil {
		return nil, fmt.Errorf("tensor: transpose dim2: %w", err)
	}

	perm := make([]int, t.Rank())
	for i := range perm {
		perm[i] = i
	}

	perm[d1], perm[d2] = d2, d1

	return t.Permute(perm...)
}

// Permute reorders dimensions so that output dim i is input dim dims[i].
func (t *Tensor) Permute(dims ...int) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: permute on nil tensor")
	}

	rank := t.Rank()
	if len(dims) != rank {
		return nil, fmt.Errorf("tensor: permute expects %d dims, got %d", rank, len(dims))
	}

	src := contiguousStrides(t.shape)
	shape := make([]int64, rank)
	strides := make([]int64, rank)
	seen := make([]bool, rank)

	for i, raw := range dims {
		d, err := normalizeDim(raw, rank)
		if err != nil {
			return nil, fmt.Errorf("tensor: permute: %w", err)
		}

		if seen[d] {
			return nil, fmt.Errorf("tensor: permute repeats dim %d", d)
		}

		seen[d] = true
		shape[i], strides[i] = t.shape[d], src[d]
	}

	return t.strided(shape, strides, 0), nil
}

// Concat joins tensors along dim. All other dimensions must agree.
func Concat(tensors []*Tensor, dim int) (*Tensor, error) {
	if len(tensors) == 0 {
		return nil, errors.New("tensor: concat requires at least one tensor")
	}

	if tensors[0] == nil {
		return nil, errors.New("tensor: concat tensor 0 is nil")
	}

	base := tensors[0].shape
	rank := len(base)

	dim, err := normalizeDim(dim, rank)
	if err != nil {
		return nil, fmt.Errorf("tensor: concat: %w", err)
	}

	shape := slices.Clone(base)
	shape[dim] = 0

	for i, t := range tensors {
		if t == nil {
			return nil, fmt.Errorf("tensor: concat tensor %d is nil", i)
		}

		if t.Rank() != rank {
			return nil, fmt.Errorf("tensor: concat tensor %d rank %d does not match rank %d", i, t.Rank(), rank)
		}

		for d := range rank {
			if d != dim && t.shape[d] != base[d] {
				return nil, fmt.Errorf("tensor: concat tensor %d shape %v does not match base shape %v on dim %d", i, t.shape, base, d)
			}
		}

		shape[dim] += t.shape[dim]
	}

	// Every tensor contributes one contiguous block per outer index.
	outer := 1
	for _, d := range shape[:dim] {
		outer *= int(d)
	}

	n, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	out := make([]float32, 0, n)

	for o := range outer {
		for _, t := range tensors {
			block := len(t.data) / max(outer, 1)
			out = append(out, t.data[o*block:(o+1)*block]...)
		}
	}

	return newOwned(out, shape), nil
}
