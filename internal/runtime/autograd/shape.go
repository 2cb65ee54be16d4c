package autograd

import (
	"errors"
	"fmt"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Reshape returns x viewed with a new shape.
func Reshape(x *Var, shape ...int64) (*Var, error) {
	shape, err := inferShape(shape, x.Value.ElemCount())
	if err != nil {
		return nil, err
	}

	out, err := x.Value.Reshape(shape)
	if err != nil {
		return nil, fmt.Errorf("autograd: reshape: %w", err)
	}

	return newOp("reshape", out, []*Var{x}, func(g *tensor.Tensor) error {
		return x.accumulate(g)
	}), nil
}

// inferShape resolves a single -1 entry from the element count.
func inferShape(shape []int64, total int) ([]int64, error) {
	known := int64(1)
	free := -1

	for i, d := range shape {
		if d == -1 {
			if free >= 0 {
				return nil, fmt.Errorf("autograd: reshape %v has more than one inferred dim", shape)
			}

			free = i

			continue
		}

		known *= d
	}

	if free < 0 {
		return shape, nil
	}

	if known == 0 || int64(total)%known != 0 {
		return nil, fmt.Errorf("autograd: cannot infer dim of %v for %d elements", shape, total)
	}

	out := append([]int64(nil), shape...)
	out[free] = int64(total) / known

	return out, nil
}

// Transpose swaps two dimensions.
func Transpose(x *Var, d1, d2 int) (*Var, error) {
	out, err := x.Value.Transpose(d1, d2)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	return newOp("transpose", out, []*Var{x}, func(g *tensor.Tensor) error {
		back, err := g.Transpose(d1, d2)
		if err != nil {
			return err
		}

		return x.accumulateData(back.RawData())
	}), nil
}

// Permute reorders dimensions.
func Permute(x *Var, dims ...int) (*Var, error) {
	out, err := x.Value.Permute(dims...)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	rank := len(dims)
	inverse := make([]int, rank)

	for i, d := range dims {
		if d < 0 {
			d += rank
		}

		inverse[d] = i
	}

	return newOp("permute", out, []*Var{x}, func(g *tensor.Tensor) error {
		back, err := g.Permute(inverse...)
		if err != nil {
			return err
		}

		return x.accumulateData(back.RawData())
	}), nil
}

// Concat joins values along dim.
func Concat(xs []*Var, dim int) (*Var, error) {
	if len(xs) == 0 {
		return nil, errors.New("autograd: concat requires at least one value")
	}

	vals := make([]*tensor.Tensor, len(xs))
	for i, x := range xs {
		vals[i] = x.Value
	}

	out, err := tensor.Concat(vals, dim)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	if dim < 0 {
		dim += out.Rank()
	}

	return newOp("concat", out, xs, func(g *tensor.Tensor) error {
		var offset int64

		for _, x := range xs {
			size := x.Dim(dim)
			if x.RequiresGrad() {
				part, err := narrowTensor(g, dim, offset, size)
				if err != nil {
					return err
				}

				if err := x.accumulateData(part.RawData()); err != nil {
					return err
				}
			}

			offset += size
		}

		return nil
	}), nil
}

// Narrow selects [start, start+length) along dim.
func Narrow(x *Var, dim int, start, length int64) (*Var, error) {
	if dim < 0 {
		dim += x.Rank()
	}

	out, err := narrowTensor(x.Value, dim, start, length)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	return newOp("narrow", out, []*Var{x}, func(g *tensor.Tensor) error {
		outer, size, inner := splitDims(x.Value.Shape(), dim)
		gx := make([]float32, x.Value.ElemCount())
		gd := g.RawData()
		span := int(length * inner)

		for o := range outer {
			dst := int((o*size + start) * inner)
			copy(gx[dst:dst+span], gd[int(o)*span:int(o+1)*span])
		}

		return x.accumulateData(gx)
	}), nil
}

// narrowTensor is tensor.Narrow with support for zero-sized dimensions.
func narrowTensor(t *tensor.Tensor, dim int, start, length int64) (*tensor.Tensor, error) {
	if t.ElemCount() > 0 && length > 0 {
		return t.Narrow(dim, start, length)
	}

	shape := t.Shape()
	if start < 0 || length < 0 || start+length > shape[dim] {
		return nil, fmt.Errorf("tensor: narrow: range [%d:%d] out of bounds for dim %d size %d", start, start+length, dim, shape[dim])
	}

	shape[dim] = length

	return tensor.Zeros(shape)
}

// IndexSelect gathers entries of x along dim. Repeated indices are allowed;
// their gradients are summed. An empty index list yields a zero-sized
// dimension.
func IndexSelect(x *Var, dim int, indices []int64) (*Var, error) {
	if dim < 0 {
		dim += x.Rank()
	}

	shape := x.Value.Shape()
	outer, size, inner := splitDims(shape, dim)

	for i, idx := range indices {
		if idx < 0 || idx >= size {
			return nil, fmt.Errorf("autograd: index %d (%d) out of range for dim %d size %d", i, idx, dim, size)
		}
	}

	n := int64(len(indices))
	src := x.Value.RawData()
	data := make([]float32, outer*n*inner)

	for o := range outer {
		for j, idx := range indices {
			dst := (o*n + int64(j)) * inner
			from := (o*size + idx) * inner
			copy(data[dst:dst+inner], src[from:from+inner])
		}
	}

	shape[dim] = n

	out, err := tensor.Wrap(data, shape)
	if err != nil {
		return nil, err
	}

	return newOp("index_select", out, []*Var{x}, func(g *tensor.Tensor) error {
		gd := g.RawData()
		gx := make([]float32, x.Value.ElemCount())

		for o := range outer {
			for j, idx := range indices {
				from := (o*n + int64(j)) * inner
				dst := (o*size + idx) * inner
				tensor.Axpy(gx[dst:dst+inner], 1, gd[from:from+inner])
			}
		}

		return x.accumulateData(gx)
	}), nil
}

// splitDims returns the element counts before, at and after dim.
func splitDims(shape []int64, dim int) (outer, size, inner int64) {
	outer, inner = 1, 1
	for i := range dim {
		outer *= shape[i]
	}

	for i := dim + 1; i < len(shape); i++ {
		inner *= shape[i]
	}

	return outer, shape[dim], inner
}
