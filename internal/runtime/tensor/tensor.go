package tensor

import (
	"errors"
	"fmt"
	"math"
	"slices"
)

// Tensor is a dense row-major float32 array. Values flowing through the
// acoustic model, the vocoder and the optimizer state all use it.
type Tensor struct {
	shape []int64
	data  []float32
}

// New copies data into a tensor of the given shape.
func New(data []float32, shape []int64) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if len(data) != total {
		return nil, fmt.Errorf("tensor: data length %d does not match shape %v (%d elements)", len(data), shape, total)
	}

	return newOwned(slices.Clone(data), slices.Clone(shape)), nil
}

// newOwned adopts data and shape without copying or validating them.
func newOwned(data []float32, shape []int64) *Tensor {
	return &Tensor{shape: shape, data: data}
}

func Zeros(shape []int64) (*Tensor, error) {
	return Full(shape, 0)
}

// Full returns a tensor with every element set to value.
func Full(shape []int64, value float32) (*Tensor, error) {
	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	data := make([]float32, total)
	if value != 0 {
		for i := range data {
			data[i] = value
		}
	}

	return newOwned(data, slices.Clone(shape)), nil
}

func (t *Tensor) Shape() []int64 {
	if t == nil {
		return nil
	}

	return slices.Clone(t.shape)
}

// Dim returns the size of dimension i; negative i counts from the end.
func (t *Tensor) Dim(i int) int64 {
	d, err := normalizeDim(i, t.Rank())
	if err != nil {
		return 0
	}

	return t.shape[d]
}

// Data returns a copy of the values.
func (t *Tensor) Data() []float32 {
	if t == nil {
		return nil
	}

	return slices.Clone(t.data)
}

// RawData exposes the backing slice. Callers must not write to it.
func (t *Tensor) RawData() []float32 {
	if t == nil {
		return nil
	}

	return t.data
}

func (t *Tensor) ElemCount() int {
	if t == nil {
		return 0
	}

	return len(t.data)
}

func (t *Tensor) Rank() int {
	if t == nil {
		return 0
	}

	return len(t.shape)
}

// Finite reports whether no element is NaN or infinite.
func (t *Tensor) Finite() bool {
	if t == nil {
		return true
	}

	for _, v := range t.data {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}

	return true
}

func (t *Tensor) Clone() *Tensor {
	if t == nil {
		return nil
	}

	return newOwned(slices.Clone(t.data), slices.Clone(t.shape))
}

// Reshape returns a copy viewed under a new shape with the same element count.
func (t *Tensor) Reshape(shape []int64) (*Tensor, error) {
	if t == nil {
		return nil, errors.New("tensor: reshape on nil tensor")
	}

	total, err := shapeElemCount(shape)
	if err != nil {
		return nil, err
	}

	if total != len(t.data) {
		return nil, fmt.Errorf("tensor: cannot reshape %v (%d elements) to %v (%d elements)", t.shape, len(t.data), shape, total)
	}

	return newOwned(slices.Clone(t.data), slices.Clone(shape)), nil
}
