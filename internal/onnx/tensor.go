package onnx

import (
	"errors"
	"fmt"
	"math"
	"slices"

	rt "github.com/example/go-toucantts/internal/runtime/tensor"
)

// Tensor is a graph input or output. Exactly one of Float and Int holds
// the row-major data.
type Tensor struct {
	Shape []int64
	Float []float32
	Int   []int64
}

// Float32 copies data into a float tensor of the given shape.
func Float32(data []float32, shape []int64) (*Tensor, error) {
	if err := checkShape(shape, len(data)); err != nil {
		return nil, err
	}

	return &Tensor{Shape: slices.Clone(shape), Float: slices.Clone(data)}, nil
}

// Int64 copies data into an integer tensor of the given shape.
func Int64(data []int64, shape []int64) (*Tensor, error) {
	if err := checkShape(shape, len(data)); err != nil {
		return nil, err
	}

	return &Tensor{Shape: slices.Clone(shape), Int: slices.Clone(data)}, nil
}

// FromRuntime copies a dense runtime tensor into a float graph tensor.
func FromRuntime(x *rt.Tensor) (*Tensor, error) {
	if x == nil {
		return nil, errors.New("onnx: nil runtime tensor")
	}

	return Float32(x.RawData(), x.Shape())
}

func (t *Tensor) DType() string {
	if t.Float != nil {
		return "float32"
	}

	return "int64"
}

// Runtime copies a float graph tensor into a dense runtime tensor.
func (t *Tensor) Runtime() (*rt.Tensor, error) {
	if t == nil || t.Float == nil {
		return nil, errors.New("onnx: not a float32 tensor")
	}

	return rt.New(t.Float, t.Shape)
}

// checkShape requires positive dimensions whose product is n.
func checkShape(shape []int64, n int) error {
	count := int64(1)

	for i, d := range shape {
		if d < 1 {
			return fmt.Errorf("onnx: dimension %d of shape %v is not positive", i, shape)
		}

		if count > math.MaxInt/d {
			return fmt.Errorf("onnx: shape %v overflows", shape)
		}

		count *= d
	}

	if count != int64(n) {
		return fmt.Errorf("onnx: shape %v holds %d elements, data has %d", shape, count, n)
	}

	return nil
}
