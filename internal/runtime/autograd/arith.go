package autograd

import (
	"fmt"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Add returns a + b with broadcasting.
func Add(a, b *Var) (*Var, error) {
	out, err := tensor.BroadcastAdd(a.Value, b.Value)
	if err != nil {
		return nil, fmt.Errorf("autograd: add: %w", err)
	}

	return newOp("add", out, []*Var{a, b}, func(g *tensor.Tensor) error {
		if err := accumulateReduced(a, g); err != nil {
			return err
		}

		return accumulateReduced(b, g)
	}), nil
}

// Sub returns a - b with broadcasting.
func Sub(a, b *Var) (*Var, error) {
	out, err := tensor.BroadcastSub(a.Value, b.Value)
	if err != nil {
		return nil, fmt.Errorf("autograd: sub: %w", err)
	}

	return newOp("sub", out, []*Var{a, b}, func(g *tensor.Tensor) error {
		if err := accumulateReduced(a, g); err != nil {
			return err
		}

		if !b.RequiresGrad() {
			return nil
		}

		return accumulateReduced(b, tensor.Scale(g, -1))
	}), nil
}

// Mul returns a * b element-wise with broadcasting.
func Mul(a, b *Var) (*Var, error) {
	out, err := tensor.BroadcastMul(a.Value, b.Value)
	if err != nil {
		return nil, fmt.Errorf("autograd: mul: %w", err)
	}

	return newOp("mul", out, []*Var{a, b}, func(g *tensor.Tensor) error {
		if a.RequiresGrad() {
			ga, err := tensor.BroadcastMul(g, b.Value)
			if err != nil {
				return err
			}

			if err := accumulateReduced(a, ga); err != nil {
				return err
			}
		}

		if b.RequiresGrad() {
			gb, err := tensor.BroadcastMul(g, a.Value)
			if err != nil {
				return err
			}

			if err := accumulateReduced(b, gb); err != nil {
				return err
			}
		}

		return nil
	}), nil
}

// Scale returns x * s.
func Scale(x *Var, s float32) *Var {
	out := tensor.Scale(x.Value, s)

	return newOp("scale", out, []*Var{x}, func(g *tensor.Tensor) error {
		return x.accumulate(tensor.Scale(g, s))
	})
}

// AddScalar returns x + s.
func AddScalar(x *Var, s float32) *Var {
	out := tensor.Map(x.Value, func(v float32) float32 { return v + s })

	return newOp("add_scalar", out, []*Var{x}, func(g *tensor.Tensor) error {
		return x.accumulate(g)
	})
}

// Sum reduces every element to a one-element value.
func Sum(x *Var) *Var {
	out, _ := tensor.Wrap([]float32{float32(x.Value.Sum())}, []int64{1})

	return newOp("sum", out, []*Var{x}, func(g *tensor.Tensor) error {
		return x.accumulateData(filled(x.Value.ElemCount(), g.RawData()[0]))
	})
}

// Mean averages every element into a one-element value.
func Mean(x *Var) *Var {
	n := x.Value.ElemCount()
	if n == 0 {
		return Scale(Sum(x), 0)
	}

	return Scale(Sum(x), 1/float32(n))
}

// WeightedSum returns sum(x * w) for a constant weight tensor w with x's
// shape. Masked losses use it to fold padding masks and per-sample
// normalization into one pass.
func WeightedSum(x *Var, w *tensor.Tensor) (*Var, error) {
	if w.ElemCount() != x.Value.ElemCount() {
		return nil, fmt.Errorf("autograd: weighted sum weights %v do not match %v", w.Shape(), x.Value.Shape())
	}

	xd, wd := x.Value.RawData(), w.RawData()

	var s float64
	for i := range xd {
		if wd[i] != 0 {
			s += float64(xd[i]) * float64(wd[i])
		}
	}

	out, _ := tensor.Wrap([]float32{float32(s)}, []int64{1})

	return newOp("weighted_sum", out, []*Var{x}, func(g *tensor.Tensor) error {
		gv := g.RawData()[0]
		gx := make([]float32, len(wd))

		for i, w := range wd {
			gx[i] = gv * w
		}

		return x.accumulateData(gx)
	}), nil
}

func accumulateReduced(v *Var, g *tensor.Tensor) error {
	if !v.RequiresGrad() {
		return nil
	}

	r, err := tensor.ReduceToShape(g, v.Value.Shape())
	if err != nil {
		return err
	}

	return v.accumulateData(r.RawData())
}

func filled(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}

	return out
}
