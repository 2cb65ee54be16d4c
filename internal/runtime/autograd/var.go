// Package autograd implements reverse-mode differentiation over
// tensor.Tensor values. Every operation records a backward closure on its
// result; Backward replays those closures in reverse topological order.
package autograd

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// ErrNoGradient is returned by Backward when the loss does not depend on any
// value that requires a gradient.
var ErrNoGradient = errors.New("autograd: loss does not require grad")

// Var is a node in the computation graph.
type Var struct {
	Value *tensor.Tensor
	Grad  *tensor.Tensor

	op           string
	requiresGrad bool
	parents      []*Var
	backward     func(g *tensor.Tensor) error
}

var gradDisabled atomic.Int32

// NoGrad runs fn without recording operations. It is used by inference paths
// that share forward code with training.
func NoGrad(fn func() error) error {
	gradDisabled.Add(1)
	defer gradDisabled.Add(-1)

	return fn()
}

// GradEnabled reports whether operations are currently being recorded.
func GradEnabled() bool { return gradDisabled.Load() == 0 }

// Param wraps t as a trainable leaf.
func Param(t *tensor.Tensor) *Var {
	return &Var{Value: t, op: "param", requiresGrad: true}
}

// Const wraps t as a leaf that never receives a gradient.
func Const(t *tensor.Tensor) *Var {
	return &Var{Value: t, op: "const"}
}

// FromData builds a constant from data and shape.
func FromData(data []float32, shape []int64) (*Var, error) {
	t, err := tensor.New(data, shape)
	if err != nil {
		return nil, err
	}

	return Const(t), nil
}

// Scalar builds a rank-1 constant holding v.
func Scalar(v float32) *Var {
	t, _ := tensor.Wrap([]float32{v}, []int64{1})
	return Const(t)
}

func (v *Var) RequiresGrad() bool { return v != nil && v.requiresGrad }

// SetRequiresGrad toggles gradient tracking on a leaf.
func (v *Var) SetRequiresGrad(on bool) {
	if v.parents == nil {
		v.requiresGrad = on
	}
}

func (v *Var) Shape() []int64 { return v.Value.Shape() }

// Data returns the backing value slice. Callers must not modify it.
func (v *Var) Data() []float32 { return v.Value.RawData() }

func (v *Var) Rank() int { return v.Value.Rank() }

// Dim returns the size of dimension d; negative d counts from the end.
func (v *Var) Dim(d int) int64 { return v.Value.Dim(d) }

// Item returns the single element of a one-element value.
func (v *Var) Item() float32 {
	d := v.Value.RawData()
	if len(d) == 0 {
		return 0
	}

	return d[0]
}

// ZeroGrad drops the accumulated gradient.
func (v *Var) ZeroGrad() { v.Grad = nil }

// Detach returns a constant sharing v's value.
func (v *Var) Detach() *Var { return Const(v.Value) }

func (v *Var) String() string {
	return fmt.Sprintf("Var(%s %v)", v.op, v.Value.Shape())
}

func newOp(op string, value *tensor.Tensor, parents []*Var, backward func(g *tensor.Tensor) error) *Var {
	out := &Var{Value: value, op: op}
	if !GradEnabled() {
		return out
	}

	for _, p := range parents {
		if p.RequiresGrad() {
			out.requiresGrad = true
			break
		}
	}

	if out.requiresGrad {
		out.parents = parents
		out.backward = backward
	}

	return out
}

func (v *Var) accumulate(g *tensor.Tensor) error {
	if !v.RequiresGrad() {
		return nil
	}

	if g.ElemCount() != v.Value.ElemCount() {
		return fmt.Errorf("autograd: gradient shape %v does not match %s value %v", g.Shape(), v.op, v.Value.Shape())
	}

	if v.Grad == nil {
		grad, err := tensor.New(g.RawData(), v.Value.Shape())
		if err != nil {
			return err
		}

		v.Grad = grad

		return nil
	}

	tensor.Axpy(v.Grad.RawData(), 1, g.RawData())

	return nil
}

func (v *Var) accumulateData(g []float32) error {
	if !v.RequiresGrad() {
		return nil
	}

	t, err := tensor.Wrap(g, v.Value.Shape())
	if err != nil {
		return err
	}

	if v.Grad == nil {
		v.Grad = t
		return nil
	}

	tensor.Axpy(v.Grad.RawData(), 1, g)

	return nil
}

// Backward computes gradients of the scalar loss with respect to every leaf
// that requires a gradient. Leaf gradients accumulate across calls until
// ZeroGrad.
func Backward(loss *Var) error {
	if loss == nil {
		return errors.New("autograd: backward on nil loss")
	}

	if loss.Value.ElemCount() != 1 {
		return fmt.Errorf("autograd: backward requires a scalar loss, got shape %v", loss.Value.Shape())
	}

	if !loss.requiresGrad {
		return ErrNoGradient
	}

	order := topoSort(loss)

	seed, err := tensor.Full(loss.Value.Shape(), 1)
	if err != nil {
		return err
	}

	loss.Grad = seed

	for i := len(order) - 1; i >= 0; i-- {
		node := order[i]
		if node.backward == nil || node.Grad == nil {
			continue
		}

		if err := node.backward(node.Grad); err != nil {
			return fmt.Errorf("autograd: backward through %s: %w", node.op, err)
		}
	}

	// Release interior nodes so the graph can be collected.
	for _, node := range order {
		if node.backward != nil {
			node.Grad = nil
			node.parents = nil
			node.backward = nil
		}
	}

	return nil
}

func topoSort(root *Var) []*Var {
	var order []*Var

	visited := make(map[*Var]bool)

	type frame struct {
		v    *Var
		next int
	}

	stack := []frame{{v: root}}
	visited[root] = true

	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if top.next < len(top.v.parents) {
			p := top.v.parents[top.next]
			top.next++

			if p != nil && p.requiresGrad && !visited[p] {
				visited[p] = true
				stack = append(stack, frame{v: p})
			}

			continue
		}

		order = append(order, top.v)
		stack = stack[:len(stack)-1]
	}

	return order
}
