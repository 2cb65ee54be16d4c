package autograd

import (
	"fmt"
	"math"

	"github.com/example/go-toucantts/internal/runtime/ops"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Conv1D convolves x [batch, in, length] with kernel [out, in/groups, k].
// bias may be nil.
func Conv1D(x, kernel, bias *Var, stride, padding, dilation, groups int64) (*Var, error) {
	var bv *tensor.Tensor
	if bias != nil {
		bv = bias.Value
	}

	out, err := ops.Conv1D(x.Value, kernel.Value, bv, stride, padding, dilation, groups)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	parents := []*Var{x, kernel}
	if bias != nil {
		parents = append(parents, bias)
	}

	return newOp("conv1d", out, parents, func(g *tensor.Tensor) error {
		grads, err := ops.Conv1DBackward(x.Value, kernel.Value, g, bias.RequiresGrad(), stride, padding, dilation, groups)
		if err != nil {
			return err
		}

		if err := x.accumulateData(grads.Input.RawData()); err != nil {
			return err
		}

		if err := kernel.accumulateData(grads.Kernel.RawData()); err != nil {
			return err
		}

		if grads.Bias != nil {
			return bias.accumulateData(grads.Bias.RawData())
		}

		return nil
	}), nil
}

// GradNorm returns the global L2 norm of the gradients of params.
func GradNorm(params []*Var) float64 {
	var sq float64

	for _, p := range params {
		if p.Grad == nil {
			continue
		}

		for _, v := range p.Grad.RawData() {
			sq += float64(v) * float64(v)
		}
	}

	return math.Sqrt(sq)
}

// ClipGradNorm rescales gradients so their global norm is at most maxNorm and
// returns the norm measured before clipping. A non-finite norm is returned
// unchanged without touching the gradients; the caller decides whether to
// skip the update.
func ClipGradNorm(params []*Var, maxNorm float64) float64 {
	total := GradNorm(params)
	if math.IsNaN(total) || math.IsInf(total, 0) {
		return total
	}

	coef := maxNorm / (total + 1e-6)
	if coef >= 1 {
		return total
	}

	for _, p := range params {
		if p.Grad == nil {
			continue
		}

		g := p.Grad.RawData()
		for i := range g {
			g[i] *= float32(coef)
		}
	}

	return total
}
