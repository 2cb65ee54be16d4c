// Package train runs the multi-task meta-training loop of the acoustic
// model: data loading, collation, AdamW with a warmup schedule, periodic
// checkpoints and late-stage checkpoint averaging.
package train

import (
	"fmt"
	"math"

	"github.com/example/go-toucantts/internal/checkpoint"
	"github.com/example/go-toucantts/internal/nn"
	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// AdamWConfig holds the optimizer hyperparameters.
type AdamWConfig struct {
	LR          float64
	Beta1       float64
	Beta2       float64
	Eps         float64
	WeightDecay float64
}

// DefaultAdamW returns the torch.optim.AdamW defaults at the given rate.
func DefaultAdamW(lr float64) AdamWConfig {
	return AdamWConfig{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8, WeightDecay: 0.01}
}

// AdamW is Adam with decoupled weight decay over a parameter registry.
type AdamW struct {
	cfg    AdamWConfig
	names  []string
	params []*autograd.Var
	expAvg [][]float32
	expSq  [][]float32
	step   int
}

// NewAdamW optimizes every parameter registered in params.
func NewAdamW(params *nn.Params, cfg AdamWConfig) *AdamW {
	names := params.Names()
	vars := params.Vars()

	o := &AdamW{
		cfg:    cfg,
		names:  names,
		params: vars,
		expAvg: make([][]float32, len(vars)),
		expSq:  make([][]float32, len(vars)),
	}

	for i, v := range vars {
		n := v.Value.ElemCount()
		o.expAvg[i] = make([]float32, n)
		o.expSq[i] = make([]float32, n)
	}

	return o
}

func (o *AdamW) LR() float64 { return o.cfg.LR }

func (o *AdamW) SetLR(lr float64) { o.cfg.LR = lr }

// Steps is the number of updates applied so far.
func (o *AdamW) Steps() int { return o.step }

// Step applies one update from the accumulated gradients. Parameters without
// a gradient are left untouched.
func (o *AdamW) Step() {
	o.step++

	c := o.cfg
	bc1 := 1 - math.Pow(c.Beta1, float64(o.step))
	bc2 := math.Sqrt(1 - math.Pow(c.Beta2, float64(o.step)))
	stepSize := c.LR / bc1
	decay := 1 - c.LR*c.WeightDecay

	tensor.ParallelFor(len(o.params), func(lo, hi int) {
		for i := lo; i < hi; i++ {
			p := o.params[i]
			if p.Grad == nil {
				continue
			}

			w, g := p.Value.RawData(), p.Grad.RawData()
			m, v := o.expAvg[i], o.expSq[i]

			for j := range w {
				gj := float64(g[j])
				mj := c.Beta1*float64(m[j]) + (1-c.Beta1)*gj
				vj := c.Beta2*float64(v[j]) + (1-c.Beta2)*gj*gj
				m[j], v[j] = float32(mj), float32(vj)

				denom := math.Sqrt(vj)/bc2 + c.Eps
				w[j] = float32(float64(w[j])*decay - stepSize*mj/denom)
			}
		}
	})
}

// State exports the moments keyed by parameter name.
func (o *AdamW) State() (*checkpoint.OptimizerState, error) {
	st := &checkpoint.OptimizerState{
		Step:     o.step,
		ExpAvg:   make(map[string]*tensor.Tensor, len(o.names)),
		ExpAvgSq: make(map[string]*tensor.Tensor, len(o.names)),
	}

	for i, name := range o.names {
		shape := o.params[i].Shape()

		m, err := tensor.New(o.expAvg[i], shape)
		if err != nil {
			return nil, err
		}

		v, err := tensor.New(o.expSq[i], shape)
		if err != nil {
			return nil, err
		}

		st.ExpAvg[name], st.ExpAvgSq[name] = m, v
	}

	return st, nil
}

// Load restores exported state. Every parameter must have both moments with
// matching sizes.
func (o *AdamW) Load(st *checkpoint.OptimizerState) error {
	if st == nil {
		return fmt.Errorf("train: no optimizer state")
	}

	for i, name := range o.names {
		m, ok := st.ExpAvg[name]
		v, ok2 := st.ExpAvgSq[name]

		if !ok || !ok2 {
			return fmt.Errorf("train: optimizer state is missing %q", name)
		}

		if m.ElemCount() != len(o.expAvg[i]) || v.ElemCount() != len(o.expSq[i]) {
			return fmt.Errorf("train: optimizer state for %q has the wrong size", name)
		}
	}

	for i, name := range o.names {
		copy(o.expAvg[i], st.ExpAvg[name].RawData())
		copy(o.expSq[i], st.ExpAvgSq[name].RawData())
	}

	o.step = st.Step

	return nil
}
