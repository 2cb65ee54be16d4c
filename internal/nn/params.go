// Package nn provides trainable layers over the autograd runtime and the
// hierarchical parameter registry they draw their weights from.
package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Init fills a freshly created parameter of the given shape.
type Init func(rng *rand.Rand, shape []int64) []float32

// Params is a hierarchical, insertion-ordered registry of trainable values.
// Path returns a view that prefixes every name, so layers register
// "encoder.blocks.0.attn.q.weight" without knowing where they live.
type Params struct {
	reg    *registry
	prefix string
}

type registry struct {
	rng   *rand.Rand
	order []string
	vars  map[string]*autograd.Var
}

// NewParams creates an empty registry that initializes values from rng.
func NewParams(rng *rand.Rand) *Params {
	return &Params{reg: &registry{rng: rng, vars: make(map[string]*autograd.Var)}}
}

func (p *Params) Path(parts ...string) *Params {
	if p == nil {
		return nil
	}

	prefix := p.prefix

	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		if prefix == "" {
			prefix = part
		} else {
			prefix += "." + part
		}
	}

	return &Params{reg: p.reg, prefix: prefix}
}

// Index is Path for numbered children such as blocks and heads.
func (p *Params) Index(i int) *Params {
	return p.Path(fmt.Sprint(i))
}

// Rng exposes the initialization source for layers with bespoke init.
func (p *Params) Rng() *rand.Rand { return p.reg.rng }

// Get creates and registers a parameter. Registering a name twice fails.
func (p *Params) Get(name string, shape []int64, init Init) (*autograd.Var, error) {
	if p == nil || p.reg == nil {
		return nil, errors.New("nn: uninitialized params")
	}

	full := p.resolve(name)
	if _, ok := p.reg.vars[full]; ok {
		return nil, fmt.Errorf("nn: parameter %q registered twice", full)
	}

	data := init(p.reg.rng, shape)

	t, err := tensor.Wrap(data, shape)
	if err != nil {
		return nil, fmt.Errorf("nn: parameter %q: %w", full, err)
	}

	v := autograd.Param(t)
	p.reg.vars[full] = v
	p.reg.order = append(p.reg.order, full)

	return v, nil
}

func (p *Params) Has(name string) bool {
	_, ok := p.reg.vars[p.resolve(name)]
	return ok
}

// Lookup returns the parameter registered under a full name.
func (p *Params) Lookup(full string) (*autograd.Var, bool) {
	v, ok := p.reg.vars[full]
	return v, ok
}

// Names lists every registered parameter name in registration order.
func (p *Params) Names() []string {
	return append([]string(nil), p.reg.order...)
}

// Vars lists every registered parameter in registration order.
func (p *Params) Vars() []*autograd.Var {
	out := make([]*autograd.Var, len(p.reg.order))
	for i, name := range p.reg.order {
		out[i] = p.reg.vars[name]
	}

	return out
}

// Count returns the total number of scalar parameters.
func (p *Params) Count() int {
	n := 0
	for _, v := range p.reg.vars {
		n += v.Value.ElemCount()
	}

	return n
}

func (p *Params) ZeroGrad() {
	for _, v := range p.reg.vars {
		v.ZeroGrad()
	}
}

// State returns a copy of every parameter value keyed by name.
func (p *Params) State() map[string]*tensor.Tensor {
	out := make(map[string]*tensor.Tensor, len(p.reg.vars))
	for name, v := range p.reg.vars {
		out[name] = v.Value.Clone()
	}

	return out
}

// Load copies values from state into the registered parameters in place, so
// optimizer references stay valid. Every parameter must be present with a
// matching shape; extra entries in state are ignored.
func (p *Params) Load(state map[string]*tensor.Tensor) error {
	for _, name := range p.reg.order {
		src, ok := state[name]
		if !ok {
			return fmt.Errorf("nn: state is missing parameter %q", name)
		}

		dst := p.reg.vars[name]
		if !slices.Equal(src.Shape(), dst.Value.Shape()) {
			return fmt.Errorf("nn: parameter %q shape %v does not match state %v", name, dst.Value.Shape(), src.Shape())
		}

		copy(dst.Value.RawData(), src.RawData())
	}

	return nil
}

func (p *Params) resolve(name string) string {
	name = strings.TrimSpace(name)
	if p.prefix == "" {
		return name
	}

	if name == "" {
		return p.prefix
	}

	return p.prefix + "." + name
}

func elems(shape []int64) int {
	n := 1
	for _, d := range shape {
		n *= int(d)
	}

	return n
}

func Zeros(_ *rand.Rand, shape []int64) []float32 {
	return make([]float32, elems(shape))
}

func Ones(rng *rand.Rand, shape []int64) []float32 {
	return Constant(1)(rng, shape)
}

func Constant(v float32) Init {
	return func(_ *rand.Rand, shape []int64) []float32 {
		out := make([]float32, elems(shape))
		for i := range out {
			out[i] = v
		}

		return out
	}
}

func Normal(std float64) Init {
	return func(rng *rand.Rand, shape []int64) []float32 {
		out := make([]float32, elems(shape))
		for i := range out {
			out[i] = float32(rng.NormFloat64() * std)
		}

		return out
	}
}

func Uniform(bound float64) Init {
	return func(rng *rand.Rand, shape []int64) []float32 {
		out := make([]float32, elems(shape))
		for i := range out {
			out[i] = float32((rng.Float64()*2 - 1) * bound)
		}

		return out
	}
}

// XavierUniform draws from U(-a, a) with a = sqrt(6 / (fan_in + fan_out)).
// Fans follow torch: dim 1 times the receptive field is fan_in, dim 0 times
// the receptive field is fan_out.
func XavierUniform(rng *rand.Rand, shape []int64) []float32 {
	if len(shape) < 2 {
		return Uniform(0.1)(rng, shape)
	}

	receptive := int64(1)
	for _, d := range shape[2:] {
		receptive *= d
	}

	fanIn := shape[1] * receptive
	fanOut := shape[0] * receptive

	return Uniform(math.Sqrt(6 / float64(fanIn+fanOut)))(rng, shape)
}
