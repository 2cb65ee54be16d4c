package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/example/go-toucantts/internal/runtime/autograd"
)

// Ctx carries the per-call mode. Dropout is active only when Train is set
// and Rng is non-nil.
type Ctx struct {
	Train bool
	Rng   *rand.Rand
}

// Eval is the inference context.
var Eval = Ctx{}

func (c Ctx) Dropout(x *autograd.Var, p float64) (*autograd.Var, error) {
	if !c.Train {
		return x, nil
	}

	return autograd.Dropout(x, p, c.Rng)
}

type Linear struct {
	Weight *autograd.Var // [out, in]
	Bias   *autograd.Var // optional [out]
}

func NewLinear(p *Params, in, out int64, bias bool) (*Linear, error) {
	w, err := p.Get("weight", []int64{out, in}, XavierUniform)
	if err != nil {
		return nil, err
	}

	l := &Linear{Weight: w}

	if bias {
		if l.Bias, err = p.Get("bias", []int64{out}, Zeros); err != nil {
			return nil, err
		}
	}

	return l, nil
}

func (l *Linear) Forward(x *autograd.Var) (*autograd.Var, error) {
	if l == nil || l.Weight == nil {
		return nil, errors.New("nn: linear is not initialized")
	}

	return autograd.Linear(x, l.Weight, l.Bias)
}

type LayerNorm struct {
	Weight *autograd.Var
	Bias   *autograd.Var
	Eps    float32
}

func NewLayerNorm(p *Params, dim int64, eps float32) (*LayerNorm, error) {
	w, err := p.Get("weight", []int64{dim}, Ones)
	if err != nil {
		return nil, err
	}

	b, err := p.Get("bias", []int64{dim}, Zeros)
	if err != nil {
		return nil, err
	}

	return &LayerNorm{Weight: w, Bias: b, Eps: eps}, nil
}

func (ln *LayerNorm) Forward(x *autograd.Var) (*autograd.Var, error) {
	return autograd.LayerNorm(x, ln.Weight, ln.Bias, ln.Eps)
}

// Conv1dConfig describes a 1-D convolution. SamePadding derives Padding so
// odd kernels keep the sequence length.
type Conv1dConfig struct {
	In, Out     int64
	Kernel      int64
	Stride      int64
	Padding     int64
	Dilation    int64
	Groups      int64
	Bias        bool
	SamePadding bool
	WeightNorm  bool
}

func (c Conv1dConfig) normalized() Conv1dConfig {
	if c.Stride == 0 {
		c.Stride = 1
	}

	if c.Dilation == 0 {
		c.Dilation = 1
	}

	if c.Groups == 0 {
		c.Groups = 1
	}

	if c.SamePadding {
		c.Padding = (c.Kernel*c.Dilation - c.Dilation) / 2
	}

	return c
}

// Conv1d operates on [batch, channels, length]. With WeightNorm the kernel
// is stored as weight_v and weight_g the way torch weight_norm does.
type Conv1d struct {
	Cfg     Conv1dConfig
	Weight  *autograd.Var
	WeightV *autograd.Var
	WeightG *autograd.Var
	Bias    *autograd.Var
}

func NewConv1d(p *Params, cfg Conv1dConfig) (*Conv1d, error) {
	return NewConv1dInit(p, cfg, XavierUniform)
}

// NewConv1dInit creates a convolution whose kernel and bias are drawn from
// init. Flow output layers start at zero this way.
func NewConv1dInit(p *Params, cfg Conv1dConfig, init Init) (*Conv1d, error) {
	cfg = cfg.normalized()
	if cfg.In%cfg.Groups != 0 || cfg.Out%cfg.Groups != 0 {
		return nil, fmt.Errorf("nn: conv1d channels %d->%d not divisible by groups %d", cfg.In, cfg.Out, cfg.Groups)
	}

	shape := []int64{cfg.Out, cfg.In / cfg.Groups, cfg.Kernel}
	c := &Conv1d{Cfg: cfg}

	var err error

	if cfg.WeightNorm {
		if c.WeightV, err = p.Get("weight_v", shape, init); err != nil {
			return nil, err
		}

		if c.WeightG, err = p.Get("weight_g", []int64{cfg.Out, 1, 1}, rowNorms(c.WeightV)); err != nil {
			return nil, err
		}
	} else if c.Weight, err = p.Get("weight", shape, init); err != nil {
		return nil, err
	}

	if cfg.Bias {
		if c.Bias, err = p.Get("bias", []int64{cfg.Out}, Zeros); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// rowNorms initializes a weight-norm gain to the norm of each row of v, so
// the effective weight starts equal to v.
func rowNorms(v *autograd.Var) Init {
	return func(_ *rand.Rand, shape []int64) []float32 {
		data := v.Data()
		rows := int(shape[0])
		cols := len(data) / rows
		out := make([]float32, rows)

		for r := range rows {
			var s float64
			for _, x := range data[r*cols : (r+1)*cols] {
				s += float64(x) * float64(x)
			}

			out[r] = float32(math.Sqrt(s))
		}

		return out
	}
}

// Kernel returns the effective convolution weight.
func (c *Conv1d) Kernel() (*autograd.Var, error) {
	if c.Weight != nil {
		return c.Weight, nil
	}

	return autograd.WeightNorm(c.WeightV, c.WeightG)
}

func (c *Conv1d) Forward(x *autograd.Var) (*autograd.Var, error) {
	k, err := c.Kernel()
	if err != nil {
		return nil, err
	}

	return autograd.Conv1D(x, k, c.Bias, c.Cfg.Stride, c.Cfg.Padding, c.Cfg.Dilation, c.Cfg.Groups)
}

// ForwardBTC applies the convolution to a [batch, time, channels] value and
// returns the same layout.
func (c *Conv1d) ForwardBTC(x *autograd.Var) (*autograd.Var, error) {
	xt, err := autograd.Transpose(x, 1, 2)
	if err != nil {
		return nil, err
	}

	y, err := c.Forward(xt)
	if err != nil {
		return nil, err
	}

	return autograd.Transpose(y, 1, 2)
}

type Embedding struct {
	Weight *autograd.Var // [num, dim]
}

func NewEmbedding(p *Params, num, dim int64, init Init) (*Embedding, error) {
	w, err := p.Get("weight", []int64{num, dim}, init)
	if err != nil {
		return nil, err
	}

	return &Embedding{Weight: w}, nil
}

// Forward returns [len(ids), dim].
func (e *Embedding) Forward(ids []int64) (*autograd.Var, error) {
	return autograd.IndexSelect(e.Weight, 0, ids)
}

// ConditionalLayerNorm normalizes the last dimension and modulates it with a
// scale and shift predicted from a conditioning vector.
type ConditionalLayerNorm struct {
	Scale *Linear
	Shift *Linear
	Eps   float32
}

func NewConditionalLayerNorm(p *Params, dim, condDim int64) (*ConditionalLayerNorm, error) {
	sw, err := p.Path("W_scale").Get("weight", []int64{dim, condDim}, Zeros)
	if err != nil {
		return nil, err
	}

	sb, err := p.Path("W_scale").Get("bias", []int64{dim}, Ones)
	if err != nil {
		return nil, err
	}

	bw, err := p.Path("W_bias").Get("weight", []int64{dim, condDim}, Zeros)
	if err != nil {
		return nil, err
	}

	bb, err := p.Path("W_bias").Get("bias", []int64{dim}, Zeros)
	if err != nil {
		return nil, err
	}

	return &ConditionalLayerNorm{
		Scale: &Linear{Weight: sw, Bias: sb},
		Shift: &Linear{Weight: bw, Bias: bb},
		Eps:   1e-5,
	}, nil
}

// Forward takes x [batch, time, dim] and cond [batch, condDim].
func (c *ConditionalLayerNorm) Forward(x, cond *autograd.Var) (*autograd.Var, error) {
	y, err := autograd.LayerNorm(x, nil, nil, c.Eps)
	if err != nil {
		return nil, err
	}

	scale, err := c.Scale.Forward(cond)
	if err != nil {
		return nil, err
	}

	shift, err := c.Shift.Forward(cond)
	if err != nil {
		return nil, err
	}

	b, d := scale.Dim(0), scale.Dim(1)

	if scale, err = autograd.Reshape(scale, b, 1, d); err != nil {
		return nil, err
	}

	if shift, err = autograd.Reshape(shift, b, 1, d); err != nil {
		return nil, err
	}

	if y, err = autograd.Mul(y, scale); err != nil {
		return nil, err
	}

	return autograd.Add(y, shift)
}
