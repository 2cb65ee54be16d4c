package toucan

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/example/go-toucantts/internal/nn"
	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

type glowConfig struct {
	channels    int // codec width before squeezing
	hidden      int
	condDim     int // width of the encoded conditioning sequence
	kernel      int
	dilation    int
	blocks      int
	layers      int
	split       int
	squeeze     int
	shareWN     int
	temperature float64
}

// glow is a conditional flow over codec frames. Training evaluates the
// likelihood of gold frames; inference pushes scaled Gaussian noise through
// the inverse.
type glow struct {
	cfg   glowConfig
	cond  *nn.Conv1d
	flows []flowStep
}

// flowStep is one invertible transform on squeezed [B, C, T] values. mask
// is [B, 1, T] and valid is the number of unmasked frames in the batch.
// forward returns the total log-determinant contribution.
type flowStep interface {
	forward(x, mask, g *autograd.Var, valid float32) (*autograd.Var, *autograd.Var, error)
	reverse(x, mask, g *autograd.Var) (*autograd.Var, error)
}

func newGlow(p *nn.Params, cfg glowConfig) (*glow, error) {
	sq := int64(cfg.channels * cfg.squeeze)
	if sq%int64(cfg.split) != 0 || cfg.split%2 != 0 || sq%2 != 0 {
		return nil, fmt.Errorf("toucan: glow cannot split %d squeezed channels into %d groups", sq, cfg.split)
	}

	g := &glow{cfg: cfg}

	cond, err := nn.NewConv1d(p.Path("condition_integration_projection"), nn.Conv1dConfig{
		In: int64(cfg.channels + cfg.condDim), Out: int64(cfg.hidden), Kernel: 5, Padding: 2, Bias: true,
	})
	if err != nil {
		return nil, err
	}

	g.cond = cond

	var shared *waveNet

	for b := range cfg.blocks {
		base := p.Path("flows")

		an, err := newActNorm(base.Index(3*b), sq)
		if err != nil {
			return nil, err
		}

		ic, err := newInvConvNear(base.Index(3*b+1), sq, cfg.split)
		if err != nil {
			return nil, err
		}

		cp := base.Index(3*b + 2)
		if cfg.shareWN == 0 || b%cfg.shareWN == 0 {
			shared = nil
		}

		cb, err := newCouplingBlock(cp, cfg, sq, shared)
		if err != nil {
			return nil, err
		}

		if cfg.shareWN > 0 {
			shared = cb.wn
		}

		g.flows = append(g.flows, an, ic, cb)
	}

	return g, nil
}

// condition projects cat[coarse, encoded] along channels: [B, hidden, L].
func (g *glow) condition(coarse, encoded *autograd.Var) (*autograd.Var, error) {
	c, err := autograd.Transpose(coarse, 1, 2)
	if err != nil {
		return nil, err
	}

	e, err := autograd.Transpose(encoded, 1, 2)
	if err != nil {
		return nil, err
	}

	cat, err := autograd.Concat([]*autograd.Var{c, e}, 1)
	if err != nil {
		return nil, fmt.Errorf("toucan: glow condition: %w", err)
	}

	return g.cond.Forward(cat)
}

// loss returns the masked negative log-likelihood per valid frame and
// channel of gold [B, L, C] given coarse [B, L, C] and encoded [B, L, D].
func (g *glow) loss(gold, coarse, encoded *autograd.Var, lengths []int) (*autograd.Var, error) {
	batch, frames := gold.Dim(0), gold.Dim(1)
	if err := checkLengths("speech lengths", lengths, batch, frames); err != nil {
		return nil, err
	}

	cond, err := g.condition(coarse, encoded)
	if err != nil {
		return nil, err
	}

	x, err := autograd.Transpose(gold, 1, 2)
	if err != nil {
		return nil, err
	}

	mask, err := maskVar(lengths, int(frames), batch, 1, frames)
	if err != nil {
		return nil, err
	}

	xs, ms, gs, err := g.squeezeAll(x, mask, cond)
	if err != nil {
		return nil, err
	}

	// Without a complete squeezed frame the likelihood is undefined. The
	// NaN is dropped from the step total like any other non-finite loss.
	valid := float32(ms.Value.Sum())
	if valid == 0 {
		return autograd.Scalar(float32(math.NaN())), nil
	}

	var terms []*autograd.Var

	for i, f := range g.flows {
		var ld *autograd.Var

		if xs, ld, err = f.forward(xs, ms, gs, valid); err != nil {
			return nil, fmt.Errorf("toucan: flow %d: %w", i, err)
		}

		terms = append(terms, ld)
	}

	masked, err := autograd.Mul(autograd.Square(xs), ms)
	if err != nil {
		return nil, err
	}

	elems := valid * float32(xs.Dim(1))
	nll := autograd.AddScalar(autograd.Scale(autograd.Sum(masked), 0.5/elems), float32(0.5*math.Log(2*math.Pi)))

	for _, ld := range terms {
		if nll, err = autograd.Sub(nll, autograd.Scale(ld, 1/elems)); err != nil {
			return nil, err
		}
	}

	return nll, nil
}

// sample draws z ~ N(0, temperature^2) shaped like coarse and inverts the
// flow. A nil rng uses z = 0. The result is [B, L, C].
func (g *glow) sample(coarse, encoded *autograd.Var, rng *rand.Rand) (*autograd.Var, error) {
	batch, frames, channels := coarse.Dim(0), coarse.Dim(1), coarse.Dim(2)

	cond, err := g.condition(coarse, encoded)
	if err != nil {
		return nil, err
	}

	z := make([]float32, batch*channels*frames)
	if rng != nil {
		for i := range z {
			z[i] = float32(rng.NormFloat64() * g.cfg.temperature)
		}
	}

	zt, err := tensor.Wrap(z, []int64{batch, channels, frames})
	if err != nil {
		return nil, err
	}

	// Padding frames stay valid during sampling and are trimmed afterwards.
	n := int64(g.cfg.squeeze)
	padded := (frames + n - 1) / n * n

	lengths := make([]int, batch)
	for i := range lengths {
		lengths[i] = int(padded)
	}

	mask, err := maskVar(lengths, int(padded), batch, 1, padded)
	if err != nil {
		return nil, err
	}

	xs, ms, gs, err := g.squeezeAll(autograd.Const(zt), mask, cond)
	if err != nil {
		return nil, err
	}

	for i := len(g.flows) - 1; i >= 0; i-- {
		if xs, err = g.flows[i].reverse(xs, ms, gs); err != nil {
			return nil, fmt.Errorf("toucan: flow %d reverse: %w", i, err)
		}
	}

	out, err := unsqueeze(xs, g.cfg.squeeze)
	if err != nil {
		return nil, err
	}

	if out, err = autograd.Narrow(out, 2, 0, frames); err != nil {
		return nil, err
	}

	return autograd.Transpose(out, 1, 2)
}

// squeezeAll pads the time axis to a multiple of the squeeze factor and
// folds it into channels for x, mask and conditioning.
func (g *glow) squeezeAll(x, mask, cond *autograd.Var) (*autograd.Var, *autograd.Var, *autograd.Var, error) {
	n := int64(g.cfg.squeeze)

	x, err := padTime(x, n)
	if err != nil {
		return nil, nil, nil, err
	}

	if mask, err = padTime(mask, n); err != nil {
		return nil, nil, nil, err
	}

	if cond, err = padTime(cond, n); err != nil {
		return nil, nil, nil, err
	}

	ms, err := squeezeMask(mask, n)
	if err != nil {
		return nil, nil, nil, err
	}

	xs, err := squeeze(x, n)
	if err != nil {
		return nil, nil, nil, err
	}

	if xs, err = autograd.Mul(xs, ms); err != nil {
		return nil, nil, nil, err
	}

	gs, err := squeeze(cond, n)
	if err != nil {
		return nil, nil, nil, err
	}

	return xs, ms, gs, nil
}

func padTime(x *autograd.Var, n int64) (*autograd.Var, error) {
	frames := x.Dim(2)

	extra := (n - frames%n) % n
	if extra == 0 {
		return x, nil
	}

	zeros, err := tensor.Zeros([]int64{x.Dim(0), x.Dim(1), extra})
	if err != nil {
		return nil, err
	}

	return autograd.Concat([]*autograd.Var{x, autograd.Const(zeros)}, 2)
}

// squeeze folds [B, C, T] into [B, C*n, T/n]: channel c*n+k of step s holds
// frame s*n+k of channel c.
func squeeze(x *autograd.Var, n int64) (*autograd.Var, error) {
	b, c, t := x.Dim(0), x.Dim(1), x.Dim(2)

	v, err := autograd.Reshape(x, b, c, t/n, n)
	if err != nil {
		return nil, err
	}

	if v, err = autograd.Permute(v, 0, 1, 3, 2); err != nil {
		return nil, err
	}

	return autograd.Reshape(v, b, c*n, t/n)
}

func unsqueeze(x *autograd.Var, n int) (*autograd.Var, error) {
	b, cn, s := x.Dim(0), x.Dim(1), x.Dim(2)
	c := cn / int64(n)

	v, err := autograd.Reshape(x, b, c, int64(n), s)
	if err != nil {
		return nil, err
	}

	if v, err = autograd.Permute(v, 0, 1, 3, 2); err != nil {
		return nil, err
	}

	return autograd.Reshape(v, b, c, s*int64(n))
}

// squeezeMask keeps a squeezed step only when its last frame is valid.
func squeezeMask(mask *autograd.Var, n int64) (*autograd.Var, error) {
	b, t := mask.Dim(0), mask.Dim(2)
	steps := t / n
	src := mask.Data()
	out := make([]float32, b*steps)

	for i := range b {
		for s := range steps {
			out[i*steps+s] = src[i*t+s*n+n-1]
		}
	}

	m, err := tensor.Wrap(out, []int64{b, 1, steps})
	if err != nil {
		return nil, err
	}

	return autograd.Const(m), nil
}

// actNorm is a per-channel affine map z = (bias + exp(logs) x) * mask.
type actNorm struct {
	logs *autograd.Var
	bias *autograd.Var
}

func newActNorm(p *nn.Params, channels int64) (*actNorm, error) {
	logs, err := p.Get("logs", []int64{1, channels, 1}, nn.Zeros)
	if err != nil {
		return nil, err
	}

	bias, err := p.Get("bias", []int64{1, channels, 1}, nn.Zeros)
	if err != nil {
		return nil, err
	}

	return &actNorm{logs: logs, bias: bias}, nil
}

func (a *actNorm) forward(x, mask, _ *autograd.Var, valid float32) (*autograd.Var, *autograd.Var, error) {
	y, err := autograd.Mul(x, autograd.Exp(a.logs))
	if err != nil {
		return nil, nil, err
	}

	if y, err = autograd.Add(y, a.bias); err != nil {
		return nil, nil, err
	}

	if y, err = autograd.Mul(y, mask); err != nil {
		return nil, nil, err
	}

	return y, autograd.Scale(autograd.Sum(a.logs), valid), nil
}

func (a *actNorm) reverse(x, mask, _ *autograd.Var) (*autograd.Var, error) {
	y, err := autograd.Sub(x, a.bias)
	if err != nil {
		return nil, err
	}

	if y, err = autograd.Mul(y, autograd.Exp(autograd.Scale(a.logs, -1))); err != nil {
		return nil, err
	}

	return autograd.Mul(y, mask)
}

// invConvNear mixes channels with an invertible matrix over groups of
// split channels, taking half of each group from each channel half.
type invConvNear struct {
	weight   *autograd.Var
	channels int64
	split    int64
}

func newInvConvNear(p *nn.Params, channels int64, split int) (*invConvNear, error) {
	orth := func(rng *rand.Rand, shape []int64) []float32 {
		q, err := autograd.OrthogonalInit(int(shape[0]), rng.NormFloat64)
		if err != nil {
			return make([]float32, shape[0]*shape[1])
		}

		return q.RawData()
	}

	w, err := p.Get("weight", []int64{int64(split), int64(split)}, orth)
	if err != nil {
		return nil, err
	}

	return &invConvNear{weight: w, channels: channels, split: int64(split)}, nil
}

func (c *invConvNear) mix(x, w, mask *autograd.Var) (*autograd.Var, error) {
	b, t := x.Dim(0), x.Dim(2)
	ns := c.split
	group := c.channels / ns

	v, err := autograd.Reshape(x, b, 2, group, ns/2, t)
	if err != nil {
		return nil, err
	}

	if v, err = autograd.Permute(v, 0, 1, 3, 2, 4); err != nil {
		return nil, err
	}

	if v, err = autograd.Reshape(v, b, ns, group*t); err != nil {
		return nil, err
	}

	if v, err = autograd.ChannelMix(w, v); err != nil {
		return nil, err
	}

	if v, err = autograd.Reshape(v, b, 2, ns/2, group, t); err != nil {
		return nil, err
	}

	if v, err = autograd.Permute(v, 0, 1, 3, 2, 4); err != nil {
		return nil, err
	}

	if v, err = autograd.Reshape(v, b, c.channels, t); err != nil {
		return nil, err
	}

	return autograd.Mul(v, mask)
}

func (c *invConvNear) forward(x, mask, _ *autograd.Var, valid float32) (*autograd.Var, *autograd.Var, error) {
	y, err := c.mix(x, c.weight, mask)
	if err != nil {
		return nil, nil, err
	}

	ld, err := autograd.LogAbsDet(c.weight)
	if err != nil {
		return nil, nil, err
	}

	return y, autograd.Scale(ld, float32(c.channels/c.split)*valid), nil
}

func (c *invConvNear) reverse(x, mask, _ *autograd.Var) (*autograd.Var, error) {
	inv, err := autograd.Inverse(c.weight.Value)
	if err != nil {
		return nil, err
	}

	return c.mix(x, autograd.Const(inv), mask)
}

// couplingBlock transforms the second channel half with a scale and shift
// predicted from the first half and the conditioning.
type couplingBlock struct {
	start *nn.Conv1d
	wn    *waveNet
	end   *nn.Conv1d
	half  int64
}

func newCouplingBlock(p *nn.Params, cfg glowConfig, channels int64, shared *waveNet) (*couplingBlock, error) {
	half := channels / 2
	hidden := int64(cfg.hidden)

	start, err := nn.NewConv1d(p.Path("start"), nn.Conv1dConfig{In: half, Out: hidden, Kernel: 1, Bias: true, WeightNorm: true})
	if err != nil {
		return nil, err
	}

	end, err := nn.NewConv1dInit(p.Path("end"), nn.Conv1dConfig{In: hidden, Out: channels, Kernel: 1, Bias: true}, nn.Zeros)
	if err != nil {
		return nil, err
	}

	wn, err := newWaveNet(p.Path("wn"), cfg, int64(cfg.hidden*cfg.squeeze), shared)
	if err != nil {
		return nil, err
	}

	return &couplingBlock{start: start, wn: wn, end: end, half: half}, nil
}

// stats returns the shift m and log-scale of the second half.
func (c *couplingBlock) stats(x0, mask, g *autograd.Var) (*autograd.Var, *autograd.Var, error) {
	h, err := c.start.Forward(x0)
	if err != nil {
		return nil, nil, err
	}

	if h, err = autograd.Mul(h, mask); err != nil {
		return nil, nil, err
	}

	if h, err = c.wn.forward(h, mask, g); err != nil {
		return nil, nil, err
	}

	out, err := c.end.Forward(h)
	if err != nil {
		return nil, nil, err
	}

	m, err := autograd.Narrow(out, 1, 0, c.half)
	if err != nil {
		return nil, nil, err
	}

	logs, err := autograd.Narrow(out, 1, c.half, c.half)
	if err != nil {
		return nil, nil, err
	}

	return m, logs, nil
}

func (c *couplingBlock) halves(x *autograd.Var) (*autograd.Var, *autograd.Var, error) {
	x0, err := autograd.Narrow(x, 1, 0, c.half)
	if err != nil {
		return nil, nil, err
	}

	x1, err := autograd.Narrow(x, 1, c.half, c.half)
	if err != nil {
		return nil, nil, err
	}

	return x0, x1, nil
}

func (c *couplingBlock) forward(x, mask, g *autograd.Var, _ float32) (*autograd.Var, *autograd.Var, error) {
	x0, x1, err := c.halves(x)
	if err != nil {
		return nil, nil, err
	}

	m, logs, err := c.stats(x0, mask, g)
	if err != nil {
		return nil, nil, err
	}

	z1, err := autograd.Mul(autograd.Exp(logs), x1)
	if err != nil {
		return nil, nil, err
	}

	if z1, err = autograd.Add(m, z1); err != nil {
		return nil, nil, err
	}

	if z1, err = autograd.Mul(z1, mask); err != nil {
		return nil, nil, err
	}

	ld, err := autograd.Mul(logs, mask)
	if err != nil {
		return nil, nil, err
	}

	out, err := autograd.Concat([]*autograd.Var{x0, z1}, 1)
	if err != nil {
		return nil, nil, err
	}

	return out, autograd.Sum(ld), nil
}

func (c *couplingBlock) reverse(x, mask, g *autograd.Var) (*autograd.Var, error) {
	x0, x1, err := c.halves(x)
	if err != nil {
		return nil, err
	}

	m, logs, err := c.stats(x0, mask, g)
	if err != nil {
		return nil, err
	}

	z1, err := autograd.Sub(x1, m)
	if err != nil {
		return nil, err
	}

	if z1, err = autograd.Mul(z1, autograd.Exp(autograd.Scale(logs, -1))); err != nil {
		return nil, err
	}

	if z1, err = autograd.Mul(z1, mask); err != nil {
		return nil, err
	}

	return autograd.Concat([]*autograd.Var{x0, z1}, 1)
}

// waveNet is the gated dilated conv stack inside each coupling. Its input
// and residual/skip layers may be shared between couplings; the
// conditioning projection never is.
type waveNet struct {
	in      []*nn.Conv1d
	resSkip []*nn.Conv1d
	cond    *nn.Conv1d
	hidden  int64
}

func newWaveNet(p *nn.Params, cfg glowConfig, condChannels int64, shared *waveNet) (*waveNet, error) {
	hidden := int64(cfg.hidden)
	layers := int64(cfg.layers)
	w := &waveNet{hidden: hidden}

	cond, err := nn.NewConv1d(p.Path("cond_layer"), nn.Conv1dConfig{In: condChannels, Out: 2 * hidden * layers, Kernel: 1, Bias: true, WeightNorm: true})
	if err != nil {
		return nil, err
	}

	w.cond = cond

	if shared != nil {
		w.in, w.resSkip = shared.in, shared.resSkip

		return w, nil
	}

	dilation := int64(1)

	for i := range cfg.layers {
		in, err := nn.NewConv1d(p.Path("in_layers").Index(i), nn.Conv1dConfig{
			In: hidden, Out: 2 * hidden, Kernel: int64(cfg.kernel), Dilation: dilation, Bias: true, SamePadding: true, WeightNorm: true,
		})
		if err != nil {
			return nil, err
		}

		out := 2 * hidden
		if i == cfg.layers-1 {
			out = hidden
		}

		rs, err := nn.NewConv1d(p.Path("res_skip_layers").Index(i), nn.Conv1dConfig{In: hidden, Out: out, Kernel: 1, Bias: true, WeightNorm: true})
		if err != nil {
			return nil, err
		}

		w.in = append(w.in, in)
		w.resSkip = append(w.resSkip, rs)
		dilation *= int64(cfg.dilation)
	}

	return w, nil
}

func (w *waveNet) forward(x, mask, g *autograd.Var) (*autograd.Var, error) {
	gAll, err := w.cond.Forward(g)
	if err != nil {
		return nil, err
	}

	var out *autograd.Var

	last := len(w.in) - 1

	for i, layer := range w.in {
		xIn, err := layer.Forward(x)
		if err != nil {
			return nil, err
		}

		gl, err := autograd.Narrow(gAll, 1, int64(i)*2*w.hidden, 2*w.hidden)
		if err != nil {
			return nil, err
		}

		if xIn, err = autograd.Add(xIn, gl); err != nil {
			return nil, err
		}

		a, err := autograd.Narrow(xIn, 1, 0, w.hidden)
		if err != nil {
			return nil, err
		}

		b, err := autograd.Narrow(xIn, 1, w.hidden, w.hidden)
		if err != nil {
			return nil, err
		}

		acts, err := autograd.Mul(autograd.Tanh(a), autograd.Sigmoid(b))
		if err != nil {
			return nil, err
		}

		rs, err := w.resSkip[i].Forward(acts)
		if err != nil {
			return nil, err
		}

		skip := rs

		if i < last {
			res, err := autograd.Narrow(rs, 1, 0, w.hidden)
			if err != nil {
				return nil, err
			}

			if x, err = autograd.Add(x, res); err != nil {
				return nil, err
			}

			if x, err = autograd.Mul(x, mask); err != nil {
				return nil, err
			}

			if skip, err = autograd.Narrow(rs, 1, w.hidden, w.hidden); err != nil {
				return nil, err
			}
		}

		if out == nil {
			out = skip
		} else if out, err = autograd.Add(out, skip); err != nil {
			return nil, err
		}
	}

	return autograd.Mul(out, mask)
}
