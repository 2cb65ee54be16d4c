package toucan

import (
	"fmt"
	"math"

	"github.com/example/go-toucantts/internal/nn"
	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

type conformerConfig struct {
	inputDim        int // 0 means the input is already attention-dimensional
	dim             int
	heads           int
	units           int
	blocks          int
	dropout         float64
	posDropout      float64
	attnDropout     float64
	normalizeBefore bool
	macaron         bool
	useCNN          bool
	cnnKernel       int
	ffKernel        int
	scaledPE        bool
	uttEmbedDim     int
	langEmbs        int
	conditionalLN   bool
	outputNorm      bool
	// perBlockUtt injects the utterance embedding before every block
	// (decoder) instead of once after the stack (encoder).
	perBlockUtt bool
}

// conformer is a stack of conformer blocks with an optional articulatory
// input projection, language offset and utterance conditioning.
type conformer struct {
	cfg conformerConfig

	embedIn  *nn.Linear
	embedOut *nn.Linear
	lang     *nn.Embedding
	alpha    *autograd.Var

	blocks    []*conformerBlock
	outNorm   *nn.LayerNorm
	uttFinal  *uttIntegrator
	uttBlocks []*uttIntegrator
}

func newConformer(p *nn.Params, cfg conformerConfig) (*conformer, error) {
	c := &conformer{cfg: cfg}

	var err error

	if cfg.inputDim > 0 {
		if c.embedIn, err = nn.NewLinear(p.Path("embed", "0"), int64(cfg.inputDim), 100, true); err != nil {
			return nil, err
		}

		if c.embedOut, err = nn.NewLinear(p.Path("embed", "2"), 100, int64(cfg.dim), true); err != nil {
			return nil, err
		}
	}

	if cfg.langEmbs > 0 {
		c.lang, err = nn.NewEmbedding(p.Path("language_embedding"), int64(cfg.langEmbs), int64(cfg.dim), nn.Normal(math.Pow(float64(cfg.dim), -0.5)))
		if err != nil {
			return nil, err
		}
	}

	if cfg.scaledPE {
		if c.alpha, err = p.Path("pos_enc").Get("alpha", []int64{1}, nn.Ones); err != nil {
			return nil, err
		}
	}

	for i := range cfg.blocks {
		blk, err := newConformerBlock(p.Path("encoders").Index(i), cfg)
		if err != nil {
			return nil, fmt.Errorf("toucan: conformer block %d: %w", i, err)
		}

		c.blocks = append(c.blocks, blk)
	}

	hasUtt := cfg.uttEmbedDim > 0

	switch {
	case hasUtt && cfg.perBlockUtt:
		for i := range cfg.blocks {
			u, err := newUttIntegrator(p.Path("decoder_embedding_projections").Index(i), cfg.dim, cfg.uttEmbedDim, cfg.conditionalLN)
			if err != nil {
				return nil, err
			}

			c.uttBlocks = append(c.uttBlocks, u)
		}
	case hasUtt:
		if c.uttFinal, err = newUttIntegrator(p.Path("encoder_embedding_projection"), cfg.dim, cfg.uttEmbedDim, cfg.conditionalLN); err != nil {
			return nil, err
		}
	}

	if cfg.normalizeBefore && cfg.outputNorm && c.uttFinal == nil {
		if c.outNorm, err = nn.NewLayerNorm(p.Path("output_norm"), int64(cfg.dim), 1e-5); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// forward maps xs [B, T, F] to [B, T, dim]. lengths may be nil when no
// position is padded. utt is [B, E] and required when the stack was built
// with utterance conditioning; langIDs is [B] and optional.
func (c *conformer) forward(ctx nn.Ctx, xs *autograd.Var, lengths []int, utt *autograd.Var, langIDs []int64) (*autograd.Var, error) {
	if xs.Rank() != 3 {
		return nil, fmt.Errorf("toucan: conformer input must be [batch, time, features], got %v", xs.Shape())
	}

	batch, steps, feat := xs.Dim(0), xs.Dim(1), xs.Dim(2)

	want := c.cfg.dim
	if c.embedIn != nil {
		want = c.cfg.inputDim
	}

	if feat != int64(want) {
		return nil, fmt.Errorf("toucan: conformer expects %d input features, got %d", want, feat)
	}

	if (c.uttFinal != nil || len(c.uttBlocks) > 0) && utt == nil {
		return nil, fmt.Errorf("toucan: conformer is conditioned on an utterance embedding but none was given")
	}

	h := xs

	var err error

	if c.embedIn != nil {
		if h, err = c.embedIn.Forward(h); err != nil {
			return nil, err
		}

		if h, err = c.embedOut.Forward(autograd.Tanh(h)); err != nil {
			return nil, err
		}
	}

	if c.lang != nil && langIDs != nil {
		if int64(len(langIDs)) != batch {
			return nil, fmt.Errorf("toucan: %d language ids for batch %d", len(langIDs), batch)
		}

		e, err := c.lang.Forward(langIDs)
		if err != nil {
			return nil, fmt.Errorf("toucan: language embedding: %w", err)
		}

		if e, err = autograd.Reshape(e, batch, 1, int64(c.cfg.dim)); err != nil {
			return nil, err
		}

		if h, err = autograd.Add(h, e); err != nil {
			return nil, err
		}
	}

	if h, err = c.positional(ctx, h, int(steps)); err != nil {
		return nil, err
	}

	var bias *autograd.Var

	if lengths != nil {
		if err := checkLengths("lengths", lengths, batch, steps); err != nil {
			return nil, err
		}

		if bias, err = attentionBias(lengths, int(steps)); err != nil {
			return nil, err
		}
	}

	for i, blk := range c.blocks {
		if len(c.uttBlocks) > 0 {
			if h, err = c.uttBlocks[i].apply(h, utt); err != nil {
				return nil, err
			}
		}

		if h, err = blk.forward(ctx, h, bias); err != nil {
			return nil, fmt.Errorf("toucan: conformer block %d: %w", i, err)
		}
	}

	if c.outNorm != nil {
		if h, err = c.outNorm.Forward(h); err != nil {
			return nil, err
		}
	}

	if c.uttFinal != nil {
		return c.uttFinal.apply(h, utt)
	}

	return h, nil
}

// positional adds sinusoidal position information. The scaled variant
// learns the mixing weight alpha; the plain variant scales the input by
// sqrt(dim).
func (c *conformer) positional(ctx nn.Ctx, h *autograd.Var, steps int) (*autograd.Var, error) {
	pe := autograd.Const(sinusoid(steps, c.cfg.dim))

	var (
		out *autograd.Var
		err error
	)

	if c.alpha != nil {
		if pe, err = autograd.Mul(pe, c.alpha); err != nil {
			return nil, err
		}

		out, err = autograd.Add(h, pe)
	} else {
		out, err = autograd.Add(autograd.Scale(h, float32(math.Sqrt(float64(c.cfg.dim)))), pe)
	}

	if err != nil {
		return nil, err
	}

	return ctx.Dropout(out, c.cfg.posDropout)
}

// sinusoid returns the [steps, dim] table pe[t, 2i] = sin(t w_i),
// pe[t, 2i+1] = cos(t w_i) with w_i = 10000^(-2i/dim).
func sinusoid(steps, dim int) *tensor.Tensor {
	data := make([]float32, steps*dim)

	for t := range steps {
		for i := 0; i < dim; i += 2 {
			w := math.Exp(-float64(i) * math.Log(10000) / float64(dim))
			data[t*dim+i] = float32(math.Sin(float64(t) * w))

			if i+1 < dim {
				data[t*dim+i+1] = float32(math.Cos(float64(t) * w))
			}
		}
	}

	pe, _ := tensor.Wrap(data, []int64{int64(steps), int64(dim)})

	return pe
}

type conformerBlock struct {
	attn      *multiHeadAttention
	ff        *feedForward
	ffMacaron *feedForward
	conv      *convModule

	normFF        *nn.LayerNorm
	normMHA       *nn.LayerNorm
	normFFMacaron *nn.LayerNorm
	normConv      *nn.LayerNorm
	normFinal     *nn.LayerNorm

	ffScale         float32
	dropout         float64
	normalizeBefore bool
}

func newConformerBlock(p *nn.Params, cfg conformerConfig) (*conformerBlock, error) {
	b := &conformerBlock{ffScale: 1, dropout: cfg.dropout, normalizeBefore: cfg.normalizeBefore}
	dim := int64(cfg.dim)

	var err error

	if b.attn, err = newMultiHeadAttention(p.Path("self_attn"), cfg.dim, cfg.heads, cfg.attnDropout); err != nil {
		return nil, err
	}

	if b.ff, err = newFeedForward(p.Path("feed_forward"), cfg.dim, cfg.units, cfg.ffKernel, cfg.dropout); err != nil {
		return nil, err
	}

	if b.normFF, err = nn.NewLayerNorm(p.Path("norm_ff"), dim, 1e-5); err != nil {
		return nil, err
	}

	if b.normMHA, err = nn.NewLayerNorm(p.Path("norm_mha"), dim, 1e-5); err != nil {
		return nil, err
	}

	if cfg.macaron {
		b.ffScale = 0.5

		if b.ffMacaron, err = newFeedForward(p.Path("feed_forward_macaron"), cfg.dim, cfg.units, cfg.ffKernel, cfg.dropout); err != nil {
			return nil, err
		}

		if b.normFFMacaron, err = nn.NewLayerNorm(p.Path("norm_ff_macaron"), dim, 1e-5); err != nil {
			return nil, err
		}
	}

	if cfg.useCNN {
		if b.conv, err = newConvModule(p.Path("conv_module"), cfg.dim, cfg.cnnKernel); err != nil {
			return nil, err
		}

		if b.normConv, err = nn.NewLayerNorm(p.Path("norm_conv"), dim, 1e-5); err != nil {
			return nil, err
		}

		if b.normFinal, err = nn.NewLayerNorm(p.Path("norm_final"), dim, 1e-5); err != nil {
			return nil, err
		}
	}

	return b, nil
}

type sublayer func(*autograd.Var) (*autograd.Var, error)

// residual computes x + scale*dropout(f(norm(x))) with pre-norm, or
// norm(x + scale*dropout(f(x))) with post-norm.
func (b *conformerBlock) residual(ctx nn.Ctx, x *autograd.Var, norm *nn.LayerNorm, scale float32, f sublayer) (*autograd.Var, error) {
	in := x

	var err error

	if b.normalizeBefore {
		if in, err = norm.Forward(x); err != nil {
			return nil, err
		}
	}

	h, err := f(in)
	if err != nil {
		return nil, err
	}

	if h, err = ctx.Dropout(h, b.dropout); err != nil {
		return nil, err
	}

	if scale != 1 {
		h = autograd.Scale(h, scale)
	}

	out, err := autograd.Add(x, h)
	if err != nil {
		return nil, err
	}

	if !b.normalizeBefore {
		return norm.Forward(out)
	}

	return out, nil
}

func (b *conformerBlock) forward(ctx nn.Ctx, x, bias *autograd.Var) (*autograd.Var, error) {
	var err error

	if b.ffMacaron != nil {
		x, err = b.residual(ctx, x, b.normFFMacaron, b.ffScale, func(h *autograd.Var) (*autograd.Var, error) {
			return b.ffMacaron.forward(ctx, h)
		})
		if err != nil {
			return nil, err
		}
	}

	x, err = b.residual(ctx, x, b.normMHA, 1, func(h *autograd.Var) (*autograd.Var, error) {
		return b.attn.forward(ctx, h, bias)
	})
	if err != nil {
		return nil, err
	}

	if b.conv != nil {
		if x, err = b.residual(ctx, x, b.normConv, 1, b.conv.forward); err != nil {
			return nil, err
		}
	}

	x, err = b.residual(ctx, x, b.normFF, b.ffScale, func(h *autograd.Var) (*autograd.Var, error) {
		return b.ff.forward(ctx, h)
	})
	if err != nil {
		return nil, err
	}

	if b.normFinal != nil {
		return b.normFinal.Forward(x)
	}

	return x, nil
}

type multiHeadAttention struct {
	q, k, v, out *nn.Linear
	heads        int
	dk           int
	dropout      float64
}

func newMultiHeadAttention(p *nn.Params, dim, heads int, dropout float64) (*multiHeadAttention, error) {
	if heads <= 0 || dim%heads != 0 {
		return nil, fmt.Errorf("toucan: attention dim %d is not divisible by %d heads", dim, heads)
	}

	m := &multiHeadAttention{heads: heads, dk: dim / heads, dropout: dropout}
	d := int64(dim)

	var err error

	if m.q, err = nn.NewLinear(p.Path("linear_q"), d, d, true); err != nil {
		return nil, err
	}

	if m.k, err = nn.NewLinear(p.Path("linear_k"), d, d, true); err != nil {
		return nil, err
	}

	if m.v, err = nn.NewLinear(p.Path("linear_v"), d, d, true); err != nil {
		return nil, err
	}

	if m.out, err = nn.NewLinear(p.Path("linear_out"), d, d, true); err != nil {
		return nil, err
	}

	return m, nil
}

// split reshapes [B, T, D] into [B, T, H, dk] and permutes it by perm.
func (m *multiHeadAttention) split(x *autograd.Var, perm ...int) (*autograd.Var, error) {
	h, err := autograd.Reshape(x, x.Dim(0), x.Dim(1), int64(m.heads), int64(m.dk))
	if err != nil {
		return nil, err
	}

	return autograd.Permute(h, perm...)
}

// forward runs self-attention over x [B, T, D]. bias is [B, 1, 1, T] or nil.
func (m *multiHeadAttention) forward(ctx nn.Ctx, x, bias *autograd.Var) (*autograd.Var, error) {
	batch, steps := x.Dim(0), x.Dim(1)

	q, err := m.q.Forward(x)
	if err != nil {
		return nil, err
	}

	k, err := m.k.Forward(x)
	if err != nil {
		return nil, err
	}

	v, err := m.v.Forward(x)
	if err != nil {
		return nil, err
	}

	if q, err = m.split(q, 0, 2, 1, 3); err != nil {
		return nil, err
	}

	if k, err = m.split(k, 0, 2, 3, 1); err != nil {
		return nil, err
	}

	if v, err = m.split(v, 0, 2, 1, 3); err != nil {
		return nil, err
	}

	scores, err := autograd.MatMul(q, k)
	if err != nil {
		return nil, err
	}

	scores = autograd.Scale(scores, float32(1/math.Sqrt(float64(m.dk))))

	if bias != nil {
		if scores, err = autograd.Add(scores, bias); err != nil {
			return nil, err
		}
	}

	attn, err := autograd.Softmax(scores, -1)
	if err != nil {
		return nil, err
	}

	if attn, err = ctx.Dropout(attn, m.dropout); err != nil {
		return nil, err
	}

	out, err := autograd.MatMul(attn, v)
	if err != nil {
		return nil, err
	}

	if out, err = autograd.Permute(out, 0, 2, 1, 3); err != nil {
		return nil, err
	}

	if out, err = autograd.Reshape(out, batch, steps, int64(m.heads*m.dk)); err != nil {
		return nil, err
	}

	return m.out.Forward(out)
}

// feedForward is the position-wise two-layer convolutional feed-forward.
type feedForward struct {
	w1, w2  *nn.Conv1d
	dropout float64
}

func newFeedForward(p *nn.Params, dim, units, kernel int, dropout float64) (*feedForward, error) {
	w1, err := nn.NewConv1d(p.Path("w_1"), nn.Conv1dConfig{In: int64(dim), Out: int64(units), Kernel: int64(kernel), Bias: true, SamePadding: true})
	if err != nil {
		return nil, err
	}

	w2, err := nn.NewConv1d(p.Path("w_2"), nn.Conv1dConfig{In: int64(units), Out: int64(dim), Kernel: int64(kernel), Bias: true, SamePadding: true})
	if err != nil {
		return nil, err
	}

	return &feedForward{w1: w1, w2: w2, dropout: dropout}, nil
}

func (f *feedForward) forward(ctx nn.Ctx, x *autograd.Var) (*autograd.Var, error) {
	h, err := f.w1.ForwardBTC(x)
	if err != nil {
		return nil, err
	}

	if h, err = ctx.Dropout(autograd.ReLU(h), f.dropout); err != nil {
		return nil, err
	}

	return f.w2.ForwardBTC(h)
}

// convModule is pointwise conv, GLU, depthwise conv, norm, swish and a
// final pointwise conv.
type convModule struct {
	pw1, dw, pw2 *nn.Conv1d
	norm         *nn.LayerNorm
	channels     int64
}

func newConvModule(p *nn.Params, dim, kernel int) (*convModule, error) {
	c := int64(dim)
	m := &convModule{channels: c}

	var err error

	if m.pw1, err = nn.NewConv1d(p.Path("pointwise_conv1"), nn.Conv1dConfig{In: c, Out: 2 * c, Kernel: 1, Bias: true}); err != nil {
		return nil, err
	}

	dwCfg := nn.Conv1dConfig{In: c, Out: c, Kernel: int64(kernel), Groups: c, Bias: true, SamePadding: true}
	if m.dw, err = nn.NewConv1d(p.Path("depthwise_conv"), dwCfg); err != nil {
		return nil, err
	}

	if m.norm, err = nn.NewLayerNorm(p.Path("norm"), c, 1e-5); err != nil {
		return nil, err
	}

	if m.pw2, err = nn.NewConv1d(p.Path("pointwise_conv2"), nn.Conv1dConfig{In: c, Out: c, Kernel: 1, Bias: true}); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *convModule) forward(x *autograd.Var) (*autograd.Var, error) {
	h, err := autograd.Transpose(x, 1, 2)
	if err != nil {
		return nil, err
	}

	if h, err = m.pw1.Forward(h); err != nil {
		return nil, err
	}

	a, err := autograd.Narrow(h, 1, 0, m.channels)
	if err != nil {
		return nil, err
	}

	gate, err := autograd.Narrow(h, 1, m.channels, m.channels)
	if err != nil {
		return nil, err
	}

	if h, err = autograd.Mul(a, autograd.Sigmoid(gate)); err != nil {
		return nil, err
	}

	if h, err = m.dw.Forward(h); err != nil {
		return nil, err
	}

	if h, err = autograd.Transpose(h, 1, 2); err != nil {
		return nil, err
	}

	if h, err = m.norm.Forward(h); err != nil {
		return nil, err
	}

	return m.pw2.ForwardBTC(autograd.SiLU(h))
}

// uttIntegrator injects an utterance embedding into a [B, T, D] sequence,
// either by projecting the concatenation of both or through a conditional
// layer norm.
type uttIntegrator struct {
	proj *nn.Linear
	cln  *nn.ConditionalLayerNorm
}

func newUttIntegrator(p *nn.Params, dim, embedDim int, conditional bool) (*uttIntegrator, error) {
	if conditional {
		cln, err := nn.NewConditionalLayerNorm(p, int64(dim), int64(embedDim))
		if err != nil {
			return nil, err
		}

		return &uttIntegrator{cln: cln}, nil
	}

	proj, err := nn.NewLinear(p, int64(dim+embedDim), int64(dim), true)
	if err != nil {
		return nil, err
	}

	return &uttIntegrator{proj: proj}, nil
}

func (u *uttIntegrator) apply(hs, emb *autograd.Var) (*autograd.Var, error) {
	if emb.Rank() != 2 || emb.Dim(0) != hs.Dim(0) {
		return nil, fmt.Errorf("toucan: utterance embedding %v does not match batch of %v", emb.Shape(), hs.Shape())
	}

	if u.cln != nil {
		return u.cln.Forward(hs, emb)
	}

	expanded, err := expandTime(emb, hs.Dim(1))
	if err != nil {
		return nil, err
	}

	cat, err := autograd.Concat([]*autograd.Var{hs, expanded}, 2)
	if err != nil {
		return nil, err
	}

	return u.proj.Forward(cat)
}

// expandTime repeats a [B, E] value along a new time axis: [B, steps, E].
func expandTime(v *autograd.Var, steps int64) (*autograd.Var, error) {
	r, err := autograd.Reshape(v, v.Dim(0), 1, v.Dim(1))
	if err != nil {
		return nil, err
	}

	return autograd.IndexSelect(r, 1, make([]int64, steps))
}
