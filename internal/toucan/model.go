package toucan

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/example/go-toucantts/internal/nn"
	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Model is the ToucanTTS acoustic model. Its parameters live in Params
// under the same names the checkpoints use.
type Model struct {
	Config Config
	Params *nn.Params

	encoder     *conformer
	duration    *variancePredictor
	pitch       *variancePredictor
	energy      *variancePredictor
	pitchEmbed  *nn.Conv1d
	energyEmbed *nn.Conv1d
	decoder     *conformer
	heads       *codebookHeads
	flow        *glow
}

// New validates cfg and builds a freshly initialized model. All random
// initialization is drawn from rng.
func New(cfg Config, rng *rand.Rand) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if rng == nil {
		return nil, errors.New("toucan: New requires a random source")
	}

	p := nn.NewParams(rng)
	m := &Model{Config: cfg, Params: p}
	dim := cfg.AttentionDimension

	var err error

	m.encoder, err = newConformer(p.Path("encoder"), conformerConfig{
		inputDim:        cfg.InputFeatureDimensions,
		dim:             dim,
		heads:           cfg.AttentionHeads,
		units:           cfg.EncoderUnits,
		blocks:          cfg.EncoderLayers,
		dropout:         cfg.TransformerEncDropoutRate,
		posDropout:      cfg.TransformerEncPositionalDropoutRate,
		attnDropout:     cfg.TransformerEncAttnDropoutRate,
		normalizeBefore: cfg.EncoderNormalizeBefore,
		macaron:         cfg.UseMacaronStyleInConformer,
		useCNN:          cfg.UseCNNInConformer,
		cnnKernel:       cfg.ConformerEncoderKernelSize,
		ffKernel:        cfg.PositionwiseConvKernelSize,
		scaledPE:        cfg.UseScaledPositionalEncoding,
		uttEmbedDim:     cfg.UttEmbedDim,
		langEmbs:        cfg.LangEmbs,
		conditionalLN:   cfg.UseConditionalLayerNorm,
		outputNorm:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("toucan: encoder: %w", err)
	}

	if m.duration, err = newVariancePredictor(p.Path("duration_predictor"), dim, cfg.DurationPredictorLayers,
		cfg.DurationPredictorKernelSize, cfg.DurationPredictorDropoutRate, cfg.UttEmbedDim, cfg.UseConditionalLayerNorm); err != nil {
		return nil, fmt.Errorf("toucan: duration predictor: %w", err)
	}

	if m.pitch, err = newVariancePredictor(p.Path("pitch_predictor"), dim, cfg.PitchPredictorLayers,
		cfg.PitchPredictorKernelSize, cfg.PitchPredictorDropout, cfg.UttEmbedDim, cfg.UseConditionalLayerNorm); err != nil {
		return nil, fmt.Errorf("toucan: pitch predictor: %w", err)
	}

	if m.energy, err = newVariancePredictor(p.Path("energy_predictor"), dim, cfg.EnergyPredictorLayers,
		cfg.EnergyPredictorKernelSize, cfg.EnergyPredictorDropout, cfg.UttEmbedDim, cfg.UseConditionalLayerNorm); err != nil {
		return nil, fmt.Errorf("toucan: energy predictor: %w", err)
	}

	embedCfg := func(kernel int) nn.Conv1dConfig {
		return nn.Conv1dConfig{In: 1, Out: int64(dim), Kernel: int64(kernel), Bias: true, SamePadding: true}
	}

	if m.pitchEmbed, err = nn.NewConv1d(p.Path("pitch_embed", "0"), embedCfg(cfg.PitchEmbedKernelSize)); err != nil {
		return nil, err
	}

	if m.energyEmbed, err = nn.NewConv1d(p.Path("energy_embed", "0"), embedCfg(cfg.EnergyEmbedKernelSize)); err != nil {
		return nil, err
	}

	m.decoder, err = newConformer(p.Path("decoder"), conformerConfig{
		dim:             dim,
		heads:           cfg.AttentionHeads,
		units:           cfg.DecoderUnits,
		blocks:          cfg.DecoderLayers,
		dropout:         cfg.TransformerDecDropoutRate,
		posDropout:      cfg.TransformerDecPositionalDropoutRate,
		attnDropout:     cfg.TransformerDecAttnDropoutRate,
		normalizeBefore: cfg.DecoderNormalizeBefore,
		macaron:         cfg.UseMacaronStyleInConformer,
		useCNN:          cfg.UseCNNInConformer,
		cnnKernel:       cfg.ConformerDecoderKernelSize,
		ffKernel:        cfg.PositionwiseConvKernelSize,
		scaledPE:        cfg.UseScaledPositionalEncoding,
		uttEmbedDim:     cfg.UttEmbedDim,
		conditionalLN:   cfg.UseConditionalLayerNorm,
		perBlockUtt:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("toucan: decoder: %w", err)
	}

	if m.heads, err = newCodebookHeads(p.Path("hierarchical_classifier"), dim, cfg.NumCodebooks, cfg.CodebookDim); err != nil {
		return nil, fmt.Errorf("toucan: codebook heads: %w", err)
	}

	m.flow, err = newGlow(p.Path("post_flow"), glowConfig{
		channels:    cfg.CodecDim(),
		hidden:      dim,
		condDim:     dim,
		kernel:      cfg.GlowKernelSize,
		dilation:    cfg.GlowDilationRate,
		blocks:      cfg.GlowBlocks,
		layers:      cfg.GlowBlockLayers,
		split:       cfg.GlowSplit,
		squeeze:     cfg.GlowSqueeze,
		shareWN:     cfg.GlowShareWNLayers,
		temperature: cfg.GlowTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("toucan: post flow: %w", err)
	}

	return m, nil
}

// HeadInputWidth is the input width of the built codebook head k.
func (m *Model) HeadInputWidth(k int) int { return int(m.heads.inputWidth(k)) }

// Batch is a padded training batch.
type Batch struct {
	Text          *tensor.Tensor // [B, T, F]
	TextLengths   []int
	Speech        *tensor.Tensor // [B, L, N*codebook_dim]
	SpeechLengths []int
	Durations     [][]int        // [B][<=T]
	Pitch         *tensor.Tensor // [B, T, 1]
	Energy        *tensor.Tensor // [B, T, 1]
	UttEmbedding  *tensor.Tensor // [B, E]; nil without utterance conditioning
	LangIDs       []int64        // [B]; nil for monolingual batches
}

// Size is the number of samples in the batch.
func (b Batch) Size() int { return len(b.TextLengths) }

// ForwardOutput holds the losses and predictions of a training pass.
type ForwardOutput struct {
	Losses Losses
	// CodecFrames are the coarse predictions in [codebook, batch, code, frame]
	// layout.
	CodecFrames *tensor.Tensor
	// Durations are the predicted log-durations [B, T] with word boundaries
	// forced to zero.
	Durations *autograd.Var
	Pitch     *autograd.Var // [B, T, 1]
	Energy    *autograd.Var // [B, T, 1]
}

func (m *Model) validateBatch(b Batch) error {
	cfg := m.Config

	if b.Text == nil || b.Speech == nil || b.Pitch == nil || b.Energy == nil {
		return errors.New("toucan: batch is missing text, speech, pitch or energy")
	}

	ts := b.Text.Shape()
	if len(ts) != 3 || ts[2] != int64(cfg.InputFeatureDimensions) {
		return fmt.Errorf("toucan: text must be [batch, tokens, %d], got %v", cfg.InputFeatureDimensions, ts)
	}

	batch, tokens := ts[0], ts[1]

	ss := b.Speech.Shape()
	if len(ss) != 3 || ss[0] != batch || ss[2] != int64(cfg.CodecDim()) {
		return fmt.Errorf("toucan: speech must be [%d, frames, %d], got %v", batch, cfg.CodecDim(), ss)
	}

	for name, t := range map[string]*tensor.Tensor{"pitch": b.Pitch, "energy": b.Energy} {
		s := t.Shape()
		if len(s) != 3 || s[0] != batch || s[1] != tokens || s[2] != 1 {
			return fmt.Errorf("toucan: %s must be [%d, %d, 1], got %v", name, batch, tokens, s)
		}
	}

	if err := checkLengths("text lengths", b.TextLengths, batch, tokens); err != nil {
		return err
	}

	if err := checkLengths("speech lengths", b.SpeechLengths, batch, ss[1]); err != nil {
		return err
	}

	if int64(len(b.Durations)) != batch {
		return fmt.Errorf("toucan: %d duration rows for batch %d", len(b.Durations), batch)
	}

	if cfg.UttEmbedDim > 0 {
		if b.UttEmbedding == nil {
			return errors.New("toucan: model is conditioned on utterance embeddings but the batch has none")
		}

		es := b.UttEmbedding.Shape()
		if len(es) != 2 || es[0] != batch || es[1] != int64(cfg.UttEmbedDim) {
			return fmt.Errorf("toucan: utterance embedding must be [%d, %d], got %v", batch, cfg.UttEmbedDim, es)
		}
	}

	if b.LangIDs != nil && int64(len(b.LangIDs)) != batch {
		return fmt.Errorf("toucan: %d language ids for batch %d", len(b.LangIDs), batch)
	}

	return nil
}

// conditioning returns the normalized utterance embedding and the language
// ids the model actually uses.
func (m *Model) conditioning(emb *tensor.Tensor, langIDs []int64) (*autograd.Var, []int64, error) {
	if m.Config.LangEmbs == 0 {
		langIDs = nil
	}

	if m.Config.UttEmbedDim == 0 || emb == nil {
		return nil, langIDs, nil
	}

	norm, err := NormalizeRows(emb)
	if err != nil {
		return nil, nil, err
	}

	return autograd.Const(norm), langIDs, nil
}

// Forward runs teacher-forced training over a padded batch.
func (m *Model) Forward(ctx nn.Ctx, b Batch) (*ForwardOutput, error) {
	if err := m.validateBatch(b); err != nil {
		return nil, err
	}

	batch, tokens := b.Text.Shape()[0], b.Text.Shape()[1]

	utt, langIDs, err := m.conditioning(b.UttEmbedding, b.LangIDs)
	if err != nil {
		return nil, err
	}

	encoded, err := m.encoder.forward(ctx, autograd.Const(b.Text), b.TextLengths, utt, langIDs)
	if err != nil {
		return nil, fmt.Errorf("toucan: encoder: %w", err)
	}

	textMask, err := maskVar(b.TextLengths, int(tokens), batch, tokens, 1)
	if err != nil {
		return nil, err
	}

	pitch, err := m.pitch.forward(ctx, encoded, textMask, utt)
	if err != nil {
		return nil, fmt.Errorf("toucan: pitch predictor: %w", err)
	}

	energy, err := m.energy.forward(ctx, encoded, textMask, utt)
	if err != nil {
		return nil, fmt.Errorf("toucan: energy predictor: %w", err)
	}

	durations, err := m.predictLogDurations(ctx, encoded, textMask, utt, b.Text)
	if err != nil {
		return nil, err
	}

	enriched, err := m.enrich(ctx, encoded, autograd.Const(b.Pitch), autograd.Const(b.Energy))
	if err != nil {
		return nil, err
	}

	upsampled, _, err := LengthRegulate(enriched, b.Durations)
	if err != nil {
		return nil, err
	}

	if upsampled.Dim(1) != b.Speech.Shape()[1] {
		return nil, fmt.Errorf("toucan: durations cover %d frames but speech is padded to %d", upsampled.Dim(1), b.Speech.Shape()[1])
	}

	decoded, err := m.decoder.forward(ctx, upsampled, b.SpeechLengths, utt, nil)
	if err != nil {
		return nil, fmt.Errorf("toucan: decoder: %w", err)
	}

	gold := autograd.Const(b.Speech)

	coarse, err := m.heads.forward(decoded, gold)
	if err != nil {
		return nil, err
	}

	glowLoss, err := m.flow.loss(gold, coarse, upsampled, b.SpeechLengths)
	if err != nil {
		return nil, fmt.Errorf("toucan: post flow: %w", err)
	}

	out := &ForwardOutput{Durations: durations, Pitch: pitch, Energy: energy}
	out.Losses.Glow = glowLoss

	if out.Losses.Regression, err = l1Loss(coarse, gold, b.SpeechLengths); err != nil {
		return nil, err
	}

	goldDur, err := logDurations(b.Durations, int(tokens))
	if err != nil {
		return nil, err
	}

	if out.Losses.Duration, err = mseLoss(durations, goldDur, b.TextLengths); err != nil {
		return nil, err
	}

	if out.Losses.Pitch, err = mseLoss(pitch, autograd.Const(b.Pitch), b.TextLengths); err != nil {
		return nil, err
	}

	if out.Losses.Energy, err = mseLoss(energy, autograd.Const(b.Energy), b.TextLengths); err != nil {
		return nil, err
	}

	if out.CodecFrames, err = CodebookLayout(coarse.Value, m.Config.NumCodebooks); err != nil {
		return nil, err
	}

	return out, nil
}

// predictLogDurations returns [B, T] log-durations with padding and word
// boundaries zeroed.
func (m *Model) predictLogDurations(ctx nn.Ctx, encoded, mask, utt *autograd.Var, text *tensor.Tensor) (*autograd.Var, error) {
	d, err := m.duration.forward(ctx, encoded, mask, utt)
	if err != nil {
		return nil, fmt.Errorf("toucan: duration predictor: %w", err)
	}

	batch, tokens := text.Shape()[0], text.Shape()[1]

	keep, err := tensor.Wrap(boundaryKeep(text, m.Config.Features), []int64{batch, tokens, 1})
	if err != nil {
		return nil, err
	}

	if d, err = autograd.Mul(d, autograd.Const(keep)); err != nil {
		return nil, err
	}

	return autograd.Reshape(d, batch, tokens)
}

// enrich adds the pitch and energy embeddings of [B, T, 1] curves to the
// encoder output.
func (m *Model) enrich(ctx nn.Ctx, encoded, pitch, energy *autograd.Var) (*autograd.Var, error) {
	pe, err := m.pitchEmbed.ForwardBTC(pitch)
	if err != nil {
		return nil, err
	}

	if pe, err = ctx.Dropout(pe, m.Config.PitchEmbedDropout); err != nil {
		return nil, err
	}

	ee, err := m.energyEmbed.ForwardBTC(energy)
	if err != nil {
		return nil, err
	}

	if ee, err = ctx.Dropout(ee, m.Config.EnergyEmbedDropout); err != nil {
		return nil, err
	}

	out, err := autograd.Add(encoded, ee)
	if err != nil {
		return nil, err
	}

	return autograd.Add(out, pe)
}

// InferenceInput is one unbatched utterance. Durations, Pitch and Energy
// replace the corresponding predictions when set.
type InferenceInput struct {
	Text         *tensor.Tensor // [T, F]
	Durations    []int
	Pitch        []float32
	Energy       []float32
	UttEmbedding []float32
	LangID       *int64
	// Controls nil means DefaultControls.
	Controls *Controls
	// Rng samples the flow prior. Nil uses the prior mean.
	Rng *rand.Rand
}

// InferenceOutput holds the synthesized codec frames and the variance
// curves after overrides and scaling.
type InferenceOutput struct {
	Refined   *tensor.Tensor // [L, N*codebook_dim]
	Coarse    *tensor.Tensor // [L, N*codebook_dim]
	Durations []int
	Pitch     []float32
	Energy    []float32
}

// Inference synthesizes codec frames for one utterance without recording
// gradients. Dropout is disabled.
func (m *Model) Inference(in InferenceInput) (*InferenceOutput, error) {
	var out *InferenceOutput

	err := autograd.NoGrad(func() error {
		var err error

		out, err = m.inference(in)

		return err
	})

	return out, err
}

func (m *Model) inference(in InferenceInput) (*InferenceOutput, error) {
	cfg := m.Config
	ctx := nn.Eval

	if in.Text == nil {
		return nil, errors.New("toucan: inference needs a phoneme feature sequence")
	}

	ts := in.Text.Shape()
	if len(ts) != 2 || ts[1] != int64(cfg.InputFeatureDimensions) {
		return nil, fmt.Errorf("toucan: text must be [tokens, %d], got %v", cfg.InputFeatureDimensions, ts)
	}

	tokens := ts[0]
	if tokens == 0 {
		return nil, errors.New("toucan: inference needs at least one token")
	}

	ctl := DefaultControls()
	if in.Controls != nil {
		ctl = *in.Controls
	}

	if err := ctl.Validate(); err != nil {
		return nil, err
	}

	text, err := in.Text.Reshape([]int64{1, tokens, ts[1]})
	if err != nil {
		return nil, err
	}

	var emb *tensor.Tensor

	if cfg.UttEmbedDim > 0 {
		if len(in.UttEmbedding) != cfg.UttEmbedDim {
			return nil, fmt.Errorf("toucan: utterance embedding must have %d values, got %d", cfg.UttEmbedDim, len(in.UttEmbedding))
		}

		if emb, err = tensor.New(in.UttEmbedding, []int64{1, int64(cfg.UttEmbedDim)}); err != nil {
			return nil, err
		}
	}

	var langIDs []int64
	if in.LangID != nil {
		langIDs = []int64{*in.LangID}
	}

	utt, langIDs, err := m.conditioning(emb, langIDs)
	if err != nil {
		return nil, err
	}

	encoded, err := m.encoder.forward(ctx, autograd.Const(text), nil, utt, langIDs)
	if err != nil {
		return nil, fmt.Errorf("toucan: encoder: %w", err)
	}

	pitch, err := m.curve(ctx, m.pitch, encoded, utt, in.Pitch, int(tokens), "pitch")
	if err != nil {
		return nil, err
	}

	energy, err := m.curve(ctx, m.energy, encoded, utt, in.Energy, int(tokens), "energy")
	if err != nil {
		return nil, err
	}

	var durations []int

	if in.Durations != nil {
		if len(in.Durations) != int(tokens) {
			return nil, fmt.Errorf("toucan: %d durations for %d tokens", len(in.Durations), tokens)
		}

		durations = append([]int(nil), in.Durations...)
	} else {
		logDur, err := m.duration.forward(ctx, encoded, nil, utt)
		if err != nil {
			return nil, fmt.Errorf("toucan: duration predictor: %w", err)
		}

		durations = DurationsFromLog(logDur.Data())
	}

	if err := ApplyOverrides(in.Text, cfg.Features, durations, pitch, energy, ctl); err != nil {
		return nil, err
	}

	pitch = ScaleVariance(pitch, ctl.PitchVarianceScale)
	energy = ScaleVariance(energy, ctl.EnergyVarianceScale)

	out := &InferenceOutput{Durations: durations, Pitch: pitch, Energy: energy}

	pv, err := autograd.FromData(append([]float32(nil), pitch...), []int64{1, tokens, 1})
	if err != nil {
		return nil, err
	}

	ev, err := autograd.FromData(append([]float32(nil), energy...), []int64{1, tokens, 1})
	if err != nil {
		return nil, err
	}

	enriched, err := m.enrich(ctx, encoded, pv, ev)
	if err != nil {
		return nil, err
	}

	upsampled, lengths, err := LengthRegulate(enriched, [][]int{durations})
	if err != nil {
		return nil, err
	}

	width := int64(cfg.CodecDim())

	if lengths[0] == 0 {
		if out.Refined, err = tensor.Zeros([]int64{0, width}); err != nil {
			return nil, err
		}

		out.Coarse = out.Refined.Clone()

		return out, nil
	}

	decoded, err := m.decoder.forward(ctx, upsampled, nil, utt, nil)
	if err != nil {
		return nil, fmt.Errorf("toucan: decoder: %w", err)
	}

	coarse, err := m.heads.forward(decoded, nil)
	if err != nil {
		return nil, err
	}

	refined, err := m.flow.sample(coarse, upsampled, in.Rng)
	if err != nil {
		return nil, fmt.Errorf("toucan: post flow: %w", err)
	}

	frames := int64(lengths[0])

	if out.Coarse, err = coarse.Value.Reshape([]int64{frames, width}); err != nil {
		return nil, err
	}

	if out.Refined, err = refined.Value.Reshape([]int64{frames, width}); err != nil {
		return nil, err
	}

	return out, nil
}

// curve returns the supplied values or the predictor's output for one
// utterance.
func (m *Model) curve(ctx nn.Ctx, pred *variancePredictor, encoded, utt *autograd.Var, gold []float32, tokens int, name string) ([]float32, error) {
	if gold != nil {
		if len(gold) != tokens {
			return nil, fmt.Errorf("toucan: %d %s values for %d tokens", len(gold), name, tokens)
		}

		return append([]float32(nil), gold...), nil
	}

	v, err := pred.forward(ctx, encoded, nil, utt)
	if err != nil {
		return nil, fmt.Errorf("toucan: %s predictor: %w", name, err)
	}

	return append([]float32(nil), v.Data()...), nil
}

// NormalizeRows scales every row of a [B, E] tensor to unit L2 norm. Rows
// with zero norm stay zero.
func NormalizeRows(t *tensor.Tensor) (*tensor.Tensor, error) {
	shape := t.Shape()
	if len(shape) != 2 {
		return nil, fmt.Errorf("toucan: normalize expects [batch, dim], got %v", shape)
	}

	out := t.Clone()
	data := out.RawData()
	cols := int(shape[1])

	for r := range int(shape[0]) {
		row := data[r*cols : (r+1)*cols]
		n := math.Sqrt(float64(tensor.DotProduct(row, row)))

		if n < 1e-12 {
			continue
		}

		for i := range row {
			row[i] = float32(float64(row[i]) / n)
		}
	}

	return out, nil
}
