package toucan

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/example/go-toucantts/internal/nn"
	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// variancePredictor regresses one scalar per token from the encoder output:
// a stack of conv, ReLU, utterance integration, layer norm and dropout,
// followed by a linear projection.
type variancePredictor struct {
	convs   []*nn.Conv1d
	projs   []*uttIntegrator
	norms   []*nn.LayerNorm
	cnorms  []*uttIntegrator
	out     *nn.Linear
	dropout float64
}

func newVariancePredictor(p *nn.Params, dim, layers, kernel int, dropout float64, uttDim int, conditional bool) (*variancePredictor, error) {
	v := &variancePredictor{dropout: dropout}

	for i := range layers {
		lp := p.Path("conv").Index(i)

		conv, err := nn.NewConv1d(lp, nn.Conv1dConfig{In: int64(dim), Out: int64(dim), Kernel: int64(kernel), Bias: true, SamePadding: true})
		if err != nil {
			return nil, err
		}

		v.convs = append(v.convs, conv)

		switch {
		case uttDim > 0 && conditional:
			u, err := newUttIntegrator(p.Path("norms").Index(i), dim, uttDim, true)
			if err != nil {
				return nil, err
			}

			v.cnorms = append(v.cnorms, u)
		default:
			if uttDim > 0 {
				u, err := newUttIntegrator(p.Path("embedding_projections").Index(i), dim, uttDim, false)
				if err != nil {
					return nil, err
				}

				v.projs = append(v.projs, u)
			}

			ln, err := nn.NewLayerNorm(p.Path("norms").Index(i), int64(dim), 1e-5)
			if err != nil {
				return nil, err
			}

			v.norms = append(v.norms, ln)
		}
	}

	out, err := nn.NewLinear(p.Path("linear"), int64(dim), 1, true)
	if err != nil {
		return nil, err
	}

	v.out = out

	return v, nil
}

// forward maps xs [B, T, D] to [B, T, 1]. mask is [B, T, 1] with 1 at
// valid tokens and zeroes the prediction elsewhere; nil keeps every token.
func (v *variancePredictor) forward(ctx nn.Ctx, xs, mask, utt *autograd.Var) (*autograd.Var, error) {
	if (len(v.projs) > 0 || len(v.cnorms) > 0) && utt == nil {
		return nil, errors.New("toucan: variance predictor is conditioned on an utterance embedding but none was given")
	}

	h := xs

	var err error

	for i, conv := range v.convs {
		if h, err = conv.ForwardBTC(h); err != nil {
			return nil, err
		}

		h = autograd.ReLU(h)

		if len(v.cnorms) > 0 {
			if h, err = v.cnorms[i].apply(h, utt); err != nil {
				return nil, err
			}
		} else {
			if len(v.projs) > 0 {
				if h, err = v.projs[i].apply(h, utt); err != nil {
					return nil, err
				}
			}

			if h, err = v.norms[i].Forward(h); err != nil {
				return nil, err
			}
		}

		if h, err = ctx.Dropout(h, v.dropout); err != nil {
			return nil, err
		}
	}

	if h, err = v.out.Forward(h); err != nil {
		return nil, err
	}

	if mask != nil {
		return autograd.Mul(h, mask)
	}

	return h, nil
}

// DurationsFromLog turns log-domain predictions log(d+1) into frame counts:
// max(0, round(exp(x) - 1)) with ties rounded to even.
func DurationsFromLog(logDur []float32) []int {
	out := make([]int, len(logDur))

	for i, x := range logDur {
		out[i] = roundDuration(math.Exp(float64(x)) - 1)
	}

	return out
}

// roundDuration is max(0, round(v)) with ties to even. Non-finite values
// map to 0.
func roundDuration(v float64) int {
	d := math.RoundToEven(v)
	if d <= 0 || math.IsInf(d, 0) || math.IsNaN(d) {
		return 0
	}

	return int(d)
}

// ScaleVariance stretches a curve around the mean of its non-zero entries:
// (x - mean) * scale + mean, with negative results clipped to zero. A scale
// of 1 returns an identical copy. A curve without non-zero entries is
// returned unchanged.
func ScaleVariance(seq []float32, scale float64) []float32 {
	out := append([]float32(nil), seq...)
	if scale == 1 {
		return out
	}

	nonZero := make([]float64, 0, len(seq))

	for _, x := range seq {
		if x != 0 {
			nonZero = append(nonZero, float64(x))
		}
	}

	if len(nonZero) == 0 {
		return out
	}

	avg := stat.Mean(nonZero, nil)

	for i, x := range out {
		y := (float64(x)-avg)*scale + avg
		if y < 0 {
			y = 0
		}

		out[i] = float32(y)
	}

	return out
}

// Controls are the user-facing inference knobs. Every factor is used as
// given: a variance scale of 0 flattens the curve to its mean and a pause
// scale of 0 removes pauses.
type Controls struct {
	DurationScale       float64
	PitchVarianceScale  float64
	EnergyVarianceScale float64
	PauseDurationScale  float64
}

// DefaultControls leaves predictions unchanged.
func DefaultControls() Controls {
	return Controls{DurationScale: 1, PitchVarianceScale: 1, EnergyVarianceScale: 1, PauseDurationScale: 1}
}

// Validate rejects negative factors and a non-positive duration scale.
func (c Controls) Validate() error {
	if c.DurationScale <= 0 {
		return fmt.Errorf("toucan: duration scale must be > 0, got %v", c.DurationScale)
	}

	if c.PitchVarianceScale < 0 || c.EnergyVarianceScale < 0 || c.PauseDurationScale < 0 {
		return errors.New("toucan: variance and pause scales must be >= 0")
	}

	return nil
}

func flagSet(v float32) bool { return v > 0.5 }

// ApplyOverrides enforces the articulatory rules on one utterance: unvoiced
// tokens get no pitch, non-phoneme tokens get no energy, word boundaries
// last zero frames and silences are stretched by the pause factor. The
// global duration scale is applied last. Slices are modified in place.
func ApplyOverrides(text *tensor.Tensor, idx FeatureIndex, durations []int, pitch, energy []float32, ctl Controls) error {
	if err := ctl.Validate(); err != nil {
		return err
	}

	shape := text.Shape()
	if len(shape) != 2 {
		return fmt.Errorf("toucan: overrides need [tokens, features], got %v", shape)
	}

	tokens, feats := int(shape[0]), int(shape[1])
	if len(durations) != tokens || len(pitch) != tokens || len(energy) != tokens {
		return fmt.Errorf("toucan: overrides got %d durations, %d pitch, %d energy for %d tokens", len(durations), len(pitch), len(energy), tokens)
	}

	data := text.RawData()

	for t := range tokens {
		row := data[t*feats : (t+1)*feats]

		if !flagSet(row[idx.Voiced]) {
			pitch[t] = 0
		}

		if !flagSet(row[idx.Phoneme]) {
			energy[t] = 0
		}

		if flagSet(row[idx.WordBoundary]) {
			durations[t] = 0
		}

		if flagSet(row[idx.Silence]) && ctl.PauseDurationScale != 1 {
			durations[t] = scaleDuration(durations[t], ctl.PauseDurationScale)
		}
	}

	if ctl.DurationScale != 1 {
		for t := range durations {
			durations[t] = scaleDuration(durations[t], ctl.DurationScale)
		}
	}

	return nil
}

func scaleDuration(d int, factor float64) int {
	return roundDuration(float64(d) * factor)
}

// boundaryKeep returns [B*T] with 0 at word-boundary tokens and 1 elsewhere,
// for text [B, T, F].
func boundaryKeep(text *tensor.Tensor, idx FeatureIndex) []float32 {
	shape := text.Shape()
	rows, feats := int(shape[0]*shape[1]), int(shape[2])
	data := text.RawData()
	out := make([]float32, rows)

	for r := range rows {
		if !flagSet(data[r*feats+idx.WordBoundary]) {
			out[r] = 1
		}
	}

	return out
}
