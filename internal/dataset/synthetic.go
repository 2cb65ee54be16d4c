package dataset

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/example/go-toucantts/internal/runtime/tensor"
	"github.com/example/go-toucantts/internal/toucan"
)

// SyntheticConfig describes a generated dataset.
type SyntheticConfig struct {
	Samples    int
	FeatureDim int
	CodecDim   int
	MinTokens  int
	MaxTokens  int
	LangID     int64
	Seed       uint64
	Features   toucan.FeatureIndex
}

// Synthetic generates aligned samples on the fly. Sample i depends only on
// the seed and i, so repeated reads return identical data.
type Synthetic struct {
	cfg SyntheticConfig
}

// NewSynthetic validates cfg. Token counts default to 3..8.
func NewSynthetic(cfg SyntheticConfig) (*Synthetic, error) {
	if cfg.MinTokens == 0 {
		cfg.MinTokens = 3
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 8
	}

	switch {
	case cfg.Samples <= 0:
		return nil, errors.New("dataset: synthetic dataset needs samples > 0")
	case cfg.CodecDim <= 0:
		return nil, errors.New("dataset: synthetic dataset needs codec_dim > 0")
	case cfg.MinTokens < 2 || cfg.MaxTokens < cfg.MinTokens:
		return nil, fmt.Errorf("dataset: token range [%d, %d] is invalid", cfg.MinTokens, cfg.MaxTokens)
	}

	f := cfg.Features
	for _, idx := range []int{f.Voiced, f.Phoneme, f.WordBoundary, f.Silence} {
		if idx < 0 || idx >= cfg.FeatureDim {
			return nil, fmt.Errorf("dataset: feature index %d outside [0, %d)", idx, cfg.FeatureDim)
		}
	}

	return &Synthetic{cfg: cfg}, nil
}

func (s *Synthetic) Len() int { return s.cfg.Samples }

func (s *Synthetic) Sample(i int) (*Sample, error) {
	cfg := s.cfg
	if i < 0 || i >= cfg.Samples {
		return nil, fmt.Errorf("dataset: index %d outside [0, %d)", i, cfg.Samples)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, uint64(i)))
	tokens := cfg.MinTokens + rng.IntN(cfg.MaxTokens-cfg.MinTokens+1)
	f := cfg.Features

	text := make([]float32, tokens*cfg.FeatureDim)
	out := &Sample{
		Name:      fmt.Sprintf("synthetic_%d_%d", cfg.LangID, i),
		Durations: make([]int, tokens),
		Pitch:     make([]float32, tokens),
		Energy:    make([]float32, tokens),
		LangID:    cfg.LangID,
	}

	var frames [][]float32

	for t := range tokens {
		row := text[t*cfg.FeatureDim : (t+1)*cfg.FeatureDim]
		for k := range row {
			if rng.IntN(5) == 0 {
				row[k] = 1
			}
		}

		row[f.Voiced], row[f.Phoneme], row[f.WordBoundary], row[f.Silence] = 0, 0, 0, 0

		inner := t > 0 && t < tokens-1

		switch {
		case inner && rng.IntN(4) == 0:
			row[f.WordBoundary] = 1
		case inner && rng.IntN(6) == 0:
			row[f.Silence] = 1
			out.Durations[t] = 1 + rng.IntN(3)
		default:
			row[f.Phoneme] = 1
			out.Durations[t] = 1 + rng.IntN(4)
			out.Energy[t] = float32(0.5 + rng.Float64())

			if rng.IntN(3) != 0 {
				row[f.Voiced] = 1
				out.Pitch[t] = float32(0.5 + rng.Float64())
			}
		}

		base := make([]float32, cfg.CodecDim)
		for k := range base {
			base[k] = float32(0.5 * rng.NormFloat64())
		}

		for range out.Durations[t] {
			frame := make([]float32, cfg.CodecDim)
			for k := range frame {
				frame[k] = base[k] + float32(0.05*rng.NormFloat64())
			}

			frames = append(frames, frame)
		}
	}

	speech := make([]float32, 0, len(frames)*cfg.CodecDim)
	for _, fr := range frames {
		speech = append(speech, fr...)
	}

	var err error

	if out.Text, err = tensor.New(text, []int64{int64(tokens), int64(cfg.FeatureDim)}); err != nil {
		return nil, err
	}

	if out.Speech, err = tensor.New(speech, []int64{int64(len(frames)), int64(cfg.CodecDim)}); err != nil {
		return nil, err
	}

	return out, nil
}
