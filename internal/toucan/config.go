// Package toucan implements the ToucanTTS acoustic model: a conformer
// encoder and decoder around duration, pitch and energy predictors, a
// hierarchical codebook head chain and a conditional glow postnet.
package toucan

import (
	"errors"
	"fmt"
)

// FeatureIndex locates the articulatory flags the inference overrides read
// from each phoneme feature vector.
type FeatureIndex struct {
	Voiced       int `json:"voiced"`
	Phoneme      int `json:"phoneme"`
	WordBoundary int `json:"word_boundary"`
	Silence      int `json:"silence"`
}

// Config holds every architecture hyperparameter. It is serialized into
// checkpoints so a model can be rebuilt from its weights file alone.
type Config struct {
	InputFeatureDimensions      int  `json:"input_feature_dimensions"`
	AttentionDimension          int  `json:"attention_dimension"`
	AttentionHeads              int  `json:"attention_heads"`
	PositionwiseConvKernelSize  int  `json:"positionwise_conv_kernel_size"`
	UseScaledPositionalEncoding bool `json:"use_scaled_positional_encoding"`
	UseMacaronStyleInConformer  bool `json:"use_macaron_style_in_conformer"`
	UseCNNInConformer           bool `json:"use_cnn_in_conformer"`

	EncoderLayers                       int     `json:"encoder_layers"`
	EncoderUnits                        int     `json:"encoder_units"`
	EncoderNormalizeBefore              bool    `json:"encoder_normalize_before"`
	ConformerEncoderKernelSize          int     `json:"conformer_encoder_kernel_size"`
	TransformerEncDropoutRate           float64 `json:"transformer_enc_dropout_rate"`
	TransformerEncPositionalDropoutRate float64 `json:"transformer_enc_positional_dropout_rate"`
	TransformerEncAttnDropoutRate       float64 `json:"transformer_enc_attn_dropout_rate"`

	DecoderLayers                       int     `json:"decoder_layers"`
	DecoderUnits                        int     `json:"decoder_units"`
	DecoderNormalizeBefore              bool    `json:"decoder_normalize_before"`
	ConformerDecoderKernelSize          int     `json:"conformer_decoder_kernel_size"`
	TransformerDecDropoutRate           float64 `json:"transformer_dec_dropout_rate"`
	TransformerDecPositionalDropoutRate float64 `json:"transformer_dec_positional_dropout_rate"`
	TransformerDecAttnDropoutRate       float64 `json:"transformer_dec_attn_dropout_rate"`

	DurationPredictorLayers      int     `json:"duration_predictor_layers"`
	DurationPredictorKernelSize  int     `json:"duration_predictor_kernel_size"`
	DurationPredictorDropoutRate float64 `json:"duration_predictor_dropout_rate"`

	PitchPredictorLayers     int     `json:"pitch_predictor_layers"`
	PitchPredictorKernelSize int     `json:"pitch_predictor_kernel_size"`
	PitchPredictorDropout    float64 `json:"pitch_predictor_dropout"`
	PitchEmbedKernelSize     int     `json:"pitch_embed_kernel_size"`
	PitchEmbedDropout        float64 `json:"pitch_embed_dropout"`

	EnergyPredictorLayers     int     `json:"energy_predictor_layers"`
	EnergyPredictorKernelSize int     `json:"energy_predictor_kernel_size"`
	EnergyPredictorDropout    float64 `json:"energy_predictor_dropout"`
	EnergyEmbedKernelSize     int     `json:"energy_embed_kernel_size"`
	EnergyEmbedDropout        float64 `json:"energy_embed_dropout"`

	// UttEmbedDim of 0 disables utterance conditioning; LangEmbs of 0
	// disables the language embedding table.
	UttEmbedDim             int  `json:"utt_embed_dim"`
	LangEmbs                int  `json:"lang_embs"`
	UseConditionalLayerNorm bool `json:"use_conditional_layernorm_embedding_integration"`

	NumCodebooks int `json:"num_codebooks"`
	CodebookDim  int `json:"codebook_dim"`

	GlowKernelSize    int     `json:"glow_kernel_size"`
	GlowDilationRate  int     `json:"glow_dilation_rate"`
	GlowBlocks        int     `json:"glow_blocks"`
	GlowBlockLayers   int     `json:"glow_block_layers"`
	GlowSplit         int     `json:"glow_split"`
	GlowSqueeze       int     `json:"glow_squeeze"`
	GlowShareWNLayers int     `json:"glow_share_wn_layers"`
	GlowTemperature   float64 `json:"glow_sampling_temperature"`

	Features FeatureIndex `json:"features"`
}

// DefaultConfig returns the full-size multilingual architecture.
func DefaultConfig() Config {
	return Config{
		InputFeatureDimensions:      62,
		AttentionDimension:          256,
		AttentionHeads:              4,
		PositionwiseConvKernelSize:  1,
		UseScaledPositionalEncoding: true,
		UseMacaronStyleInConformer:  true,
		UseCNNInConformer:           false,

		EncoderLayers:                       6,
		EncoderUnits:                        1280,
		EncoderNormalizeBefore:              true,
		ConformerEncoderKernelSize:          7,
		TransformerEncDropoutRate:           0.1,
		TransformerEncPositionalDropoutRate: 0.1,
		TransformerEncAttnDropoutRate:       0.1,

		DecoderLayers:                       8,
		DecoderUnits:                        1280,
		DecoderNormalizeBefore:              false,
		ConformerDecoderKernelSize:          1,
		TransformerDecDropoutRate:           0.1,
		TransformerDecPositionalDropoutRate: 0.1,
		TransformerDecAttnDropoutRate:       0.1,

		DurationPredictorLayers:      5,
		DurationPredictorKernelSize:  5,
		DurationPredictorDropoutRate: 0.2,

		PitchPredictorLayers:     5,
		PitchPredictorKernelSize: 5,
		PitchPredictorDropout:    0.3,
		PitchEmbedKernelSize:     1,
		PitchEmbedDropout:        0,

		EnergyPredictorLayers:     2,
		EnergyPredictorKernelSize: 3,
		EnergyPredictorDropout:    0.5,
		EnergyEmbedKernelSize:     1,
		EnergyEmbedDropout:        0,

		UttEmbedDim:             512,
		LangEmbs:                8000,
		UseConditionalLayerNorm: false,

		NumCodebooks: 9,
		CodebookDim:  8,

		GlowKernelSize:    5,
		GlowDilationRate:  1,
		GlowBlocks:        18,
		GlowBlockLayers:   4,
		GlowSplit:         4,
		GlowSqueeze:       2,
		GlowShareWNLayers: 4,
		GlowTemperature:   0.2,

		Features: FeatureIndex{Voiced: 36, Phoneme: 15, WordBoundary: 21, Silence: 16},
	}
}

// TinyConfig is a small architecture for smoke tests and the
// integration-test pipeline.
func TinyConfig() Config {
	cfg := DefaultConfig()
	cfg.AttentionDimension = 16
	cfg.AttentionHeads = 2
	cfg.EncoderLayers = 1
	cfg.EncoderUnits = 32
	cfg.DecoderLayers = 1
	cfg.DecoderUnits = 32
	cfg.DurationPredictorLayers = 2
	cfg.PitchPredictorLayers = 2
	cfg.EnergyPredictorLayers = 1
	cfg.UttEmbedDim = 8
	cfg.LangEmbs = 4
	cfg.NumCodebooks = 3
	cfg.CodebookDim = 4
	cfg.GlowKernelSize = 3
	cfg.GlowBlocks = 2
	cfg.GlowBlockLayers = 2
	cfg.GlowShareWNLayers = 0

	return cfg
}

// CodecDim is the width of one frame of concatenated codebooks.
func (c Config) CodecDim() int { return c.NumCodebooks * c.CodebookDim }

// HeadInputWidth is the input width of codebook head k: the decoder output
// plus every earlier codebook.
func (c Config) HeadInputWidth(k int) int { return c.AttentionDimension + k*c.CodebookDim }

// Validate rejects inconsistent architectures before any layer is built.
func (c Config) Validate() error {
	var errs []error

	positive := map[string]int{
		"input_feature_dimensions":      c.InputFeatureDimensions,
		"attention_dimension":           c.AttentionDimension,
		"attention_heads":               c.AttentionHeads,
		"positionwise_conv_kernel_size": c.PositionwiseConvKernelSize,
		"encoder_units":                 c.EncoderUnits,
		"decoder_units":                 c.DecoderUnits,
		"duration_predictor_layers":     c.DurationPredictorLayers,
		"pitch_predictor_layers":        c.PitchPredictorLayers,
		"energy_predictor_layers":       c.EnergyPredictorLayers,
		"num_codebooks":                 c.NumCodebooks,
		"codebook_dim":                  c.CodebookDim,
		"glow_blocks":                   c.GlowBlocks,
		"glow_block_layers":             c.GlowBlockLayers,
		"glow_split":                    c.GlowSplit,
		"glow_squeeze":                  c.GlowSqueeze,
		"glow_dilation_rate":            c.GlowDilationRate,
	}

	for _, name := range sortedKeys(positive) {
		if positive[name] <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0, got %d", name, positive[name]))
		}
	}

	if c.EncoderLayers < 0 || c.DecoderLayers < 0 {
		errs = append(errs, errors.New("encoder_layers and decoder_layers must be >= 0"))
	}

	if c.UttEmbedDim < 0 || c.LangEmbs < 0 {
		errs = append(errs, errors.New("utt_embed_dim and lang_embs must be >= 0"))
	}

	if c.AttentionHeads > 0 && c.AttentionDimension%c.AttentionHeads != 0 {
		errs = append(errs, fmt.Errorf("attention_dimension %d is not divisible by attention_heads %d", c.AttentionDimension, c.AttentionHeads))
	}

	odd := map[string]int{
		"positionwise_conv_kernel_size":  c.PositionwiseConvKernelSize,
		"duration_predictor_kernel_size": c.DurationPredictorKernelSize,
		"pitch_predictor_kernel_size":    c.PitchPredictorKernelSize,
		"energy_predictor_kernel_size":   c.EnergyPredictorKernelSize,
		"pitch_embed_kernel_size":        c.PitchEmbedKernelSize,
		"energy_embed_kernel_size":       c.EnergyEmbedKernelSize,
		"glow_kernel_size":               c.GlowKernelSize,
	}

	if c.UseCNNInConformer {
		odd["conformer_encoder_kernel_size"] = c.ConformerEncoderKernelSize
		odd["conformer_decoder_kernel_size"] = c.ConformerDecoderKernelSize
	}

	for _, name := range sortedKeys(odd) {
		if k := odd[name]; k <= 0 || k%2 == 0 {
			errs = append(errs, fmt.Errorf("%s must be a positive odd number, got %d", name, k))
		}
	}

	if c.GlowSplit%2 != 0 {
		errs = append(errs, fmt.Errorf("glow_split must be even, got %d", c.GlowSplit))
	}

	if c.GlowSplit > 0 && c.GlowSqueeze > 0 {
		ch := c.CodecDim() * c.GlowSqueeze
		if ch%c.GlowSplit != 0 {
			errs = append(errs, fmt.Errorf("squeezed codec width %d is not divisible by glow_split %d", ch, c.GlowSplit))
		}

		if ch%2 != 0 {
			errs = append(errs, fmt.Errorf("squeezed codec width %d must be even for coupling", ch))
		}
	}

	if c.GlowShareWNLayers < 0 {
		errs = append(errs, fmt.Errorf("glow_share_wn_layers must be >= 0, got %d", c.GlowShareWNLayers))
	}

	if c.GlowTemperature < 0 {
		errs = append(errs, fmt.Errorf("glow_sampling_temperature must be >= 0, got %v", c.GlowTemperature))
	}

	rates := map[string]float64{
		"transformer_enc_dropout_rate":            c.TransformerEncDropoutRate,
		"transformer_enc_positional_dropout_rate": c.TransformerEncPositionalDropoutRate,
		"transformer_enc_attn_dropout_rate":       c.TransformerEncAttnDropoutRate,
		"transformer_dec_dropout_rate":            c.TransformerDecDropoutRate,
		"transformer_dec_positional_dropout_rate": c.TransformerDecPositionalDropoutRate,
		"transformer_dec_attn_dropout_rate":       c.TransformerDecAttnDropoutRate,
		"duration_predictor_dropout_rate":         c.DurationPredictorDropoutRate,
		"pitch_predictor_dropout":                 c.PitchPredictorDropout,
		"pitch_embed_dropout":                     c.PitchEmbedDropout,
		"energy_predictor_dropout":                c.EnergyPredictorDropout,
		"energy_embed_dropout":                    c.EnergyEmbedDropout,
	}

	for _, name := range sortedKeys(rates) {
		if r := rates[name]; r < 0 || r >= 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0, 1), got %v", name, r))
		}
	}

	f := c.Features
	for name, idx := range map[string]int{"voiced": f.Voiced, "phoneme": f.Phoneme, "word_boundary": f.WordBoundary, "silence": f.Silence} {
		if idx < 0 || idx >= c.InputFeatureDimensions {
			errs = append(errs, fmt.Errorf("feature index %s=%d outside input_feature_dimensions %d", name, idx, c.InputFeatureDimensions))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("toucan: invalid config: %w", errors.Join(errs...))
	}

	return nil
}
