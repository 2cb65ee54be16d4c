package toucan

import (
	"strings"
	"testing"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "default", mutate: func(*Config) {}},
		{name: "no conditioning", mutate: func(c *Config) { c.UttEmbedDim, c.LangEmbs = 0, 0 }},
		{name: "heads do not divide", mutate: func(c *Config) { c.AttentionHeads = 3 }, wantErr: "not divisible by attention_heads"},
		{name: "zero codebooks", mutate: func(c *Config) { c.NumCodebooks = 0 }, wantErr: "num_codebooks must be > 0"},
		{name: "even kernel", mutate: func(c *Config) { c.DurationPredictorKernelSize = 4 }, wantErr: "duration_predictor_kernel_size"},
		{name: "odd split", mutate: func(c *Config) { c.GlowSplit = 3 }, wantErr: "glow_split must be even"},
		{name: "negative sharing", mutate: func(c *Config) { c.GlowShareWNLayers = -1 }, wantErr: "glow_share_wn_layers"},
		{name: "negative embedding", mutate: func(c *Config) { c.UttEmbedDim = -2 }, wantErr: "utt_embed_dim"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}

				return
			}

			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestTinyConfigIsValid(t *testing.T) {
	if err := TinyConfig().Validate(); err != nil {
		t.Fatalf("TinyConfig().Validate() = %v", err)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCodebooks = 0
	cfg.GlowBlocks = 0

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() = nil, want error")
	}

	for _, want := range []string{"num_codebooks", "glow_blocks"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error %q does not mention %s", err, want)
		}
	}
}

func TestHeadInputWidthGrows(t *testing.T) {
	cfg := TinyConfig()

	for k := range cfg.NumCodebooks {
		want := cfg.AttentionDimension + k*cfg.CodebookDim
		if got := cfg.HeadInputWidth(k); got != want {
			t.Errorf("HeadInputWidth(%d) = %d, want %d", k, got, want)
		}
	}
}
