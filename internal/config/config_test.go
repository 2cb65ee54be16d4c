package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/spf13/pflag"
)

// fakeBinder wraps a pflag.FlagSet to satisfy the flagBinder interface.
type fakeBinder struct {
	fs *pflag.FlagSet
}

func (f *fakeBinder) Flags() *pflag.FlagSet { return f.fs }

func newFlagBinder(t *testing.T, defaults Config, args ...string) *fakeBinder {
	t.Helper()

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	return &fakeBinder{fs: fs}
}

// --- DefaultConfig ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Paths.SaveDir != "" || cfg.Paths.DataRoot != "corpora" {
		t.Errorf("Paths = %+v; want pipeline save dir and corpora data root", cfg.Paths)
	}

	if cfg.Train.Seed != 9665 {
		t.Errorf("Train.Seed = %d; want 9665", cfg.Train.Seed)
	}

	if cfg.Train.KeepCheckpoints != 5 {
		t.Errorf("Train.KeepCheckpoints = %d; want 5", cfg.Train.KeepCheckpoints)
	}

	if cfg.Train.StepsPerCheckpoint != 1000 || cfg.Train.WarmupSteps != 4000 {
		t.Errorf("checkpoint/warmup = %d/%d", cfg.Train.StepsPerCheckpoint, cfg.Train.WarmupSteps)
	}

	if cfg.Synth.DurationScale != 1 || cfg.Synth.PauseDurationScale != 1 {
		t.Errorf("synth scales = %+v", cfg.Synth)
	}

	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "info")
	}
}

// --- NormalizePipeline ---

func TestNormalizePipeline(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{"meta", "meta", PipelineMeta, false},
		{"integration test", "integration-test", PipelineIntegrationTest, false},
		{"integration alias", "tt_it", PipelineIntegrationTest, false},
		{"finetune", "finetune", PipelineFineTune, false},
		{"finetune alias", "finetuning_example", PipelineFineTune, false},
		{"mixed case with spaces", "  META ", PipelineMeta, false},
		{"empty", "", "", true},
		{"aligner is not built", "aligner", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NormalizePipeline(tt.input)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownPipeline) {
					t.Errorf("NormalizePipeline(%q) = %q, %v; want ErrUnknownPipeline", tt.input, got, err)
				}

				return
			}

			if err != nil {
				t.Errorf("NormalizePipeline(%q) unexpected error: %v", tt.input, err)
				return
			}

			if got != tt.want {
				t.Errorf("NormalizePipeline(%q) = %q; want %q", tt.input, got, tt.want)
			}
		})
	}
}

// --- ParseLogLevel ---

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLogLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v; wantErr %v", tt.in, err, tt.wantErr)
		}

		if got != tt.want {
			t.Errorf("ParseLogLevel(%q) = %v; want %v", tt.in, got, tt.want)
		}
	}
}

// --- RegisterFlags ---

func TestRegisterFlags(t *testing.T) {
	defaults := DefaultConfig()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs, defaults)

	checks := []struct {
		flag string
		want string
	}{
		{"model-save-dir", ""},
		{"data-root", "corpora"},
		{"steps", "200000"},
		{"seed", "9665"},
		{"resume", "false"},
		{"finetune", "false"},
		{"log-level", "info"},
	}

	for _, c := range checks {
		f := fs.Lookup(c.flag)
		if f == nil {
			t.Errorf("flag %q not registered", c.flag)
			continue
		}

		if f.DefValue != c.want {
			t.Errorf("flag %q default = %q; want %q", c.flag, f.DefValue, c.want)
		}
	}

	for _, b := range bindings {
		if fs.Lookup(b.flag) == nil {
			t.Errorf("binding %q refers to unregistered flag %q", b.key, b.flag)
		}
	}
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{Cmd: newFlagBinder(t, defaults), Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Paths.SaveDir != defaults.Paths.SaveDir {
		t.Errorf("SaveDir = %q; want %q", cfg.Paths.SaveDir, defaults.Paths.SaveDir)
	}

	if cfg.Train.Steps != defaults.Train.Steps || cfg.Train.LR != defaults.Train.LR {
		t.Errorf("Train = %+v; want %+v", cfg.Train, defaults.Train)
	}

	if cfg.Train.Seed != defaults.Train.Seed {
		t.Errorf("Seed = %d; want %d", cfg.Train.Seed, defaults.Train.Seed)
	}
}

func TestLoad_WithoutFlags(t *testing.T) {
	defaults := DefaultConfig()

	cfg, err := Load(LoadOptions{Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Train.BatchSize != defaults.Train.BatchSize || cfg.Synth.SampleRate != defaults.Synth.SampleRate {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestLoad_FlagOverride(t *testing.T) {
	defaults := DefaultConfig()
	binder := newFlagBinder(t, defaults,
		"--steps=50",
		"--resume-checkpoint=/tmp/checkpoint_10.safetensors",
		"--finetune",
		"--languages=eng,deu",
		"--log-level=debug",
		"--model-config=arch.json",
	)

	cfg, err := Load(LoadOptions{Cmd: binder, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Train.Steps != 50 {
		t.Errorf("Train.Steps = %d; want 50", cfg.Train.Steps)
	}

	if !cfg.Train.FineTune || cfg.Train.ResumeCheckpoint != "/tmp/checkpoint_10.safetensors" {
		t.Errorf("resume settings = %+v", cfg.Train)
	}

	if !slices.Equal(cfg.Train.Languages, []string{"eng", "deu"}) {
		t.Errorf("Languages = %v", cfg.Train.Languages)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "debug")
	}

	if cfg.Model.ConfigFile != "arch.json" {
		t.Errorf("Model.ConfigFile = %q; want %q", cfg.Model.ConfigFile, "arch.json")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TOUCANTTS_LOG_LEVEL", "warn")
	t.Setenv("TOUCANTTS_TRAIN_STEPS", "77")
	t.Setenv("TOUCANTTS_ORT_LIB", "/opt/ort/libonnxruntime.so")

	cfg, err := Load(LoadOptions{Defaults: DefaultConfig()})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q; want %q", cfg.LogLevel, "warn")
	}

	if cfg.Train.Steps != 77 {
		t.Errorf("Train.Steps = %d; want 77", cfg.Train.Steps)
	}

	if cfg.Runtime.ORTLibraryPath != "/opt/ort/libonnxruntime.so" {
		t.Errorf("ORTLibraryPath = %q", cfg.Runtime.ORTLibraryPath)
	}
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "toucantts.yaml")

	content := `
log_level: error
paths:
  save_dir: /data/run1
train:
  steps: 500
  languages: [eng, fra]
synth:
  duration_scale: 1.25
`

	if err := os.WriteFile(cfgFile, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	defaults := DefaultConfig()
	binder := newFlagBinder(t, defaults, "--steps=600")

	cfg, err := Load(LoadOptions{Cmd: binder, ConfigFile: cfgFile, Defaults: defaults})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.LogLevel != "error" || cfg.Paths.SaveDir != "/data/run1" {
		t.Errorf("file values not applied: log %q save %q", cfg.LogLevel, cfg.Paths.SaveDir)
	}

	if cfg.Train.Steps != 600 {
		t.Errorf("Train.Steps = %d; want the flag value 600", cfg.Train.Steps)
	}

	if !slices.Equal(cfg.Train.Languages, []string{"eng", "fra"}) {
		t.Errorf("Languages = %v", cfg.Train.Languages)
	}

	if cfg.Synth.DurationScale != 1.25 {
		t.Errorf("DurationScale = %v; want 1.25", cfg.Synth.DurationScale)
	}
}

func TestLoad_InvalidConfigFile(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "bad.yaml")

	if err := os.WriteFile(cfgFile, []byte(":\t:bad yaml:::"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	if _, err := Load(LoadOptions{ConfigFile: cfgFile, Defaults: DefaultConfig()}); err == nil {
		t.Error("Load() = nil; want error for invalid config file")
	}
}

func TestLoad_MissingExplicitConfigFile(t *testing.T) {
	_, err := Load(LoadOptions{
		ConfigFile: "/nonexistent/path/toucantts.yaml",
		Defaults:   DefaultConfig(),
	})
	if err == nil {
		t.Error("Load() = nil; want error for missing explicit config file")
	}
}
