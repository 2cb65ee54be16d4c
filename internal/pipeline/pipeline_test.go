package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-toucantts/internal/checkpoint"
	"github.com/example/go-toucantts/internal/config"
	"github.com/example/go-toucantts/internal/dataset"
	"github.com/example/go-toucantts/internal/toucan"
)

func TestParseKind(t *testing.T) {
	tests := []struct {
		in   string
		want Kind
	}{
		{"meta", Meta},
		{"tt_it", IntegrationTest},
		{"integration-test", IntegrationTest},
		{"finetuning_example", FineTune},
		{"FineTune", FineTune},
	}

	for _, tt := range tests {
		got, err := ParseKind(tt.in)
		if err != nil {
			t.Errorf("ParseKind(%q): %v", tt.in, err)
			continue
		}

		if got != tt.want {
			t.Errorf("ParseKind(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}

	if _, err := ParseKind("nancy"); !errors.Is(err, config.ErrUnknownPipeline) {
		t.Fatalf("ParseKind(nancy) = %v, want ErrUnknownPipeline", err)
	}
}

func TestKindsHaveNamesAndDirs(t *testing.T) {
	seen := map[string]bool{}

	for _, k := range Kinds {
		if k.DefaultSaveDir() == "" || seen[k.DefaultSaveDir()] {
			t.Errorf("%v: save dir %q missing or shared", k, k.DefaultSaveDir())
		}

		seen[k.DefaultSaveDir()] = true

		back, err := ParseKind(k.String())
		if err != nil || back != k {
			t.Errorf("ParseKind(%v.String()) = %v, %v", k, back, err)
		}
	}

	if err := Kind(42).Run(context.Background(), Env{}); err == nil {
		t.Fatal("expected error for an unknown kind")
	}
}

func testEnv(t *testing.T) (Env, map[int]bool) {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Paths.SaveDir = t.TempDir()
	cfg.Train.Plot = false

	steps := map[int]bool{}

	return Env{
		Config:  cfg,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
		Observe: func(step int, _ map[string]float64) { steps[step] = true },
	}, steps
}

func TestIntegrationTestPipeline(t *testing.T) {
	env, steps := testEnv(t)

	if err := IntegrationTest.Run(context.Background(), env); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(steps) != 11 {
		t.Fatalf("ran %d steps, want 11", len(steps))
	}

	entries, err := checkpoint.List(env.Config.Paths.SaveDir)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 2 || entries[1].Step != 10 {
		t.Fatalf("checkpoints = %+v, want steps 5 and 10", entries)
	}

	if _, err := os.Stat(filepath.Join(env.Config.Paths.SaveDir, checkpoint.BestName)); err != nil {
		t.Fatalf("best model: %v", err)
	}
}

// writeCorpus stores synthetic samples for each language under root and
// returns a tiny architecture file.
func writeCorpus(t *testing.T, root string, langs ...string) string {
	t.Helper()

	arch := toucan.TinyConfig()

	for i, lang := range langs {
		src, err := dataset.NewSynthetic(dataset.SyntheticConfig{
			Samples:    2,
			FeatureDim: arch.InputFeatureDimensions,
			CodecDim:   arch.CodecDim(),
			MaxTokens:  4,
			LangID:     int64(i),
			Seed:       uint64(i),
			Features:   arch.Features,
		})
		if err != nil {
			t.Fatal(err)
		}

		dir := filepath.Join(root, lang)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}

		for j := range src.Len() {
			s, err := src.Sample(j)
			if err != nil {
				t.Fatal(err)
			}

			if err := dataset.WriteSample(filepath.Join(dir, s.Name+".safetensors"), s); err != nil {
				t.Fatal(err)
			}
		}
	}

	raw, err := json.Marshal(arch)
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(root, "arch.json")
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		t.Fatal(err)
	}

	return path
}

func TestMetaThenFineTune(t *testing.T) {
	root := t.TempDir()
	arch := writeCorpus(t, root, "eng", "deu")

	env, steps := testEnv(t)
	env.Config.Paths.DataRoot = root
	env.Config.Model.ConfigFile = arch
	env.Config.Train.Languages = []string{"eng", "deu"}
	env.Config.Train.Steps = 1
	env.Config.Train.StepsPerCheckpoint = 1
	env.Config.Train.BatchSize = 2
	env.Config.Train.WarmupSteps = 1

	if err := Meta.Run(context.Background(), env); err != nil {
		t.Fatalf("meta Run: %v", err)
	}

	if len(steps) != 2 {
		t.Fatalf("meta ran %d steps, want 2", len(steps))
	}

	source := filepath.Join(env.Config.Paths.SaveDir, checkpoint.FileName(1))

	ft, ftSteps := testEnv(t)
	ft.Config.Paths.DataRoot = root
	ft.Config.Model.ConfigFile = arch
	ft.Config.Train.FineTuneLanguage = "deu"
	ft.Config.Train.ResumeCheckpoint = source
	ft.Config.Train.FineTune = true
	ft.Config.Train.Steps = 1
	ft.Config.Train.StepsPerCheckpoint = 1
	ft.Config.Train.BatchSize = 1

	if err := FineTune.Run(context.Background(), ft); err != nil {
		t.Fatalf("fine-tune Run: %v", err)
	}

	if !ftSteps[0] || !ftSteps[1] {
		t.Fatalf("fine-tune steps = %v, want 0 and 1", ftSteps)
	}
}

func TestMetaNeedsLanguages(t *testing.T) {
	env, _ := testEnv(t)

	if err := Meta.Run(context.Background(), env); err == nil {
		t.Fatal("expected error without languages")
	}
}

func TestFineTuneMissingLanguage(t *testing.T) {
	env, _ := testEnv(t)
	env.Config.Paths.DataRoot = t.TempDir()

	if err := FineTune.Run(context.Background(), env); err == nil {
		t.Fatal("expected error for a missing language directory")
	}
}

func TestModelConfig(t *testing.T) {
	base := toucan.TinyConfig()

	got, err := modelConfig(config.ModelConfig{}, base)
	if err != nil || got != base {
		t.Fatalf("empty file = %v, %v; want base", err, got == base)
	}

	dir := t.TempDir()
	override := filepath.Join(dir, "arch.json")

	if err := os.WriteFile(override, []byte(`{"attention_heads": 4}`), 0o644); err != nil {
		t.Fatal(err)
	}

	got, err = modelConfig(config.ModelConfig{ConfigFile: override}, base)
	if err != nil {
		t.Fatalf("modelConfig: %v", err)
	}

	if got.AttentionHeads != 4 || got.AttentionDimension != base.AttentionDimension {
		t.Fatalf("overlay = heads %d dim %d", got.AttentionHeads, got.AttentionDimension)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`{"attention_heads": 0}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := modelConfig(config.ModelConfig{ConfigFile: bad}, base); err == nil {
		t.Fatal("expected validation error")
	}
}
