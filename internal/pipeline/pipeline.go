// Package pipeline binds the training entry points to their data, model
// architecture and save directory.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/example/go-toucantts/internal/checkpoint"
	"github.com/example/go-toucantts/internal/config"
	"github.com/example/go-toucantts/internal/dataset"
	"github.com/example/go-toucantts/internal/embed"
	"github.com/example/go-toucantts/internal/onnx"
	"github.com/example/go-toucantts/internal/toucan"
	"github.com/example/go-toucantts/internal/train"
)

// Kind is a training pipeline.
type Kind int

const (
	// Meta trains the multilingual meta checkpoint, one task per language.
	Meta Kind = iota
	// IntegrationTest trains a tiny model on synthetic data for a few steps.
	IntegrationTest
	// FineTune adapts a trained checkpoint to a single language.
	FineTune
)

// Kinds lists every pipeline.
var Kinds = []Kind{Meta, IntegrationTest, FineTune}

// ParseKind resolves a pipeline name or alias.
func ParseKind(raw string) (Kind, error) {
	name, err := config.NormalizePipeline(raw)
	if err != nil {
		return 0, err
	}

	for _, k := range Kinds {
		if k.String() == name {
			return k, nil
		}
	}

	return 0, fmt.Errorf("%w %q", config.ErrUnknownPipeline, raw)
}

func (k Kind) String() string {
	switch k {
	case Meta:
		return config.PipelineMeta
	case IntegrationTest:
		return config.PipelineIntegrationTest
	case FineTune:
		return config.PipelineFineTune
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// DefaultSaveDir is where a pipeline writes checkpoints unless configured
// otherwise.
func (k Kind) DefaultSaveDir() string {
	switch k {
	case Meta:
		return filepath.Join("models", "ToucanTTS_Meta")
	case IntegrationTest:
		return filepath.Join("models", "ToucanTTS_IntegrationTest")
	case FineTune:
		return filepath.Join("models", "ToucanTTS_FineTune")
	default:
		return ""
	}
}

// Env is everything a pipeline run depends on.
type Env struct {
	Config config.Config
	Logger *slog.Logger
	// Provider lists sample files per language. Nil reads
	// Config.Paths.DataRoot.
	Provider dataset.Provider
	// Observe is forwarded to the training loop.
	Observe func(step int, losses map[string]float64)
}

// Run executes the pipeline. A checkpoint already past the step target is
// reported as train.ErrTargetReached.
func (k Kind) Run(ctx context.Context, env Env) error {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}

	switch k {
	case Meta:
		return runMeta(ctx, env)
	case IntegrationTest:
		return runIntegrationTest(ctx, env)
	case FineTune:
		return runFineTune(ctx, env)
	default:
		return fmt.Errorf("pipeline: %v is not a pipeline", k)
	}
}

func runMeta(ctx context.Context, env Env) error {
	cfg := env.Config

	if len(cfg.Train.Languages) == 0 {
		return errors.New("pipeline: meta training needs at least one language")
	}

	datasets, err := openDatasets(env, cfg.Train.Languages)
	if err != nil {
		return err
	}

	arch, err := modelConfig(cfg.Model, toucan.DefaultConfig())
	if err != nil {
		return err
	}

	return trainModel(ctx, env, Meta, arch, datasets, trainOptions(cfg.Train))
}

func runFineTune(ctx context.Context, env Env) error {
	cfg := env.Config

	datasets, err := openDatasets(env, []string{cfg.Train.FineTuneLanguage})
	if err != nil {
		return err
	}

	arch, err := modelConfig(cfg.Model, toucan.DefaultConfig())
	if err != nil {
		return err
	}

	opts := trainOptions(cfg.Train)

	// Without an explicit source, start from the averaged meta checkpoint.
	if opts.ResumeCheckpoint == "" && !opts.Resume {
		opts.ResumeCheckpoint = filepath.Join(Meta.DefaultSaveDir(), checkpoint.BestName)
		opts.FineTune = true
	}

	return trainModel(ctx, env, FineTune, arch, datasets, opts)
}

// Integration test sizes.
const (
	integrationSamples    = 6
	integrationSteps      = 10
	integrationCheckpoint = 5
	integrationBatch      = 4
	integrationWarmup     = 4
)

func runIntegrationTest(ctx context.Context, env Env) error {
	cfg := env.Config
	arch := toucan.TinyConfig()

	var datasets []dataset.Dataset

	for lang := range int64(2) {
		ds, err := dataset.NewSynthetic(dataset.SyntheticConfig{
			Samples:    integrationSamples,
			FeatureDim: arch.InputFeatureDimensions,
			CodecDim:   arch.CodecDim(),
			LangID:     lang,
			Seed:       cfg.Train.Seed + uint64(lang),
			Features:   arch.Features,
		})
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}

		datasets = append(datasets, ds)
	}

	opts := trainOptions(cfg.Train)
	opts.Steps = integrationSteps
	opts.StepsPerCheckpoint = integrationCheckpoint
	opts.BatchSize = integrationBatch
	opts.WarmupSteps = integrationWarmup

	return trainModel(ctx, env, IntegrationTest, arch, datasets, opts)
}

func openDatasets(env Env, languages []string) ([]dataset.Dataset, error) {
	provider := env.Provider
	if provider == nil {
		provider = dataset.DirProvider{Root: env.Config.Paths.DataRoot}
	}

	out := make([]dataset.Dataset, 0, len(languages))

	for _, lang := range languages {
		ds, err := dataset.Open(provider, lang)
		if err != nil {
			return nil, fmt.Errorf("pipeline: %w", err)
		}

		out = append(out, ds)
	}

	return out, nil
}

// modelConfig overlays the JSON architecture file, if any, on base.
func modelConfig(mc config.ModelConfig, base toucan.Config) (toucan.Config, error) {
	if mc.ConfigFile == "" {
		return base, nil
	}

	raw, err := os.ReadFile(mc.ConfigFile)
	if err != nil {
		return toucan.Config{}, fmt.Errorf("pipeline: model config: %w", err)
	}

	if err := json.Unmarshal(raw, &base); err != nil {
		return toucan.Config{}, fmt.Errorf("pipeline: model config %s: %w", mc.ConfigFile, err)
	}

	if err := base.Validate(); err != nil {
		return toucan.Config{}, fmt.Errorf("pipeline: model config %s: %w", mc.ConfigFile, err)
	}

	return base, nil
}

func trainOptions(tc config.TrainConfig) train.Options {
	return train.Options{
		Steps:              tc.Steps,
		StepsPerCheckpoint: tc.StepsPerCheckpoint,
		BatchSize:          tc.BatchSize,
		LR:                 tc.LR,
		WarmupSteps:        tc.WarmupSteps,
		Seed:               tc.Seed,
		ResumeCheckpoint:   tc.ResumeCheckpoint,
		Resume:             tc.Resume,
		FineTune:           tc.FineTune,
		Keep:               tc.KeepCheckpoints,
		LoaderWorkers:      tc.LoaderWorkers,
		Prefetch:           tc.Prefetch,
		Plot:               tc.Plot,
	}
}

func trainModel(ctx context.Context, env Env, kind Kind, arch toucan.Config, datasets []dataset.Dataset, opts train.Options) error {
	cfg := env.Config

	opts.SaveDir = cfg.Paths.SaveDir
	if opts.SaveDir == "" {
		opts.SaveDir = kind.DefaultSaveDir()
	}

	opts.Logger = env.Logger.With("pipeline", kind.String())
	opts.Observe = env.Observe

	model, err := toucan.New(arch, rand.New(rand.NewPCG(opts.Seed, 0)))
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	extractor, release, err := newExtractor(cfg, arch, opts.Seed)
	if err != nil {
		return err
	}
	defer release()

	return train.Run(ctx, model, datasets, extractor, opts)
}

// newExtractor opens the ONNX style embedding graph when one is configured
// and falls back to statistics pooling otherwise.
func newExtractor(cfg config.Config, arch toucan.Config, seed uint64) (embed.Extractor, func(), error) {
	nop := func() {}

	if arch.UttEmbedDim == 0 {
		return nil, nop, nil
	}

	if cfg.Paths.EmbedModel == "" {
		x, err := embed.NewStatsPooling(arch.CodecDim(), arch.UttEmbedDim, seed)
		if err != nil {
			return nil, nil, fmt.Errorf("pipeline: %w", err)
		}

		return x, nop, nil
	}

	info, err := onnx.DetectRuntime(cfg.Runtime)
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: style embedding: %w", err)
	}

	x, err := embed.NewONNX(cfg.Paths.EmbedModel, arch.UttEmbedDim, onnx.RunnerConfig{LibraryPath: info.LibraryPath})
	if err != nil {
		return nil, nil, fmt.Errorf("pipeline: %w", err)
	}

	return x, x.Close, nil
}
