package main

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-toucantts/internal/audio"
	"github.com/example/go-toucantts/internal/checkpoint"
	"github.com/example/go-toucantts/internal/config"
	"github.com/example/go-toucantts/internal/pipeline"
	"github.com/example/go-toucantts/internal/runtime/tensor"
	"github.com/example/go-toucantts/internal/safetensors"
	"github.com/example/go-toucantts/internal/toucan"
	"github.com/example/go-toucantts/internal/vocoder"
)

// Tensor names in phoneme-feature and frame files.
const (
	featText      = "text"
	featDurations = "durations"
	featPitch     = "pitch"
	featEnergy    = "energy"
	outRefined    = "refined"
	outCoarse     = "coarse"
)

type synthOptions struct {
	Features string
	Out      string
	WAV      string
	Kind     string
	Sample   bool
	Seed     uint64
}

func newSynthCmd() *cobra.Command {
	var opts synthOptions

	cmd := &cobra.Command{
		Use:   "synth",
		Short: "Synthesize codec frames (and optionally a WAV) from phoneme features",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			return runSynth(cfg, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Features, "features", "", "Phoneme-feature safetensors file (text [T,F], optional durations/pitch/energy [T])")
	cmd.Flags().StringVar(&opts.Out, "out", "frames.safetensors", "Output path for the synthesized codec frames")
	cmd.Flags().StringVar(&opts.WAV, "wav", "", "Vocode the frames to this WAV path (needs --vocoder)")
	cmd.Flags().StringVar(&opts.Kind, "pipeline", "meta", "Pipeline whose best checkpoint is used when --checkpoint and --model-save-dir are empty")
	cmd.Flags().BoolVar(&opts.Sample, "sample", true, "Sample the flow prior at glow_sampling_temperature; --sample=false uses the prior mean")
	cmd.Flags().Uint64Var(&opts.Seed, "sample-seed", 0, "Seed for the flow prior sample")
	_ = cmd.MarkFlagRequired("features")

	return cmd
}

func runSynth(cfg config.Config, opts synthOptions) error {
	ckPath, err := synthCheckpoint(cfg, opts.Kind)
	if err != nil {
		return err
	}

	model, ck, err := loadModel(ckPath)
	if err != nil {
		return err
	}

	in, err := readFeatures(opts.Features)
	if err != nil {
		return err
	}

	in.UttEmbedding = ck.DefaultEmbedding
	in.Controls = &toucan.Controls{
		DurationScale:       cfg.Synth.DurationScale,
		PitchVarianceScale:  cfg.Synth.PitchVarianceScale,
		EnergyVarianceScale: cfg.Synth.EnergyVarianceScale,
		PauseDurationScale:  cfg.Synth.PauseDurationScale,
	}

	if model.Config.LangEmbs > 0 {
		lang := cfg.Synth.LangID
		in.LangID = &lang
	}

	if opts.Sample {
		in.Rng = rand.New(rand.NewPCG(opts.Seed, 0))
	}

	out, err := model.Inference(in)
	if err != nil {
		return err
	}

	if err := writeFrames(opts.Out, out); err != nil {
		return err
	}

	slog.Info("synthesized", "checkpoint", ckPath, "tokens", len(out.Durations), "frames", out.Refined.Shape()[0], "out", opts.Out)

	if opts.WAV == "" {
		return nil
	}

	return vocode(cfg, out.Refined, opts.WAV)
}

// synthCheckpoint resolves the checkpoint flag, then best.safetensors in
// the save directory.
func synthCheckpoint(cfg config.Config, kind string) (string, error) {
	if cfg.Synth.Checkpoint != "" {
		return cfg.Synth.Checkpoint, nil
	}

	dir := cfg.Paths.SaveDir
	if dir == "" {
		k, err := pipeline.ParseKind(kind)
		if err != nil {
			return "", err
		}

		dir = k.DefaultSaveDir()
	}

	return filepath.Join(dir, checkpoint.BestName), nil
}

// loadModel builds the architecture stored in a checkpoint and loads its
// weights.
func loadModel(path string) (*toucan.Model, *checkpoint.Checkpoint, error) {
	ck, err := checkpoint.Load(path)
	if err != nil {
		return nil, nil, err
	}

	model, err := toucan.New(ck.Config, rand.New(rand.NewPCG(0, 0)))
	if err != nil {
		return nil, nil, err
	}

	if err := model.Params.Load(ck.Model); err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}

	return model, ck, nil
}

func readFeatures(path string) (toucan.InferenceInput, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return toucan.InferenceInput{}, err
	}
	defer store.Close()

	text, err := store.Tensor(featText)
	if err != nil {
		return toucan.InferenceInput{}, fmt.Errorf("%s: %w", path, err)
	}

	if len(text.Shape) != 2 {
		return toucan.InferenceInput{}, fmt.Errorf("%s: %s has shape %v, want [tokens, features]", path, featText, text.Shape)
	}

	var in toucan.InferenceInput

	if in.Text, err = tensor.New(text.Data, text.Shape); err != nil {
		return toucan.InferenceInput{}, err
	}

	if !in.Text.Finite() {
		return toucan.InferenceInput{}, fmt.Errorf("%s: %s contains NaN or Inf", path, featText)
	}

	tokens := text.Shape[0]

	curve := func(name string) ([]float32, error) {
		if !store.Has(name) {
			return nil, nil
		}

		t, err := store.TensorWithShape(name, []int64{tokens})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}

		return t.Data, nil
	}

	durations, err := curve(featDurations)
	if err != nil {
		return toucan.InferenceInput{}, err
	}

	for _, d := range durations {
		if d < 0 {
			return toucan.InferenceInput{}, fmt.Errorf("%s: negative duration %v", path, d)
		}

		in.Durations = append(in.Durations, int(d+0.5))
	}

	if in.Pitch, err = curve(featPitch); err != nil {
		return toucan.InferenceInput{}, err
	}

	if in.Energy, err = curve(featEnergy); err != nil {
		return toucan.InferenceInput{}, err
	}

	return in, nil
}

func writeFrames(path string, out *toucan.InferenceOutput) error {
	tokens := []int64{int64(len(out.Durations))}

	durations := make([]float32, len(out.Durations))
	for i, d := range out.Durations {
		durations[i] = float32(d)
	}

	return safetensors.WriteFile(path, []safetensors.Tensor{
		{Name: outRefined, Shape: out.Refined.Shape(), Data: out.Refined.RawData()},
		{Name: outCoarse, Shape: out.Coarse.Shape(), Data: out.Coarse.RawData()},
		{Name: featDurations, Shape: tokens, Data: durations},
		{Name: featPitch, Shape: tokens, Data: out.Pitch},
		{Name: featEnergy, Shape: tokens, Data: out.Energy},
	}, nil)
}

func vocode(cfg config.Config, frames *tensor.Tensor, path string) error {
	if cfg.Paths.Vocoder == "" {
		return errors.New("--wav needs --vocoder")
	}

	gen, err := vocoder.Load(cfg.Paths.Vocoder)
	if err != nil {
		return err
	}

	channels, err := frames.Transpose(0, 1)
	if err != nil {
		return err
	}

	samples, err := gen.Generate(channels)
	if err != nil {
		return err
	}

	if err := audio.WriteFile(path, samples, cfg.Synth.SampleRate); err != nil {
		return err
	}

	slog.Info("vocoded", "vocoder", cfg.Paths.Vocoder, "samples", len(samples), "wav", path)

	return nil
}
