package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	Paths    PathsConfig   `mapstructure:"paths"`
	Runtime  RuntimeConfig `mapstructure:"runtime"`
	Train    TrainConfig   `mapstructure:"train"`
	Model    ModelConfig   `mapstructure:"model"`
	Synth    SynthConfig   `mapstructure:"synth"`
	LogLevel string        `mapstructure:"log_level"`
}

// PathsConfig locates inputs and outputs. An empty SaveDir lets each
// training pipeline pick its own directory.

type PathsConfig struct {
	SaveDir    string `mapstructure:"save_dir"`
	DataRoot   string `mapstructure:"data_root"`
	EmbedModel string `mapstructure:"embed_model"`
	Vocoder    string `mapstructure:"vocoder"`
}

type RuntimeConfig struct {
	Threads        int    `mapstructure:"threads"`
	ConvWorkers    int    `mapstructure:"conv_workers"`
	ORTLibraryPath string `mapstructure:"ort_library_path"`
	ORTVersion     string `mapstructure:"ort_version"`
}

type TrainConfig struct {
	Languages          []string `mapstructure:"languages"`
	FineTuneLanguage   string   `mapstructure:"finetune_language"`
	BatchSize          int      `mapstructure:"batch_size"`
	Steps              int      `mapstructure:"steps"`
	StepsPerCheckpoint int      `mapstructure:"steps_per_checkpoint"`
	LR                 float64  `mapstructure:"lr"`
	WarmupSteps        int      `mapstructure:"warmup_steps"`
	Seed               uint64   `mapstructure:"seed"`
	KeepCheckpoints    int      `mapstructure:"keep_checkpoints"`
	LoaderWorkers      int      `mapstructure:"loader_workers"`
	Prefetch           int      `mapstructure:"prefetch"`
	Resume             bool     `mapstructure:"resume"`
	ResumeCheckpoint   string   `mapstructure:"resume_checkpoint"`
	FineTune           bool     `mapstructure:"finetune"`
	Plot               bool     `mapstructure:"plot"`
}

// ModelConfig selects the acoustic model architecture. ConfigFile is a JSON
// file of architecture hyperparameters; empty means the pipeline default.
type ModelConfig struct {
	ConfigFile string `mapstructure:"config_file"`
}

type SynthConfig struct {
	Checkpoint          string  `mapstructure:"checkpoint"`
	DurationScale       float64 `mapstructure:"duration_scale"`
	PitchVarianceScale  float64 `mapstructure:"pitch_variance_scale"`
	EnergyVarianceScale float64 `mapstructure:"energy_variance_scale"`
	PauseDurationScale  float64 `mapstructure:"pause_duration_scale"`
	LangID              int64   `mapstructure:"lang_id"`
	SampleRate          int     `mapstructure:"sample_rate"`
}

type LoadOptions struct {
	Cmd        flagBinder
	ConfigFile string
	Defaults   Config
}

type flagBinder interface {
	Flags() *pflag.FlagSet
}

func DefaultConfig() Config {
	return Config{
		Paths: PathsConfig{
			DataRoot: "corpora",
		},
		Runtime: RuntimeConfig{
			Threads:     4,
			ConvWorkers: 0,
		},
		Train: TrainConfig{
			FineTuneLanguage:   "eng",
			BatchSize:          12,
			Steps:              200000,
			StepsPerCheckpoint: 1000,
			LR:                 1e-4,
			WarmupSteps:        4000,
			Seed:               9665,
			KeepCheckpoints:    5,
			LoaderWorkers:      2,
			Prefetch:           4,
			Plot:               true,
		},
		Synth: SynthConfig{
			DurationScale:       1,
			PitchVarianceScale:  1,
			EnergyVarianceScale: 1,
			PauseDurationScale:  1,
			SampleRate:          24000,
		},
		LogLevel: "info",
	}
}

// binding ties a config key to the command line flag that overrides it.
type binding struct {
	key  string
	flag string
}

var bindings = []binding{
	{"paths.save_dir", "model-save-dir"},
	{"paths.data_root", "data-root"},
	{"paths.embed_model", "embed-model"},
	{"paths.vocoder", "vocoder"},
	{"runtime.threads", "threads"},
	{"runtime.conv_workers", "conv-workers"},
	{"runtime.ort_library_path", "ort-lib"},
	{"runtime.ort_version", "ort-version"},
	{"train.languages", "languages"},
	{"train.finetune_language", "finetune-language"},
	{"train.batch_size", "batch-size"},
	{"train.steps", "steps"},
	{"train.steps_per_checkpoint", "steps-per-checkpoint"},
	{"train.lr", "lr"},
	{"train.warmup_steps", "warmup-steps"},
	{"train.seed", "seed"},
	{"train.keep_checkpoints", "keep-checkpoints"},
	{"train.loader_workers", "loader-workers"},
	{"train.prefetch", "prefetch"},
	{"train.resume", "resume"},
	{"train.resume_checkpoint", "resume-checkpoint"},
	{"train.finetune", "finetune"},
	{"train.plot", "plot"},
	{"model.config_file", "model-config"},
	{"synth.checkpoint", "checkpoint"},
	{"synth.duration_scale", "duration-scale"},
	{"synth.pitch_variance_scale", "pitch-variance-scale"},
	{"synth.energy_variance_scale", "energy-variance-scale"},
	{"synth.pause_duration_scale", "pause-duration-scale"},
	{"synth.lang_id", "lang-id"},
	{"synth.sample_rate", "sample-rate"},
	{"log_level", "log-level"},
}

// RegisterFlags adds the shared configuration flags to fs.
func RegisterFlags(fs *pflag.FlagSet, defaults Config) {
	fs.String("model-save-dir", defaults.Paths.SaveDir, "Directory for checkpoints and progress plots (pipeline default when empty)")
	fs.String("data-root", defaults.Paths.DataRoot, "Root directory holding one sample directory per language")
	fs.String("embed-model", defaults.Paths.EmbedModel, "ONNX style embedding graph (statistics pooling when empty)")
	fs.String("vocoder", defaults.Paths.Vocoder, "MelGAN generator weights (.safetensors)")
	fs.Int("threads", defaults.Runtime.Threads, "Tensor worker count")
	fs.Int("conv-workers", defaults.Runtime.ConvWorkers, "Convolution worker count (0 = automatic)")
	fs.String("ort-lib", defaults.Runtime.ORTLibraryPath, "Path to ONNX Runtime shared library")
	fs.String("ort-version", defaults.Runtime.ORTVersion, "Expected ONNX Runtime version")
	fs.StringSlice("languages", defaults.Train.Languages, "Languages (task data directories) for meta training")
	fs.String("finetune-language", defaults.Train.FineTuneLanguage, "Language to fine-tune on")
	fs.Int("batch-size", defaults.Train.BatchSize, "Samples per training step")
	fs.Int("steps", defaults.Train.Steps, "Training step target")
	fs.Int("steps-per-checkpoint", defaults.Train.StepsPerCheckpoint, "Steps between checkpoints")
	fs.Float64("lr", defaults.Train.LR, "Peak learning rate")
	fs.Int("warmup-steps", defaults.Train.WarmupSteps, "Learning rate warmup steps")
	fs.Uint64("seed", defaults.Train.Seed, "Seed for initialization, shuffling and dropout")
	fs.Int("keep-checkpoints", defaults.Train.KeepCheckpoints, "Number of checkpoints to retain")
	fs.Int("loader-workers", defaults.Train.LoaderWorkers, "Data loader workers per task")
	fs.Int("prefetch", defaults.Train.Prefetch, "Samples prefetched per loader worker")
	fs.Bool("resume", defaults.Train.Resume, "Continue from the most recent checkpoint in the save directory")
	fs.String("resume-checkpoint", defaults.Train.ResumeCheckpoint, "Checkpoint to resume or fine-tune from")
	fs.Bool("finetune", defaults.Train.FineTune, "Load only model weights from the checkpoint")
	fs.Bool("plot", defaults.Train.Plot, "Render a progress plot at every checkpoint")
	fs.String("model-config", defaults.Model.ConfigFile, "JSON file of model architecture hyperparameters")
	fs.String("checkpoint", defaults.Synth.Checkpoint, "Checkpoint used for synthesis (defaults to best.safetensors in the save directory)")
	fs.Float64("duration-scale", defaults.Synth.DurationScale, "Duration scaling factor")
	fs.Float64("pitch-variance-scale", defaults.Synth.PitchVarianceScale, "Pitch variance scaling factor")
	fs.Float64("energy-variance-scale", defaults.Synth.EnergyVarianceScale, "Energy variance scaling factor")
	fs.Float64("pause-duration-scale", defaults.Synth.PauseDurationScale, "Pause duration scaling factor")
	fs.Int64("lang-id", defaults.Synth.LangID, "Language id for synthesis")
	fs.Int("sample-rate", defaults.Synth.SampleRate, "Vocoder output sample rate")
	fs.String("log-level", defaults.LogLevel, "Log level (debug|info|warn|error)")
}

func Load(opts LoadOptions) (Config, error) {
	v := viper.New()

	setDefaults(v, opts.Defaults)

	if opts.Cmd != nil {
		fs := opts.Cmd.Flags()
		for _, b := range bindings {
			f := fs.Lookup(b.flag)
			if f == nil {
				continue
			}

			if err := v.BindPFlag(b.key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %q: %w", b.flag, err)
			}
		}
	}

	v.SetEnvPrefix("TOUCANTTS")
	replacer := strings.NewReplacer("-", "_", ".", "_", "__", "_")
	v.SetEnvKeyReplacer(replacer)

	if err := v.BindEnv("runtime.ort_library_path", "TOUCANTTS_ORT_LIB", "ORT_LIBRARY_PATH"); err != nil {
		return Config{}, fmt.Errorf("bind ort env vars: %w", err)
	}

	v.AutomaticEnv()

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("toucantts")
		v.AddConfigPath(".")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return Config{}, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, c Config) {
	v.SetDefault("paths.save_dir", c.Paths.SaveDir)
	v.SetDefault("paths.data_root", c.Paths.DataRoot)
	v.SetDefault("paths.embed_model", c.Paths.EmbedModel)
	v.SetDefault("paths.vocoder", c.Paths.Vocoder)
	v.SetDefault("runtime.threads", c.Runtime.Threads)
	v.SetDefault("runtime.conv_workers", c.Runtime.ConvWorkers)
	v.SetDefault("runtime.ort_library_path", c.Runtime.ORTLibraryPath)
	v.SetDefault("runtime.ort_version", c.Runtime.ORTVersion)
	v.SetDefault("train.languages", c.Train.Languages)
	v.SetDefault("train.finetune_language", c.Train.FineTuneLanguage)
	v.SetDefault("train.batch_size", c.Train.BatchSize)
	v.SetDefault("train.steps", c.Train.Steps)
	v.SetDefault("train.steps_per_checkpoint", c.Train.StepsPerCheckpoint)
	v.SetDefault("train.lr", c.Train.LR)
	v.SetDefault("train.warmup_steps", c.Train.WarmupSteps)
	v.SetDefault("train.seed", c.Train.Seed)
	v.SetDefault("train.keep_checkpoints", c.Train.KeepCheckpoints)
	v.SetDefault("train.loader_workers", c.Train.LoaderWorkers)
	v.SetDefault("train.prefetch", c.Train.Prefetch)
	v.SetDefault("train.resume", c.Train.Resume)
	v.SetDefault("train.resume_checkpoint", c.Train.ResumeCheckpoint)
	v.SetDefault("train.finetune", c.Train.FineTune)
	v.SetDefault("train.plot", c.Train.Plot)
	v.SetDefault("model.config_file", c.Model.ConfigFile)
	v.SetDefault("synth.checkpoint", c.Synth.Checkpoint)
	v.SetDefault("synth.duration_scale", c.Synth.DurationScale)
	v.SetDefault("synth.pitch_variance_scale", c.Synth.PitchVarianceScale)
	v.SetDefault("synth.energy_variance_scale", c.Synth.EnergyVarianceScale)
	v.SetDefault("synth.pause_duration_scale", c.Synth.PauseDurationScale)
	v.SetDefault("synth.lang_id", c.Synth.LangID)
	v.SetDefault("synth.sample_rate", c.Synth.SampleRate)
	v.SetDefault("log_level", c.LogLevel)
}

// ParseLogLevel maps debug|info|warn|error (case-insensitive) to a slog level.
// An empty string means info.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q (expected debug|info|warn|error)", raw)
	}
}
