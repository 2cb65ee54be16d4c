package main

import (
	"errors"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/example/go-toucantts/internal/config"
	"github.com/example/go-toucantts/internal/runtime/ops"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

var (
	cfgFile string
	loaded  *config.Config
)

func NewRootCmd() *cobra.Command {
	defaults := config.DefaultConfig()

	cmd := &cobra.Command{
		Use:           "toucantts",
		Short:         "ToucanTTS training and synthesis",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(config.LoadOptions{Cmd: cmd, ConfigFile: cfgFile, Defaults: defaults})
			if err != nil {
				return err
			}

			loaded = &cfg

			slog.SetDefault(newLogger(cmd.ErrOrStderr(), cfg.LogLevel))
			applyRuntime(cfg.Runtime)

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional config file (yaml|toml|json)")
	config.RegisterFlags(cmd.PersistentFlags(), defaults)

	cmd.AddCommand(newTrainCmd(), newSynthCmd(), newAverageCmd(), newDoctorCmd())

	return cmd
}

// newLogger returns a JSON logger at level. Unknown levels log at info.
func newLogger(w io.Writer, level string) *slog.Logger {
	lvl, err := config.ParseLogLevel(level)
	if err != nil {
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl}))
}

func applyRuntime(rc config.RuntimeConfig) {
	if rc.Threads > 0 {
		tensor.SetWorkers(rc.Threads)
	}

	ops.SetConvWorkers(rc.ConvWorkers)
}

func requireConfig() (config.Config, error) {
	if loaded == nil {
		return config.Config{}, errors.New("configuration not loaded")
	}

	return *loaded, nil
}
