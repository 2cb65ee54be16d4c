package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/example/go-toucantts/internal/config"
	"github.com/example/go-toucantts/internal/pipeline"
	"github.com/example/go-toucantts/internal/train"
)

func newTrainCmd() *cobra.Command {
	names := make([]string, len(pipeline.Kinds))
	for i, k := range pipeline.Kinds {
		names[i] = k.String()
	}

	cmd := &cobra.Command{
		Use:       "train <pipeline>",
		Short:     "Run a training pipeline (" + strings.Join(names, "|") + ")",
		Args:      cobra.ExactArgs(1),
		ValidArgs: names,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			kind, err := pipeline.ParseKind(args[0])
			if err != nil {
				return err
			}

			if err := checkTrainFlags(kind, cfg.Train); err != nil {
				return err
			}

			err = kind.Run(cmd.Context(), pipeline.Env{Config: cfg, Logger: slog.Default()})
			if errors.Is(err, train.ErrTargetReached) {
				_, _ = fmt.Fprintf(os.Stdout, "%s: step target already reached\n", kind)
				return nil
			}

			return err
		},
	}

	return cmd
}

// checkTrainFlags rejects flag combinations the pipelines cannot honour.
func checkTrainFlags(kind pipeline.Kind, tc config.TrainConfig) error {
	if tc.FineTune && tc.ResumeCheckpoint == "" && kind != pipeline.FineTune {
		return errors.New("--finetune needs --resume-checkpoint")
	}

	if tc.FineTune && tc.Resume {
		return errors.New("--finetune and --resume are mutually exclusive")
	}

	return nil
}
