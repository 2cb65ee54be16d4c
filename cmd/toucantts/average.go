package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-toucantts/internal/checkpoint"
	"github.com/example/go-toucantts/internal/pipeline"
)

func newAverageCmd() *cobra.Command {
	var (
		n    int
		kind string
	)

	cmd := &cobra.Command{
		Use:   "average",
		Short: "Average the newest checkpoints into best.safetensors",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			dir := cfg.Paths.SaveDir
			if dir == "" {
				k, err := pipeline.ParseKind(kind)
				if err != nil {
					return err
				}

				dir = k.DefaultSaveDir()
			}

			out, err := averageCheckpoints(dir, n)
			if err != nil {
				return err
			}

			slog.Info("averaged checkpoints", "dir", dir, "count", n, "out", out)
			_, _ = fmt.Fprintln(os.Stdout, out)

			return nil
		},
	}

	cmd.Flags().IntVar(&n, "n", 2, "Number of newest checkpoints to average")
	cmd.Flags().StringVar(&kind, "pipeline", "meta", "Pipeline whose save directory is used when --model-save-dir is empty")

	return cmd
}

// averageCheckpoints writes the average of the n newest checkpoints in dir
// to its best.safetensors and returns that path.
func averageCheckpoints(dir string, n int) (string, error) {
	if n < 1 {
		return "", fmt.Errorf("--n must be positive, got %d", n)
	}

	paths, err := checkpoint.Recent(dir, n)
	if err != nil {
		return "", err
	}

	if len(paths) < n {
		return "", fmt.Errorf("%s holds %d checkpoints, need %d", dir, len(paths), n)
	}

	avg, err := checkpoint.Average(paths)
	if err != nil {
		return "", err
	}

	out := filepath.Join(dir, checkpoint.BestName)
	if err := checkpoint.SaveForUse(out, avg); err != nil {
		return "", err
	}

	return out, nil
}
