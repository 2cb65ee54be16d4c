package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/example/go-toucantts/internal/checkpoint"
	"github.com/example/go-toucantts/internal/config"
	"github.com/example/go-toucantts/internal/doctor"
	"github.com/example/go-toucantts/internal/onnx"
	"github.com/example/go-toucantts/internal/pipeline"
	"github.com/example/go-toucantts/internal/vocoder"
)

func newDoctorCmd() *cobra.Command {
	var kind string

	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run local runtime, data and model checks",
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := requireConfig()
			if err != nil {
				return err
			}

			k, err := pipeline.ParseKind(kind)
			if err != nil {
				return err
			}

			_, _ = fmt.Fprintf(os.Stdout, "pipeline: %s\n", k)

			result := doctor.Run(doctorConfig(cfg, k), os.Stdout)
			if result.Failed() {
				for _, f := range result.Failures() {
					fmt.Fprintf(os.Stderr, "FAIL: %s\n", f)
				}

				return errors.New("doctor checks failed")
			}

			_, _ = fmt.Fprintln(os.Stdout, "doctor checks passed")

			return nil
		},
	}

	cmd.Flags().StringVar(&kind, "pipeline", "meta", "Pipeline whose data and save directory are checked")

	return cmd
}

// doctorConfig selects the checks that apply to a pipeline run with cfg.
func doctorConfig(cfg config.Config, kind pipeline.Kind) doctor.Config {
	dc := doctor.Config{
		SkipRuntime: cfg.Paths.EmbedModel == "",
		RuntimeVersion: func() (string, error) {
			info, err := onnx.DetectRuntime(cfg.Runtime)
			if err != nil {
				return "", err
			}

			return info.Version, nil
		},
		SaveDir: cfg.Paths.SaveDir,
	}

	if dc.SaveDir == "" {
		dc.SaveDir = kind.DefaultSaveDir()
	}

	if cfg.Paths.EmbedModel != "" {
		dc.Files = append(dc.Files, doctor.FileCheck{Name: "embedding graph", Path: cfg.Paths.EmbedModel})
	}

	if cfg.Paths.Vocoder != "" {
		dc.Files = append(dc.Files, doctor.FileCheck{
			Name: "vocoder",
			Path: cfg.Paths.Vocoder,
			Validate: func(path string) error {
				_, err := vocoder.Load(path)
				return err
			},
		})
	}

	if cfg.Train.ResumeCheckpoint != "" {
		dc.Files = append(dc.Files, doctor.FileCheck{
			Name: "checkpoint",
			Path: cfg.Train.ResumeCheckpoint,
			Validate: func(path string) error {
				_, err := checkpoint.Load(path)
				return err
			},
		})
	}

	switch kind {
	case pipeline.Meta:
		for _, lang := range cfg.Train.Languages {
			dc.DataDirs = append(dc.DataDirs, filepath.Join(cfg.Paths.DataRoot, lang))
		}
	case pipeline.FineTune:
		dc.DataDirs = append(dc.DataDirs, filepath.Join(cfg.Paths.DataRoot, cfg.Train.FineTuneLanguage))
	case pipeline.IntegrationTest:
	}

	return dc
}
