package config

import (
	"errors"
	"fmt"
	"strings"
)

const (
	PipelineMeta            = "meta"
	PipelineIntegrationTest = "integration-test"
	PipelineFineTune        = "finetune"
)

// ErrUnknownPipeline is returned for pipeline names outside the known set.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// NormalizePipeline canonicalizes a pipeline name. The short names tt_it and
// finetuning_example are accepted as aliases.
func NormalizePipeline(raw string) (string, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	switch name {
	case PipelineMeta, PipelineIntegrationTest, PipelineFineTune:
		return name, nil
	case "tt_it", "integration_test":
		return PipelineIntegrationTest, nil
	case "finetuning_example", "fine-tune", "fine_tune":
		return PipelineFineTune, nil
	default:
		return "", fmt.Errorf(
			"%w %q (expected %s|%s|%s)",
			ErrUnknownPipeline,
			raw,
			PipelineMeta,
			PipelineIntegrationTest,
			PipelineFineTune,
		)
	}
}
