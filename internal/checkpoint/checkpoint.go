// Package checkpoint stores training snapshots as safetensors files: model
// weights, optimizer moments and a default utterance embedding as tensors,
// counters and the model configuration as header metadata.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/example/go-toucantts/internal/runtime/tensor"
	"github.com/example/go-toucantts/internal/safetensors"
	"github.com/example/go-toucantts/internal/toucan"
)

const (
	formatName = "toucantts-checkpoint/1"

	modelPrefix    = "model."
	expAvgPrefix   = "optimizer.exp_avg."
	expAvgSqPrefix = "optimizer.exp_avg_sq."
	defaultEmbName = "default_emb"

	metaFormat        = "format"
	metaStep          = "step_counter"
	metaConfig        = "config"
	metaOptimizerStep = "optimizer_step"
	metaSchedulerStep = "scheduler_step"
	metaRunID         = "run_id"
)

// ErrNotFound is returned when a directory holds no checkpoints.
var ErrNotFound = errors.New("checkpoint: no checkpoints found")

// Checkpoint is one training snapshot. Optimizer and Scheduler are nil for
// weights-only files.
type Checkpoint struct {
	Model            map[string]*tensor.Tensor
	Optimizer        *OptimizerState
	Scheduler        *SchedulerState
	Step             int
	DefaultEmbedding []float32
	Config           toucan.Config
	RunID            string
}

// OptimizerState is the AdamW state: the update counter and the first and
// second moments keyed by parameter name.
type OptimizerState struct {
	Step     int
	ExpAvg   map[string]*tensor.Tensor
	ExpAvgSq map[string]*tensor.Tensor
}

// SchedulerState is the learning-rate scheduler position.
type SchedulerState struct {
	Step int
}

// Save writes the full snapshot to path.
func Save(path string, ck *Checkpoint) error {
	return write(path, ck, true)
}

// SaveForUse writes only the weights, the default embedding and the
// configuration: what inference needs.
func SaveForUse(path string, ck *Checkpoint) error {
	return write(path, ck, false)
}

func write(path string, ck *Checkpoint, full bool) error {
	if ck == nil || len(ck.Model) == 0 {
		return errors.New("checkpoint: nothing to save")
	}

	cfgJSON, err := json.Marshal(ck.Config)
	if err != nil {
		return fmt.Errorf("checkpoint: encode config: %w", err)
	}

	meta := map[string]string{
		metaFormat: formatName,
		metaConfig: string(cfgJSON),
		metaStep:   strconv.Itoa(ck.Step),
	}

	if ck.RunID != "" {
		meta[metaRunID] = ck.RunID
	}

	tensors := appendTensors(nil, modelPrefix, ck.Model)

	if len(ck.DefaultEmbedding) > 0 {
		tensors = append(tensors, safetensors.Tensor{
			Name:  defaultEmbName,
			Shape: []int64{int64(len(ck.DefaultEmbedding))},
			Data:  ck.DefaultEmbedding,
		})
	}

	if full && ck.Optimizer != nil {
		meta[metaOptimizerStep] = strconv.Itoa(ck.Optimizer.Step)
		tensors = appendTensors(tensors, expAvgPrefix, ck.Optimizer.ExpAvg)
		tensors = appendTensors(tensors, expAvgSqPrefix, ck.Optimizer.ExpAvgSq)
	}

	if full && ck.Scheduler != nil {
		meta[metaSchedulerStep] = strconv.Itoa(ck.Scheduler.Step)
	}

	if err := safetensors.WriteFile(path, tensors, meta); err != nil {
		return fmt.Errorf("checkpoint: %w", err)
	}

	return nil
}

func appendTensors(dst []safetensors.Tensor, prefix string, src map[string]*tensor.Tensor) []safetensors.Tensor {
	names := make([]string, 0, len(src))
	for name := range src {
		names = append(names, name)
	}

	sort.Strings(names)

	for _, name := range names {
		t := src[name]
		dst = append(dst, safetensors.Tensor{Name: prefix + name, Shape: t.Shape(), Data: t.RawData()})
	}

	return dst
}

// Load reads a snapshot. Missing optimizer or scheduler entries leave the
// corresponding fields nil.
func Load(path string) (*Checkpoint, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}
	defer store.Close()

	meta := store.Metadata()
	if f := meta[metaFormat]; f != formatName {
		return nil, fmt.Errorf("checkpoint: %s has format %q, want %q", path, f, formatName)
	}

	ck := &Checkpoint{Model: map[string]*tensor.Tensor{}, RunID: meta[metaRunID]}

	if ck.Step, err = strconv.Atoi(meta[metaStep]); err != nil {
		return nil, fmt.Errorf("checkpoint: %s step counter: %w", path, err)
	}

	if err := json.Unmarshal([]byte(meta[metaConfig]), &ck.Config); err != nil {
		return nil, fmt.Errorf("checkpoint: %s config: %w", path, err)
	}

	var optimizer *OptimizerState

	if s, ok := meta[metaOptimizerStep]; ok {
		optimizer = &OptimizerState{ExpAvg: map[string]*tensor.Tensor{}, ExpAvgSq: map[string]*tensor.Tensor{}}
		if optimizer.Step, err = strconv.Atoi(s); err != nil {
			return nil, fmt.Errorf("checkpoint: %s optimizer step: %w", path, err)
		}
	}

	if s, ok := meta[metaSchedulerStep]; ok {
		step, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: %s scheduler step: %w", path, err)
		}

		ck.Scheduler = &SchedulerState{Step: step}
	}

	all, err := store.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("checkpoint: %w", err)
	}

	for name, st := range all {
		t, err := tensor.New(st.Data, st.Shape)
		if err != nil {
			return nil, fmt.Errorf("checkpoint: tensor %q: %w", name, err)
		}

		switch {
		case name == defaultEmbName:
			ck.DefaultEmbedding = st.Data
		case strings.HasPrefix(name, modelPrefix):
			ck.Model[strings.TrimPrefix(name, modelPrefix)] = t
		case optimizer != nil && strings.HasPrefix(name, expAvgSqPrefix):
			optimizer.ExpAvgSq[strings.TrimPrefix(name, expAvgSqPrefix)] = t
		case optimizer != nil && strings.HasPrefix(name, expAvgPrefix):
			optimizer.ExpAvg[strings.TrimPrefix(name, expAvgPrefix)] = t
		}
	}

	if len(ck.Model) == 0 {
		return nil, fmt.Errorf("checkpoint: %s holds no model weights", path)
	}

	ck.Optimizer = optimizer

	return ck, nil
}
