package checkpoint

import (
	"errors"
	"fmt"
	"slices"

	"gonum.org/v1/gonum/floats"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Average loads the checkpoints at paths and averages their model weights
// element-wise. The default embedding, configuration and step come from
// the highest-step checkpoint. The result carries no optimizer or
// scheduler state.
func Average(paths []string) (*Checkpoint, error) {
	if len(paths) == 0 {
		return nil, errors.New("checkpoint: nothing to average")
	}

	var (
		newest *Checkpoint
		sums   map[string][]float64
		shapes map[string][]int64
	)

	for _, path := range paths {
		ck, err := Load(path)
		if err != nil {
			return nil, err
		}

		if sums == nil {
			sums = make(map[string][]float64, len(ck.Model))
			shapes = make(map[string][]int64, len(ck.Model))

			for name, t := range ck.Model {
				sums[name] = make([]float64, t.ElemCount())
				shapes[name] = t.Shape()
			}
		}

		if len(ck.Model) != len(sums) {
			return nil, fmt.Errorf("checkpoint: %s has %d tensors, expected %d", path, len(ck.Model), len(sums))
		}

		for name, t := range ck.Model {
			acc, ok := sums[name]
			if !ok {
				return nil, fmt.Errorf("checkpoint: %s has unexpected tensor %q", path, name)
			}

			if !slices.Equal(t.Shape(), shapes[name]) {
				return nil, fmt.Errorf("checkpoint: %s tensor %q has shape %v, expected %v", path, name, t.Shape(), shapes[name])
			}

			floats.Add(acc, widen(t.RawData()))
		}

		if newest == nil || ck.Step >= newest.Step {
			newest = ck
		}
	}

	out := &Checkpoint{
		Model:            make(map[string]*tensor.Tensor, len(sums)),
		Step:             newest.Step,
		DefaultEmbedding: newest.DefaultEmbedding,
		Config:           newest.Config,
		RunID:            newest.RunID,
	}

	for name, acc := range sums {
		floats.Scale(1/float64(len(paths)), acc)

		t, err := tensor.New(narrow(acc), shapes[name])
		if err != nil {
			return nil, err
		}

		out.Model[name] = t
	}

	return out, nil
}

func widen(src []float32) []float64 {
	out := make([]float64, len(src))
	for i, v := range src {
		out[i] = float64(v)
	}

	return out
}

func narrow(src []float64) []float32 {
	out := make([]float32, len(src))
	for i, v := range src {
		out[i] = float32(v)
	}

	return out
}
