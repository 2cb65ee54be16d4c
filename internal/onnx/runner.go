//go:build !windows

package onnx

import (
	"cmp"
	"context"
	"errors"
	"fmt"

	ort "github.com/shota3506/onnxruntime-purego/onnxruntime"
)

const defaultAPIVersion = 23

// RunnerConfig selects the ONNX Runtime shared library.
type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runner owns one ONNX Runtime session over a graph.
type Runner struct {
	graph   Graph
	lib     *ort.Runtime
	env     *ort.Env
	session *ort.Session
}

func NewRunner(graph Graph, cfg RunnerConfig) (*Runner, error) {
	r := &Runner{graph: graph}

	var err error

	defer func() {
		if err != nil {
			r.Close()
		}
	}()

	if r.lib, err = ort.NewRuntime(cfg.LibraryPath, cmp.Or(cfg.APIVersion, defaultAPIVersion)); err != nil {
		return nil, fmt.Errorf("onnx: load runtime for %s: %w", graph.Name, err)
	}

	if r.env, err = r.lib.NewEnv("toucantts-"+graph.Name, ort.LoggingLevelWarning); err != nil {
		return nil, fmt.Errorf("onnx: environment for %s: %w", graph.Name, err)
	}

	if r.session, err = r.lib.NewSession(r.env, graph.Path, nil); err != nil {
		return nil, fmt.Errorf("onnx: open %s: %w", graph.Path, err)
	}

	return r, nil
}

// Run feeds inputs to the graph and returns every output it produces.
func (r *Runner) Run(ctx context.Context, inputs map[string]*Tensor) (map[string]*Tensor, error) {
	if r.session == nil {
		return nil, fmt.Errorf("onnx: %s: runner is closed", r.graph.Name)
	}

	if err := r.graph.CheckInputs(inputs); err != nil {
		return nil, err
	}

	values := make(map[string]*ort.Value, len(inputs))
	defer release(values)

	for name, t := range inputs {
		v, err := r.toValue(t)
		if err != nil {
			return nil, fmt.Errorf("onnx: input %s: %w", name, err)
		}

		values[name] = v
	}

	produced, err := r.session.Run(ctx, values)
	if err != nil {
		return nil, fmt.Errorf("onnx: run %s: %w", r.graph.Name, err)
	}
	defer release(produced)

	out := make(map[string]*Tensor, len(produced))

	for name, v := range produced {
		if out[name], err = fromValue(v); err != nil {
			return nil, fmt.Errorf("onnx: output %s: %w", name, err)
		}
	}

	return out, nil
}

// Close releases the session. It may be called more than once.
func (r *Runner) Close() {
	if r.session != nil {
		r.session.Close()
	}

	if r.env != nil {
		r.env.Close()
	}

	if r.lib != nil {
		_ = r.lib.Close()
	}

	r.session, r.env, r.lib = nil, nil, nil
}

func (r *Runner) Name() string { return r.graph.Name }

func (r *Runner) toValue(t *Tensor) (*ort.Value, error) {
	switch {
	case t == nil:
		return nil, errors.New("nil tensor")
	case t.Float != nil:
		return ort.NewTensorValue(r.lib, t.Float, t.Shape)
	default:
		return ort.NewTensorValue(r.lib, t.Int, t.Shape)
	}
}

func fromValue(v *ort.Value) (*Tensor, error) {
	kind, err := v.GetTensorElementType()
	if err != nil {
		return nil, err
	}

	switch kind {
	case ort.ONNXTensorElementDataTypeFloat:
		data, shape, err := ort.GetTensorData[float32](v)
		if err != nil {
			return nil, err
		}

		return Float32(data, shape)
	case ort.ONNXTensorElementDataTypeInt64:
		data, shape, err := ort.GetTensorData[int64](v)
		if err != nil {
			return nil, err
		}

		return Int64(data, shape)
	default:
		return nil, fmt.Errorf("element type %d is not float32 or int64", kind)
	}
}

func release(values map[string]*ort.Value) {
	for _, v := range values {
		if v != nil {
			v.Close()
		}
	}
}
