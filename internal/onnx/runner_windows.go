//go:build windows

package onnx

import (
	"context"
	"errors"
)

var errNoRunner = errors.New("onnx: sessions are not supported on windows builds")

type RunnerConfig struct {
	LibraryPath string
	APIVersion  uint32
}

// Runner is a stub; NewRunner always fails on windows.
type Runner struct {
	graph Graph
}

func NewRunner(Graph, RunnerConfig) (*Runner, error) { return nil, errNoRunner }

func (r *Runner) Run(context.Context, map[string]*Tensor) (map[string]*Tensor, error) {
	return nil, errNoRunner
}

func (r *Runner) Close() {}

func (r *Runner) Name() string { return r.graph.Name }
