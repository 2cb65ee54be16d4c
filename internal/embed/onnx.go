package embed

import (
	"context"
	"fmt"
	"sync"

	"github.com/example/go-toucantts/internal/onnx"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Input and output node names of an exported style embedding graph.
const (
	FramesInput  = "batch_of_feature_sequences"
	LengthsInput = "batch_of_feature_sequence_lengths"
	OutputName   = "embedding"
)

// graphRunner is the part of onnx.Runner the extractor uses.
type graphRunner interface {
	Run(ctx context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error)
	Close()
}

// ONNX runs a frozen style embedding graph through ONNX Runtime.
type ONNX struct {
	mu     sync.Mutex
	runner graphRunner
	dim    int
}

// NewONNX opens the graph at path. dim is the embedding width the graph
// produces.
func NewONNX(path string, dim int, cfg onnx.RunnerConfig) (*ONNX, error) {
	graph, err := onnx.NewGraph(path,
		[]onnx.NodeInfo{{Name: FramesInput, DType: "float"}, {Name: LengthsInput, DType: "int64"}},
		[]onnx.NodeInfo{{Name: OutputName, DType: "float"}},
	)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	runner, err := onnx.NewRunner(graph, cfg)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	return newONNX(runner, dim), nil
}

func newONNX(r graphRunner, dim int) *ONNX {
	return &ONNX{runner: r, dim: dim}
}

func (o *ONNX) Dim() int { return o.dim }

func (o *ONNX) Extract(ctx context.Context, frames *tensor.Tensor, lengths []int) (*tensor.Tensor, error) {
	batch, _, err := checkFrames(frames, lengths, 0)
	if err != nil {
		return nil, err
	}

	in, err := onnx.FromRuntime(frames)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	lens := make([]int64, len(lengths))
	for i, n := range lengths {
		lens[i] = int64(n)
	}

	lt, err := onnx.Int64(lens, []int64{int64(len(lens))})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.runner == nil {
		return nil, fmt.Errorf("embed: extractor is closed")
	}

	outputs, err := o.runner.Run(ctx, map[string]*onnx.Tensor{FramesInput: in, LengthsInput: lt})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	out, ok := outputs[OutputName]
	if !ok {
		return nil, fmt.Errorf("embed: graph produced no %q output", OutputName)
	}

	emb, err := out.Runtime()
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	if emb.ElemCount() != batch*o.dim {
		return nil, fmt.Errorf("embed: graph output %v does not match [%d, %d]", emb.Shape(), batch, o.dim)
	}

	return emb.Reshape([]int64{int64(batch), int64(o.dim)})
}

// Close releases the ONNX Runtime session.
func (o *ONNX) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.runner != nil {
		o.runner.Close()
		o.runner = nil
	}
}
