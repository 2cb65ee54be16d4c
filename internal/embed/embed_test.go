package embed

import (
	"context"
	"errors"
	"math"
	"slices"
	"testing"

	"github.com/example/go-toucantts/internal/onnx"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

func frames(t *testing.T, data []float32, shape ...int64) *tensor.Tensor {
	t.Helper()

	x, err := tensor.New(data, shape)
	if err != nil {
		t.Fatal(err)
	}

	return x
}

func TestStatsPoolingIgnoresPadding(t *testing.T) {
	p, err := NewStatsPooling(2, 3, 1)
	if err != nil {
		t.Fatal(err)
	}

	// Row 0 has two valid frames; the third is padding with large values.
	padded := frames(t, []float32{
		1, 2, 3, 4, 100, -100,
		1, 2, 3, 4, 0, 0,
	}, 2, 3, 2)

	out, err := p.Extract(context.Background(), padded, []int{2, 2})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if !slices.Equal(out.Shape(), []int64{2, 3}) {
		t.Fatalf("shape = %v", out.Shape())
	}

	d := out.RawData()
	if !slices.Equal(d[:3], d[3:]) {
		t.Fatalf("padding changed the embedding: %v vs %v", d[:3], d[3:])
	}

	for _, v := range d {
		if math.IsNaN(float64(v)) {
			t.Fatal("NaN in embedding")
		}
	}
}

func TestStatsPoolingDeterministicPerSeed(t *testing.T) {
	x := frames(t, []float32{0.5, -1, 2, 3}, 1, 2, 2)

	a, _ := NewStatsPooling(2, 4, 9)
	b, _ := NewStatsPooling(2, 4, 9)
	c, _ := NewStatsPooling(2, 4, 10)

	ea, err := a.Extract(context.Background(), x, []int{2})
	if err != nil {
		t.Fatal(err)
	}

	eb, _ := b.Extract(context.Background(), x, []int{2})
	ec, _ := c.Extract(context.Background(), x, []int{2})

	if !slices.Equal(ea.RawData(), eb.RawData()) {
		t.Fatal("same seed produced different projections")
	}

	if slices.Equal(ea.RawData(), ec.RawData()) {
		t.Fatal("different seeds produced identical projections")
	}
}

func TestStatsPoolingRejectsBadInput(t *testing.T) {
	p, _ := NewStatsPooling(2, 2, 0)
	ctx := context.Background()

	if _, err := p.Extract(ctx, frames(t, make([]float32, 6), 1, 2, 3), []int{2}); err == nil {
		t.Fatal("expected width error")
	}

	if _, err := p.Extract(ctx, frames(t, make([]float32, 4), 1, 2, 2), []int{3}); err == nil {
		t.Fatal("expected length error")
	}

	if _, err := p.Extract(ctx, frames(t, make([]float32, 4), 1, 2, 2), []int{1, 1}); err == nil {
		t.Fatal("expected batch mismatch error")
	}

	if _, err := NewStatsPooling(0, 2, 0); err == nil {
		t.Fatal("expected error for zero width")
	}
}

type fakeRunner struct {
	inputs map[string]*onnx.Tensor
	out    *onnx.Tensor
	err    error
	closed bool
}

func (f *fakeRunner) Run(_ context.Context, inputs map[string]*onnx.Tensor) (map[string]*onnx.Tensor, error) {
	f.inputs = inputs
	if f.err != nil {
		return nil, f.err
	}

	return map[string]*onnx.Tensor{OutputName: f.out}, nil
}

func (f *fakeRunner) Close() { f.closed = true }

func TestONNXExtractorFeedsGraph(t *testing.T) {
	out, _ := onnx.Float32([]float32{1, 2, 3, 4}, []int64{2, 2})
	fr := &fakeRunner{out: out}
	x := newONNX(fr, 2)

	emb, err := x.Extract(context.Background(), frames(t, make([]float32, 12), 2, 3, 2), []int{3, 1})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if !slices.Equal(emb.RawData(), []float32{1, 2, 3, 4}) {
		t.Fatalf("embedding = %v", emb.RawData())
	}

	if lens := fr.inputs[LengthsInput].Int; !slices.Equal(lens, []int64{3, 1}) {
		t.Fatalf("lengths input = %v", lens)
	}

	if got := fr.inputs[FramesInput].Shape; !slices.Equal(got, []int64{2, 3, 2}) {
		t.Fatalf("frames input shape = %v", got)
	}

	x.Close()

	if !fr.closed {
		t.Fatal("Close did not release the runner")
	}

	if _, err := x.Extract(context.Background(), frames(t, make([]float32, 2), 1, 1, 2), []int{1}); err == nil {
		t.Fatal("expected error after Close")
	}
}

func TestONNXExtractorChecksOutput(t *testing.T) {
	wrong, _ := onnx.Float32([]float32{1, 2, 3}, []int64{1, 3})
	x := newONNX(&fakeRunner{out: wrong}, 2)

	if _, err := x.Extract(context.Background(), frames(t, make([]float32, 2), 1, 1, 2), []int{1}); err == nil {
		t.Fatal("expected output size error")
	}

	boom := errors.New("boom")
	x = newONNX(&fakeRunner{err: boom}, 2)

	if _, err := x.Extract(context.Background(), frames(t, make([]float32, 2), 1, 1, 2), []int{1}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped runner error", err)
	}
}
