// Package embed turns codec frame sequences into fixed-size utterance
// embeddings that condition the acoustic model.
package embed

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Extractor maps padded frames [B, L, D] with per-row lengths to [B, E].
// Extractors are frozen: they never take part in training.
type Extractor interface {
	Dim() int
	Extract(ctx context.Context, frames *tensor.Tensor, lengths []int) (*tensor.Tensor, error)
}

// StatsPooling embeds an utterance as the masked mean and standard
// deviation of its frames, projected to Dim by a fixed random matrix.
type StatsPooling struct {
	in   int
	out  int
	proj *mat.Dense // [2*in, out]
}

// NewStatsPooling builds a pooling extractor for frames of width in. The
// projection is drawn from seed, so equal seeds give equal embeddings.
func NewStatsPooling(in, out int, seed uint64) (*StatsPooling, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("embed: invalid pooling widths %d -> %d", in, out)
	}

	rng := rand.New(rand.NewPCG(seed, 0x5eed))
	scale := 1 / math.Sqrt(float64(2*in))

	data := make([]float64, 2*in*out)
	for i := range data {
		data[i] = rng.NormFloat64() * scale
	}

	return &StatsPooling{in: in, out: out, proj: mat.NewDense(2*in, out, data)}, nil
}

func (s *StatsPooling) Dim() int { return s.out }

func (s *StatsPooling) Extract(_ context.Context, frames *tensor.Tensor, lengths []int) (*tensor.Tensor, error) {
	batch, steps, err := checkFrames(frames, lengths, s.in)
	if err != nil {
		return nil, err
	}

	x := frames.RawData()
	stats := mat.NewDense(batch, 2*s.in, nil)

	for b := range batch {
		n := lengths[b]
		if n == 0 {
			continue
		}

		for d := range s.in {
			var sum, sq float64

			for t := range n {
				v := float64(x[(b*steps+t)*s.in+d])
				sum += v
				sq += v * v
			}

			mean := sum / float64(n)
			variance := max(sq/float64(n)-mean*mean, 0)

			stats.Set(b, d, mean)
			stats.Set(b, s.in+d, math.Sqrt(variance))
		}
	}

	var out mat.Dense
	out.Mul(stats, s.proj)

	data := make([]float32, batch*s.out)
	for b := range batch {
		for e := range s.out {
			data[b*s.out+e] = float32(out.At(b, e))
		}
	}

	return tensor.New(data, []int64{int64(batch), int64(s.out)})
}

func checkFrames(frames *tensor.Tensor, lengths []int, width int) (batch, steps int, err error) {
	if frames == nil {
		return 0, 0, errors.New("embed: nil frames")
	}

	shape := frames.Shape()
	if len(shape) != 3 || (width > 0 && shape[2] != int64(width)) {
		return 0, 0, fmt.Errorf("embed: frames must be [batch, frames, %d], got %v", width, shape)
	}

	batch, steps = int(shape[0]), int(shape[1])
	if len(lengths) != batch {
		return 0, 0, fmt.Errorf("embed: %d lengths for batch %d", len(lengths), batch)
	}

	for i, n := range lengths {
		if n < 0 || n > steps {
			return 0, 0, fmt.Errorf("embed: length %d of row %d outside [0, %d]", n, i, steps)
		}
	}

	return batch, steps, nil
}
