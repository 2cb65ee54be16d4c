package toucan

import (
	"fmt"

	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// RegulateIndices returns, for one sequence, the source token of every
// output frame: token t repeated durations[t] times in token order.
func RegulateIndices(durations []int) ([]int64, error) {
	total := 0

	for t, d := range durations {
		if d < 0 {
			return nil, fmt.Errorf("toucan: negative duration %d at token %d", d, t)
		}

		total += d
	}

	out := make([]int64, 0, total)

	for t, d := range durations {
		for range d {
			out = append(out, int64(t))
		}
	}

	return out, nil
}

// LengthRegulate upsamples hs [B, T, D] to frame rate. Row b repeats token t
// durations[b][t] times; rows shorter than the longest are zero padded. It
// returns the upsampled [B, L, D] value and the per-row frame counts. A
// batch whose durations all sum to zero yields L = 0.
func LengthRegulate(hs *autograd.Var, durations [][]int) (*autograd.Var, []int, error) {
	if hs.Rank() != 3 {
		return nil, nil, fmt.Errorf("toucan: length regulator input must be [batch, tokens, dim], got %v", hs.Shape())
	}

	batch, tokens, dim := hs.Dim(0), hs.Dim(1), hs.Dim(2)
	if int64(len(durations)) != batch {
		return nil, nil, fmt.Errorf("toucan: %d duration rows for batch %d", len(durations), batch)
	}

	rows := make([][]int64, batch)
	lengths := make([]int, batch)
	maxLen := 0

	for b, d := range durations {
		if int64(len(d)) > tokens {
			return nil, nil, fmt.Errorf("toucan: duration row %d has %d entries for %d tokens", b, len(d), tokens)
		}

		idx, err := RegulateIndices(d)
		if err != nil {
			return nil, nil, err
		}

		rows[b] = idx
		lengths[b] = len(idx)
		maxLen = max(maxLen, len(idx))
	}

	flat, err := autograd.Reshape(hs, batch*tokens, dim)
	if err != nil {
		return nil, nil, err
	}

	// Row batch*tokens is an all-zero pad row.
	zeros, err := tensor.Zeros([]int64{1, dim})
	if err != nil {
		return nil, nil, err
	}

	if flat, err = autograd.Concat([]*autograd.Var{flat, autograd.Const(zeros)}, 0); err != nil {
		return nil, nil, err
	}

	pad := batch * tokens
	gather := make([]int64, 0, int(batch)*maxLen)

	for b, idx := range rows {
		for _, t := range idx {
			gather = append(gather, int64(b)*tokens+t)
		}

		for range maxLen - len(idx) {
			gather = append(gather, pad)
		}
	}

	out, err := autograd.IndexSelect(flat, 0, gather)
	if err != nil {
		return nil, nil, err
	}

	out, err = autograd.Reshape(out, batch, int64(maxLen), dim)
	if err != nil {
		return nil, nil, err
	}

	return out, lengths, nil
}
