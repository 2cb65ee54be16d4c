package toucan

import (
	"fmt"
	"slices"

	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// maskBias is added to attention logits of padded keys.
const maskBias = -1e9

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}

	slices.Sort(keys)

	return keys
}

// sequenceMask returns a [batch*maxLen] slice with 1 at valid positions.
func sequenceMask(lengths []int, maxLen int) []float32 {
	out := make([]float32, len(lengths)*maxLen)

	for b, n := range lengths {
		for t := range min(n, maxLen) {
			out[b*maxLen+t] = 1
		}
	}

	return out
}

// maskVar shapes sequenceMask as a constant with the given trailing dims,
// e.g. [B, T, 1] or [B, 1, T].
func maskVar(lengths []int, maxLen int, shape ...int64) (*autograd.Var, error) {
	m, err := tensor.Wrap(sequenceMask(lengths, maxLen), shape)
	if err != nil {
		return nil, fmt.Errorf("toucan: mask: %w", err)
	}

	return autograd.Const(m), nil
}

// attentionBias returns [B, 1, 1, T] holding 0 for valid keys and a large
// negative value for padded ones.
func attentionBias(lengths []int, maxLen int) (*autograd.Var, error) {
	data := sequenceMask(lengths, maxLen)
	for i, v := range data {
		if v == 0 {
			data[i] = maskBias
		} else {
			data[i] = 0
		}
	}

	t, err := tensor.Wrap(data, []int64{int64(len(lengths)), 1, 1, int64(maxLen)})
	if err != nil {
		return nil, fmt.Errorf("toucan: attention mask: %w", err)
	}

	return autograd.Const(t), nil
}

// checkLengths verifies that every length fits the padded axis.
func checkLengths(name string, lengths []int, batch, maxLen int64) error {
	if int64(len(lengths)) != batch {
		return fmt.Errorf("toucan: %s has %d entries for batch %d", name, len(lengths), batch)
	}

	for i, n := range lengths {
		if n < 0 || int64(n) > maxLen {
			return fmt.Errorf("toucan: %s[%d]=%d outside [0, %d]", name, i, n, maxLen)
		}
	}

	return nil
}
