package toucan

import (
	"fmt"
	"math"

	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Losses are the five scalar training objectives of one forward pass.
type Losses struct {
	Regression *autograd.Var
	Glow       *autograd.Var
	Duration   *autograd.Var
	Pitch      *autograd.Var
	Energy     *autograd.Var
}

// LossNames lists the components in reporting order.
var LossNames = []string{"regression", "glow", "duration", "pitch", "energy"}

// Components returns the losses in LossNames order.
func (l Losses) Components() []*autograd.Var {
	return []*autograd.Var{l.Regression, l.Glow, l.Duration, l.Pitch, l.Energy}
}

// Values returns the scalar value of every component keyed by name.
func (l Losses) Values() map[string]float64 {
	out := make(map[string]float64, len(LossNames))
	for i, v := range l.Components() {
		if v != nil {
			out[LossNames[i]] = float64(v.Item())
		}
	}

	return out
}

// maskedWeights returns [B*steps*width] weights that average each sample
// over its valid positions and the batch over samples: 1/(len_b*B*width)
// at valid positions and 0 elsewhere.
func maskedWeights(lengths []int, steps, width int) []float32 {
	batch := len(lengths)
	out := make([]float32, batch*steps*width)

	for b, n := range lengths {
		if n <= 0 {
			continue
		}

		w := float32(1 / (float64(n) * float64(batch) * float64(width)))

		for t := range min(n, steps) {
			row := out[(b*steps+t)*width : (b*steps+t+1)*width]
			for i := range row {
				row[i] = w
			}
		}
	}

	return out
}

func weighted(x *autograd.Var, lengths []int) (*autograd.Var, error) {
	shape := x.Shape()
	steps, width := int(shape[1]), 1

	for _, d := range shape[2:] {
		width *= int(d)
	}

	w, err := tensor.Wrap(maskedWeights(lengths, steps, width), shape)
	if err != nil {
		return nil, fmt.Errorf("toucan: loss weights: %w", err)
	}

	return autograd.WeightedSum(x, w)
}

// l1Loss is the masked mean absolute error of [B, L, D] predictions.
func l1Loss(pred, gold *autograd.Var, lengths []int) (*autograd.Var, error) {
	diff, err := autograd.Sub(pred, gold)
	if err != nil {
		return nil, fmt.Errorf("toucan: regression loss: %w", err)
	}

	return weighted(autograd.Abs(diff), lengths)
}

// mseLoss is the masked mean squared error of [B, T] or [B, T, 1] values.
func mseLoss(pred, gold *autograd.Var, lengths []int) (*autograd.Var, error) {
	diff, err := autograd.Sub(pred, gold)
	if err != nil {
		return nil, fmt.Errorf("toucan: mse loss: %w", err)
	}

	return weighted(autograd.Square(diff), lengths)
}

// logDurations converts padded integer durations to log(d + 1), [B, T].
func logDurations(durations [][]int, steps int) (*autograd.Var, error) {
	out := make([]float32, len(durations)*steps)

	for b, row := range durations {
		for t, d := range row {
			out[b*steps+t] = float32(math.Log(float64(d) + 1))
		}
	}

	v, err := tensor.Wrap(out, []int64{int64(len(durations)), int64(steps)})
	if err != nil {
		return nil, err
	}

	return autograd.Const(v), nil
}

// Finite reports whether a loss value is neither NaN nor infinite.
func Finite(v *autograd.Var) bool {
	if v == nil {
		return false
	}

	x := float64(v.Item())

	return !math.IsNaN(x) && !math.IsInf(x, 0)
}
