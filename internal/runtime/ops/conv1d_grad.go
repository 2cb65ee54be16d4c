package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Conv1DGrads holds the gradients of a Conv1D call with respect to its
// operands. Bias is nil when the forward call had no bias.
type Conv1DGrads struct {
	Input  *tensor.Tensor
	Kernel *tensor.Tensor
	Bias   *tensor.Tensor
}

// Conv1DBackward computes the gradients of Conv1D given the upstream gradient
// gradOut of shape [batch, out_channels, out_length].
func Conv1DBackward(input, kernel, gradOut *tensor.Tensor, withBias bool, stride, padding, dilation, groups int64) (Conv1DGrads, error) {
	g, err := newConv1DGeom(input, kernel, nil, stride, padding, dilation, groups)
	if err != nil {
		return Conv1DGrads{}, err
	}

	if gradOut == nil {
		return Conv1DGrads{}, errors.New("ops: conv1d backward requires a gradient")
	}

	if gs := gradOut.Shape(); len(gs) != 3 || gs[0] != g.batch || gs[1] != g.outCh || gs[2] != g.outLen {
		return Conv1DGrads{}, fmt.Errorf("ops: conv1d backward gradient shape %v, want [%d %d %d]", gs, g.batch, g.outCh, g.outLen)
	}

	x := input.RawData()
	w := kernel.RawData()
	dy := gradOut.RawData()

	dx := make([]float32, len(x))
	dw := make([]float32, len(w))

	var db []float32
	if withBias {
		db = make([]float32, g.outCh)
	}

	// Output channels are split across workers. Kernel and bias rows are
	// disjoint per channel; input gradients go to per-worker buffers.
	workers := max(getConvWorkers(), 1)
	partials := make([][]float32, workers)
	chunk := (int(g.outCh) + workers - 1) / workers

	parallelFor(workers, workers, func(lo, hi int) {
		for wk := lo; wk < hi; wk++ {
			ocLo, ocHi := int64(wk*chunk), min(int64((wk+1)*chunk), g.outCh)
			if ocLo >= ocHi {
				continue
			}

			local := make([]float32, len(x))
			partials[wk] = local

			for oc := ocLo; oc < ocHi; oc++ {
				g.backwardChannel(oc, x, w, dy, local, dw, db)
			}
		}
	})

	for _, local := range partials {
		if local != nil {
			tensor.Axpy(dx, 1, local)
		}
	}

	var grads Conv1DGrads

	if grads.Input, err = tensor.Wrap(dx, input.Shape()); err != nil {
		return Conv1DGrads{}, err
	}

	if grads.Kernel, err = tensor.Wrap(dw, kernel.Shape()); err != nil {
		return Conv1DGrads{}, err
	}

	if db != nil {
		if grads.Bias, err = tensor.Wrap(db, []int64{g.outCh}); err != nil {
			return Conv1DGrads{}, err
		}
	}

	return grads, nil
}

// backwardChannel accumulates the gradients flowing out of output channel oc.
func (g conv1DGeom) backwardChannel(oc int64, x, w, dy, dx, dw, db []float32) {
	icBase := oc / g.outPerGroup * g.inPerGroup
	kRow := oc * g.patch()

	for n := range g.batch {
		grad := dy[(n*g.outCh+oc)*g.outLen:][:g.outLen]

		for ox, gv := range grad {
			if gv == 0 {
				continue
			}

			if db != nil {
				db[oc] += gv
			}

			for ic := range g.inPerGroup {
				inBase := (n*g.inCh + icBase + ic) * g.length
				kBase := kRow + ic*g.kernel

				for kx := range g.kernel {
					pos := g.inPos(int64(ox), kx)
					if pos < 0 || pos >= g.length {
						continue
					}

					dw[kBase+kx] += gv * x[inBase+pos]
					dx[inBase+pos] += gv * w[kBase+kx]
				}
			}
		}
	}
}

// ReflectPad1D pads the last dimension of a [batch, channels, length] tensor
// by mirroring interior samples, as torch.nn.ReflectionPad1d does.
func ReflectPad1D(input *tensor.Tensor, left, right int64) (*tensor.Tensor, error) {
	if input == nil {
		return nil, errors.New("ops: reflect pad requires non-nil input")
	}

	shape := input.Shape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("ops: reflect pad expects rank 3, got %v", shape)
	}

	length := shape[2]
	if left < 0 || right < 0 || left >= length || right >= length {
		return nil, fmt.Errorf("ops: reflect pad (%d, %d) invalid for length %d", left, right, length)
	}

	outLen := length + left + right
	rows := shape[0] * shape[1]
	src := input.RawData()
	out := make([]float32, rows*outLen)

	for r := range rows {
		in := src[r*length : (r+1)*length]
		dst := out[r*outLen : (r+1)*outLen]

		for i := range outLen {
			j := i - left
			if j < 0 {
				j = -j
			} else if j >= length {
				j = 2*(length-1) - j
			}

			dst[i] = in[j]
		}
	}

	return tensor.Wrap(out, []int64{shape[0], shape[1], outLen})
}
