package ops

import (
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// Conv1D convolves input [batch, in_channels, length] with kernel
// [out_channels, in_channels/groups, kernel_size]. Each group is lowered to
// an im2col matrix so every output sample is one contiguous dot product.
func Conv1D(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (*tensor.Tensor, error) {
	g, err := newConv1DGeom(input, kernel, bias, stride, padding, dilation, groups)
	if err != nil {
		return nil, err
	}

	x := input.RawData()
	w := kernel.RawData()
	b := bias.RawData()
	out := make([]float32, g.batch*g.outCh*g.outLen)

	patch := int(g.patch())
	outLen := int(g.outLen)

	cols := getScratch(outLen * patch)
	defer putScratch(cols)

	for n := range g.batch {
		for grp := range g.groups {
			g.im2col(x, n, grp, cols)

			ocBase := grp * g.outPerGroup
			outN := out[n*g.outCh*g.outLen:]

			parallelFor(int(g.outPerGroup), getConvWorkers(), func(lo, hi int) {
				for j := lo; j < hi; j++ {
					oc := int(ocBase) + j
					row := w[oc*patch : (oc+1)*patch]
					dst := outN[oc*outLen : (oc+1)*outLen]

					var shift float32
					if b != nil {
						shift = b[oc]
					}

					for ox := range dst {
						dst[ox] = tensor.DotProduct(row, cols[ox*patch:(ox+1)*patch]) + shift
					}
				}
			})
		}
	}

	return tensor.Wrap(out, []int64{g.batch, g.outCh, g.outLen})
}

// im2col writes the [outLen, inPerGroup*kernel] patch matrix of group grp
// of batch item n into cols. Padding positions are written as zero.
func (g conv1DGeom) im2col(x []float32, n, grp int64, cols []float32) {
	patch := g.patch()
	icBase := grp * g.inPerGroup

	for ox := range g.outLen {
		row := cols[ox*patch : (ox+1)*patch]

		for ic := range g.inPerGroup {
			src := x[(n*g.inCh+icBase+ic)*g.length:][:g.length]
			taps := row[ic*g.kernel : (ic+1)*g.kernel]

			for kx := range g.kernel {
				if pos := g.inPos(ox, kx); pos >= 0 && pos < g.length {
					taps[kx] = src[pos]
				} else {
					taps[kx] = 0
				}
			}
		}
	}
}
