package ops

import (
	"fmt"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// PackTransposedKernel reorders a ConvTranspose1D kernel from
// [in_channels, out_channels, kernel_size] to [kernel_size, out_channels,
// in_channels] so every (tap, output channel) pair reads a contiguous row.
// Generators pack once at load and pass the result to ConvTranspose1D.
func PackTransposedKernel(kernel *tensor.Tensor) []float32 {
	inCh, outCh, k := int(kernel.Dim(0)), int(kernel.Dim(1)), int(kernel.Dim(2))
	src := kernel.RawData()
	packed := make([]float32, len(src))

	for ic := range inCh {
		for oc := range outCh {
			for kx := range k {
				packed[(kx*outCh+oc)*inCh+ic] = src[(ic*outCh+oc)*k+kx]
			}
		}
	}

	return packed
}

// ConvTranspose1D upsamples input [batch, in_channels, length] with kernel
// [in_channels, out_channels, kernel_size]. packed may be nil or the
// PackTransposedKernel form of kernel.
func ConvTranspose1D(input, kernel, bias *tensor.Tensor, packed []float32, stride, padding, outputPadding, dilation int64) (*tensor.Tensor, error) {
	g, err := newConvT1DGeom(input, kernel, bias, stride, padding, outputPadding, dilation)
	if err != nil {
		return nil, err
	}

	switch {
	case packed == nil:
		packed = PackTransposedKernel(kernel)
	case len(packed) != kernel.ElemCount():
		return nil, fmt.Errorf("ops: packed kernel has %d values, want %d", len(packed), kernel.ElemCount())
	}

	x := input.RawData()
	b := bias.RawData()
	out := make([]float32, g.batch*g.outCh*g.outLen)

	inCh, outCh := int(g.inCh), int(g.outCh)
	length, outLen := int(g.length), int(g.outLen)

	// frames holds one batch item as [length, in_channels].
	frames := getScratch(length * inCh)
	defer putScratch(frames)

	for n := range int(g.batch) {
		for ic := range inCh {
			src := x[(n*inCh+ic)*length:][:length]
			for ix, v := range src {
				frames[ix*inCh+ic] = v
			}
		}

		outN := out[n*outCh*outLen:][:outCh*outLen]

		parallelFor(outCh, getConvWorkers(), func(lo, hi int) {
			for oc := lo; oc < hi; oc++ {
				dst := outN[oc*outLen : (oc+1)*outLen]

				for kx := range g.kernel {
					taps := packed[(int(kx)*outCh+oc)*inCh:][:inCh]

					for ix := range length {
						pos := g.outPos(int64(ix), kx)
						if pos < 0 || pos >= g.outLen {
							continue
						}

						dst[pos] += tensor.DotProduct(taps, frames[ix*inCh:(ix+1)*inCh])
					}
				}

				if b != nil {
					for i := range dst {
						dst[i] += b[oc]
					}
				}
			}
		})
	}

	return tensor.Wrap(out, []int64{g.batch, g.outCh, g.outLen})
}
