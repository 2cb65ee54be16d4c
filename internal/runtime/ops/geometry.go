package ops

import (
	"errors"
	"fmt"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// conv1DGeom is the validated layout of one Conv1D call.
type conv1DGeom struct {
	batch, inCh, length     int64
	outCh, kernel, outLen   int64
	inPerGroup, outPerGroup int64

	stride, padding, dilation, groups int64
}

// patch is the length of one kernel row and one im2col row.
func (g conv1DGeom) patch() int64 { return g.inPerGroup * g.kernel }

// inPos maps an output position and kernel tap to an input position. The
// result may fall outside [0, length) where padding applies.
func (g conv1DGeom) inPos(ox, kx int64) int64 {
	return ox*g.stride - g.padding + kx*g.dilation
}

func newConv1DGeom(input, kernel, bias *tensor.Tensor, stride, padding, dilation, groups int64) (conv1DGeom, error) {
	if input == nil || kernel == nil {
		return conv1DGeom{}, errors.New("ops: conv1d requires non-nil input/kernel")
	}

	if stride <= 0 || dilation <= 0 || groups <= 0 || padding < 0 {
		return conv1DGeom{}, fmt.Errorf("ops: conv1d invalid stride %d padding %d dilation %d groups %d", stride, padding, dilation, groups)
	}

	if input.Rank() != 3 || kernel.Rank() != 3 {
		return conv1DGeom{}, fmt.Errorf("ops: conv1d expects input/kernel rank 3, got %v and %v", input.Shape(), kernel.Shape())
	}

	g := conv1DGeom{
		batch:    input.Dim(0),
		inCh:     input.Dim(1),
		length:   input.Dim(2),
		outCh:    kernel.Dim(0),
		kernel:   kernel.Dim(2),
		stride:   stride,
		padding:  padding,
		dilation: dilation,
		groups:   groups,
	}

	if g.inCh%groups != 0 || g.outCh%groups != 0 {
		return conv1DGeom{}, fmt.Errorf("ops: conv1d channels not divisible by groups (%d, %d, groups=%d)", g.inCh, g.outCh, groups)
	}

	g.inPerGroup = g.inCh / groups
	g.outPerGroup = g.outCh / groups

	if kernel.Dim(1) != g.inPerGroup {
		return conv1DGeom{}, fmt.Errorf("ops: conv1d kernel in_channels/groups mismatch: got %d want %d", kernel.Dim(1), g.inPerGroup)
	}

	if err := checkBias(bias, g.outCh); err != nil {
		return conv1DGeom{}, fmt.Errorf("ops: conv1d %w", err)
	}

	g.outLen = (g.length+2*padding-dilation*(g.kernel-1)-1)/stride + 1
	if g.outLen <= 0 {
		return conv1DGeom{}, fmt.Errorf("ops: conv1d produced non-positive output length %d", g.outLen)
	}

	return g, nil
}

// convT1DGeom is the validated layout of one groups=1 ConvTranspose1D call.
type convT1DGeom struct {
	batch, inCh, length   int64
	outCh, kernel, outLen int64

	stride, padding, dilation int64
}

func (g convT1DGeom) outPos(ix, kx int64) int64 {
	return ix*g.stride - g.padding + kx*g.dilation
}

func newConvT1DGeom(input, kernel, bias *tensor.Tensor, stride, padding, outputPadding, dilation int64) (convT1DGeom, error) {
	if input == nil || kernel == nil {
		return convT1DGeom{}, errors.New("ops: convtranspose1d requires non-nil input/kernel")
	}

	if stride <= 0 || dilation <= 0 || padding < 0 {
		return convT1DGeom{}, fmt.Errorf("ops: convtranspose1d invalid stride %d padding %d dilation %d", stride, padding, dilation)
	}

	if outputPadding < 0 || outputPadding >= max(stride, dilation) {
		return convT1DGeom{}, fmt.Errorf("ops: convtranspose1d output_padding %d out of range", outputPadding)
	}

	if input.Rank() != 3 || kernel.Rank() != 3 {
		return convT1DGeom{}, fmt.Errorf("ops: convtranspose1d expects input/kernel rank 3, got %v and %v", input.Shape(), kernel.Shape())
	}

	g := convT1DGeom{
		batch:    input.Dim(0),
		inCh:     input.Dim(1),
		length:   input.Dim(2),
		outCh:    kernel.Dim(1),
		kernel:   kernel.Dim(2),
		stride:   stride,
		padding:  padding,
		dilation: dilation,
	}

	if kernel.Dim(0) != g.inCh {
		return convT1DGeom{}, fmt.Errorf("ops: convtranspose1d kernel in_channels mismatch %d vs %d", kernel.Dim(0), g.inCh)
	}

	if err := checkBias(bias, g.outCh); err != nil {
		return convT1DGeom{}, fmt.Errorf("ops: convtranspose1d %w", err)
	}

	g.outLen = (g.length-1)*stride - 2*padding + dilation*(g.kernel-1) + outputPadding + 1
	if g.outLen <= 0 {
		return convT1DGeom{}, fmt.Errorf("ops: convtranspose1d produced non-positive output length %d", g.outLen)
	}

	return g, nil
}

func checkBias(bias *tensor.Tensor, outCh int64) error {
	if bias == nil {
		return nil
	}

	if bias.Rank() != 1 || bias.Dim(0) != outCh {
		return fmt.Errorf("bias shape %v does not match out_channels %d", bias.Shape(), outCh)
	}

	return nil
}
