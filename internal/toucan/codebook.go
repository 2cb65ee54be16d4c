package toucan

import (
	"fmt"

	"github.com/example/go-toucantts/internal/nn"
	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// codebookHeads predicts residual codebooks in order. Head k reads the
// decoder output concatenated with codebooks 0..k-1.
type codebookHeads struct {
	heads []*nn.Linear
	dim   int64
	cd    int64
}

func newCodebookHeads(p *nn.Params, dim, numCodebooks, codebookDim int) (*codebookHeads, error) {
	c := &codebookHeads{dim: int64(dim), cd: int64(codebookDim)}

	for k := range numCodebooks {
		in := int64(dim + k*codebookDim)

		head, err := nn.NewLinear(p.Index(k), in, int64(codebookDim), true)
		if err != nil {
			return nil, err
		}

		c.heads = append(c.heads, head)
	}

	return c, nil
}

// inputWidth is the feature width head k consumes.
func (c *codebookHeads) inputWidth(k int) int64 {
	return c.heads[k].Weight.Dim(1)
}

// forward runs the chain over decoded [B, L, dim]. With gold [B, L, N*cd]
// every head after the first sees the gold codebooks before it; without
// gold it sees its predecessors' predictions. The result is [B, L, N*cd].
func (c *codebookHeads) forward(decoded, gold *autograd.Var) (*autograd.Var, error) {
	if decoded.Rank() != 3 || decoded.Dim(2) != c.dim {
		return nil, fmt.Errorf("toucan: codebook heads expect [batch, frames, %d], got %v", c.dim, decoded.Shape())
	}

	width := int64(len(c.heads)) * c.cd

	if gold != nil {
		gs := gold.Shape()
		if len(gs) != 3 || gs[0] != decoded.Dim(0) || gs[1] != decoded.Dim(1) || gs[2] != width {
			return nil, fmt.Errorf("toucan: gold codec frames %v do not match decoded %v with %d features", gs, decoded.Shape(), width)
		}
	}

	context := []*autograd.Var{decoded}
	preds := make([]*autograd.Var, 0, len(c.heads))

	for k, head := range c.heads {
		in, err := autograd.Concat(context, 2)
		if err != nil {
			return nil, err
		}

		pred, err := head.Forward(in)
		if err != nil {
			return nil, fmt.Errorf("toucan: codebook head %d: %w", k, err)
		}

		preds = append(preds, pred)

		next := pred
		if gold != nil {
			if next, err = autograd.Narrow(gold, 2, int64(k)*c.cd, c.cd); err != nil {
				return nil, err
			}
		}

		context = append(context, next)
	}

	return autograd.Concat(preds, 2)
}

// CodebookLayout rearranges frames [B, L, N*cd] into [N, B, cd, L].
func CodebookLayout(frames *tensor.Tensor, numCodebooks int) (*tensor.Tensor, error) {
	shape := frames.Shape()
	if len(shape) != 3 || shape[2]%int64(numCodebooks) != 0 {
		return nil, fmt.Errorf("toucan: cannot split %v into %d codebooks", shape, numCodebooks)
	}

	cd := shape[2] / int64(numCodebooks)

	view, err := frames.Reshape([]int64{shape[0], shape[1], int64(numCodebooks), cd})
	if err != nil {
		return nil, err
	}

	return view.Permute(2, 0, 3, 1)
}
