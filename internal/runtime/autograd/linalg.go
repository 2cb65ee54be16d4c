package autograd

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// MatMul performs batched matrix multiplication with batch broadcasting.
func MatMul(a, b *Var) (*Var, error) {
	out, err := tensor.MatMul(a.Value, b.Value)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	return newOp("matmul", out, []*Var{a, b}, func(g *tensor.Tensor) error {
		if a.RequiresGrad() {
			bt, err := b.Value.Transpose(-1, -2)
			if err != nil {
				return err
			}

			ga, err := tensor.MatMul(g, bt)
			if err != nil {
				return err
			}

			if err := accumulateReduced(a, ga); err != nil {
				return err
			}
		}

		if b.RequiresGrad() {
			at, err := a.Value.Transpose(-1, -2)
			if err != nil {
				return err
			}

			gb, err := tensor.MatMul(at, g)
			if err != nil {
				return err
			}

			if err := accumulateReduced(b, gb); err != nil {
				return err
			}
		}

		return nil
	}), nil
}

// Linear applies y = x W^T + b with W shaped [out, in]. bias may be nil.
func Linear(x, weight, bias *Var) (*Var, error) {
	var bv *tensor.Tensor
	if bias != nil {
		bv = bias.Value
	}

	out, err := tensor.Linear(x.Value, weight.Value, bv)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	parents := []*Var{x, weight}
	if bias != nil {
		parents = append(parents, bias)
	}

	return newOp("linear", out, parents, func(g *tensor.Tensor) error {
		wShape := weight.Value.Shape()
		outDim, inDim := int(wShape[0]), int(wShape[1])
		xd, wd, gd := x.Data(), weight.Data(), g.RawData()
		rows := len(gd) / max(outDim, 1)

		if x.RequiresGrad() {
			gx := make([]float32, len(xd))

			tensor.ParallelFor(rows, func(lo, hi int) {
				for n := lo; n < hi; n++ {
					dst := gx[n*inDim : (n+1)*inDim]
					for o := range outDim {
						tensor.Axpy(dst, gd[n*outDim+o], wd[o*inDim:(o+1)*inDim])
					}
				}
			})

			if err := x.accumulateData(gx); err != nil {
				return err
			}
		}

		if weight.RequiresGrad() {
			gw := make([]float32, len(wd))

			tensor.ParallelFor(outDim, func(lo, hi int) {
				for o := lo; o < hi; o++ {
					dst := gw[o*inDim : (o+1)*inDim]
					for n := range rows {
						tensor.Axpy(dst, gd[n*outDim+o], xd[n*inDim:(n+1)*inDim])
					}
				}
			})

			if err := weight.accumulateData(gw); err != nil {
				return err
			}
		}

		if bias.RequiresGrad() {
			gb := make([]float32, outDim)
			for n := range rows {
				tensor.Axpy(gb, 1, gd[n*outDim:(n+1)*outDim])
			}

			return bias.accumulateData(gb)
		}

		return nil
	}), nil
}

// ChannelMix mixes the groups of x [batch, n, rest] with the square matrix
// w [n, n]: out[b, i] = sum_j w[i, j] x[b, j]. It is the 1x1 invertible
// convolution used by flow layers.
func ChannelMix(w, x *Var) (*Var, error) {
	ws := w.Shape()
	xs := x.Shape()

	if len(ws) != 2 || ws[0] != ws[1] {
		return nil, fmt.Errorf("autograd: channel mix weight must be square, got %v", ws)
	}

	if len(xs) != 3 || xs[1] != ws[0] {
		return nil, fmt.Errorf("autograd: channel mix input %v does not match weight %v", xs, ws)
	}

	return MatMul(w, x)
}

// LogAbsDet returns log|det(w)| for a square matrix as a one-element value.
func LogAbsDet(w *Var) (*Var, error) {
	shape := w.Shape()
	if len(shape) != 2 || shape[0] != shape[1] {
		return nil, fmt.Errorf("autograd: logdet requires a square matrix, got %v", shape)
	}

	m := toDense(w.Value)
	logDet, _ := mat.LogDet(m)

	if math.IsInf(logDet, -1) {
		return nil, errors.New("autograd: logdet of a singular matrix")
	}

	out, _ := tensor.Wrap([]float32{float32(logDet)}, []int64{1})

	return newOp("logdet", out, []*Var{w}, func(g *tensor.Tensor) error {
		var inv mat.Dense
		if err := inv.Inverse(m); err != nil {
			return fmt.Errorf("logdet backward: %w", err)
		}

		n := int(shape[0])
		gv := g.RawData()[0]
		gw := make([]float32, n*n)

		for i := range n {
			for j := range n {
				gw[i*n+j] = gv * float32(inv.At(j, i))
			}
		}

		return w.accumulateData(gw)
	}), nil
}

// Inverse returns the inverse of a square matrix tensor.
func Inverse(t *tensor.Tensor) (*tensor.Tensor, error) {
	shape := t.Shape()
	if len(shape) != 2 || shape[0] != shape[1] {
		return nil, fmt.Errorf("autograd: inverse requires a square matrix, got %v", shape)
	}

	var inv mat.Dense
	if err := inv.Inverse(toDense(t)); err != nil {
		return nil, fmt.Errorf("autograd: inverse: %w", err)
	}

	return fromDense(&inv)
}

func toDense(t *tensor.Tensor) *mat.Dense {
	shape := t.Shape()
	data := make([]float64, t.ElemCount())

	for i, v := range t.RawData() {
		data[i] = float64(v)
	}

	return mat.NewDense(int(shape[0]), int(shape[1]), data)
}

func fromDense(m mat.Matrix) (*tensor.Tensor, error) {
	r, c := m.Dims()
	data := make([]float32, r*c)

	for i := range r {
		for j := range c {
			data[i*c+j] = float32(m.At(i, j))
		}
	}

	return tensor.Wrap(data, []int64{int64(r), int64(c)})
}

// OrthogonalInit returns the Q factor of the QR decomposition of a random
// normal matrix, with the first column negated if needed so det(Q) > 0.
func OrthogonalInit(n int, normal func() float64) (*tensor.Tensor, error) {
	data := make([]float64, n*n)
	for i := range data {
		data[i] = normal()
	}

	var qr mat.QR
	qr.Factorize(mat.NewDense(n, n, data))

	var q mat.Dense
	qr.QTo(&q)

	if mat.Det(&q) < 0 {
		for i := range n {
			q.Set(i, 0, -q.At(i, 0))
		}
	}

	return fromDense(&q)
}
