package autograd

import (
	"fmt"
	"math"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// LayerNorm normalizes the last dimension. weight and bias may be nil.
func LayerNorm(x, weight, bias *Var, eps float32) (*Var, error) {
	shape := x.Value.Shape()
	if len(shape) == 0 {
		return nil, fmt.Errorf("autograd: layernorm requires rank >= 1")
	}

	d := int(shape[len(shape)-1])
	if d <= 0 {
		return nil, fmt.Errorf("autograd: layernorm last dimension must be > 0, got %v", shape)
	}

	var w, b []float32
	if weight != nil {
		if weight.Value.ElemCount() != d {
			return nil, fmt.Errorf("autograd: layernorm weight %v does not match last dim %d", weight.Shape(), d)
		}

		w = weight.Data()
	}

	if bias != nil {
		if bias.Value.ElemCount() != d {
			return nil, fmt.Errorf("autograd: layernorm bias %v does not match last dim %d", bias.Shape(), d)
		}

		b = bias.Data()
	}

	xd := x.Value.RawData()
	rows := len(xd) / d
	xhat := make([]float32, len(xd))
	rstd := make([]float32, rows)
	out := make([]float32, len(xd))

	for r := range rows {
		row := xd[r*d : (r+1)*d]

		var mean float64
		for _, v := range row {
			mean += float64(v)
		}

		mean /= float64(d)

		var variance float64
		for _, v := range row {
			delta := float64(v) - mean
			variance += delta * delta
		}

		variance /= float64(d)
		inv := float32(1 / math.Sqrt(variance+float64(eps)))
		rstd[r] = inv

		for i, v := range row {
			n := (v - float32(mean)) * inv
			xhat[r*d+i] = n

			if w != nil {
				n *= w[i]
			}

			if b != nil {
				n += b[i]
			}

			out[r*d+i] = n
		}
	}

	value, err := tensor.Wrap(out, shape)
	if err != nil {
		return nil, err
	}

	parents := []*Var{x}
	if weight != nil {
		parents = append(parents, weight)
	}

	if bias != nil {
		parents = append(parents, bias)
	}

	return newOp("layer_norm", value, parents, func(g *tensor.Tensor) error {
		gd := g.RawData()
		gx := make([]float32, len(gd))

		var gw, gb []float32
		if weight.RequiresGrad() {
			gw = make([]float32, d)
		}

		if bias.RequiresGrad() {
			gb = make([]float32, d)
		}

		gxhat := make([]float32, d)

		for r := range rows {
			var sumG, sumGX float32

			for i := range d {
				k := r*d + i
				gv := gd[k]

				if gw != nil {
					gw[i] += gv * xhat[k]
				}

				if gb != nil {
					gb[i] += gv
				}

				if w != nil {
					gv *= w[i]
				}

				gxhat[i] = gv
				sumG += gv
				sumGX += gv * xhat[k]
			}

			meanG := sumG / float32(d)
			meanGX := sumGX / float32(d)

			for i := range d {
				k := r*d + i
				gx[k] = rstd[r] * (gxhat[i] - meanG - xhat[k]*meanGX)
			}
		}

		if err := x.accumulateData(gx); err != nil {
			return err
		}

		if gw != nil {
			if err := weight.accumulateData(gw); err != nil {
				return err
			}
		}

		if gb != nil {
			return bias.accumulateData(gb)
		}

		return nil
	}), nil
}

// WeightNorm reparameterizes a weight as g * v / ||v||, with the norm taken
// over every dimension except the first.
func WeightNorm(v, g *Var) (*Var, error) {
	shape := v.Value.Shape()
	if len(shape) < 2 {
		return nil, fmt.Errorf("autograd: weight norm requires rank >= 2, got %v", shape)
	}

	rows := int(shape[0])
	if g.Value.ElemCount() != rows {
		return nil, fmt.Errorf("autograd: weight norm gain %v does not match %d rows", g.Shape(), rows)
	}

	vd, gd := v.Data(), g.Data()
	cols := len(vd) / rows
	norms := make([]float32, rows)
	out := make([]float32, len(vd))

	for r := range rows {
		row := vd[r*cols : (r+1)*cols]
		n := float32(math.Sqrt(float64(tensor.DotProduct(row, row))))
		norms[r] = n

		scale := float32(0)
		if n > 0 {
			scale = gd[r] / n
		}

		for i, val := range row {
			out[r*cols+i] = val * scale
		}
	}

	value, err := tensor.Wrap(out, shape)
	if err != nil {
		return nil, err
	}

	return newOp("weight_norm", value, []*Var{v, g}, func(grad *tensor.Tensor) error {
		gw := grad.RawData()
		gv := make([]float32, len(vd))
		gg := make([]float32, rows)

		for r := range rows {
			n := norms[r]
			if n == 0 {
				continue
			}

			row := vd[r*cols : (r+1)*cols]
			gRow := gw[r*cols : (r+1)*cols]
			dot := tensor.DotProduct(gRow, row)
			gg[r] = dot / n

			coef := gd[r] / n
			proj := dot / (n * n)

			for i := range row {
				gv[r*cols+i] = coef * (gRow[i] - proj*row[i])
			}
		}

		if err := v.accumulateData(gv); err != nil {
			return err
		}

		return g.accumulateData(gg)
	}), nil
}
