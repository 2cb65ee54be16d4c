package autograd

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// unary applies fwd element-wise; deriv receives the input and output
// element and returns dy/dx.
func unary(op string, x *Var, fwd func(float32) float32, deriv func(x, y float32) float32) *Var {
	out := tensor.Map(x.Value, fwd)

	return newOp(op, out, []*Var{x}, func(g *tensor.Tensor) error {
		xd, yd, gd := x.Value.RawData(), out.RawData(), g.RawData()
		gx := make([]float32, len(gd))

		for i := range gd {
			gx[i] = gd[i] * deriv(xd[i], yd[i])
		}

		return x.accumulateData(gx)
	})
}

func Tanh(x *Var) *Var {
	return unary("tanh", x,
		func(v float32) float32 { return float32(math.Tanh(float64(v))) },
		func(_, y float32) float32 { return 1 - y*y })
}

func Sigmoid(x *Var) *Var {
	return unary("sigmoid", x, sigmoid,
		func(_, y float32) float32 { return y * (1 - y) })
}

func ReLU(x *Var) *Var {
	return unary("relu", x,
		func(v float32) float32 { return max(v, 0) },
		func(v, _ float32) float32 {
			if v > 0 {
				return 1
			}

			return 0
		})
}

func LeakyReLU(x *Var, slope float32) *Var {
	return unary("leaky_relu", x,
		func(v float32) float32 {
			if v > 0 {
				return v
			}

			return v * slope
		},
		func(v, _ float32) float32 {
			if v > 0 {
				return 1
			}

			return slope
		})
}

// SiLU is x * sigmoid(x), the Swish activation used by conformer modules.
func SiLU(x *Var) *Var {
	return unary("silu", x,
		func(v float32) float32 { return v * sigmoid(v) },
		func(v, _ float32) float32 {
			s := sigmoid(v)
			return s * (1 + v*(1-s))
		})
}

func Exp(x *Var) *Var {
	return unary("exp", x,
		func(v float32) float32 { return float32(math.Exp(float64(v))) },
		func(_, y float32) float32 { return y })
}

func Abs(x *Var) *Var {
	return unary("abs", x,
		func(v float32) float32 { return float32(math.Abs(float64(v))) },
		func(v, _ float32) float32 {
			switch {
			case v > 0:
				return 1
			case v < 0:
				return -1
			default:
				return 0
			}
		})
}

func Square(x *Var) *Var {
	return unary("square", x,
		func(v float32) float32 { return v * v },
		func(v, _ float32) float32 { return 2 * v })
}

func sigmoid(v float32) float32 {
	return float32(1 / (1 + math.Exp(-float64(v))))
}

// Softmax normalizes along dim.
func Softmax(x *Var, dim int) (*Var, error) {
	out, err := tensor.Softmax(x.Value, dim)
	if err != nil {
		return nil, fmt.Errorf("autograd: %w", err)
	}

	if dim < 0 {
		dim += x.Rank()
	}

	return newOp("softmax", out, []*Var{x}, func(g *tensor.Tensor) error {
		outer, size, inner := splitDims(out.Shape(), dim)
		yd, gd := out.RawData(), g.RawData()
		gx := make([]float32, len(gd))

		for o := range outer {
			for in := range inner {
				base := o*size*inner + in

				var dot float32
				for k := range size {
					i := base + k*inner
					dot += gd[i] * yd[i]
				}

				for k := range size {
					i := base + k*inner
					gx[i] = yd[i] * (gd[i] - dot)
				}
			}
		}

		return x.accumulateData(gx)
	}), nil
}

// Dropout zeroes elements with probability p and rescales survivors. A nil
// rng or p <= 0 disables it.
func Dropout(x *Var, p float64, rng *rand.Rand) (*Var, error) {
	if rng == nil || p <= 0 {
		return x, nil
	}

	if p >= 1 {
		return Scale(x, 0), nil
	}

	keep := float32(1 / (1 - p))
	mask := make([]float32, x.Value.ElemCount())

	for i := range mask {
		if rng.Float64() >= p {
			mask[i] = keep
		}
	}

	m, err := tensor.Wrap(mask, x.Value.Shape())
	if err != nil {
		return nil, err
	}

	return Mul(x, Const(m))
}
