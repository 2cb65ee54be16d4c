package autograd

import (
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

func param(t *testing.T, data []float32, shape ...int64) *Var {
	t.Helper()

	v, err := tensor.New(data, shape)
	if err != nil {
		t.Fatalf("tensor.New: %v", err)
	}

	return Param(v)
}

func seq(n int, scale float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = (float32((i*7)%11) - 5) * scale
	}

	return out
}

// gradCheck compares analytic gradients of sum(f() * w) against central
// finite differences for every element of every input.
func gradCheck(t *testing.T, inputs []*Var, f func() (*Var, error)) {
	t.Helper()

	out, err := f()
	if err != nil {
		t.Fatalf("forward: %v", err)
	}

	weights := make([]float32, out.Value.ElemCount())
	for i := range weights {
		weights[i] = float32(i%3) - 0.7
	}

	w, _ := tensor.New(weights, out.Shape())

	loss := func() float64 {
		var val float64

		_ = NoGrad(func() error {
			o, err := f()
			if err != nil {
				t.Fatalf("forward: %v", err)
			}

			for i, v := range o.Data() {
				val += float64(v) * float64(weights[i])
			}

			return nil
		})

		return val
	}

	for _, in := range inputs {
		in.ZeroGrad()
	}

	l, err := WeightedSum(out, w)
	if err != nil {
		t.Fatalf("weighted sum: %v", err)
	}

	if err := Backward(l); err != nil {
		t.Fatalf("backward: %v", err)
	}

	const eps = 1e-2

	for n, in := range inputs {
		if in.Grad == nil {
			t.Fatalf("input %d has no gradient", n)
		}

		analytic := in.Grad.Data()
		vals := in.Value.RawData()

		for i := range vals {
			orig := vals[i]
			vals[i] = orig + eps
			up := loss()
			vals[i] = orig - eps
			down := loss()
			vals[i] = orig

			num := (up - down) / (2 * eps)
			tol := 1e-2 + 2e-2*math.Abs(num)

			if math.Abs(num-float64(analytic[i])) > tol {
				t.Fatalf("input %d grad[%d] = %v, finite difference %v", n, i, analytic[i], num)
			}
		}
	}
}

func TestArithmeticGradients(t *testing.T) {
	a := param(t, seq(6, 0.3), 2, 3)
	b := param(t, []float32{0.5, -1, 2}, 1, 3)

	gradCheck(t, []*Var{a, b}, func() (*Var, error) {
		s, err := Add(a, b)
		if err != nil {
			return nil, err
		}

		d, err := Sub(s, b)
		if err != nil {
			return nil, err
		}

		m, err := Mul(d, b)
		if err != nil {
			return nil, err
		}

		return AddScalar(Scale(m, 1.5), 2), nil
	})
}

func TestMatMulAndLinearGradients(t *testing.T) {
	a := param(t, seq(2*3*4, 0.2), 2, 3, 4)
	b := param(t, seq(4*5, 0.1), 4, 5)

	gradCheck(t, []*Var{a, b}, func() (*Var, error) { return MatMul(a, b) })

	x := param(t, seq(2*3*4, 0.25), 2, 3, 4)
	w := param(t, seq(5*4, 0.15), 5, 4)
	bias := param(t, seq(5, 0.1), 5)

	gradCheck(t, []*Var{x, w, bias}, func() (*Var, error) { return Linear(x, w, bias) })
}

func TestActivationGradients(t *testing.T) {
	acts := map[string]func(*Var) *Var{
		"tanh":    Tanh,
		"sigmoid": Sigmoid,
		"silu":    SiLU,
		"exp":     Exp,
		"square":  Square,
		"leaky":   func(v *Var) *Var { return LeakyReLU(v, 0.2) },
	}

	for name, act := range acts {
		t.Run(name, func(t *testing.T) {
			x := param(t, []float32{-1.3, -0.4, 0.35, 0.9, 1.7, -2.1}, 2, 3)
			gradCheck(t, []*Var{x}, func() (*Var, error) { return act(x), nil })
		})
	}
}

func TestSoftmaxAndLayerNormGradients(t *testing.T) {
	x := param(t, seq(2*4, 0.4), 2, 4)
	gradCheck(t, []*Var{x}, func() (*Var, error) { return Softmax(x, -1) })

	y := param(t, seq(3*5, 0.35), 3, 5)
	gamma := param(t, []float32{1, 0.5, -0.3, 2, 1.1}, 5)
	beta := param(t, []float32{0.1, 0, -0.2, 0.3, 0}, 5)

	gradCheck(t, []*Var{y, gamma, beta}, func() (*Var, error) { return LayerNorm(y, gamma, beta, 1e-5) })
}

func TestShapeGradients(t *testing.T) {
	x := param(t, seq(2*3*4, 0.2), 2, 3, 4)
	y := param(t, seq(2*2*4, 0.3), 2, 2, 4)

	gradCheck(t, []*Var{x, y}, func() (*Var, error) {
		c, err := Concat([]*Var{x, y}, 1)
		if err != nil {
			return nil, err
		}

		p, err := Permute(c, 2, 0, 1)
		if err != nil {
			return nil, err
		}

		n, err := Narrow(p, 2, 1, 3)
		if err != nil {
			return nil, err
		}

		tr, err := Transpose(n, 0, 1)
		if err != nil {
			return nil, err
		}

		sq, err := Reshape(tr, -1, 4)
		if err != nil {
			return nil, err
		}

		return Mul(sq, sq)
	})
}

func TestIndexSelectRepeatsAndEmpty(t *testing.T) {
	x := param(t, []float32{1, 2, 3, 4, 5, 6}, 3, 2)

	out, err := IndexSelect(x, 0, []int64{2, 0, 2})
	if err != nil {
		t.Fatalf("index select: %v", err)
	}

	want := []float32{5, 6, 1, 2, 5, 6}
	for i, v := range out.Data() {
		if v != want[i] {
			t.Fatalf("out = %v, want %v", out.Data(), want)
		}
	}

	if err := Backward(Sum(out)); err != nil {
		t.Fatalf("backward: %v", err)
	}

	wantGrad := []float32{1, 1, 0, 0, 2, 2}
	for i, v := range x.Grad.Data() {
		if v != wantGrad[i] {
			t.Fatalf("grad = %v, want %v", x.Grad.Data(), wantGrad)
		}
	}

	empty, err := IndexSelect(x, 0, nil)
	if err != nil {
		t.Fatalf("empty select: %v", err)
	}

	if shape := empty.Shape(); shape[0] != 0 || shape[1] != 2 {
		t.Fatalf("empty shape = %v, want [0 2]", shape)
	}

	if _, err := IndexSelect(x, 0, []int64{3}); err == nil {
		t.Fatal("expected out-of-range error")
	}
}

func TestConvAndWeightNormGradients(t *testing.T) {
	x := param(t, seq(2*3*6, 0.2), 2, 3, 6)
	v := param(t, seq(4*3*3, 0.3), 4, 3, 3)
	g := param(t, []float32{1, 0.5, 2, 1.5}, 4, 1, 1)
	b := param(t, []float32{0.1, -0.1, 0.2, 0}, 4)

	gradCheck(t, []*Var{x, v, g, b}, func() (*Var, error) {
		w, err := WeightNorm(v, g)
		if err != nil {
			return nil, err
		}

		return Conv1D(x, w, b, 1, 2, 2, 1)
	})
}

func TestLogAbsDetAndChannelMix(t *testing.T) {
	w := param(t, []float32{2, 0.5, 0.1, 0.3, 1.5, -0.2, 0, 0.4, 1.2}, 3, 3)
	gradCheck(t, []*Var{w}, func() (*Var, error) { return LogAbsDet(w) })

	x := param(t, seq(2*3*4, 0.3), 2, 3, 4)
	gradCheck(t, []*Var{w, x}, func() (*Var, error) { return ChannelMix(w, x) })

	inv, err := Inverse(w.Value)
	if err != nil {
		t.Fatalf("inverse: %v", err)
	}

	prod, err := tensor.MatMul(w.Value, inv)
	if err != nil {
		t.Fatalf("matmul: %v", err)
	}

	for i, v := range prod.Data() {
		want := float32(0)
		if i%4 == 0 {
			want = 1
		}

		if math.Abs(float64(v-want)) > 1e-5 {
			t.Fatalf("w * inv(w) = %v, want identity", prod.Data())
		}
	}
}

func TestOrthogonalInitHasPositiveDeterminant(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))

	for range 5 {
		q, err := OrthogonalInit(4, rng.NormFloat64)
		if err != nil {
			t.Fatalf("orthogonal init: %v", err)
		}

		ld, err := LogAbsDet(Const(q))
		if err != nil {
			t.Fatalf("logdet: %v", err)
		}

		if math.Abs(float64(ld.Item())) > 1e-4 {
			t.Fatalf("log|det Q| = %v, want 0", ld.Item())
		}

		qt, _ := q.Transpose(0, 1)
		prod, _ := tensor.MatMul(q, qt)

		for i, v := range prod.Data() {
			want := float32(0)
			if i%5 == 0 {
				want = 1
			}

			if math.Abs(float64(v-want)) > 1e-5 {
				t.Fatalf("Q Q^T = %v, want identity", prod.Data())
			}
		}
	}
}

func TestBackwardAccumulatesAndNoGrad(t *testing.T) {
	x := param(t, []float32{1, 2}, 2)

	for range 2 {
		if err := Backward(Sum(Scale(x, 3))); err != nil {
			t.Fatalf("backward: %v", err)
		}
	}

	if got := x.Grad.Data(); got[0] != 6 || got[1] != 6 {
		t.Fatalf("accumulated grad = %v, want [6 6]", got)
	}

	x.ZeroGrad()

	var out *Var

	_ = NoGrad(func() error {
		out = Sum(Scale(x, 3))
		return nil
	})

	if out.RequiresGrad() {
		t.Fatal("NoGrad output should not require grad")
	}

	if err := Backward(out); !errors.Is(err, ErrNoGradient) {
		t.Fatalf("Backward on untracked loss = %v, want ErrNoGradient", err)
	}

	if err := Backward(Scale(x, 1)); err == nil {
		t.Fatal("expected error for non-scalar loss")
	}
}

func TestClipGradNorm(t *testing.T) {
	a := param(t, []float32{0, 0}, 2)
	b := param(t, []float32{0}, 1)
	a.Grad, _ = tensor.New([]float32{3, 0}, []int64{2})
	b.Grad, _ = tensor.New([]float32{4}, []int64{1})

	norm := ClipGradNorm([]*Var{a, b}, 1)
	if math.Abs(norm-5) > 1e-9 {
		t.Fatalf("norm = %v, want 5", norm)
	}

	if after := GradNorm([]*Var{a, b}); math.Abs(after-1) > 1e-5 {
		t.Fatalf("clipped norm = %v, want 1", after)
	}

	b.Grad, _ = tensor.New([]float32{float32(math.NaN())}, []int64{1})

	norm = ClipGradNorm([]*Var{a, b}, 1)
	if !math.IsNaN(norm) {
		t.Fatalf("norm = %v, want NaN", norm)
	}

	if a.Grad.Data()[0] == 0 {
		t.Fatal("non-finite norm must leave gradients untouched")
	}
}

func TestDropout(t *testing.T) {
	x := param(t, filled(1000, 1), 1000)

	same, err := Dropout(x, 0.5, nil)
	if err != nil || same != x {
		t.Fatal("dropout without rng must be the identity")
	}

	rng := rand.New(rand.NewPCG(7, 7))

	out, err := Dropout(x, 0.5, rng)
	if err != nil {
		t.Fatalf("dropout: %v", err)
	}

	zeros := 0

	for _, v := range out.Data() {
		switch v {
		case 0:
			zeros++
		case 2:
		default:
			t.Fatalf("unexpected dropout value %v", v)
		}
	}

	if zeros < 400 || zeros > 600 {
		t.Fatalf("dropped %d of 1000, want about half", zeros)
	}
}
