package ops

import (
	"testing"

	"github.com/example/go-toucantts/internal/runtime/tensor"
)

// naiveConvTranspose1D scatters every input sample through the kernel.
func naiveConvTranspose1D(in, k, b []float32, inShape, kShape []int64, stride, padding, outputPadding, dilation int64) []float32 {
	batch, inCh, length := inShape[0], inShape[1], inShape[2]
	outCh, kSize := kShape[1], kShape[2]
	outLen := (length-1)*stride - 2*padding + dilation*(kSize-1) + outputPadding + 1
	out := make([]float32, batch*outCh*outLen)

	for n := range batch {
		for ic := range inCh {
			for ix := range length {
				v := in[(n*inCh+ic)*length+ix]

				for oc := range outCh {
					for kx := range kSize {
						pos := ix*stride - padding + kx*dilation
						if pos >= 0 && pos < outLen {
							out[(n*outCh+oc)*outLen+pos] += v * k[(ic*outCh+oc)*kSize+kx]
						}
					}
				}
			}
		}

		for oc := range outCh {
			for ox := range outLen {
				out[(n*outCh+oc)*outLen+ox] += b[oc]
			}
		}
	}

	return out
}

func TestConvTranspose1DKnownValues(t *testing.T) {
	input := tensorOf(t, []float32{1, 2, 3}, []int64{1, 1, 3})
	kernel := tensorOf(t, []float32{1, 10}, []int64{1, 1, 2})

	out, err := ConvTranspose1D(input, kernel, nil, nil, 2, 0, 0, 1)
	if err != nil {
		t.Fatalf("ConvTranspose1D: %v", err)
	}

	want := []float32{1, 10, 2, 20, 3, 30}
	if !closeTo(out.Data(), want, 0) {
		t.Fatalf("ConvTranspose1D = %v, want %v", out.Data(), want)
	}
}

func TestConvTranspose1DMatchesScatter(t *testing.T) {
	tests := []struct {
		name                                     string
		inShape, kShape                          []int64
		stride, padding, outputPadding, dilation int64
	}{
		{name: "even upsample", inShape: []int64{2, 3, 5}, kShape: []int64{3, 4, 8}, stride: 4, padding: 2},
		{name: "odd upsample", inShape: []int64{1, 4, 6}, kShape: []int64{4, 2, 6}, stride: 3, padding: 2, outputPadding: 1},
		{name: "unit stride", inShape: []int64{1, 2, 7}, kShape: []int64{2, 3, 3}, stride: 1, padding: 1},
		{name: "dilated", inShape: []int64{1, 2, 4}, kShape: []int64{2, 2, 3}, stride: 2, dilation: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dilation := max(tt.dilation, 1)
			in := ramp(tt.inShape...)
			k := ramp(tt.kShape...)
			b := ramp(tt.kShape[1])
			kernel := tensorOf(t, k, tt.kShape)
			want := naiveConvTranspose1D(in, k, b, tt.inShape, tt.kShape, tt.stride, tt.padding, tt.outputPadding, dilation)

			for _, packed := range [][]float32{nil, PackTransposedKernel(kernel)} {
				got, err := ConvTranspose1D(tensorOf(t, in, tt.inShape), kernel, tensorOf(t, b, tt.kShape[1:2]),
					packed, tt.stride, tt.padding, tt.outputPadding, dilation)
				if err != nil {
					t.Fatalf("ConvTranspose1D: %v", err)
				}

				if !closeTo(got.Data(), want, 1e-5) {
					t.Fatalf("ConvTranspose1D (packed %v) = %v, want %v", packed != nil, got.Data(), want)
				}
			}
		})
	}
}

func TestPackTransposedKernel(t *testing.T) {
	// [in=2, out=1, k=3]
	kernel := tensorOf(t, []float32{1, 2, 3, 4, 5, 6}, []int64{2, 1, 3})

	want := []float32{1, 4, 2, 5, 3, 6}
	if got := PackTransposedKernel(kernel); !closeTo(got, want, 0) {
		t.Fatalf("packed = %v, want %v", got, want)
	}
}

func TestConvTranspose1DWorkersAgree(t *testing.T) {
	input := tensorOf(t, ramp(1, 12, 20), []int64{1, 12, 20})
	kernel := tensorOf(t, ramp(12, 10, 6), []int64{12, 10, 6})

	SetConvWorkers(1)

	want, err := ConvTranspose1D(input, kernel, nil, nil, 3, 2, 1, 1)
	if err != nil {
		t.Fatalf("sequential: %v", err)
	}

	SetConvWorkers(3)
	defer SetConvWorkers(1)

	got, err := ConvTranspose1D(input, kernel, nil, nil, 3, 2, 1, 1)
	if err != nil {
		t.Fatalf("parallel: %v", err)
	}

	if !closeTo(got.Data(), want.Data(), 1e-5) {
		t.Fatal("parallel ConvTranspose1D differs from sequential")
	}
}

func TestConvTranspose1DErrors(t *testing.T) {
	input := tensorOf(t, []float32{1, 2, 3}, []int64{1, 1, 3})
	kernel := tensorOf(t, []float32{1, 1}, []int64{1, 1, 2})

	tests := []struct {
		name          string
		input, kernel *tensor.Tensor
		bias          *tensor.Tensor
		packed        []float32
		outputPadding int64
		wantErr       string
	}{
		{name: "nil kernel", input: input, wantErr: "non-nil"},
		{name: "output padding", input: input, kernel: kernel, outputPadding: 2, wantErr: "output_padding"},
		{name: "channels", input: tensorOf(t, make([]float32, 6), []int64{1, 2, 3}), kernel: kernel, wantErr: "in_channels mismatch"},
		{name: "bias", input: input, kernel: kernel, bias: tensorOf(t, []float32{1, 2}, []int64{2}), wantErr: "bias shape"},
		{name: "packed length", input: input, kernel: kernel, packed: []float32{1}, wantErr: "packed kernel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ConvTranspose1D(tt.input, tt.kernel, tt.bias, tt.packed, 2, 0, tt.outputPadding, 1)
			requireErr(t, err, tt.wantErr)
		})
	}
}
