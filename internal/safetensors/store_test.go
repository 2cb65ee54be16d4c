package safetensors

import (
	"encoding/binary"
	"math"
	"slices"
	"strings"
	"testing"
)

func openBlob(t *testing.T, blob []byte, opts StoreOptions) *Store {
	t.Helper()

	store, err := OpenStoreFromBytes(blob, opts)
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	t.Cleanup(store.Close)

	return store
}

func TestStoreLookup(t *testing.T) {
	store := openBlob(t, buildSafetensors(t, map[string]rawTensor{
		"beta":  {dtype: "F32", shape: []int64{1, 3}, data: float32Bytes([]float32{3, 4, 5})},
		"alpha": {dtype: "f32", shape: []int64{2}, data: float32Bytes([]float32{1, 2})},
	}), StoreOptions{})

	if names := store.Names(); !slices.Equal(names, []string{"alpha", "beta"}) {
		t.Fatalf("Names() = %v", names)
	}

	if !store.Has("alpha") || store.Has("gamma") {
		t.Fatal("Has reports the wrong tensors")
	}

	beta, err := store.TensorWithShape("beta", []int64{1, 3})
	if err != nil {
		t.Fatal(err)
	}

	assertFloatSliceNear(t, beta.Data, []float32{3, 4, 5}, 0)

	if _, err := store.TensorWithShape("alpha", []int64{1, 2}); err == nil {
		t.Fatal("expected shape mismatch")
	}

	_, err = store.Tensor("gamma")
	if err == nil || !strings.Contains(err.Error(), "available: alpha, beta") {
		t.Fatalf("missing tensor error = %v", err)
	}
}

func TestStoreHalfPrecision(t *testing.T) {
	want := []float32{1, -2, 0.5}

	var f16, bf16 []byte
	for _, h := range []uint16{0x3c00, 0xc000, 0x3800} {
		f16 = binary.LittleEndian.AppendUint16(f16, h)
	}

	for _, v := range want {
		bf16 = binary.LittleEndian.AppendUint16(bf16, uint16(math.Float32bits(v)>>16))
	}

	store := openBlob(t, buildSafetensors(t, map[string]rawTensor{
		"half":  {dtype: "F16", shape: []int64{3}, data: f16},
		"bhalf": {dtype: "BF16", shape: []int64{3}, data: bf16},
	}), StoreOptions{})

	all, err := store.ReadAll()
	if err != nil {
		t.Fatal(err)
	}

	if len(all) != 2 {
		t.Fatalf("ReadAll returned %d tensors", len(all))
	}

	for name, tensor := range all {
		if tensor.Name != name {
			t.Errorf("tensor keyed %q is named %q", name, tensor.Name)
		}

		assertFloatSliceNear(t, tensor.Data, want, 0)
	}
}

func TestStorePrefix(t *testing.T) {
	blob := buildSafetensors(t, map[string]rawTensor{
		"vocoder.input.weight": {dtype: "F32", shape: []int64{1}, data: float32Bytes([]float32{1})},
		"model.output.bias":    {dtype: "F32", shape: []int64{1}, data: float32Bytes([]float32{2})},
	})

	store := openBlob(t, blob, StoreOptions{Prefix: "vocoder."})
	if names := store.Names(); !slices.Equal(names, []string{"input.weight"}) {
		t.Fatalf("Names() = %v, want [input.weight]", names)
	}

	if _, err := OpenStoreFromBytes(blob, StoreOptions{Prefix: "vocoder.", Strict: true}); err == nil {
		t.Fatal("strict prefix should reject model.output.bias")
	}

	if _, err := OpenStoreFromBytes(blob, StoreOptions{Prefix: "codec."}); err == nil {
		t.Fatal("a prefix matching nothing leaves no tensors")
	}

	if _, err := OpenStoreFromBytes(blob, StoreOptions{Prefix: "model.output.bias"}); err == nil {
		t.Fatal("a prefix consuming the whole name should fail")
	}
}

func TestStoreRejectsBadEntries(t *testing.T) {
	tests := map[string]string{
		"reversed offsets":  `{"bad":{"dtype":"F32","shape":[1],"data_offsets":[4,2]}}`,
		"offsets past body": `{"bad":{"dtype":"F32","shape":[1],"data_offsets":[0,40]}}`,
		"negative dim":      `{"bad":{"dtype":"F32","shape":[-1],"data_offsets":[0,4]}}`,
		"entry not object":  `{"bad":3}`,
		"metadata list":     `{"__metadata__":[1],"ok":{"dtype":"F32","shape":[1],"data_offsets":[0,4]}}`,
	}

	for name, header := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := OpenStoreFromBytes(withHeader([]byte(header), make([]byte, 4)), StoreOptions{}); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestCloseReleasesStore(t *testing.T) {
	store, err := OpenStoreFromBytes(buildSafetensors(t, map[string]rawTensor{
		"a": {dtype: "F32", shape: []int64{1}, data: float32Bytes([]float32{1})},
	}), StoreOptions{})
	if err != nil {
		t.Fatal(err)
	}

	store.Close()

	if store.Has("a") || len(store.Names()) != 0 {
		t.Fatal("closed store still exposes tensors")
	}
}

func TestFloat16ToFloat32(t *testing.T) {
	tests := []struct {
		h    uint16
		want float64
	}{
		{0x0000, 0},
		{0x3c00, 1},
		{0xbc00, -1},
		{0x3555, 0.333251953125},
		{0x7bff, 65504},
		{0x0400, math.Ldexp(1, -14)},
		{0x0200, math.Ldexp(1, -15)},
		{0x0001, math.Ldexp(1, -24)},
		{0x8001, -math.Ldexp(1, -24)},
		{0x7c00, math.Inf(1)},
		{0xfc00, math.Inf(-1)},
	}

	for _, tt := range tests {
		if got := float16ToFloat32(tt.h); float64(got) != tt.want {
			t.Errorf("float16ToFloat32(%#04x) = %v, want %v", tt.h, got, tt.want)
		}
	}

	if got := float16ToFloat32(0x7e00); !math.IsNaN(float64(got)) {
		t.Errorf("float16ToFloat32(0x7e00) = %v, want NaN", got)
	}

	if got := float16ToFloat32(0x8000); got != 0 || !math.Signbit(float64(got)) {
		t.Errorf("float16ToFloat32(0x8000) = %v, want -0", got)
	}
}

func assertFloatSliceNear(t *testing.T, got, want []float32, tol float64) {
	t.Helper()

	if len(got) != len(want) {
		t.Fatalf("got %d values, want %d", len(got), len(want))
	}

	for i := range got {
		if d := math.Abs(float64(got[i] - want[i])); d > tol {
			t.Fatalf("value[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}
