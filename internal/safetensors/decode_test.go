package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
)

type rawTensor struct {
	dtype string
	shape []int64
	data  []byte
}

type tensorMeta struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

// buildSafetensors lays out tensors back to back behind a JSON header.
func buildSafetensors(t *testing.T, tensors map[string]rawTensor) []byte {
	t.Helper()

	header := make(map[string]tensorMeta)
	var body []byte

	for name, info := range tensors {
		start := len(body)
		body = append(body, info.data...)
		header[name] = tensorMeta{DType: info.dtype, Shape: info.shape, Offsets: [2]int{start, len(body)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatalf("marshal header: %v", err)
	}

	return withHeader(headerJSON, body)
}

func withHeader(headerJSON, body []byte) []byte {
	buf := binary.LittleEndian.AppendUint64(nil, uint64(len(headerJSON)))
	buf = append(buf, headerJSON...)

	return append(buf, body...)
}

func float32Bytes(vals []float32) []byte {
	buf := make([]byte, 0, len(vals)*4)
	for _, v := range vals {
		buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(v))
	}

	return buf
}

func writeTempSafetensors(t *testing.T, data []byte) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.safetensors")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write temp safetensors: %v", err)
	}

	return path
}

func TestOpenStore_DecodesShapesAndValues(t *testing.T) {
	tests := []struct {
		name  string
		shape []int64
		vals  []float32
	}{
		{name: "vector", shape: []int64{3}, vals: []float32{1, -2, 3}},
		{name: "matrix", shape: []int64{2, 3}, vals: []float32{1, 2, 3, 4, 5, 6}},
		{name: "frames", shape: []int64{1, 2, 2}, vals: []float32{0.5, -0.5, 1e-3, 7}},
		{name: "scalar", shape: []int64{}, vals: []float32{42}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			blob := buildSafetensors(t, map[string]rawTensor{
				"x": {dtype: "F32", shape: tt.shape, data: float32Bytes(tt.vals)},
			})

			store, err := OpenStore(writeTempSafetensors(t, blob), StoreOptions{})
			if err != nil {
				t.Fatalf("OpenStore: %v", err)
			}
			defer store.Close()

			got, err := store.TensorWithShape("x", tt.shape)
			if err != nil {
				t.Fatalf("TensorWithShape: %v", err)
			}

			assertFloatSliceNear(t, got.Data, tt.vals, 0)
		})
	}
}

func TestOpenStore_MetadataEntryIsNotATensor(t *testing.T) {
	header := map[string]any{
		"__metadata__": map[string]string{"step": "3"},
		"w":            tensorMeta{DType: "F32", Shape: []int64{2}, Offsets: [2]int{0, 8}},
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		t.Fatal(err)
	}

	store, err := OpenStoreFromBytes(withHeader(headerJSON, float32Bytes([]float32{1, 2})), StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	if names := store.Names(); len(names) != 1 || names[0] != "w" {
		t.Fatalf("Names() = %v, want [w]", names)
	}

	if store.Metadata()["step"] != "3" {
		t.Fatalf("Metadata() = %v", store.Metadata())
	}
}

func TestOpenStore_RejectsMalformedFiles(t *testing.T) {
	truncated := buildSafetensors(t, map[string]rawTensor{
		"x": {dtype: "F32", shape: []int64{1, 3}, data: float32Bytes([]float32{1, 2, 3})},
	})

	tests := []struct {
		name string
		blob []byte
	}{
		{name: "empty file", blob: []byte{}},
		{name: "short length prefix", blob: []byte{0, 0, 0, 0}},
		{name: "no tensors", blob: withHeader([]byte("{}"), nil)},
		{name: "invalid json", blob: withHeader([]byte("{invalid json"), nil)},
		{name: "header length past end", blob: binary.LittleEndian.AppendUint64(nil, 1<<20)},
		{name: "truncated data", blob: truncated[:len(truncated)-8]},
		{name: "unsupported dtype", blob: buildSafetensors(t, map[string]rawTensor{
			"x": {dtype: "I64", shape: []int64{1}, data: make([]byte, 8)},
		})},
		{name: "shape and offsets disagree", blob: buildSafetensors(t, map[string]rawTensor{
			"x": {dtype: "F32", shape: []int64{1, 3}, data: float32Bytes([]float32{1})},
		})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, err := OpenStore(writeTempSafetensors(t, tt.blob), StoreOptions{})
			if err == nil {
				_, err = store.ReadAll()
				store.Close()
			}

			if err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestOpenStore_MissingFile(t *testing.T) {
	if _, err := OpenStore(filepath.Join(t.TempDir(), "absent.safetensors"), StoreOptions{}); err == nil {
		t.Fatal("expected error for missing file")
	}
}
