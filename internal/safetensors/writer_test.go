package safetensors

import (
	"os"
	"path/filepath"
	"slices"
	"testing"
)

func TestWriteFile_RoundTripSingleTensor(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frames.safetensors")

	want := Tensor{
		Name:  "codec_frames",
		Shape: []int64{1, 2, 4},
		Data:  []float32{1.5, -0.25, 3.25, 4.0, -1.0, 0.5, 2.5, 9.0},
	}

	if err := WriteFile(path, []Tensor{want}, nil); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	store, err := OpenStore(path, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStore: %v", err)
	}
	defer store.Close()

	got, err := store.Tensor(want.Name)
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	if got.Name != want.Name {
		t.Fatalf("tensor name = %q, want %q", got.Name, want.Name)
	}

	if len(got.Shape) != len(want.Shape) || got.Shape[0] != 1 || got.Shape[1] != 2 || got.Shape[2] != 4 {
		t.Fatalf("tensor shape = %v, want %v", got.Shape, want.Shape)
	}

	if len(got.Data) != len(want.Data) {
		t.Fatalf("tensor data length = %d, want %d", len(got.Data), len(want.Data))
	}

	for i := range got.Data {
		if got.Data[i] != want.Data[i] {
			t.Fatalf("data[%d] = %v, want %v", i, got.Data[i], want.Data[i])
		}
	}
}

func TestEncode_MultipleRoundTrip(t *testing.T) {
	blob, err := Encode([]Tensor{
		{Name: "b", Shape: []int64{2}, Data: []float32{3, 4}},
		{Name: "a", Shape: []int64{1, 2}, Data: []float32{1, 2}},
	}, nil)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	store, err := OpenStoreFromBytes(blob, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	names := store.Names()
	if len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("Names() = %v, want [a b]", names)
	}
}

func TestEncode_ValidationErrors(t *testing.T) {
	if _, err := Encode(nil, nil); err == nil {
		t.Fatal("Encode(nil, nil) should fail")
	}

	if _, err := Encode([]Tensor{{Name: "", Shape: []int64{1}, Data: []float32{1}}}, nil); err == nil {
		t.Fatal("empty tensor name should fail")
	}

	if _, err := Encode([]Tensor{
		{Name: "x", Shape: []int64{1}, Data: []float32{1}},
		{Name: "x", Shape: []int64{1}, Data: []float32{2}},
	}, nil); err == nil {
		t.Fatal("duplicate tensor names should fail")
	}

	if _, err := Encode([]Tensor{{Name: "x", Shape: []int64{1, 2}, Data: []float32{1}}}, nil); err == nil {
		t.Fatal("shape/data mismatch should fail")
	}
}

func TestEncode_MetadataRoundTrip(t *testing.T) {
	meta := map[string]string{"step": "120", "config": `{"attention_dimension":16}`}

	blob, err := Encode([]Tensor{{Name: "w", Shape: []int64{2}, Data: []float32{1, 2}}}, meta)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	store, err := OpenStoreFromBytes(blob, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}
	defer store.Close()

	got := store.Metadata()
	if len(got) != len(meta) {
		t.Fatalf("Metadata() = %v, want %v", got, meta)
	}

	for k, v := range meta {
		if got[k] != v {
			t.Errorf("metadata[%q] = %q, want %q", k, got[k], v)
		}
	}

	if names := store.Names(); len(names) != 1 || names[0] != "w" {
		t.Fatalf("Names() = %v, want [w]", names)
	}
}

func TestEncode_ReservedNameAndEmptyTensor(t *testing.T) {
	if _, err := Encode([]Tensor{{Name: metadataKey, Shape: []int64{1}, Data: []float32{1}}}, nil); err == nil {
		t.Fatal("reserved tensor name should fail")
	}

	blob, err := Encode([]Tensor{{Name: "empty", Shape: []int64{0, 4}}}, nil)
	if err != nil {
		t.Fatalf("Encode zero-sized tensor: %v", err)
	}

	store, err := OpenStoreFromBytes(blob, StoreOptions{})
	if err != nil {
		t.Fatalf("OpenStoreFromBytes: %v", err)
	}

	got, err := store.Tensor("empty")
	if err != nil {
		t.Fatalf("Tensor: %v", err)
	}

	if len(got.Data) != 0 || !slices.Equal(got.Shape, []int64{0, 4}) {
		t.Fatalf("got shape %v with %d values", got.Shape, len(got.Data))
	}
}

func TestWriteFile_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "checkpoint_10.safetensors")

	for range 2 {
		if err := WriteFile(path, []Tensor{{Name: "w", Shape: []int64{1}, Data: []float32{3}}}, nil); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 1 || entries[0].Name() != "checkpoint_10.safetensors" {
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			names = append(names, e.Name())
		}

		t.Fatalf("directory holds %v, want only the checkpoint", names)
	}
}
