package onnx

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewGraph(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "style_embedding.onnx")

	if err := os.WriteFile(path, []byte("onnx"), 0o644); err != nil {
		t.Fatal(err)
	}

	g, err := NewGraph(path, []NodeInfo{{Name: "frames", DType: "float"}}, nil)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	if g.Name != "style_embedding" || g.Path != path {
		t.Fatalf("graph = %+v", g)
	}

	if _, err := NewGraph(filepath.Join(dir, "missing.onnx"), nil, nil); err == nil {
		t.Fatal("expected error for a missing file")
	}

	if _, err := NewGraph("  ", nil, nil); err == nil {
		t.Fatal("expected error for an empty path")
	}
}

func TestGraphCheckInputs(t *testing.T) {
	g := Graph{
		Name:   "embed",
		Inputs: []NodeInfo{{Name: "frames"}, {Name: "lengths"}},
	}

	frames, _ := Float32([]float32{1}, []int64{1})
	lengths, _ := Int64([]int64{1}, []int64{1})

	if err := g.CheckInputs(map[string]*Tensor{"frames": frames, "lengths": lengths}); err != nil {
		t.Fatalf("CheckInputs: %v", err)
	}

	err := g.CheckInputs(map[string]*Tensor{"frames": frames})
	if err == nil || !strings.Contains(err.Error(), `missing input "lengths"`) {
		t.Fatalf("err = %v", err)
	}

	err = g.CheckInputs(map[string]*Tensor{"frames": frames, "lengths": lengths, "extra": frames})
	if err == nil || !strings.Contains(err.Error(), "unexpected input") {
		t.Fatalf("err = %v", err)
	}

	if err := (Graph{Name: "open"}).CheckInputs(map[string]*Tensor{"x": frames}); err != nil {
		t.Fatalf("graph without declared inputs rejected: %v", err)
	}
}
