package onnx

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/example/go-toucantts/internal/config"
)

func TestDetectRuntimePrefersConfiguredPath(t *testing.T) {
	tmp := t.TempDir()
	lib := filepath.Join(tmp, "libonnxruntime.so.1.22.0")

	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}

	t.Setenv("TOUCANTTS_ORT_LIB", filepath.Join(tmp, "does-not-exist"))

	info, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: lib})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}

	if info.LibraryPath != lib {
		t.Fatalf("expected %q, got %q", lib, info.LibraryPath)
	}

	if info.Version != "1.22.0" {
		t.Fatalf("expected version inferred from file name, got %q", info.Version)
	}
}

func TestDetectRuntimeFallsBackToEnv(t *testing.T) {
	tmp := t.TempDir()
	lib := filepath.Join(tmp, "libonnxruntime.so")

	if err := os.WriteFile(lib, []byte("fake"), 0o644); err != nil {
		t.Fatalf("write fake lib: %v", err)
	}

	t.Setenv("TOUCANTTS_ORT_LIB", lib)
	t.Setenv("ORT_LIBRARY_PATH", filepath.Join(tmp, "other"))
	t.Setenv("ORT_VERSION", "")

	info, err := DetectRuntime(config.RuntimeConfig{ORTVersion: "1.20.1"})
	if err != nil {
		t.Fatalf("DetectRuntime failed: %v", err)
	}

	if info.LibraryPath != lib || info.Version != "1.20.1" {
		t.Fatalf("info = %+v", info)
	}
}

func TestDetectRuntimeMissingFile(t *testing.T) {
	_, err := DetectRuntime(config.RuntimeConfig{ORTLibraryPath: filepath.Join(t.TempDir(), "nope.so")})
	if err == nil {
		t.Fatal("expected error for a missing library")
	}
}

func TestInferVersionFromPath(t *testing.T) {
	tests := map[string]string{
		"/usr/lib/libonnxruntime.so.1.19.2":     "1.19.2",
		"/opt/onnxruntime-1.22.0/lib/libort.so": "",
		"onnxruntime.dll":                       "",
	}

	for path, want := range tests {
		if got := inferVersionFromPath(path); got != want {
			t.Errorf("inferVersionFromPath(%q) = %q; want %q", path, got, want)
		}
	}
}
