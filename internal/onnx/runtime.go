package onnx

import (
	"cmp"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/example/go-toucantts/internal/config"
)

// RuntimeInfo names the ONNX Runtime library a runner will load.
type RuntimeInfo struct {
	LibraryPath string
	Version     string
}

var (
	semver = regexp.MustCompile(`\d+\.\d+\.\d+`)

	wellKnownLibraries = []string{
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"C:/onnxruntime/lib/onnxruntime.dll",
	}
)

// DetectRuntime resolves the library from the configured path,
// TOUCANTTS_ORT_LIB, ORT_LIBRARY_PATH and finally the usual install
// locations. The version comes from the config, ORT_VERSION or the file
// name, and is "unknown" when none of them has one.
func DetectRuntime(cfg config.RuntimeConfig) (RuntimeInfo, error) {
	path := cmp.Or(cfg.ORTLibraryPath, os.Getenv("TOUCANTTS_ORT_LIB"), os.Getenv("ORT_LIBRARY_PATH"), firstExisting(wellKnownLibraries))
	if path == "" {
		return RuntimeInfo{LibraryPath: "not found", Version: "unknown"}, errors.New("onnx: no ONNX Runtime library found")
	}

	if _, err := os.Stat(path); err != nil {
		return RuntimeInfo{LibraryPath: path, Version: "unknown"}, fmt.Errorf("onnx: runtime library: %w", err)
	}

	version := cmp.Or(cfg.ORTVersion, os.Getenv("ORT_VERSION"), inferVersionFromPath(path), "unknown")

	return RuntimeInfo{LibraryPath: path, Version: version}, nil
}

func firstExisting(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	return ""
}

// inferVersionFromPath reads an x.y.z version from the file name only.
func inferVersionFromPath(path string) string {
	return semver.FindString(filepath.Base(path))
}
