// Package testutil holds skip helpers and assertions shared by tests that
// need an ONNX Runtime install or fixture files from the environment.
package testutil

import (
	"os"
	"testing"
)

var runtimeCandidates = []string{
	"/usr/lib/libonnxruntime.so",
	"/usr/local/lib/libonnxruntime.so",
	"/usr/lib/x86_64-linux-gnu/libonnxruntime.so",
}

// RequireONNXRuntime returns the ONNX Runtime library named by
// TOUCANTTS_ORT_LIB or ORT_LIBRARY_PATH, or found at a system path, and
// skips the test when there is none.
func RequireONNXRuntime(tb testing.TB) string {
	tb.Helper()

	for _, env := range []string{"TOUCANTTS_ORT_LIB", "ORT_LIBRARY_PATH"} {
		if p := os.Getenv(env); p != "" {
			if _, err := os.Stat(p); err == nil {
				return p
			}

			tb.Skipf("ONNX Runtime library not found at %s=%q", env, p)

			return ""
		}
	}

	for _, p := range runtimeCandidates {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	tb.Skipf("ONNX Runtime shared library not found; set TOUCANTTS_ORT_LIB or ORT_LIBRARY_PATH")

	return ""
}

// RequireFileEnv skips the test unless env names an existing file, and
// returns that path.
func RequireFileEnv(tb testing.TB, env string) string {
	tb.Helper()

	p := os.Getenv(env)
	if p == "" {
		tb.Skipf("%s is not set", env)
		return ""
	}

	if _, err := os.Stat(p); err != nil {
		tb.Skipf("%s=%q: %v", env, p, err)
		return ""
	}

	return p
}
