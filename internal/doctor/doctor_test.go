package doctor

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

var errNoLibrary = errors.New("library not found")

func runChecks(cfg Config) (Result, string) {
	var out strings.Builder
	res := Run(cfg, &out)

	return res, out.String()
}

func mentions(failures []string, substr string) bool {
	for _, f := range failures {
		if strings.Contains(strings.ToLower(f), substr) {
			return true
		}
	}

	return false
}

func TestRunAllPass(t *testing.T) {
	dir := t.TempDir()

	res, out := runChecks(Config{
		RuntimeVersion: func() (string, error) { return "1.23.2", nil },
		Files:          []FileCheck{{Name: "vocoder", Path: "doctor_test.go"}},
		DataDirs:       []string{dir},
		SaveDir:        filepath.Join(dir, "models"),
	})

	if res.Failed() {
		t.Fatalf("failures: %v", res.Failures())
	}

	for _, want := range []string{PassMark + " onnx runtime: 1.23.2", "vocoder: doctor_test.go", "save directory: "} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}

	entries, err := os.ReadDir(filepath.Join(dir, "models"))
	if err != nil {
		t.Fatal(err)
	}

	if len(entries) != 0 {
		t.Errorf("write check left %d files behind", len(entries))
	}
}

type runtimeCase struct {
	name  string
	cfg   Config
	fails bool
	out   string
}

func versionCase(ver string, fails bool) runtimeCase {
	out := "onnx runtime: " + ver
	if fails {
		out = FailMark
	}

	return runtimeCase{name: ver, cfg: Config{RuntimeVersion: func() (string, error) { return ver, nil }}, fails: fails, out: out}
}

func TestRunRuntime(t *testing.T) {
	tests := []runtimeCase{
		{name: "skipped", cfg: Config{SkipRuntime: true}, out: "onnx runtime: skipped"},
		{name: "no version lookup", cfg: Config{}, fails: true, out: "no version lookup configured"},
		{name: "missing", cfg: Config{RuntimeVersion: func() (string, error) { return "", errNoLibrary }}, fails: true, out: FailMark + " onnx runtime: library not found"},
		versionCase("1.23.0", false),
		versionCase("1.24.1", false),
		versionCase("unknown", false),
		versionCase("1.16.3", true),
		versionCase("2.0.0", true),
		versionCase("garbage", true),
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, out := runChecks(tt.cfg)

			if res.Failed() != tt.fails {
				t.Fatalf("failed = %v, want %v (%v)", res.Failed(), tt.fails, res.Failures())
			}

			if tt.fails && !mentions(res.Failures(), "onnx runtime") {
				t.Errorf("failures do not name the runtime: %v", res.Failures())
			}

			if !strings.Contains(out, tt.out) {
				t.Errorf("output missing %q:\n%s", tt.out, out)
			}
		})
	}
}

func TestRunFiles(t *testing.T) {
	tests := []struct {
		name  string
		check FileCheck
		fails string
		out   string
	}{
		{
			name:  "missing",
			check: FileCheck{Name: "checkpoint", Path: "/nonexistent/best.safetensors"},
			fails: "checkpoint",
		},
		{
			name:  "invalid",
			check: FileCheck{Name: "vocoder", Path: "doctor_test.go", Validate: func(string) error { return errors.New("bad keys") }},
			fails: "vocoder validation: bad keys",
		},
		{
			name:  "valid",
			check: FileCheck{Name: "vocoder", Path: "doctor_test.go", Validate: func(string) error { return nil }},
			out:   "vocoder validation: ok",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, out := runChecks(Config{SkipRuntime: true, Files: []FileCheck{tt.check}})

			if (tt.fails != "") != res.Failed() {
				t.Fatalf("failures = %v", res.Failures())
			}

			if tt.fails != "" && !mentions(res.Failures(), tt.fails) {
				t.Errorf("failures %v do not mention %q", res.Failures(), tt.fails)
			}

			if !strings.Contains(out, tt.out) {
				t.Errorf("output missing %q:\n%s", tt.out, out)
			}
		})
	}
}

func TestRunDirectories(t *testing.T) {
	res, out := runChecks(Config{
		SkipRuntime: true,
		DataDirs:    []string{"doctor_test.go", "/nonexistent/eng", t.TempDir()},
		SaveDir:     filepath.Join("doctor_test.go", "models"),
	})

	if got := len(res.Failures()); got != 3 {
		t.Fatalf("failures = %d, want 3: %v", got, res.Failures())
	}

	if !mentions(res.Failures(), "not a directory") || !mentions(res.Failures(), "save directory") {
		t.Errorf("failures = %v", res.Failures())
	}

	if !strings.Contains(out, PassMark) || !strings.Contains(out, FailMark) {
		t.Errorf("output lacks pass or fail markers:\n%s", out)
	}
}
