// Package doctor runs the preflight checks behind `toucantts doctor`.
package doctor

import (
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	PassMark = "✓"
	FailMark = "✗"
)

// minRuntimeMinor is the oldest ONNX Runtime 1.x release that serves the
// C API version the embedding runner requests.
const minRuntimeMinor = 23

// VersionFunc reports a component version, or an error when it is missing.
type VersionFunc func() (string, error)

// FileCheck names a file that must exist. Validate, when set, runs on the
// path once the file is found.
type FileCheck struct {
	Name     string
	Path     string
	Validate func(path string) error
}

type Config struct {
	RuntimeVersion VersionFunc
	// SkipRuntime is set when no ONNX graph is configured.
	SkipRuntime bool
	Files       []FileCheck
	// DataDirs are per-language sample directories.
	DataDirs []string
	// SaveDir must be creatable and writable.
	SaveDir string
}

type Result struct {
	failures []string
}

func (r *Result) Failed() bool { return len(r.failures) > 0 }

func (r *Result) Failures() []string { return append([]string(nil), r.failures...) }

// reporter prints one line per check and records the failures.
type reporter struct {
	w   io.Writer
	res Result
}

func (p *reporter) pass(format string, args ...any) {
	fmt.Fprintf(p.w, "%s %s\n", PassMark, fmt.Sprintf(format, args...))
}

func (p *reporter) fail(subject string, err error) {
	p.res.failures = append(p.res.failures, fmt.Sprintf("%s: %v", subject, err))
	fmt.Fprintf(p.w, "%s %s: %v\n", FailMark, subject, err)
}

// Run executes every configured check, printing a marked line for each
// to w.
func Run(cfg Config, w io.Writer) Result {
	p := &reporter{w: w}

	p.runtime(cfg)

	for _, f := range cfg.Files {
		p.file(f)
	}

	for _, dir := range cfg.DataDirs {
		if err := checkDir(dir); err != nil {
			p.fail("data directory "+dir, err)
		} else {
			p.pass("data directory: %s", dir)
		}
	}

	if cfg.SaveDir != "" {
		if err := checkWritable(cfg.SaveDir); err != nil {
			p.fail("save directory "+cfg.SaveDir, err)
		} else {
			p.pass("save directory: %s", cfg.SaveDir)
		}
	}

	return p.res
}

func (p *reporter) runtime(cfg Config) {
	if cfg.SkipRuntime {
		p.pass("onnx runtime: skipped")
		return
	}

	if cfg.RuntimeVersion == nil {
		p.fail("onnx runtime", errors.New("no version lookup configured"))
		return
	}

	ver, err := cfg.RuntimeVersion()
	if err == nil {
		err = checkRuntimeVersion(ver)
	}

	if err != nil {
		p.fail("onnx runtime", err)
		return
	}

	p.pass("onnx runtime: %s", ver)
}

func (p *reporter) file(f FileCheck) {
	if _, err := os.Stat(f.Path); err != nil {
		p.fail(f.Name, err)
		return
	}

	if f.Validate == nil {
		p.pass("%s: %s", f.Name, f.Path)
		return
	}

	if err := f.Validate(f.Path); err != nil {
		p.fail(f.Name+" validation", err)
		return
	}

	p.pass("%s validation: ok (%s)", f.Name, f.Path)
}

// checkRuntimeVersion accepts 1.x releases from minRuntimeMinor on.
// "unknown" passes: the library was found but its name carries no version.
func checkRuntimeVersion(ver string) error {
	if ver == "unknown" {
		return nil
	}

	var major, minor int
	if _, err := fmt.Sscanf(ver, "%d.%d", &major, &minor); err != nil {
		return fmt.Errorf("cannot parse version %q", ver)
	}

	switch {
	case major != 1:
		return fmt.Errorf("version %s: requires ONNX Runtime 1.x", ver)
	case minor < minRuntimeMinor:
		return fmt.Errorf("version %s: requires ONNX Runtime >=1.%d", ver, minRuntimeMinor)
	}

	return nil
}

func checkDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return errors.New("not a directory")
	}

	return nil
}

func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return err
	}

	f.Close()

	return os.Remove(f.Name())
}
