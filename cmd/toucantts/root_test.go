package main

import (
	"bytes"
	"context"
	"log/slog"
	"slices"
	"testing"

	"github.com/example/go-toucantts/internal/config"
)

func TestRootCommandTree(t *testing.T) {
	root := NewRootCmd()

	var names []string
	for _, sub := range root.Commands() {
		names = append(names, sub.Name())
	}

	for _, want := range []string{"average", "doctor", "synth", "train"} {
		if !slices.Contains(names, want) {
			t.Errorf("subcommand %q missing from %v", want, names)
		}
	}

	for _, flag := range []string{"config", "model-save-dir"} {
		if root.PersistentFlags().Lookup(flag) == nil {
			t.Errorf("persistent flag --%s not registered", flag)
		}
	}
}

func TestNewLoggerLevels(t *testing.T) {
	tests := []struct {
		level     string
		debugOn   bool
		infoOn    bool
		warningOn bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warn", false, false, true},
		{"not-a-level", false, true, true},
	}

	ctx := context.Background()

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			l := newLogger(&bytes.Buffer{}, tt.level)

			got := []bool{l.Enabled(ctx, slog.LevelDebug), l.Enabled(ctx, slog.LevelInfo), l.Enabled(ctx, slog.LevelWarn)}
			if want := []bool{tt.debugOn, tt.infoOn, tt.warningOn}; !slices.Equal(got, want) {
				t.Fatalf("enabled debug/info/warn = %v, want %v", got, want)
			}
		})
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	var buf bytes.Buffer

	newLogger(&buf, "info").Info("ready", "step", 3)

	if !bytes.Contains(buf.Bytes(), []byte(`"msg":"ready"`)) || !bytes.Contains(buf.Bytes(), []byte(`"step":3`)) {
		t.Fatalf("log line = %s", buf.String())
	}
}

func TestRequireConfig(t *testing.T) {
	orig := loaded
	t.Cleanup(func() { loaded = orig })

	loaded = nil

	if _, err := requireConfig(); err == nil {
		t.Fatal("expected error when config is not loaded")
	}

	loaded = &config.Config{Paths: config.PathsConfig{SaveDir: "/some/dir"}}

	got, err := requireConfig()
	if err != nil {
		t.Fatalf("requireConfig: %v", err)
	}

	if got.Paths.SaveDir != "/some/dir" {
		t.Errorf("SaveDir = %q", got.Paths.SaveDir)
	}
}
