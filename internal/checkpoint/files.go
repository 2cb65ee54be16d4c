package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

const (
	filePrefix = "checkpoint_"
	fileExt    = ".safetensors"

	// BestName is the averaged, inference-only checkpoint in a save
	// directory.
	BestName = "best" + fileExt
)

// Entry is a step-numbered checkpoint file.
type Entry struct {
	Path string
	Step int
}

// FileName is the file name of the checkpoint saved at step.
func FileName(step int) string {
	return filePrefix + strconv.Itoa(step) + fileExt
}

// List returns the step-numbered checkpoints in dir, oldest first. Other
// files, including best.safetensors, are ignored.
func List(dir string) ([]Entry, error) {
	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: list %s: %w", dir, err)
	}

	var out []Entry

	for _, it := range items {
		name := it.Name()
		if it.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, fileExt) {
			continue
		}

		step, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), fileExt))
		if err != nil || step < 0 {
			continue
		}

		out = append(out, Entry{Path: filepath.Join(dir, name), Step: step})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })

	return out, nil
}

// Latest returns the path of the highest-step checkpoint in dir.
func Latest(dir string) (string, error) {
	entries, err := List(dir)
	if err != nil {
		return "", err
	}

	if len(entries) == 0 {
		return "", fmt.Errorf("%w in %s", ErrNotFound, dir)
	}

	return entries[len(entries)-1].Path, nil
}

// Recent returns up to n of the highest-step checkpoint paths, oldest
// first.
func Recent(dir string, n int) ([]string, error) {
	entries, err := List(dir)
	if err != nil {
		return nil, err
	}

	if len(entries) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNotFound, dir)
	}

	if n < len(entries) {
		entries = entries[len(entries)-n:]
	}

	paths := make([]string, len(entries))
	for i, e := range entries {
		paths[i] = e.Path
	}

	return paths, nil
}

// Prune deletes all but the keep highest-step checkpoints in dir and
// returns the removed paths.
func Prune(dir string, keep int) ([]string, error) {
	entries, err := List(dir)
	if err != nil {
		return nil, err
	}

	if keep < 0 {
		keep = 0
	}

	if len(entries) <= keep {
		return nil, nil
	}

	var removed []string

	for _, e := range entries[:len(entries)-keep] {
		if err := os.Remove(e.Path); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("checkpoint: prune: %w", err)
		}

		removed = append(removed, e.Path)
	}

	return removed, nil
}
