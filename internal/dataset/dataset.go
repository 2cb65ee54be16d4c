package dataset

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Dataset is a random-access collection of samples. Implementations must be
// safe for concurrent Sample calls.
type Dataset interface {
	Len() int
	Sample(i int) (*Sample, error)
}

// Provider returns the ordered sample file list of one language.
type Provider interface {
	Paths(lang string) ([]string, error)
}

// DirProvider lists <Root>/<lang>/*.safetensors in lexical order.
type DirProvider struct {
	Root string
}

func (p DirProvider) Paths(lang string) ([]string, error) {
	if strings.TrimSpace(lang) == "" {
		return nil, errors.New("dataset: empty language")
	}

	dir := filepath.Join(p.Root, lang)

	items, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}

	var paths []string

	for _, it := range items {
		if it.IsDir() || filepath.Ext(it.Name()) != ".safetensors" {
			continue
		}

		paths = append(paths, filepath.Join(dir, it.Name()))
	}

	if len(paths) == 0 {
		return nil, fmt.Errorf("dataset: no samples in %s", dir)
	}

	sort.Strings(paths)

	return paths, nil
}

// Files is a dataset backed by sample files. Samples are read on demand.
type Files struct {
	paths []string
}

// NewFiles wraps an ordered list of sample files.
func NewFiles(paths []string) (*Files, error) {
	if len(paths) == 0 {
		return nil, errors.New("dataset: no sample files")
	}

	return &Files{paths: append([]string(nil), paths...)}, nil
}

// Open builds a file dataset for lang from provider.
func Open(provider Provider, lang string) (*Files, error) {
	paths, err := provider.Paths(lang)
	if err != nil {
		return nil, err
	}

	return NewFiles(paths)
}

func (f *Files) Len() int { return len(f.paths) }

func (f *Files) Sample(i int) (*Sample, error) {
	if i < 0 || i >= len(f.paths) {
		return nil, fmt.Errorf("dataset: index %d outside [0, %d)", i, len(f.paths))
	}

	return LoadSample(f.paths[i])
}
