// Package dataset holds training samples and the per-task sources the
// meta-training loop draws from.
package dataset

import (
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/example/go-toucantts/internal/runtime/tensor"
	"github.com/example/go-toucantts/internal/safetensors"
)

const (
	textName      = "text"
	speechName    = "speech"
	durationsName = "durations"
	pitchName     = "pitch"
	energyName    = "energy"

	metaLangID = "lang_id"
	metaName   = "name"
)

// Sample is one aligned utterance: phoneme features, gold codec frames and
// the per-token variance targets.
type Sample struct {
	Name      string
	Text      *tensor.Tensor // [T, F]
	Speech    *tensor.Tensor // [L, D]
	Durations []int          // [T], sums to L
	Pitch     []float32      // [T]
	Energy    []float32      // [T]
	LangID    int64
}

// Tokens is the number of phoneme tokens.
func (s *Sample) Tokens() int { return int(s.Text.Shape()[0]) }

// Frames is the number of codec frames.
func (s *Sample) Frames() int { return int(s.Speech.Shape()[0]) }

// Validate checks the internal consistency of s and, when featDim or
// codecDim are positive, the feature widths.
func (s *Sample) Validate(featDim, codecDim int) error {
	if s == nil || s.Text == nil || s.Speech == nil {
		return errors.New("dataset: sample is missing text or speech")
	}

	ts, ss := s.Text.Shape(), s.Speech.Shape()
	if len(ts) != 2 || len(ss) != 2 {
		return fmt.Errorf("dataset: sample %q: text %v and speech %v must be rank 2", s.Name, ts, ss)
	}

	if featDim > 0 && ts[1] != int64(featDim) {
		return fmt.Errorf("dataset: sample %q: text width %d, want %d", s.Name, ts[1], featDim)
	}

	if codecDim > 0 && ss[1] != int64(codecDim) {
		return fmt.Errorf("dataset: sample %q: speech width %d, want %d", s.Name, ss[1], codecDim)
	}

	tokens := int(ts[0])
	if len(s.Durations) != tokens || len(s.Pitch) != tokens || len(s.Energy) != tokens {
		return fmt.Errorf("dataset: sample %q: %d tokens but %d durations, %d pitch, %d energy values",
			s.Name, tokens, len(s.Durations), len(s.Pitch), len(s.Energy))
	}

	total := 0

	for i, d := range s.Durations {
		if d < 0 {
			return fmt.Errorf("dataset: sample %q: negative duration %d at token %d", s.Name, d, i)
		}

		total += d
	}

	if total != int(ss[0]) {
		return fmt.Errorf("dataset: sample %q: durations sum to %d but speech has %d frames", s.Name, total, ss[0])
	}

	return nil
}

// WriteSample stores s as a safetensors file.
func WriteSample(path string, s *Sample) error {
	if err := s.Validate(0, 0); err != nil {
		return err
	}

	durations := make([]float32, len(s.Durations))
	for i, d := range s.Durations {
		durations[i] = float32(d)
	}

	tokens := []int64{int64(len(s.Durations))}

	tensors := []safetensors.Tensor{
		{Name: textName, Shape: s.Text.Shape(), Data: s.Text.RawData()},
		{Name: speechName, Shape: s.Speech.Shape(), Data: s.Speech.RawData()},
		{Name: durationsName, Shape: tokens, Data: durations},
		{Name: pitchName, Shape: tokens, Data: s.Pitch},
		{Name: energyName, Shape: tokens, Data: s.Energy},
	}

	meta := map[string]string{metaLangID: strconv.FormatInt(s.LangID, 10)}
	if s.Name != "" {
		meta[metaName] = s.Name
	}

	if err := safetensors.WriteFile(path, tensors, meta); err != nil {
		return fmt.Errorf("dataset: write %s: %w", path, err)
	}

	return nil
}

// LoadSample reads a sample written by WriteSample.
func LoadSample(path string) (*Sample, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{})
	if err != nil {
		return nil, fmt.Errorf("dataset: %w", err)
	}
	defer store.Close()

	get := func(name string) (*safetensors.Tensor, error) {
		t, err := store.Tensor(name)
		if err != nil {
			return nil, fmt.Errorf("dataset: %s: %w", path, err)
		}

		return t, nil
	}

	meta := store.Metadata()
	s := &Sample{Name: meta[metaName]}

	if v, ok := meta[metaLangID]; ok {
		if s.LangID, err = strconv.ParseInt(v, 10, 64); err != nil {
			return nil, fmt.Errorf("dataset: %s: lang_id: %w", path, err)
		}
	}

	if s.Name == "" {
		s.Name = path
	}

	for _, f := range []struct {
		name string
		dst  **tensor.Tensor
	}{{textName, &s.Text}, {speechName, &s.Speech}} {
		st, err := get(f.name)
		if err != nil {
			return nil, err
		}

		if *f.dst, err = tensor.New(st.Data, st.Shape); err != nil {
			return nil, fmt.Errorf("dataset: %s: %s: %w", path, f.name, err)
		}
	}

	d, err := get(durationsName)
	if err != nil {
		return nil, err
	}

	s.Durations = make([]int, len(d.Data))
	for i, v := range d.Data {
		if v < 0 || v != float32(math.Round(float64(v))) {
			return nil, fmt.Errorf("dataset: %s: duration %v at token %d is not a count", path, v, i)
		}

		s.Durations[i] = int(v)
	}

	p, err := get(pitchName)
	if err != nil {
		return nil, err
	}

	e, err := get(energyName)
	if err != nil {
		return nil, err
	}

	s.Pitch, s.Energy = p.Data, e.Data

	if err := s.Validate(0, 0); err != nil {
		return nil, err
	}

	return s, nil
}
