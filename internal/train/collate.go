package train

import (
	"errors"
	"fmt"

	"github.com/example/go-toucantts/internal/dataset"
	"github.com/example/go-toucantts/internal/runtime/tensor"
	"github.com/example/go-toucantts/internal/toucan"
)

// Collate pads samples to the longest text and speech in the list and
// records the true lengths. The utterance embedding is left for the caller.
func Collate(samples []*dataset.Sample, featDim, codecDim int) (toucan.Batch, error) {
	if len(samples) == 0 {
		return toucan.Batch{}, errors.New("train: empty batch")
	}

	var maxTokens, maxFrames int

	for i, s := range samples {
		if err := s.Validate(featDim, codecDim); err != nil {
			return toucan.Batch{}, fmt.Errorf("train: batch item %d: %w", i, err)
		}

		maxTokens = max(maxTokens, s.Tokens())
		maxFrames = max(maxFrames, s.Frames())
	}

	n := len(samples)
	text := make([]float32, n*maxTokens*featDim)
	speech := make([]float32, n*maxFrames*codecDim)
	pitch := make([]float32, n*maxTokens)
	energy := make([]float32, n*maxTokens)

	b := toucan.Batch{
		TextLengths:   make([]int, n),
		SpeechLengths: make([]int, n),
		Durations:     make([][]int, n),
		LangIDs:       make([]int64, n),
	}

	for i, s := range samples {
		copy(text[i*maxTokens*featDim:], s.Text.RawData())
		copy(speech[i*maxFrames*codecDim:], s.Speech.RawData())
		copy(pitch[i*maxTokens:], s.Pitch)
		copy(energy[i*maxTokens:], s.Energy)

		durations := make([]int, maxTokens)
		copy(durations, s.Durations)

		b.TextLengths[i] = s.Tokens()
		b.SpeechLengths[i] = s.Frames()
		b.Durations[i] = durations
		b.LangIDs[i] = s.LangID
	}

	var err error

	if b.Text, err = tensor.New(text, []int64{int64(n), int64(maxTokens), int64(featDim)}); err != nil {
		return toucan.Batch{}, err
	}

	if b.Speech, err = tensor.New(speech, []int64{int64(n), int64(maxFrames), int64(codecDim)}); err != nil {
		return toucan.Batch{}, err
	}

	if b.Pitch, err = tensor.New(pitch, []int64{int64(n), int64(maxTokens), 1}); err != nil {
		return toucan.Batch{}, err
	}

	if b.Energy, err = tensor.New(energy, []int64{int64(n), int64(maxTokens), 1}); err != nil {
		return toucan.Batch{}, err
	}

	return b, nil
}
