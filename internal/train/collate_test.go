package train

import (
	"slices"
	"testing"

	"github.com/example/go-toucantts/internal/dataset"
	"github.com/example/go-toucantts/internal/runtime/tensor"
)

func sampleOf(t *testing.T, tokens, frames int, durations []int, lang int64) *dataset.Sample {
	t.Helper()

	text, err := tensor.Full([]int64{int64(tokens), 2}, float32(tokens))
	if err != nil {
		t.Fatal(err)
	}

	speech, err := tensor.Full([]int64{int64(frames), 3}, float32(frames))
	if err != nil {
		t.Fatal(err)
	}

	pitch := make([]float32, tokens)
	for i := range pitch {
		pitch[i] = 1
	}

	return &dataset.Sample{
		Text:      text,
		Speech:    speech,
		Durations: durations,
		Pitch:     pitch,
		Energy:    slices.Clone(pitch),
		LangID:    lang,
	}
}

func TestCollatePadsToBatchMaximum(t *testing.T) {
	b, err := Collate([]*dataset.Sample{
		sampleOf(t, 2, 3, []int{1, 2}, 4),
		sampleOf(t, 3, 5, []int{2, 0, 3}, 1),
	}, 2, 3)
	if err != nil {
		t.Fatalf("Collate: %v", err)
	}

	if !slices.Equal(b.Text.Shape(), []int64{2, 3, 2}) || !slices.Equal(b.Speech.Shape(), []int64{2, 5, 3}) {
		t.Fatalf("shapes text %v speech %v", b.Text.Shape(), b.Speech.Shape())
	}

	if !slices.Equal(b.Pitch.Shape(), []int64{2, 3, 1}) || !slices.Equal(b.Energy.Shape(), []int64{2, 3, 1}) {
		t.Fatalf("variance shapes %v %v", b.Pitch.Shape(), b.Energy.Shape())
	}

	if !slices.Equal(b.TextLengths, []int{2, 3}) || !slices.Equal(b.SpeechLengths, []int{3, 5}) {
		t.Fatalf("lengths %v %v", b.TextLengths, b.SpeechLengths)
	}

	if !slices.Equal(b.Durations[0], []int{1, 2, 0}) || !slices.Equal(b.Durations[1], []int{2, 0, 3}) {
		t.Fatalf("durations %v", b.Durations)
	}

	if !slices.Equal(b.LangIDs, []int64{4, 1}) {
		t.Fatalf("lang ids %v", b.LangIDs)
	}

	speech := b.Speech.RawData()
	if speech[2*3] != 3 || speech[3*3] != 0 {
		t.Fatalf("first row not zero padded: %v", speech[:15])
	}

	if b.Pitch.RawData()[2] != 0 || b.Pitch.RawData()[5] != 1 {
		t.Fatalf("pitch padding %v", b.Pitch.RawData())
	}

	if b.UttEmbedding != nil {
		t.Fatal("Collate must not set the utterance embedding")
	}
}

func TestCollateRejects(t *testing.T) {
	if _, err := Collate(nil, 2, 3); err == nil {
		t.Fatal("expected error for an empty batch")
	}

	bad := sampleOf(t, 2, 3, []int{1, 1}, 0)
	if _, err := Collate([]*dataset.Sample{bad}, 2, 3); err == nil {
		t.Fatal("expected error for durations not covering the frames")
	}

	if _, err := Collate([]*dataset.Sample{sampleOf(t, 2, 3, []int{1, 2}, 0)}, 4, 3); err == nil {
		t.Fatal("expected error for a feature width mismatch")
	}
}
