package testutil

import (
	"bytes"
	"testing"

	"github.com/cwbudde/wav"
)

// AssertValidWAV fails tb unless data decodes as a non-empty mono 16-bit
// PCM WAV at sampleRate. It returns the number of samples.
func AssertValidWAV(tb testing.TB, data []byte, sampleRate int) int {
	tb.Helper()

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		tb.Fatalf("WAV: %d bytes do not form a valid RIFF/WAVE file", len(data))
	}

	checks := []struct {
		field     string
		got, want int
	}{
		{"format", int(dec.WavAudioFormat), 1},
		{"channels", int(dec.NumChans), 1},
		{"bit depth", int(dec.BitDepth), 16},
		{"sample rate", int(dec.SampleRate), sampleRate},
	}

	for _, c := range checks {
		if c.got != c.want {
			tb.Fatalf("WAV: %s = %d, want %d", c.field, c.got, c.want)
		}
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		tb.Fatalf("WAV: reading PCM data: %v", err)
	}

	if len(buf.Data) == 0 {
		tb.Fatal("WAV: data chunk holds no samples")
	}

	return len(buf.Data)
}
