// Package audio reads and writes the mono 16-bit PCM WAV files produced by
// the vocoder.
package audio

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cwbudde/wav"
	goaudio "github.com/go-audio/audio"
)

const (
	Channels = 1
	BitDepth = 16

	pcmFormat = 1
)

// ErrFormatMismatch is returned when a decoded WAV is not mono 16-bit PCM.
var ErrFormatMismatch = errors.New("WAV format mismatch")

// Encode writes samples as a mono 16-bit PCM WAV stream. Samples outside
// [-1, 1] are clipped.
func Encode(w io.WriteSeeker, samples []float32, sampleRate int) error {
	if sampleRate < 1 {
		return fmt.Errorf("invalid sample rate: %d", sampleRate)
	}

	clipped := make([]float32, len(samples))
	for i, s := range samples {
		clipped[i] = min(max(s, -1), 1)
	}

	enc := wav.NewEncoder(w, sampleRate, BitDepth, Channels, pcmFormat)

	buf := &goaudio.Float32Buffer{
		Data:           clipped,
		Format:         &goaudio.Format{SampleRate: sampleRate, NumChannels: Channels},
		SourceBitDepth: BitDepth,
	}

	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("writing PCM: %w", err)
	}

	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing encoder: %w", err)
	}

	return nil
}

// EncodeWAV returns samples as WAV bytes.
func EncodeWAV(samples []float32, sampleRate int) ([]byte, error) {
	sb := &seekBuffer{}
	if err := Encode(sb, samples, sampleRate); err != nil {
		return nil, err
	}

	return sb.data, nil
}

// WriteFile writes samples to a WAV file at path.
func WriteFile(path string, samples []float32, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}

	if err := Encode(f, samples, sampleRate); err != nil {
		f.Close()
		return fmt.Errorf("%s: %w", path, err)
	}

	return f.Close()
}

// DecodeWAV reads mono 16-bit PCM WAV bytes and returns the samples in
// [-1, 1] and the sample rate.
func DecodeWAV(data []byte) ([]float32, int, error) {
	if len(data) == 0 {
		return nil, 0, errors.New("empty WAV input")
	}

	dec := wav.NewDecoder(bytes.NewReader(data))
	if !dec.IsValidFile() {
		return nil, 0, errors.New("invalid WAV file")
	}

	if dec.NumChans != Channels {
		return nil, 0, fmt.Errorf("%w: channels %d, want %d", ErrFormatMismatch, dec.NumChans, Channels)
	}

	if dec.BitDepth != BitDepth {
		return nil, 0, fmt.Errorf("%w: bit depth %d, want %d", ErrFormatMismatch, dec.BitDepth, BitDepth)
	}

	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("reading PCM data: %w", err)
	}

	return buf.Data, int(dec.SampleRate), nil
}

// seekBuffer is an in-memory io.WriteSeeker.
type seekBuffer struct {
	data []byte
	pos  int
}

func (s *seekBuffer) Write(p []byte) (int, error) {
	if end := s.pos + len(p); end > len(s.data) {
		s.data = append(s.data, make([]byte, end-len(s.data))...)
	}

	n := copy(s.data[s.pos:], p)
	s.pos += n

	return n, nil
}

func (s *seekBuffer) Seek(offset int64, whence int) (int64, error) {
	var pos int

	switch whence {
	case io.SeekStart:
		pos = int(offset)
	case io.SeekCurrent:
		pos = s.pos + int(offset)
	case io.SeekEnd:
		pos = len(s.data) + int(offset)
	default:
		return 0, fmt.Errorf("invalid whence %d", whence)
	}

	if pos < 0 {
		return 0, errors.New("seek before start")
	}

	s.pos = pos

	return int64(pos), nil
}
