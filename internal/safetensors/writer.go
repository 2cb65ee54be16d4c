package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// metadataKey is the reserved header entry holding string metadata.
const metadataKey = "__metadata__"

// Encode serializes float32 tensors in name order with optional string
// metadata.
func Encode(tensors []Tensor, metadata map[string]string) ([]byte, error) {
	if len(tensors) == 0 {
		return nil, errors.New("safetensors: no tensors to encode")
	}

	sorted := slices.SortedFunc(slices.Values(tensors), func(a, b Tensor) int {
		return strings.Compare(a.Name, b.Name)
	})

	header := make(map[string]any, len(sorted)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}

	size := 0
	for _, t := range sorted {
		size += 4 * len(t.Data)
	}

	body := make([]byte, 0, size)

	for _, t := range sorted {
		name := strings.TrimSpace(t.Name)

		switch _, dup := header[name]; {
		case name == "":
			return nil, errors.New("safetensors: tensor name must not be empty")
		case name == metadataKey:
			return nil, fmt.Errorf("safetensors: tensor name %q is reserved", name)
		case dup:
			return nil, fmt.Errorf("safetensors: duplicate tensor name %q", name)
		}

		n, err := elementCount(t.Shape)
		if err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", name, err)
		}

		if n != int64(len(t.Data)) {
			return nil, fmt.Errorf("safetensors: tensor %q shape %v expects %d elements, got %d", name, t.Shape, n, len(t.Data))
		}

		start := len(body)
		for _, v := range t.Data {
			body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
		}

		header[name] = entry{DType: "F32", Shape: slices.Clone(t.Shape), Offsets: [2]int{start, len(body)}}
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("safetensors: encode header: %w", err)
	}

	out := binary.LittleEndian.AppendUint64(make([]byte, 0, 8+len(headerJSON)+len(body)), uint64(len(headerJSON)))
	out = append(out, headerJSON...)

	return append(out, body...), nil
}

// WriteFile encodes tensors and replaces path atomically: the bytes go to a
// temporary file in the same directory which is then renamed over path.
func WriteFile(path string, tensors []Tensor, metadata map[string]string) (err error) {
	data, err := Encode(tensors, metadata)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("safetensors: write %s: %w", path, err)
	}

	defer func() {
		if err != nil {
			os.Remove(tmp.Name())
			err = fmt.Errorf("safetensors: write %s: %w", path, err)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}

	if err = tmp.Close(); err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
