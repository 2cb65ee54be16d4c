package safetensors

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"math"
	"os"
	"slices"
	"strings"
)

// Tensor is one decoded float32 tensor.
type Tensor struct {
	Name  string
	Shape []int64
	Data  []float32
}

// StoreOptions selects which tensors of a file a Store exposes.
type StoreOptions struct {
	// Prefix keeps only tensors whose name starts with it and strips it
	// from the exposed name.
	Prefix string
	// Strict fails the open when a tensor lies outside Prefix.
	Strict bool
}

// Store indexes the tensors of one safetensors file held in memory.
// Tensors are decoded to float32 on access.
type Store struct {
	body     []byte
	entries  map[string]entry
	names    []string
	metadata map[string]string
}

type entry struct {
	DType   string  `json:"dtype"`
	Shape   []int64 `json:"shape"`
	Offsets [2]int  `json:"data_offsets"`
}

type dtype struct {
	size   int
	decode func([]byte) float32
}

var dtypes = map[string]dtype{
	"F32": {4, func(b []byte) float32 { return math.Float32frombits(binary.LittleEndian.Uint32(b)) }},
	"F16": {2, func(b []byte) float32 { return float16ToFloat32(binary.LittleEndian.Uint16(b)) }},
	"BF16": {2, func(b []byte) float32 {
		return math.Float32frombits(uint32(binary.LittleEndian.Uint16(b)) << 16)
	}},
}

func OpenStore(path string, opts StoreOptions) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("safetensors: read %s: %w", path, err)
	}

	return OpenStoreFromBytes(data, opts)
}

// OpenStoreFromBytes validates the header of data and indexes its tensors.
// data must not be modified while the store is in use.
func OpenStoreFromBytes(data []byte, opts StoreOptions) (*Store, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("safetensors: file too short (%d bytes)", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data)
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("safetensors: header length %d exceeds file size %d", headerLen, len(data))
	}

	var header map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &header); err != nil {
		return nil, fmt.Errorf("safetensors: parse header: %w", err)
	}

	s := &Store{
		body:     data[8+headerLen:],
		entries:  make(map[string]entry, len(header)),
		metadata: map[string]string{},
	}

	for _, raw := range slices.Sorted(maps.Keys(header)) {
		if raw == metadataKey {
			if err := s.readMetadata(header[raw]); err != nil {
				return nil, err
			}

			continue
		}

		name, ok := strings.CutPrefix(raw, opts.Prefix)
		switch {
		case !ok && opts.Strict:
			return nil, fmt.Errorf("safetensors: tensor %q lies outside prefix %q", raw, opts.Prefix)
		case !ok:
			continue
		case strings.TrimSpace(name) == "":
			return nil, fmt.Errorf("safetensors: tensor %q has an empty name after prefix %q", raw, opts.Prefix)
		}

		var e entry
		if err := json.Unmarshal(header[raw], &e); err != nil {
			return nil, fmt.Errorf("safetensors: decode header entry %q: %w", raw, err)
		}

		e.DType = strings.ToUpper(e.DType)
		if err := e.check(len(s.body)); err != nil {
			return nil, fmt.Errorf("safetensors: tensor %q: %w", raw, err)
		}

		s.entries[name] = e
		s.names = append(s.names, name)
	}

	if len(s.entries) == 0 {
		return nil, errors.New("safetensors: no tensors found")
	}

	slices.Sort(s.names)

	return s, nil
}

// readMetadata keeps the string values of the __metadata__ entry.
func (s *Store) readMetadata(raw json.RawMessage) error {
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("safetensors: decode metadata: %w", err)
	}

	for k, v := range values {
		if str, ok := v.(string); ok {
			s.metadata[k] = str
		}
	}

	return nil
}

func (e entry) check(bodyLen int) error {
	dt, ok := dtypes[e.DType]
	if !ok {
		return fmt.Errorf("unsupported dtype %q", e.DType)
	}

	n, err := elementCount(e.Shape)
	if err != nil {
		return err
	}

	start, end := e.Offsets[0], e.Offsets[1]
	if start < 0 || end < start || end > bodyLen {
		return fmt.Errorf("data offsets %v outside a body of %d bytes", e.Offsets, bodyLen)
	}

	if want := n * int64(dt.size); int64(end-start) < want {
		return fmt.Errorf("needs %d bytes but data has %d", want, end-start)
	}

	return nil
}

func elementCount(shape []int64) (int64, error) {
	n := int64(1)

	for _, d := range shape {
		switch {
		case d < 0:
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		case d != 0 && n > math.MaxInt32*int64(math.MaxInt32)/d:
			return 0, fmt.Errorf("shape %v overflows element count", shape)
		}

		n *= d
	}

	return n, nil
}

// Metadata returns a copy of the string entries of the __metadata__ header.
func (s *Store) Metadata() map[string]string {
	return maps.Clone(s.metadata)
}

func (s *Store) Names() []string {
	return slices.Clone(s.names)
}

func (s *Store) Has(name string) bool {
	_, ok := s.entries[name]
	return ok
}

func (s *Store) Tensor(name string) (*Tensor, error) {
	e, ok := s.entries[name]
	if !ok {
		return nil, fmt.Errorf("safetensors: tensor %q not found (available: %s)", name, summarizeNames(s.names))
	}

	dt := dtypes[e.DType]
	n, _ := elementCount(e.Shape)
	raw := s.body[e.Offsets[0]:e.Offsets[1]]
	data := make([]float32, n)

	for i := range data {
		data[i] = dt.decode(raw[i*dt.size:])
	}

	return &Tensor{Name: name, Shape: slices.Clone(e.Shape), Data: data}, nil
}

// TensorWithShape is Tensor with an exact shape check.
func (s *Store) TensorWithShape(name string, want []int64) (*Tensor, error) {
	t, err := s.Tensor(name)
	if err != nil {
		return nil, err
	}

	if !slices.Equal(t.Shape, want) {
		return nil, fmt.Errorf("safetensors: tensor %q shape %v does not match expected %v", name, t.Shape, want)
	}

	return t, nil
}

// ReadAll decodes every tensor in the store keyed by its exposed name.
func (s *Store) ReadAll() (map[string]*Tensor, error) {
	out := make(map[string]*Tensor, len(s.names))

	for _, name := range s.names {
		t, err := s.Tensor(name)
		if err != nil {
			return nil, err
		}

		out[name] = t
	}

	return out, nil
}

// Close drops the store's reference to the file contents.
func (s *Store) Close() {
	*s = Store{}
}

// float16ToFloat32 widens an IEEE 754 half-precision value.
func float16ToFloat32(h uint16) float32 {
	sign := float32(1)
	if h&0x8000 != 0 {
		sign = -1
	}

	exp := int(h>>10) & 0x1f
	frac := float64(h & 0x3ff)

	switch exp {
	case 0:
		return sign * float32(math.Ldexp(frac, -24))
	case 0x1f:
		if frac != 0 {
			return float32(math.NaN())
		}

		return sign * float32(math.Inf(1))
	default:
		return sign * float32(math.Ldexp(1024+frac, exp-25))
	}
}

func summarizeNames(names []string) string {
	const shown = 8

	switch {
	case len(names) == 0:
		return "none"
	case len(names) > shown:
		return strings.Join(names[:shown], ", ") + ", ..."
	default:
		return strings.Join(names, ", ")
	}
}
