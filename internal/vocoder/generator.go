// Package vocoder turns codec frames into waveforms with a MelGAN
// generator. Only inference is implemented; weights come from a
// safetensors file or a seeded initialization.
package vocoder

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sort"
	"strings"

	"github.com/example/go-toucantts/internal/runtime/ops"
	"github.com/example/go-toucantts/internal/runtime/tensor"
	"github.com/example/go-toucantts/internal/safetensors"
)

const (
	namePrefix = "vocoder."
	metaConfig = "vocoder_config"
	leakSlope  = 0.2
)

// Config describes the generator architecture.
type Config struct {
	InChannels      int   `json:"in_channels"`
	Channels        int   `json:"channels"`
	KernelSize      int   `json:"kernel_size"`
	UpsampleScales  []int `json:"upsample_scales"`
	StackKernelSize int   `json:"stack_kernel_size"`
	Stacks          int   `json:"stacks"`
}

// DefaultConfig is the MelGAN layout for 24 kHz audio at a hop of 256
// samples.
func DefaultConfig(inChannels int) Config {
	return Config{
		InChannels:      inChannels,
		Channels:        512,
		KernelSize:      7,
		UpsampleScales:  []int{8, 8, 2, 2},
		StackKernelSize: 3,
		Stacks:          3,
	}
}

// Hop is the number of samples generated per input frame.
func (c Config) Hop() int {
	hop := 1
	for _, s := range c.UpsampleScales {
		hop *= s
	}

	return hop
}

// MinFrames is the shortest input every reflection pad can mirror.
func (c Config) MinFrames() int {
	n := c.KernelSize/2 + 1

	widest := c.StackKernelSize / 2
	for range c.Stacks - 1 {
		widest *= 3
	}

	hop := 1
	for _, s := range c.UpsampleScales {
		hop *= s
		// frames*hop must exceed the widest dilated pad of this stage.
		n = max(n, widest/hop+1)
	}

	return n
}

func (c Config) Validate() error {
	switch {
	case c.InChannels <= 0 || c.Channels <= 0:
		return fmt.Errorf("vocoder: channels %d/%d must be positive", c.InChannels, c.Channels)
	case c.KernelSize%2 == 0 || c.StackKernelSize%2 == 0:
		return fmt.Errorf("vocoder: kernel sizes %d/%d must be odd", c.KernelSize, c.StackKernelSize)
	case len(c.UpsampleScales) == 0 || c.Stacks <= 0:
		return errors.New("vocoder: need at least one upsampling stage and one residual stack")
	case c.Channels>>len(c.UpsampleScales) == 0:
		return fmt.Errorf("vocoder: %d channels cannot be halved %d times", c.Channels, len(c.UpsampleScales))
	}

	for _, s := range c.UpsampleScales {
		if s <= 0 {
			return fmt.Errorf("vocoder: upsample scale %d must be positive", s)
		}
	}

	return nil
}

type conv struct {
	weight *tensor.Tensor
	bias   *tensor.Tensor
}

type residualStack struct {
	dilation int64
	conv1    conv // dilated, reflect padded
	conv2    conv // 1x1
	skip     conv // 1x1
}

type upsample struct {
	scale  int64
	conv   conv // transposed, weight [in, out, 2*scale]
	packed []float32
	stacks []residualStack
}

// Generator is a MelGAN generator.
type Generator struct {
	cfg    Config
	input  conv
	stages []upsample
	output conv
}

func (g *Generator) Config() Config { return g.cfg }

// layer is one named weight in the checkpoint layout.
type layer struct {
	name  string
	shape []int64
	dst   *conv
}

func (g *Generator) layers() []layer {
	cfg := g.cfg
	k := int64(cfg.KernelSize)
	ch := int64(cfg.Channels)

	out := []layer{{name: "input", shape: []int64{ch, int64(cfg.InChannels), k}, dst: &g.input}}

	for i := range g.stages {
		st := &g.stages[i]
		in, next := ch>>i, ch>>(i+1)
		prefix := fmt.Sprintf("upsample.%d", i)

		out = append(out, layer{name: prefix, shape: []int64{in, next, 2 * st.scale}, dst: &st.conv})

		for j := range st.stacks {
			rs := &st.stacks[j]
			sp := fmt.Sprintf("%s.stack.%d", prefix, j)

			out = append(out,
				layer{name: sp + ".conv1", shape: []int64{next, next, int64(cfg.StackKernelSize)}, dst: &rs.conv1},
				layer{name: sp + ".conv2", shape: []int64{next, next, 1}, dst: &rs.conv2},
				layer{name: sp + ".skip", shape: []int64{next, next, 1}, dst: &rs.skip},
			)
		}
	}

	last := ch >> len(g.stages)

	return append(out, layer{name: "output", shape: []int64{1, last, k}, dst: &g.output})
}

func newGenerator(cfg Config) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Generator{cfg: cfg, stages: make([]upsample, len(cfg.UpsampleScales))}

	for i, s := range cfg.UpsampleScales {
		g.stages[i].scale = int64(s)
		g.stages[i].stacks = make([]residualStack, cfg.Stacks)

		dilation := int64(1)
		for j := range g.stages[i].stacks {
			g.stages[i].stacks[j].dilation = dilation
			dilation *= 3
		}
	}

	return g, nil
}

// biasShape is [out] for convolutions and transposed convolutions alike.
func biasShape(name string, weight []int64) []int64 {
	if strings.HasPrefix(name, "upsample.") && !strings.Contains(name, ".stack.") {
		return []int64{weight[1]}
	}

	return []int64{weight[0]}
}

// New builds a generator with weights drawn from a normal distribution
// scaled by fan-in, seeded for reproducibility.
func New(cfg Config, seed uint64) (*Generator, error) {
	g, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewPCG(seed, 0x6d656c))

	for _, l := range g.layers() {
		std := 1 / math.Sqrt(float64(l.shape[1]*l.shape[2]))
		w := make([]float32, l.shape[0]*l.shape[1]*l.shape[2])

		for i := range w {
			w[i] = float32(rng.NormFloat64() * std)
		}

		if l.dst.weight, err = tensor.New(w, l.shape); err != nil {
			return nil, err
		}

		if l.dst.bias, err = tensor.Zeros(biasShape(l.name, l.shape)); err != nil {
			return nil, err
		}
	}

	g.pack()

	return g, nil
}

// Load reads a generator written by Save. Tensor names carry the
// "vocoder." prefix so the weights can share a file with other models.
func Load(path string) (*Generator, error) {
	store, err := safetensors.OpenStore(path, safetensors.StoreOptions{Prefix: namePrefix})
	if err != nil {
		return nil, fmt.Errorf("vocoder: %w", err)
	}
	defer store.Close()

	raw, ok := store.Metadata()[metaConfig]
	if !ok {
		return nil, fmt.Errorf("vocoder: %s has no %s metadata", path, metaConfig)
	}

	var cfg Config
	if err := json.Unmarshal([]byte(raw), &cfg); err != nil {
		return nil, fmt.Errorf("vocoder: %s config: %w", path, err)
	}

	g, err := newGenerator(cfg)
	if err != nil {
		return nil, err
	}

	for _, l := range g.layers() {
		w, err := store.TensorWithShape(l.name+".weight", l.shape)
		if err != nil {
			return nil, fmt.Errorf("vocoder: %w", err)
		}

		b, err := store.TensorWithShape(l.name+".bias", biasShape(l.name, l.shape))
		if err != nil {
			return nil, fmt.Errorf("vocoder: %w", err)
		}

		if l.dst.weight, err = tensor.New(w.Data, w.Shape); err != nil {
			return nil, err
		}

		if l.dst.bias, err = tensor.New(b.Data, b.Shape); err != nil {
			return nil, err
		}
	}

	g.pack()

	return g, nil
}

// Save writes the weights and the architecture to path.
func (g *Generator) Save(path string) error {
	cfgJSON, err := json.Marshal(g.cfg)
	if err != nil {
		return fmt.Errorf("vocoder: %w", err)
	}

	var tensors []safetensors.Tensor

	for _, l := range g.layers() {
		tensors = append(tensors,
			safetensors.Tensor{Name: namePrefix + l.name + ".weight", Shape: l.dst.weight.Shape(), Data: l.dst.weight.RawData()},
			safetensors.Tensor{Name: namePrefix + l.name + ".bias", Shape: l.dst.bias.Shape(), Data: l.dst.bias.RawData()},
		)
	}

	sort.Slice(tensors, func(i, j int) bool { return tensors[i].Name < tensors[j].Name })

	if err := safetensors.WriteFile(path, tensors, map[string]string{metaConfig: string(cfgJSON)}); err != nil {
		return fmt.Errorf("vocoder: %w", err)
	}

	return nil
}

func (g *Generator) pack() {
	for i := range g.stages {
		g.stages[i].packed = ops.PackTransposedKernel(g.stages[i].conv.weight)
	}
}

func leaky(x *tensor.Tensor) *tensor.Tensor {
	return tensor.Map(x, func(v float32) float32 {
		if v < 0 {
			return v * leakSlope
		}

		return v
	})
}

func (c conv) apply(x *tensor.Tensor, dilation int64) (*tensor.Tensor, error) {
	return ops.Conv1D(x, c.weight, c.bias, 1, 0, dilation, 1)
}

func (c conv) applyPadded(x *tensor.Tensor, dilation int64) (*tensor.Tensor, error) {
	pad := (c.weight.Shape()[2] - 1) / 2 * dilation

	padded, err := ops.ReflectPad1D(x, pad, pad)
	if err != nil {
		return nil, err
	}

	return c.apply(padded, dilation)
}

func (rs residualStack) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	h, err := rs.conv1.applyPadded(leaky(x), rs.dilation)
	if err != nil {
		return nil, err
	}

	if h, err = rs.conv2.apply(leaky(h), 1); err != nil {
		return nil, err
	}

	skip, err := rs.skip.apply(x, 1)
	if err != nil {
		return nil, err
	}

	return tensor.BroadcastAdd(h, skip)
}

func (st upsample) forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	padding := st.scale/2 + st.scale%2
	outputPadding := st.scale % 2

	h, err := ops.ConvTranspose1D(leaky(x), st.conv.weight, st.conv.bias, st.packed,
		st.scale, padding, outputPadding, 1)
	if err != nil {
		return nil, err
	}

	for _, rs := range st.stacks {
		if h, err = rs.forward(h); err != nil {
			return nil, err
		}
	}

	return h, nil
}

// Generate synthesizes Hop() samples per frame from frames [D, L].
func (g *Generator) Generate(frames *tensor.Tensor) ([]float32, error) {
	if frames == nil {
		return nil, errors.New("vocoder: no frames")
	}

	shape := frames.Shape()
	if len(shape) != 2 || shape[0] != int64(g.cfg.InChannels) {
		return nil, fmt.Errorf("vocoder: frames must be [%d, length], got %v", g.cfg.InChannels, shape)
	}

	if minLen := g.cfg.MinFrames(); shape[1] < int64(minLen) {
		return nil, fmt.Errorf("vocoder: need at least %d frames, got %d", minLen, shape[1])
	}

	if !frames.Finite() {
		return nil, errors.New("vocoder: frames contain NaN or Inf")
	}

	x, err := frames.Reshape([]int64{1, shape[0], shape[1]})
	if err != nil {
		return nil, err
	}

	if x, err = g.input.applyPadded(x, 1); err != nil {
		return nil, fmt.Errorf("vocoder: input: %w", err)
	}

	for i, st := range g.stages {
		if x, err = st.forward(x); err != nil {
			return nil, fmt.Errorf("vocoder: stage %d: %w", i, err)
		}
	}

	if x, err = g.output.applyPadded(leaky(x), 1); err != nil {
		return nil, fmt.Errorf("vocoder: output: %w", err)
	}

	out := x.RawData()
	wave := make([]float32, len(out))

	for i, v := range out {
		wave[i] = float32(math.Tanh(float64(v)))
	}

	return wave, nil
}
