package train

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/example/go-toucantts/internal/checkpoint"
	"github.com/example/go-toucantts/internal/dataset"
	"github.com/example/go-toucantts/internal/embed"
	"github.com/example/go-toucantts/internal/nn"
	"github.com/example/go-toucantts/internal/runtime/autograd"
	"github.com/example/go-toucantts/internal/toucan"
)

// ErrTargetReached is returned when a loaded checkpoint is already past the
// requested number of steps.
var ErrTargetReached = errors.New("train: desired steps already reached in loaded checkpoint")

const (
	maxGradNorm = 1.0
	taskSalt    = 0x7A5C0FFEE
)

// Options configures Run.
type Options struct {
	Steps              int
	StepsPerCheckpoint int
	BatchSize          int
	LR                 float64
	WarmupSteps        int
	Seed               uint64
	SaveDir            string

	// ResumeCheckpoint continues from an explicit checkpoint file. Resume
	// picks the most recent checkpoint in SaveDir instead. FineTune loads
	// only the weights of the chosen checkpoint and starts counting at 0.
	ResumeCheckpoint string
	Resume           bool
	FineTune         bool

	// Keep is the number of checkpoints retained. Default 5.
	Keep int

	LoaderWorkers int
	Prefetch      int
	Plot          bool
	Logger        *slog.Logger

	// Observe, when set, receives the component losses of every step.
	Observe func(step int, losses map[string]float64)

	// alterLosses rewrites the losses of a step before they are combined.
	alterLosses func(step int, l *toucan.Losses)
}

// StepTarget rounds steps so that training ends right after a checkpoint:
// the loop runs steps [start, StepTarget).
func StepTarget(steps, perCheckpoint int) int {
	if steps%perCheckpoint == 0 {
		return steps + 1
	}

	return steps + (perCheckpoint + 1) - steps%perCheckpoint
}

type runner struct {
	model     *toucan.Model
	datasets  []dataset.Dataset
	extractor embed.Extractor
	opts      Options
	log       *slog.Logger
	runID     string
	target    int

	opt     *AdamW
	sched   *WarmupScheduler
	loaders []*Loader
	totals  map[string][]float64
}

// Run trains model on datasets, one task per dataset, drawing every batch
// across the tasks in a freshly shuffled order. extractor provides the
// utterance embeddings and may be nil for models without utterance
// conditioning.
func Run(ctx context.Context, model *toucan.Model, datasets []dataset.Dataset, extractor embed.Extractor, opts Options) error {
	if err := validateOptions(model, datasets, extractor, &opts); err != nil {
		return err
	}

	r := &runner{
		model:     model,
		datasets:  datasets,
		extractor: extractor,
		opts:      opts,
		log:       opts.Logger,
		runID:     uuid.NewString(),
		target:    StepTarget(opts.Steps, opts.StepsPerCheckpoint),
		totals:    map[string][]float64{},
	}

	r.opt = NewAdamW(model.Params, DefaultAdamW(opts.LR))
	r.sched = NewWarmupScheduler(opts.LR, opts.WarmupSteps, r.target)

	start, err := r.restore()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(opts.SaveDir, 0o755); err != nil {
		return fmt.Errorf("train: %w", err)
	}

	if err := r.openLoaders(start); err != nil {
		return err
	}
	defer r.closeLoaders()

	r.log.Info("training",
		"run_id", r.runID,
		"tasks", len(datasets),
		"start_step", start,
		"target", r.target,
		"parameters", model.Params.Count(),
	)

	for step := start; step < r.target; step++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		if err := r.step(ctx, step); err != nil {
			return fmt.Errorf("train: step %d: %w", step, err)
		}

		if step%opts.StepsPerCheckpoint == 0 && step != 0 {
			if err := r.checkpoint(ctx, step); err != nil {
				return fmt.Errorf("train: step %d: %w", step, err)
			}
		}
	}

	return nil
}

func validateOptions(model *toucan.Model, datasets []dataset.Dataset, extractor embed.Extractor, opts *Options) error {
	switch {
	case model == nil:
		return errors.New("train: no model")
	case len(datasets) == 0:
		return errors.New("train: no datasets")
	case opts.Steps <= 0 || opts.StepsPerCheckpoint <= 0 || opts.BatchSize <= 0:
		return fmt.Errorf("train: steps %d, steps per checkpoint %d and batch size %d must be positive",
			opts.Steps, opts.StepsPerCheckpoint, opts.BatchSize)
	case opts.LR <= 0:
		return fmt.Errorf("train: learning rate %g must be positive", opts.LR)
	case opts.SaveDir == "":
		return errors.New("train: no save directory")
	case opts.FineTune && opts.ResumeCheckpoint == "" && !opts.Resume:
		return errors.New("train: fine-tuning needs a checkpoint to start from")
	}

	if dim := model.Config.UttEmbedDim; dim > 0 {
		if extractor == nil {
			return errors.New("train: model is conditioned on utterance embeddings but no extractor is set")
		}

		if extractor.Dim() != dim {
			return fmt.Errorf("train: extractor produces %d-dim embeddings, model expects %d", extractor.Dim(), dim)
		}
	}

	if opts.Keep <= 0 {
		opts.Keep = 5
	}

	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return nil
}

// restore loads the configured checkpoint and returns the first step to run.
func (r *runner) restore() (int, error) {
	path := r.opts.ResumeCheckpoint

	if r.opts.Resume {
		latest, err := checkpoint.Latest(r.opts.SaveDir)

		switch {
		case errors.Is(err, checkpoint.ErrNotFound) && !r.opts.FineTune:
			r.log.Warn("no checkpoint to resume from, starting fresh", "dir", r.opts.SaveDir)
			return 0, nil
		case err != nil:
			return 0, fmt.Errorf("train: %w", err)
		}

		path = latest
	}

	if path == "" {
		return 0, nil
	}

	ck, err := checkpoint.Load(path)
	if err != nil {
		return 0, err
	}

	if ck.Config != r.model.Config {
		return 0, fmt.Errorf("train: %s was trained with a different model configuration", path)
	}

	if err := r.model.Params.Load(ck.Model); err != nil {
		return 0, fmt.Errorf("train: %s: %w", path, err)
	}

	if r.opts.FineTune {
		r.log.Info("fine-tuning", "checkpoint", path)
		return 0, nil
	}

	if ck.Step > r.target {
		r.log.Info("desired steps already reached in loaded checkpoint", "checkpoint", path, "step", ck.Step, "target", r.target)
		return 0, ErrTargetReached
	}

	if ck.Optimizer != nil {
		if err := r.opt.Load(ck.Optimizer); err != nil {
			return 0, err
		}
	}

	r.sched.Load(ck.Scheduler)

	r.log.Info("resumed", "checkpoint", path, "step", ck.Step)

	return ck.Step + 1, nil
}

// taskSchedule lists the task of every batch slot at step. Tasks are visited
// in rounds, each round in a fresh random order, until the batch is full.
func taskSchedule(seed uint64, step, tasks, batchSize int) []int {
	rng := rand.New(rand.NewPCG(seed^taskSalt, uint64(step)))
	out := make([]int, 0, batchSize)

	for len(out) < batchSize {
		for _, t := range rng.Perm(tasks) {
			if len(out) == batchSize {
				break
			}

			out = append(out, t)
		}
	}

	return out
}

// openLoaders positions every task loader where an uninterrupted run would
// be after start steps.
func (r *runner) openLoaders(start int) error {
	draws := make([]int, len(r.datasets))

	for step := range start {
		for _, t := range taskSchedule(r.opts.Seed, step, len(r.datasets), r.opts.BatchSize) {
			draws[t]++
		}
	}

	for t, ds := range r.datasets {
		n := ds.Len()
		if n == 0 {
			return fmt.Errorf("train: dataset %d is empty", t)
		}

		l, err := NewLoader(ds, LoaderOptions{
			Workers:     r.opts.LoaderWorkers,
			Prefetch:    r.opts.Prefetch,
			Seed:        r.opts.Seed,
			Task:        t,
			StartEpoch:  draws[t] / n,
			StartOffset: draws[t] % n,
		})
		if err != nil {
			return err
		}

		r.loaders = append(r.loaders, l)
	}

	return nil
}

func (r *runner) closeLoaders() {
	for _, l := range r.loaders {
		l.Close()
	}
}

func (r *runner) next(task int) (*dataset.Sample, error) {
	l := r.loaders[task]

	s, err := l.Next()
	if errors.Is(err, ErrExhausted) {
		l.Reset()
		s, err = l.Next()
	}

	if err != nil {
		return nil, fmt.Errorf("task %d: %w", task, err)
	}

	return s, nil
}

func (r *runner) batch(ctx context.Context, step int) (toucan.Batch, error) {
	cfg := r.model.Config
	schedule := taskSchedule(r.opts.Seed, step, len(r.datasets), r.opts.BatchSize)
	samples := make([]*dataset.Sample, len(schedule))

	for i, t := range schedule {
		s, err := r.next(t)
		if err != nil {
			return toucan.Batch{}, err
		}

		samples[i] = s
	}

	b, err := Collate(samples, cfg.InputFeatureDimensions, cfg.CodecDim())
	if err != nil {
		return toucan.Batch{}, err
	}

	if cfg.UttEmbedDim > 0 {
		if b.UttEmbedding, err = r.extractor.Extract(ctx, b.Speech, b.SpeechLengths); err != nil {
			return toucan.Batch{}, fmt.Errorf("style embedding: %w", err)
		}
	}

	return b, nil
}

func (r *runner) step(ctx context.Context, step int) error {
	b, err := r.batch(ctx, step)
	if err != nil {
		return err
	}

	fctx := nn.Ctx{Train: true, Rng: rand.New(rand.NewPCG(r.opts.Seed, uint64(step)))}

	out, err := r.model.Forward(fctx, b)
	if err != nil {
		return err
	}

	if r.opts.alterLosses != nil {
		r.opts.alterLosses(step, &out.Losses)
	}

	var total *autograd.Var

	for i, l := range out.Losses.Components() {
		if l == nil {
			continue
		}

		name := toucan.LossNames[i]

		if !toucan.Finite(l) {
			r.log.Warn("non-finite loss excluded", "step", step, "loss", name, "value", l.Item())
			continue
		}

		r.totals[name] = append(r.totals[name], float64(l.Item()))

		if total == nil {
			total = l
		} else if total, err = autograd.Add(total, l); err != nil {
			return err
		}
	}

	values := out.Losses.Values()
	r.log.Debug("step", "step", step, "lr", r.sched.LR(), "losses", values)

	if r.opts.Observe != nil {
		r.opts.Observe(step, values)
	}

	r.model.Params.ZeroGrad()

	if total == nil {
		r.log.Warn("every loss is non-finite, update skipped", "step", step)
		return nil
	}

	if err := autograd.Backward(total); err != nil {
		return err
	}

	norm := autograd.ClipGradNorm(r.model.Params.Vars(), maxGradNorm)

	r.opt.SetLR(r.sched.LR())
	r.opt.Step()
	r.sched.Step()

	r.log.Debug("update", "step", step, "grad_norm", norm)

	return nil
}

// defaultEmbedding embeds the first sample of the first task.
func (r *runner) defaultEmbedding(ctx context.Context) ([]float32, *dataset.Sample, error) {
	s, err := r.datasets[0].Sample(0)
	if err != nil {
		return nil, nil, err
	}

	if r.model.Config.UttEmbedDim == 0 {
		return nil, s, nil
	}

	frames, err := s.Speech.Reshape([]int64{1, int64(s.Frames()), int64(r.model.Config.CodecDim())})
	if err != nil {
		return nil, nil, err
	}

	emb, err := r.extractor.Extract(ctx, frames, []int{s.Frames()})
	if err != nil {
		return nil, nil, fmt.Errorf("default embedding: %w", err)
	}

	return emb.RawData(), s, nil
}

func (r *runner) checkpoint(ctx context.Context, step int) error {
	emb, first, err := r.defaultEmbedding(ctx)
	if err != nil {
		return err
	}

	optState, err := r.opt.State()
	if err != nil {
		return err
	}

	path := filepath.Join(r.opts.SaveDir, checkpoint.FileName(step))

	if err := checkpoint.Save(path, &checkpoint.Checkpoint{
		Model:            r.model.Params.State(),
		Optimizer:        optState,
		Scheduler:        r.sched.State(),
		Step:             step,
		DefaultEmbedding: emb,
		Config:           r.model.Config,
		RunID:            r.runID,
	}); err != nil {
		return err
	}

	removed, err := checkpoint.Prune(r.opts.SaveDir, r.opts.Keep)
	if err != nil {
		return err
	}

	attrs := []any{"step", step, "checkpoint", path, "pruned", len(removed)}
	for _, name := range toucan.LossNames {
		if vals := r.totals[name]; len(vals) > 0 {
			attrs = append(attrs, name, stat.Mean(vals, nil))
		}
	}

	r.log.Info("checkpoint", attrs...)
	clear(r.totals)

	if r.opts.Plot {
		if plotPath, err := r.plot(first, emb, step); err != nil {
			r.log.Warn("generating progress plot failed", "step", step, "err", err)
		} else {
			r.log.Debug("progress plot", "path", plotPath)
		}
	}

	if float64(step) > float64(r.target)*4/5 {
		return r.averageRecent()
	}

	return nil
}

func (r *runner) plot(s *dataset.Sample, emb []float32, step int) (string, error) {
	in := toucan.InferenceInput{
		Text:         s.Text,
		UttEmbedding: emb,
	}

	if r.model.Config.LangEmbs > 0 {
		lang := s.LangID
		in.LangID = &lang
	}

	out, err := r.model.Inference(in)
	if err != nil {
		return "", err
	}

	return PlotProgress(r.opts.SaveDir, step, out.Refined, out.Durations)
}

// averageRecent averages the two newest checkpoints into the best model and
// continues training from it.
func (r *runner) averageRecent() error {
	paths, err := checkpoint.Recent(r.opts.SaveDir, 2)
	if err != nil {
		return err
	}

	avg, err := checkpoint.Average(paths)
	if err != nil {
		return err
	}

	best := filepath.Join(r.opts.SaveDir, checkpoint.BestName)
	if err := checkpoint.SaveForUse(best, avg); err != nil {
		return err
	}

	loaded, err := checkpoint.Load(best)
	if err != nil {
		return err
	}

	if err := r.model.Params.Load(loaded.Model); err != nil {
		return fmt.Errorf("reload averaged model: %w", err)
	}

	r.log.Info("averaged checkpoints", "sources", paths, "best", best)

	return nil
}
