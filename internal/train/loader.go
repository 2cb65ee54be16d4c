package train

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"

	"github.com/sourcegraph/conc/stream"

	"github.com/example/go-toucantts/internal/dataset"
)

// ErrExhausted is returned by Loader.Next at the end of an epoch.
var ErrExhausted = errors.New("train: loader exhausted")

var errLoaderClosed = errors.New("train: loader closed")

// epochSalt decorrelates the shuffles of different tasks sharing a seed.
const epochSalt = 0x9E3779B97F4A7C15

// LoaderOptions configures a Loader.
type LoaderOptions struct {
	// Workers is the number of goroutines reading samples. Default 2.
	Workers int
	// Prefetch is the number of decoded samples buffered ahead. Default 4.
	Prefetch int
	Seed     uint64
	// Task selects the shuffle stream of this loader.
	Task int
	// StartEpoch and StartOffset position the loader inside the epoch
	// sequence, as if StartEpoch*Len()+StartOffset samples had been read.
	StartEpoch  int
	StartOffset int
}

type item struct {
	sample *dataset.Sample
	err    error
	end    bool
}

// Loader yields the samples of one dataset in a fresh random order every
// epoch. A single worker pool lives for the lifetime of the loader and keeps
// reading ahead across epoch boundaries.
type Loader struct {
	ds        dataset.Dataset
	items     chan item
	done      chan struct{}
	cancel    context.CancelFunc
	exhausted bool
}

// NewLoader starts reading ds. Close must be called to stop the workers.
func NewLoader(ds dataset.Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("train: loader needs a non-empty dataset")
	}

	if opts.Workers <= 0 {
		opts.Workers = 2
	}

	if opts.Prefetch <= 0 {
		opts.Prefetch = 4
	}

	if opts.StartEpoch < 0 || opts.StartOffset < 0 || opts.StartOffset >= ds.Len() {
		return nil, fmt.Errorf("train: loader start %d/%d out of range for %d samples", opts.StartEpoch, opts.StartOffset, ds.Len())
	}

	ctx, cancel := context.WithCancel(context.Background())

	l := &Loader{
		ds:     ds,
		items:  make(chan item, opts.Prefetch),
		done:   make(chan struct{}),
		cancel: cancel,
	}

	go l.produce(ctx, opts)

	return l, nil
}

func (l *Loader) produce(ctx context.Context, opts LoaderOptions) {
	s := stream.New().WithMaxGoroutines(opts.Workers)

	defer close(l.done)
	defer close(l.items)
	defer s.Wait()

	for epoch := opts.StartEpoch; ; epoch++ {
		order := epochOrder(opts.Seed, opts.Task, epoch, l.ds.Len())
		if epoch == opts.StartEpoch {
			order = order[opts.StartOffset:]
		}

		for _, idx := range order {
			if ctx.Err() != nil {
				return
			}

			s.Go(func() stream.Callback {
				sample, err := l.ds.Sample(idx)
				if err != nil {
					err = fmt.Errorf("train: sample %d: %w", idx, err)
				}

				return func() { l.send(ctx, item{sample: sample, err: err}) }
			})
		}

		s.Go(func() stream.Callback {
			return func() { l.send(ctx, item{end: true}) }
		})
	}
}

func (l *Loader) send(ctx context.Context, it item) {
	select {
	case l.items <- it:
	case <-ctx.Done():
	}
}

// Next returns the next sample. At the end of an epoch it returns
// ErrExhausted, and keeps doing so until Reset is called.
func (l *Loader) Next() (*dataset.Sample, error) {
	if l.exhausted {
		return nil, ErrExhausted
	}

	it, ok := <-l.items
	if !ok {
		return nil, errLoaderClosed
	}

	if it.end {
		l.exhausted = true
		return nil, ErrExhausted
	}

	return it.sample, it.err
}

// Reset starts the next epoch. Samples left over from the current epoch are
// discarded.
func (l *Loader) Reset() {
	if l.exhausted {
		l.exhausted = false
		return
	}

	for it := range l.items {
		if it.end {
			return
		}
	}
}

// Close stops the workers and waits for them to exit.
func (l *Loader) Close() {
	l.cancel()

	for range l.items {
	}

	<-l.done
}

// epochOrder is the sample order of one epoch of one task.
func epochOrder(seed uint64, task, epoch, n int) []int {
	rng := rand.New(rand.NewPCG(seed+uint64(task)*epochSalt, uint64(epoch)))
	return rng.Perm(n)
}
