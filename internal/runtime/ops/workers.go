package ops

import (
	"math"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

var convWorkers atomic.Int32

// SetConvWorkers bounds the goroutines one convolution may use. Values
// below 2 keep every kernel on the calling goroutine.
func SetConvWorkers(n int) {
	convWorkers.Store(int32(min(max(n, 0), math.MaxInt32)))
}

func getConvWorkers() int { return int(convWorkers.Load()) }

// parallelFor calls fn on contiguous chunks covering [0, n).
func parallelFor(n, workers int, fn func(lo, hi int)) {
	if workers <= 1 || n <= 1 {
		fn(0, n)
		return
	}

	workers = min(workers, n)
	chunk := (n + workers - 1) / workers

	var wg conc.WaitGroup

	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Go(func() { fn(lo, hi) })
	}

	wg.Wait()
}

var scratchPool sync.Pool

// getScratch returns a buffer of length n with unspecified contents.
func getScratch(n int) []float32 {
	if p, ok := scratchPool.Get().(*[]float32); ok && cap(*p) >= n {
		return (*p)[:n]
	}

	return make([]float32, n)
}

func putScratch(buf []float32) {
	scratchPool.Put(&buf)
}
