package tensor

import (
	"sync/atomic"

	"github.com/sourcegraph/conc"
)

// Axpy computes dst += alpha * src over the common prefix of both slices.
func Axpy(dst []float32, alpha float32, src []float32) {
	if alpha == 0 {
		return
	}

	n := min(len(dst), len(src))
	dst, src = dst[:n], src[:n]

	for i := range dst {
		dst[i] += alpha * src[i]
	}
}

// DotProduct returns the dot product over the common prefix of a and b.
func DotProduct(a, b []float32) float32 {
	n := min(len(a), len(b))
	a, b = a[:n], b[:n]

	var s0, s1, s2, s3 float32

	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
	}

	for ; i < n; i++ {
		s0 += a[i] * b[i]
	}

	return (s0 + s1) + (s2 + s3)
}

var workers atomic.Int32

// SetWorkers bounds the goroutines used by Linear and ParallelFor. Values
// below 2 run kernels on the calling goroutine.
func SetWorkers(n int) {
	workers.Store(int32(min(max(n, 1), 1<<16)))
}

func getWorkers() int { return max(int(workers.Load()), 1) }

// ParallelFor calls fn on contiguous chunks covering [0, n) using up to the
// configured worker count.
func ParallelFor(n int, fn func(lo, hi int)) {
	parallelFor(n, getWorkers(), fn)
}

func parallelFor(n, limit int, fn func(lo, hi int)) {
	switch {
	case n <= 0:
		return
	case limit <= 1 || n == 1:
		fn(0, n)
		return
	}

	chunk := (n + min(limit, n) - 1) / min(limit, n)

	var wg conc.WaitGroup

	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		wg.Go(func() { fn(lo, hi) })
	}

	wg.Wait()
}
