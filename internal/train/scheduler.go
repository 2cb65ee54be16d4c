package train

import (
	"math"

	"github.com/example/go-toucantts/internal/checkpoint"
)

const minLR = 1e-7

// WarmupScheduler ramps the learning rate linearly to Peak over Warmup
// steps, holds it until 5*Warmup, then decays it polynomially (power 0.9)
// to zero at MaxSteps. The rate never drops below 1e-7.
type WarmupScheduler struct {
	Peak     float64
	Warmup   int
	MaxSteps int
	step     int
}

func NewWarmupScheduler(peak float64, warmup, maxSteps int) *WarmupScheduler {
	return &WarmupScheduler{Peak: peak, Warmup: max(warmup, 1), MaxSteps: maxSteps}
}

// LR is the rate for the current position.
func (s *WarmupScheduler) LR() float64 { return s.At(s.step) }

// At is the rate after k scheduler steps.
func (s *WarmupScheduler) At(k int) float64 {
	w := s.Warmup
	lr := s.Peak

	switch {
	case k < w:
		lr = s.Peak * float64(k+1) / float64(w)
	case k >= 5*w:
		span := max(1, s.MaxSteps-5*w)
		progress := min(1, float64(k-5*w)/float64(span))
		lr = s.Peak * math.Pow(1-progress, 0.9)
	}

	return max(lr, minLR)
}

// Step advances the schedule by one optimizer update.
func (s *WarmupScheduler) Step() { s.step++ }

func (s *WarmupScheduler) State() *checkpoint.SchedulerState {
	return &checkpoint.SchedulerState{Step: s.step}
}

func (s *WarmupScheduler) Load(st *checkpoint.SchedulerState) {
	if st != nil {
		s.step = st.Step
	}
}
