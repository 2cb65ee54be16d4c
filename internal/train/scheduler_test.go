package train

import (
	"math"
	"testing"

	"github.com/example/go-toucantts/internal/checkpoint"
)

func TestWarmupSchedulerShape(t *testing.T) {
	s := NewWarmupScheduler(1, 2, 20)

	tests := []struct {
		step int
		want float64
	}{
		{0, 0.5},
		{1, 1},
		{5, 1},
		{9, 1},
		{10, 1},
		{15, math.Pow(0.5, 0.9)},
		{20, minLR},
		{100, minLR},
	}

	for _, tt := range tests {
		if got := s.At(tt.step); math.Abs(got-tt.want) > 1e-12 {
			t.Errorf("At(%d) = %v, want %v", tt.step, got, tt.want)
		}
	}
}

func TestWarmupSchedulerState(t *testing.T) {
	s := NewWarmupScheduler(0.1, 4, 100)
	for range 7 {
		s.Step()
	}

	if s.LR() != s.At(7) {
		t.Fatalf("LR = %v, want At(7) = %v", s.LR(), s.At(7))
	}

	restored := NewWarmupScheduler(0.1, 4, 100)
	restored.Load(s.State())

	if restored.LR() != s.LR() {
		t.Fatalf("restored LR = %v, want %v", restored.LR(), s.LR())
	}

	restored.Load(nil)

	if restored.State().Step != 7 {
		t.Fatal("Load(nil) changed the position")
	}

	restored.Load(&checkpoint.SchedulerState{Step: 0})

	if restored.LR() != 0.1/4 {
		t.Fatalf("LR at 0 = %v", restored.LR())
	}
}

func TestStepTarget(t *testing.T) {
	tests := []struct{ steps, per, want int }{
		{8, 2, 9},
		{7, 2, 9},
		{10, 3, 13},
		{200000, 1000, 200001},
	}

	for _, tt := range tests {
		if got := StepTarget(tt.steps, tt.per); got != tt.want {
			t.Errorf("StepTarget(%d, %d) = %d, want %d", tt.steps, tt.per, got, tt.want)
		}
	}
}
