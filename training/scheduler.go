package training

import (
	"math"
)

// LRScheduler defines the interface for learning rate scheduling strategies.
// Schedulers are pure functions of the epoch and step counters.
type LRScheduler interface {
	// GetLR returns the learning rate after the given number of optimizer steps
	GetLR(epoch int, step int, baseLR float64) float64

	// GetName returns the scheduler name for logging
	GetName() string
}

// StepLRScheduler multiplies the learning rate by Gamma every StepSize
// optimizer steps
type StepLRScheduler struct {
	StepSize int     // Steps between LR reductions
	Gamma    float64 // Multiplicative factor of LR decay
}

// NewStepLRScheduler creates a step learning rate scheduler
func NewStepLRScheduler(stepSize int, gamma float64) *StepLRScheduler {
	if stepSize <= 0 {
		stepSize = 1
	}
	if gamma <= 0 {
		gamma = 0.1
	}
	return &StepLRScheduler{
		StepSize: stepSize,
		Gamma:    gamma,
	}
}

func (s *StepLRScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	times := step / s.StepSize
	return baseLR * math.Pow(s.Gamma, float64(times))
}

func (s *StepLRScheduler) GetName() string {
	return "StepLR"
}

// NoOpScheduler maintains a constant learning rate
type NoOpScheduler struct{}

func (s *NoOpScheduler) GetLR(epoch int, step int, baseLR float64) float64 {
	return baseLR
}

func (s *NoOpScheduler) GetName() string {
	return "ConstantLR"
}

// newScheduler picks the schedule for p. A zero adjust_lr_step, which the
// CLI derives for budgets under three steps, keeps the rate constant.
func newScheduler(p Params) LRScheduler {
	if p.AdjustLRStep <= 0 {
		return &NoOpScheduler{}
	}
	return NewStepLRScheduler(p.AdjustLRStep, p.LRDecay)
}
