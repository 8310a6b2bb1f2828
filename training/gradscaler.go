package training

import (
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-superres/engine"
	"github.com/tsawler/go-superres/optimizer"
)

// GradScaler implements dynamic loss scaling for reduced-precision
// training. The loss gradient is multiplied by Scale before backward; the
// parameter gradients are unscaled before the optimizer step, and steps with
// non-finite gradients are skipped and shrink the scale.
type GradScaler struct {
	Enabled        bool
	Scale          float64
	GrowthFactor   float64
	BackoffFactor  float64
	GrowthInterval int

	growthTracker int
	skipped       int
}

// NewGradScaler returns a scaler with PyTorch's defaults. A disabled scaler
// uses scale 1 and never skips.
func NewGradScaler(enabled bool) *GradScaler {
	return &GradScaler{
		Enabled:        enabled,
		Scale:          65536,
		GrowthFactor:   2,
		BackoffFactor:  0.5,
		GrowthInterval: 2000,
	}
}

// LossScale is the factor applied to the loss gradient
func (gs *GradScaler) LossScale() float32 {
	if !gs.Enabled {
		return 1
	}
	return float32(gs.Scale)
}

// unscale divides gradients by the scale and reports whether all are finite
func (gs *GradScaler) unscale(params []*engine.Param) bool {
	inv := float32(1 / float64(gs.LossScale()))
	finite := true
	for _, p := range params {
		if inv != 1 {
			blas32.Scal(inv, blas32.Vector{N: len(p.Grad), Data: p.Grad, Inc: 1})
		}
		if !finite {
			continue
		}
		for _, g := range p.Grad {
			if math.IsNaN(float64(g)) || math.IsInf(float64(g), 0) {
				finite = false
				break
			}
		}
	}
	return finite
}

// Step unscales the gradients of params and steps opt when they are finite.
// It returns whether the optimizer stepped.
func (gs *GradScaler) Step(opt optimizer.Optimizer, params []*engine.Param) (bool, error) {
	finite := gs.unscale(params)
	if finite || !gs.Enabled {
		if err := opt.Step(); err != nil {
			return false, err
		}
	}
	stepped := finite || !gs.Enabled
	gs.update(!finite)
	if !stepped {
		gs.skipped++
	}
	return stepped, nil
}

// update adjusts the scale after a step
func (gs *GradScaler) update(foundInf bool) {
	if !gs.Enabled {
		return
	}
	if foundInf {
		gs.Scale *= gs.BackoffFactor
		gs.growthTracker = 0
		return
	}
	gs.growthTracker++
	if gs.growthTracker >= gs.GrowthInterval {
		gs.Scale *= gs.GrowthFactor
		gs.growthTracker = 0
	}
}

// Skipped is the number of steps skipped for non-finite gradients
func (gs *GradScaler) Skipped() int {
	return gs.skipped
}
