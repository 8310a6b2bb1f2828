package optimizer

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/blas/blas32"

	"github.com/tsawler/go-superres/checkpoints"
	"github.com/tsawler/go-superres/engine"
)

const adamWType = "AdamW"

// AdamWConfig holds configuration for the AdamW optimizer
type AdamWConfig struct {
	LearningRate float32
	Beta1        float32 // first moment decay
	Beta2        float32 // second moment decay
	Epsilon      float32
	WeightDecay  float32 // decoupled, applied as p -= lr*wd*p
}

// DefaultAdamWConfig returns PyTorch's AdamW defaults
func DefaultAdamWConfig() AdamWConfig {
	return AdamWConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-8,
		WeightDecay:  0.01,
	}
}

// Validate checks the hyperparameter ranges
func (c AdamWConfig) Validate() error {
	if !(c.LearningRate > 0) {
		return fmt.Errorf("learning rate must be positive, got %v", c.LearningRate)
	}
	if c.Beta1 < 0 || c.Beta1 >= 1 {
		return fmt.Errorf("beta1 must be in [0, 1), got %v", c.Beta1)
	}
	if c.Beta2 < 0 || c.Beta2 >= 1 {
		return fmt.Errorf("beta2 must be in [0, 1), got %v", c.Beta2)
	}
	if !(c.Epsilon > 0) {
		return fmt.Errorf("epsilon must be positive, got %v", c.Epsilon)
	}
	if c.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be non-negative, got %v", c.WeightDecay)
	}
	return nil
}

// AdamW implements Adam with decoupled weight decay over engine parameters
type AdamW struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32

	params   []*engine.Param
	expAvg   [][]float32 // first moment per parameter
	expAvgSq [][]float32 // second moment per parameter

	StepCount uint64
}

// NewAdamW creates an optimizer for params. The slice order defines the
// state layout used by GetState and LoadState.
func NewAdamW(config AdamWConfig, params []*engine.Param) (*AdamW, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("no parameters provided")
	}

	opt := &AdamW{
		LearningRate: config.LearningRate,
		Beta1:        config.Beta1,
		Beta2:        config.Beta2,
		Epsilon:      config.Epsilon,
		WeightDecay:  config.WeightDecay,
		params:       params,
		expAvg:       make([][]float32, len(params)),
		expAvgSq:     make([][]float32, len(params)),
	}
	for i, p := range params {
		if len(p.Grad) != len(p.Data) {
			return nil, fmt.Errorf("parameter %s has %d values but %d gradients", p.Name, len(p.Data), len(p.Grad))
		}
		opt.expAvg[i] = make([]float32, len(p.Data))
		opt.expAvgSq[i] = make([]float32, len(p.Data))
	}
	return opt, nil
}

func vec(data []float32) blas32.Vector {
	return blas32.Vector{N: len(data), Data: data, Inc: 1}
}

// Step performs a single AdamW update
func (opt *AdamW) Step() error {
	opt.StepCount++
	t := float64(opt.StepCount)

	lr := opt.LearningRate
	b1, b2 := opt.Beta1, opt.Beta2
	biasCorrection1 := 1 - math.Pow(float64(b1), t)
	biasCorrection2 := 1 - math.Pow(float64(b2), t)
	stepSize := float32(float64(lr) / biasCorrection1)
	sqrtBC2 := float32(math.Sqrt(biasCorrection2))

	for i, p := range opt.params {
		data, grad := vec(p.Data), vec(p.Grad)
		m, v := opt.expAvg[i], opt.expAvgSq[i]

		if opt.WeightDecay != 0 {
			blas32.Scal(1-lr*opt.WeightDecay, data)
		}

		// m = b1*m + (1-b1)*g
		blas32.Scal(b1, vec(m))
		blas32.Axpy(1-b1, grad, vec(m))

		for j, g := range p.Grad {
			v[j] = b2*v[j] + (1-b2)*g*g
			denom := float32(math.Sqrt(float64(v[j])))/sqrtBC2 + opt.Epsilon
			p.Data[j] -= stepSize * m[j] / denom
		}
	}
	return nil
}

// GetState copies moments and hyperparameters
func (opt *AdamW) GetState() (*checkpoints.OptimizerState, error) {
	state := &checkpoints.OptimizerState{
		Type: adamWType,
		Parameters: map[string]interface{}{
			"learning_rate": float64(opt.LearningRate),
			"beta1":         float64(opt.Beta1),
			"beta2":         float64(opt.Beta2),
			"epsilon":       float64(opt.Epsilon),
			"weight_decay":  float64(opt.WeightDecay),
			"step_count":    opt.StepCount,
		},
	}

	for i, p := range opt.params {
		state.StateData = append(state.StateData,
			extractBufferState(opt.expAvg[i], p.Shape, fmt.Sprintf("exp_avg_%d", i), "exp_avg"),
			extractBufferState(opt.expAvgSq[i], p.Shape, fmt.Sprintf("exp_avg_sq_%d", i), "exp_avg_sq"))
	}
	return state, nil
}

// LoadState restores moments and hyperparameters from a checkpoint
func (opt *AdamW) LoadState(state *checkpoints.OptimizerState) error {
	if err := validateStateType(adamWType, state); err != nil {
		return err
	}
	if len(state.StateData) != 2*len(opt.params) {
		return fmt.Errorf("expected %d state tensors, got %d", 2*len(opt.params), len(state.StateData))
	}

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(opt.params) {
			return fmt.Errorf("invalid state tensor name %q", st.Name)
		}
		var dst []float32
		switch st.StateType {
		case "exp_avg":
			dst = opt.expAvg[idx]
		case "exp_avg_sq":
			dst = opt.expAvgSq[idx]
		default:
			return fmt.Errorf("unknown state type %q for %s", st.StateType, st.Name)
		}
		if err := restoreBufferState(dst, st.Data, st.Name); err != nil {
			return err
		}
	}

	opt.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", opt.LearningRate)
	opt.Beta1 = extractFloat32Param(state.Parameters, "beta1", opt.Beta1)
	opt.Beta2 = extractFloat32Param(state.Parameters, "beta2", opt.Beta2)
	opt.Epsilon = extractFloat32Param(state.Parameters, "epsilon", opt.Epsilon)
	opt.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", opt.WeightDecay)
	opt.StepCount = extractUint64Param(state.Parameters, "step_count", 0)
	return nil
}

// GetStepCount returns the number of updates applied so far
func (opt *AdamW) GetStepCount() uint64 {
	return opt.StepCount
}

// UpdateLearningRate updates the learning rate (used by the scheduler)
func (opt *AdamW) UpdateLearningRate(lr float32) {
	opt.LearningRate = lr
}

// GetLearningRate returns the current learning rate
func (opt *AdamW) GetLearningRate() float32 {
	return opt.LearningRate
}

// Parameters returns the parameters updated by the optimizer
func (opt *AdamW) Parameters() []*engine.Param {
	return opt.params
}
