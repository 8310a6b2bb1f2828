package optimizer

import (
	"fmt"

	"github.com/tsawler/go-superres/checkpoints"
)

// Optimizer defines the common interface for optimizers driven by the
// trainer. State save/restore backs checkpointing.
type Optimizer interface {
	// Step applies one update from the gradients accumulated on the
	// parameters the optimizer was created with
	Step() error

	// GetState copies the optimizer state for checkpointing
	GetState() (*checkpoints.OptimizerState, error)

	// LoadState restores state produced by GetState
	LoadState(state *checkpoints.OptimizerState) error

	// GetStepCount returns the number of updates applied so far
	GetStepCount() uint64

	// UpdateLearningRate sets the learning rate for subsequent steps
	UpdateLearningRate(lr float32)

	// GetLearningRate returns the current learning rate
	GetLearningRate() float32
}

// extractBufferIndex extracts the parameter index from state tensor names
// like "exp_avg_0" or "exp_avg_sq_12"
func extractBufferIndex(name string) int {
	var idx int
	lastUnderscoreIdx := -1
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '_' {
			lastUnderscoreIdx = i
			break
		}
	}

	if lastUnderscoreIdx == -1 {
		return -1
	}

	if n, err := fmt.Sscanf(name[lastUnderscoreIdx+1:], "%d", &idx); n == 1 && err == nil {
		return idx
	}
	return -1
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *checkpoints.OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}
