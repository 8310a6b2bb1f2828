package optimizer

import (
	"fmt"

	"github.com/tsawler/go-superres/checkpoints"
)

// extractBufferState copies a state buffer into a checkpoint tensor
func extractBufferState(data []float32, shape []int, name, stateType string) checkpoints.OptimizerTensor {
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     append([]int(nil), shape...),
		Data:      append([]float32(nil), data...),
		StateType: stateType,
	}
}

// restoreBufferState copies checkpoint data back into a state buffer
func restoreBufferState(dst []float32, data []float32, name string) error {
	if dst == nil {
		return fmt.Errorf("%s buffer is nil", name)
	}
	if len(data) != len(dst) {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, len(dst), len(data))
	}
	copy(dst, data)
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values decoded from JSON arrive as float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch val := params[key].(type) {
	case float64:
		return float32(val)
	case float32:
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch val := params[key].(type) {
	case float64:
		if val < 0 {
			return defaultValue
		}
		return uint64(val)
	case uint64:
		return val
	case int:
		if val < 0 {
			return defaultValue
		}
		return uint64(val)
	}
	return defaultValue
}
