package optimizer

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pixelclass/pixelclass/checkpoints"
	"github.com/pixelclass/pixelclass/memory"
)

// Common helper functions for optimizer state management

// extractTensorState copies a state tensor into its checkpoint form
func extractTensorState(t *memory.Tensor, name string, stateType string) (checkpoints.OptimizerTensor, error) {
	data, err := t.ToFloat32Slice()
	if err != nil {
		return checkpoints.OptimizerTensor{}, fmt.Errorf("failed to read %s: %w", name, err)
	}
	return checkpoints.OptimizerTensor{
		Name:      name,
		Shape:     t.Shape(),
		Data:      data,
		StateType: stateType,
	}, nil
}

// restoreTensorState copies checkpoint data back into a state tensor
func restoreTensorState(t *memory.Tensor, data []float32, name string) error {
	if len(data) != t.Len() {
		return fmt.Errorf("data size mismatch for %s: expected %d elements, got %d",
			name, t.Len(), len(data))
	}
	if err := t.CopyFloat32Data(data); err != nil {
		return fmt.Errorf("failed to restore %s: %w", name, err)
	}
	return nil
}

// extractBufferIndex extracts the index from state tensor names like "m_0" or "momentum_12"
func extractBufferIndex(name string) int {
	i := strings.LastIndexByte(name, '_')
	if i < 0 {
		return -1
	}
	idx, err := strconv.Atoi(name[i+1:])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}

// validateStateType ensures the state type matches the optimizer
func validateStateType(optimizerType string, state *OptimizerState) error {
	if state == nil {
		return fmt.Errorf("optimizer state is nil")
	}
	if state.Type != optimizerType {
		return fmt.Errorf("state type mismatch: expected %s, got %s", optimizerType, state.Type)
	}
	return nil
}

// extractFloat32Param safely extracts a float32 parameter from the state map.
// Values decoded from JSON arrive as float64.
func extractFloat32Param(params map[string]interface{}, key string, defaultValue float32) float32 {
	switch v := params[key].(type) {
	case float64:
		return float32(v)
	case float32:
		return v
	}
	return defaultValue
}

// extractBoolParam safely extracts a bool parameter from the state map
func extractBoolParam(params map[string]interface{}, key string, defaultValue bool) bool {
	if val, ok := params[key].(bool); ok {
		return val
	}
	return defaultValue
}

// extractUint64Param safely extracts a uint64 parameter from the state map
func extractUint64Param(params map[string]interface{}, key string, defaultValue uint64) uint64 {
	switch v := params[key].(type) {
	case float64:
		return uint64(v)
	case uint64:
		return v
	case int:
		return uint64(v)
	}
	return defaultValue
}
