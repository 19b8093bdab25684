package optimizer

import (
	"fmt"

	"github.com/pixelclass/pixelclass/checkpoints"
	"github.com/pixelclass/pixelclass/memory"
)

// Optimizer defines the common interface for all optimizers
// State can be saved and restored for checkpoint functionality
type Optimizer interface {
	// Step applies one update to params in place
	// grads must align with params element for element
	Step(params []*memory.Tensor, grads [][]float32) error

	// GetState extracts optimizer state for checkpointing
	GetState() (*OptimizerState, error)

	// LoadState restores optimizer state from a checkpoint
	LoadState(state *OptimizerState) error

	// GetStepCount returns the current optimization step number
	GetStepCount() uint64

	// UpdateLearningRate updates the learning rate
	UpdateLearningRate(lr float32)

	// Cleanup releases all state tensors
	Cleanup()
}

// OptimizerState is an alias of the checkpoint representation so optimizer
// state can be embedded in a checkpoint without conversion
type OptimizerState = checkpoints.OptimizerState

// validateStep checks that grads match params
func validateStep(params []*memory.Tensor, grads [][]float32, expected int) error {
	if len(params) != expected {
		return fmt.Errorf("expected %d parameter tensors, got %d", expected, len(params))
	}
	if len(grads) != len(params) {
		return fmt.Errorf("gradients length (%d) doesn't match parameters length (%d)",
			len(grads), len(params))
	}
	for i, p := range params {
		if p.Len() != len(grads[i]) {
			return fmt.Errorf("gradient %d has %d elements, parameter has %d", i, len(grads[i]), p.Len())
		}
	}
	return nil
}

// newStateTensors allocates one zeroed tensor per shape
func newStateTensors(mm *memory.MemoryManager, shapes [][]int) ([]*memory.Tensor, error) {
	tensors := make([]*memory.Tensor, 0, len(shapes))
	for i, shape := range shapes {
		t, err := mm.NewTensor(shape, memory.Float32)
		if err != nil {
			releaseAll(tensors)
			return nil, fmt.Errorf("failed to allocate state for weight %d: %v", i, err)
		}
		tensors = append(tensors, t)
	}
	return tensors, nil
}

func releaseAll(tensors []*memory.Tensor) {
	for _, t := range tensors {
		t.Release()
	}
}

func calculateTensorSize(shape []int) int {
	size := 1
	for _, dim := range shape {
		size *= dim
	}
	return size
}
