package optimizer

import (
	"fmt"
	"math"

	"github.com/pixelclass/pixelclass/memory"
)

// AdamOptimizerState holds Adam hyperparameters and moment estimates
type AdamOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Beta1        float32 // Momentum decay (typically 0.9)
	Beta2        float32 // Variance decay (typically 0.999)
	Epsilon      float32 // Small constant to prevent division by zero
	WeightDecay  float32 // L2 regularization coefficient

	// State tensors, one per weight tensor
	MomentumBuffers []*memory.Tensor // First moment
	VarianceBuffers []*memory.Tensor // Second moment

	// Step tracking for bias correction
	StepCount uint64

	shapes [][]int
}

// AdamConfig holds configuration for Adam optimizer
type AdamConfig struct {
	LearningRate float32
	Beta1        float32
	Beta2        float32
	Epsilon      float32
	WeightDecay  float32
}

// DefaultAdamConfig returns default Adam optimizer configuration
func DefaultAdamConfig() AdamConfig {
	return AdamConfig{
		LearningRate: 0.001,
		Beta1:        0.9,
		Beta2:        0.999,
		Epsilon:      1e-7,
		WeightDecay:  0.0,
	}
}

// NewAdamOptimizer creates an Adam optimizer for weights of the given shapes
func NewAdamOptimizer(config AdamConfig, weightShapes [][]int, memoryManager *memory.MemoryManager) (*AdamOptimizerState, error) {
	if memoryManager == nil {
		memoryManager = memory.GetGlobalMemoryManager()
	}
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Beta1 < 0 || config.Beta1 >= 1 || config.Beta2 < 0 || config.Beta2 >= 1 {
		return nil, fmt.Errorf("betas must be in [0, 1): %f, %f", config.Beta1, config.Beta2)
	}
	if config.Epsilon <= 0 {
		return nil, fmt.Errorf("epsilon must be positive: %g", config.Epsilon)
	}

	momentum, err := newStateTensors(memoryManager, weightShapes)
	if err != nil {
		return nil, err
	}
	variance, err := newStateTensors(memoryManager, weightShapes)
	if err != nil {
		releaseAll(momentum)
		return nil, err
	}

	return &AdamOptimizerState{
		LearningRate:    config.LearningRate,
		Beta1:           config.Beta1,
		Beta2:           config.Beta2,
		Epsilon:         config.Epsilon,
		WeightDecay:     config.WeightDecay,
		MomentumBuffers: momentum,
		VarianceBuffers: variance,
		shapes:          weightShapes,
	}, nil
}

// Step performs a single Adam optimization step:
//
//	m = β1·m + (1-β1)·g
//	v = β2·v + (1-β2)·g²
//	p -= lr·sqrt(1-β2ᵗ)/(1-β1ᵗ) · m / (sqrt(v) + ε)
func (adam *AdamOptimizerState) Step(params []*memory.Tensor, grads [][]float32) error {
	if err := validateStep(params, grads, len(adam.MomentumBuffers)); err != nil {
		return err
	}

	adam.StepCount++
	t := float64(adam.StepCount)
	correction := math.Sqrt(1-math.Pow(float64(adam.Beta2), t)) / (1 - math.Pow(float64(adam.Beta1), t))
	lr := float32(float64(adam.LearningRate) * correction)
	b1, b2 := adam.Beta1, adam.Beta2

	for i, param := range params {
		w, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("Adam step on weight %d: %w", i, err)
		}
		m, err := adam.MomentumBuffers[i].Float32Data()
		if err != nil {
			return fmt.Errorf("Adam step on weight %d: %w", i, err)
		}
		v, err := adam.VarianceBuffers[i].Float32Data()
		if err != nil {
			return fmt.Errorf("Adam step on weight %d: %w", i, err)
		}

		for k, g := range grads[i] {
			if adam.WeightDecay != 0 {
				g += adam.WeightDecay * w[k]
			}
			m[k] = b1*m[k] + (1-b1)*g
			v[k] = b2*v[k] + (1-b2)*g*g
			w[k] -= lr * m[k] / (float32(math.Sqrt(float64(v[k]))) + adam.Epsilon)
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate (useful for learning rate scheduling)
func (adam *AdamOptimizerState) UpdateLearningRate(newLR float32) {
	adam.LearningRate = newLR
}

// GetStepCount returns the current step count
func (adam *AdamOptimizerState) GetStepCount() uint64 {
	return adam.StepCount
}

// GetState extracts the moment estimates for checkpointing
func (adam *AdamOptimizerState) GetState() (*OptimizerState, error) {
	state := &OptimizerState{
		Type: "Adam",
		Parameters: map[string]interface{}{
			"learning_rate": adam.LearningRate,
			"beta1":         adam.Beta1,
			"beta2":         adam.Beta2,
			"epsilon":       adam.Epsilon,
			"weight_decay":  adam.WeightDecay,
			"step_count":    adam.StepCount,
		},
	}

	for i := range adam.MomentumBuffers {
		m, err := extractTensorState(adam.MomentumBuffers[i], fmt.Sprintf("m_%d", i), "momentum")
		if err != nil {
			return nil, err
		}
		v, err := extractTensorState(adam.VarianceBuffers[i], fmt.Sprintf("v_%d", i), "variance")
		if err != nil {
			return nil, err
		}
		state.StateData = append(state.StateData, m, v)
	}
	return state, nil
}

// LoadState restores hyperparameters and moment estimates from a checkpoint
func (adam *AdamOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("Adam", state); err != nil {
		return err
	}

	for _, st := range state.StateData {
		idx := extractBufferIndex(st.Name)
		if idx < 0 || idx >= len(adam.MomentumBuffers) {
			return fmt.Errorf("invalid state tensor %q", st.Name)
		}
		var target *memory.Tensor
		switch st.StateType {
		case "momentum":
			target = adam.MomentumBuffers[idx]
		case "variance":
			target = adam.VarianceBuffers[idx]
		default:
			return fmt.Errorf("unknown Adam state type %q", st.StateType)
		}
		if err := restoreTensorState(target, st.Data, st.Name); err != nil {
			return err
		}
	}

	adam.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", adam.LearningRate)
	adam.Beta1 = extractFloat32Param(state.Parameters, "beta1", adam.Beta1)
	adam.Beta2 = extractFloat32Param(state.Parameters, "beta2", adam.Beta2)
	adam.Epsilon = extractFloat32Param(state.Parameters, "epsilon", adam.Epsilon)
	adam.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", adam.WeightDecay)
	adam.StepCount = extractUint64Param(state.Parameters, "step_count", adam.StepCount)
	return nil
}

// GetStats returns optimizer statistics
func (adam *AdamOptimizerState) GetStats() AdamStats {
	return AdamStats{
		StepCount:       adam.StepCount,
		LearningRate:    adam.LearningRate,
		Beta1:           adam.Beta1,
		Beta2:           adam.Beta2,
		Epsilon:         adam.Epsilon,
		WeightDecay:     adam.WeightDecay,
		NumParameters:   len(adam.MomentumBuffers),
		TotalBufferSize: adam.getTotalBufferSize(),
	}
}

// AdamStats provides statistics about the Adam optimizer
type AdamStats struct {
	StepCount       uint64
	LearningRate    float32
	Beta1           float32
	Beta2           float32
	Epsilon         float32
	WeightDecay     float32
	NumParameters   int
	TotalBufferSize int
}

// getTotalBufferSize returns the bytes held by moment estimates
func (adam *AdamOptimizerState) getTotalBufferSize() int {
	total := 0
	for _, shape := range adam.shapes {
		total += calculateTensorSize(shape) * 4 * 2 // momentum + variance
	}
	return total
}

// Cleanup releases all state tensors
func (adam *AdamOptimizerState) Cleanup() {
	releaseAll(adam.MomentumBuffers)
	releaseAll(adam.VarianceBuffers)
	adam.MomentumBuffers = nil
	adam.VarianceBuffers = nil
}

var _ Optimizer = (*AdamOptimizerState)(nil)
