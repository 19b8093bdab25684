package optimizer

import (
	"fmt"

	"github.com/pixelclass/pixelclass/checkpoints"
	"github.com/pixelclass/pixelclass/memory"
)

// SGDOptimizerState holds SGD hyperparameters and optional momentum buffers
type SGDOptimizerState struct {
	// Hyperparameters
	LearningRate float32
	Momentum     float32 // Momentum coefficient (0 for vanilla SGD)
	WeightDecay  float32 // L2 regularization coefficient
	Nesterov     bool    // Whether to use Nesterov momentum

	// Momentum buffers (only if momentum > 0)
	MomentumBuffers []*memory.Tensor

	// Step tracking
	StepCount uint64

	numWeights int
}

// SGDConfig holds configuration for SGD optimizer
type SGDConfig struct {
	LearningRate float32
	Momentum     float32
	WeightDecay  float32
	Nesterov     bool
}

// DefaultSGDConfig returns default SGD optimizer configuration
func DefaultSGDConfig() SGDConfig {
	return SGDConfig{
		LearningRate: 0.01,
		Momentum:     0.0,
		WeightDecay:  0.0,
		Nesterov:     false,
	}
}

// NewSGDOptimizer creates an SGD optimizer for weights of the given shapes
func NewSGDOptimizer(config SGDConfig, weightShapes [][]int, memoryManager *memory.MemoryManager) (*SGDOptimizerState, error) {
	if memoryManager == nil {
		memoryManager = memory.GetGlobalMemoryManager()
	}
	if len(weightShapes) == 0 {
		return nil, fmt.Errorf("no weight shapes provided")
	}

	// Validate configuration parameters
	if config.LearningRate <= 0 {
		return nil, fmt.Errorf("learning rate must be positive: %f", config.LearningRate)
	}
	if config.Momentum < 0 {
		return nil, fmt.Errorf("momentum cannot be negative: %f", config.Momentum)
	}
	if config.Momentum > 1.0 {
		return nil, fmt.Errorf("momentum cannot be greater than 1.0: %f", config.Momentum)
	}
	if config.WeightDecay < 0 {
		return nil, fmt.Errorf("weight decay cannot be negative: %f", config.WeightDecay)
	}

	sgd := &SGDOptimizerState{
		LearningRate: config.LearningRate,
		Momentum:     config.Momentum,
		WeightDecay:  config.WeightDecay,
		Nesterov:     config.Nesterov,
		numWeights:   len(weightShapes),
	}

	if config.Momentum > 0 {
		buffers, err := newStateTensors(memoryManager, weightShapes)
		if err != nil {
			return nil, err
		}
		sgd.MomentumBuffers = buffers
	}
	return sgd, nil
}

// Step performs a single SGD optimization step
func (sgd *SGDOptimizerState) Step(params []*memory.Tensor, grads [][]float32) error {
	if err := validateStep(params, grads, sgd.numWeights); err != nil {
		return err
	}

	sgd.StepCount++
	for i, param := range params {
		w, err := param.Float32Data()
		if err != nil {
			return fmt.Errorf("SGD step on weight %d: %w", i, err)
		}

		var velocity []float32
		if sgd.MomentumBuffers != nil {
			velocity, err = sgd.MomentumBuffers[i].Float32Data()
			if err != nil {
				return fmt.Errorf("SGD step on weight %d: %w", i, err)
			}
		}

		for k, g := range grads[i] {
			if sgd.WeightDecay != 0 {
				g += sgd.WeightDecay * w[k]
			}
			if velocity == nil {
				w[k] -= sgd.LearningRate * g
				continue
			}
			velocity[k] = sgd.Momentum*velocity[k] + g
			if sgd.Nesterov {
				g += sgd.Momentum * velocity[k]
			} else {
				g = velocity[k]
			}
			w[k] -= sgd.LearningRate * g
		}
	}
	return nil
}

// UpdateLearningRate updates the learning rate
func (sgd *SGDOptimizerState) UpdateLearningRate(newLR float32) {
	sgd.LearningRate = newLR
}

// GetStepCount returns the current step count
func (sgd *SGDOptimizerState) GetStepCount() uint64 {
	return sgd.StepCount
}

// Cleanup releases momentum buffers
func (sgd *SGDOptimizerState) Cleanup() {
	releaseAll(sgd.MomentumBuffers)
	sgd.MomentumBuffers = nil
	sgd.numWeights = 0
}

// GetState extracts optimizer state for checkpointing
func (sgd *SGDOptimizerState) GetState() (*OptimizerState, error) {
	stateData := make([]checkpoints.OptimizerTensor, 0, len(sgd.MomentumBuffers))
	for i, buffer := range sgd.MomentumBuffers {
		tensor, err := extractTensorState(buffer, fmt.Sprintf("momentum_%d", i), "momentum")
		if err != nil {
			return nil, err
		}
		stateData = append(stateData, tensor)
	}

	return &OptimizerState{
		Type: "SGD",
		Parameters: map[string]interface{}{
			"learning_rate": sgd.LearningRate,
			"momentum":      sgd.Momentum,
			"weight_decay":  sgd.WeightDecay,
			"nesterov":      sgd.Nesterov,
			"step_count":    sgd.StepCount,
		},
		StateData: stateData,
	}, nil
}

// LoadState restores optimizer state from checkpoint
func (sgd *SGDOptimizerState) LoadState(state *OptimizerState) error {
	if err := validateStateType("SGD", state); err != nil {
		return err
	}

	sgd.LearningRate = extractFloat32Param(state.Parameters, "learning_rate", sgd.LearningRate)
	sgd.WeightDecay = extractFloat32Param(state.Parameters, "weight_decay", sgd.WeightDecay)
	sgd.Nesterov = extractBoolParam(state.Parameters, "nesterov", sgd.Nesterov)
	sgd.StepCount = extractUint64Param(state.Parameters, "step_count", sgd.StepCount)

	for _, tensor := range state.StateData {
		if tensor.StateType != "momentum" {
			continue
		}
		idx := extractBufferIndex(tensor.Name)
		if idx < 0 || idx >= len(sgd.MomentumBuffers) {
			return fmt.Errorf("invalid buffer index in tensor name: %s", tensor.Name)
		}
		if err := restoreTensorState(sgd.MomentumBuffers[idx], tensor.Data, tensor.Name); err != nil {
			return err
		}
	}
	return nil
}

var _ Optimizer = (*SGDOptimizerState)(nil)
