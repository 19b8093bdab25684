package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelclass/pixelclass/layers"
	"github.com/pixelclass/pixelclass/memory"
)

// Framework identifies files written by this package
const (
	Framework     = "pixelclass"
	FormatVersion = "1.0.0"
)

// CheckpointFormat defines the serialization format
type CheckpointFormat int

const (
	// FormatJSON stores topology, weights and optimizer state in one JSON document
	FormatJSON CheckpointFormat = iota
	// FormatBinary stores weights in protobuf wire format next to a JSON header
	FormatBinary
)

func (cf CheckpointFormat) String() string {
	switch cf {
	case FormatJSON:
		return "JSON"
	case FormatBinary:
		return "Binary"
	default:
		return "Unknown"
	}
}

// ParseCheckpointFormat maps a config name (json or binary) to a format.
// The empty name selects FormatJSON.
func ParseCheckpointFormat(name string) (CheckpointFormat, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return FormatJSON, nil
	case "binary", "bin":
		return FormatBinary, nil
	default:
		return FormatJSON, fmt.Errorf("unknown checkpoint format %q", name)
	}
}

// Checkpoint represents a complete model state including weights, optimizer state, and training metadata
type Checkpoint struct {
	// Model architecture and weights
	ModelSpec *layers.ModelSpec `json:"model_spec"`
	Weights   []WeightTensor    `json:"weights,omitempty"`

	// Training state
	TrainingState TrainingState `json:"training_state"`

	// Optimizer state (if available)
	OptimizerState *OptimizerState `json:"optimizer_state,omitempty"`

	// Metadata
	Metadata CheckpointMetadata `json:"metadata"`
}

// WeightTensor represents a model parameter tensor with its data
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data,omitempty"`
	Layer string    `json:"layer"`
	Type  string    `json:"type"` // "kernel" or "bias"
}

// TrainingState captures the current training progress
type TrainingState struct {
	Epoch        int     `json:"epoch"`
	Step         int     `json:"step"`
	LearningRate float32 `json:"learning_rate"`
	BestLoss     float32 `json:"best_loss"`
	BestAccuracy float32 `json:"best_accuracy"`
	TotalSteps   int     `json:"total_steps"`
}

// OptimizerState captures optimizer-specific state (momentum, variance, etc.)
type OptimizerState struct {
	Type       string                 `json:"type"` // "SGD", "Adam", etc.
	Parameters map[string]interface{} `json:"parameters"`
	StateData  []OptimizerTensor      `json:"state_data"`
}

// OptimizerTensor represents optimizer state tensors (momentum, variance, etc.)
type OptimizerTensor struct {
	Name      string    `json:"name"`
	Shape     []int     `json:"shape"`
	Data      []float32 `json:"data"`
	StateType string    `json:"state_type"` // "momentum", "variance"
}

// CheckpointMetadata contains checkpoint metadata
type CheckpointMetadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Description string    `json:"description,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
}

// CheckpointSaver handles saving model checkpoints in various formats
type CheckpointSaver struct {
	format CheckpointFormat
}

// NewCheckpointSaver creates a new checkpoint saver for the specified format
func NewCheckpointSaver(format CheckpointFormat) *CheckpointSaver {
	return &CheckpointSaver{
		format: format,
	}
}

// SaveCheckpoint saves a complete model checkpoint.
// FormatBinary writes path plus a sibling path+".bin" holding the weights.
func (cs *CheckpointSaver) SaveCheckpoint(checkpoint *Checkpoint, path string) error {
	if checkpoint.Metadata.Framework == "" {
		checkpoint.Metadata.Framework = Framework
		checkpoint.Metadata.Version = FormatVersion
		checkpoint.Metadata.CreatedAt = time.Now()
	}

	switch cs.format {
	case FormatJSON:
		return cs.saveJSON(checkpoint, path)
	case FormatBinary:
		return cs.saveBinary(checkpoint, path)
	default:
		return fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// LoadCheckpoint loads a model checkpoint
func (cs *CheckpointSaver) LoadCheckpoint(path string) (*Checkpoint, error) {
	switch cs.format {
	case FormatJSON:
		return cs.loadJSON(path)
	case FormatBinary:
		return cs.loadBinary(path)
	default:
		return nil, fmt.Errorf("unsupported checkpoint format: %s", cs.format.String())
	}
}

// saveJSON saves checkpoint in JSON format
func (cs *CheckpointSaver) saveJSON(checkpoint *Checkpoint, path string) error {
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %v", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("failed to write checkpoint file: %v", err)
	}
	return nil
}

// loadJSON loads checkpoint from JSON format
func (cs *CheckpointSaver) loadJSON(path string) (*Checkpoint, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint file: %w", err)
	}
	defer file.Close()

	var checkpoint Checkpoint
	if err := json.NewDecoder(file).Decode(&checkpoint); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint: %v", err)
	}
	return &checkpoint, nil
}

// saveBinary writes the weights with EncodeWeights and the rest as JSON
func (cs *CheckpointSaver) saveBinary(checkpoint *Checkpoint, path string) error {
	if err := writeFileAtomic(path+".bin", EncodeWeights(checkpoint.Weights)); err != nil {
		return fmt.Errorf("failed to write checkpoint weights: %v", err)
	}

	header := *checkpoint
	header.Weights = make([]WeightTensor, len(checkpoint.Weights))
	for i, w := range checkpoint.Weights {
		w.Data = nil
		header.Weights[i] = w
	}
	return cs.saveJSON(&header, path)
}

func (cs *CheckpointSaver) loadBinary(path string) (*Checkpoint, error) {
	checkpoint, err := cs.loadJSON(path)
	if err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(path + ".bin")
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint weights: %w", err)
	}
	weights, err := DecodeWeights(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint weights: %v", err)
	}
	if len(weights) != len(checkpoint.Weights) {
		return nil, fmt.Errorf("checkpoint lists %d weights, file holds %d",
			len(checkpoint.Weights), len(weights))
	}
	checkpoint.Weights = weights
	return checkpoint, nil
}

// writeFileAtomic writes data to a temporary file in the target directory and
// renames it into place
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// ExtractWeightsFromTensors copies parameter tensors into named weight records.
// Tensors must be ordered as the model spec declares its parameters.
func ExtractWeightsFromTensors(tensors []*memory.Tensor, modelSpec *layers.ModelSpec) ([]WeightTensor, error) {
	var weights []WeightTensor

	paramIndex := 0
	for _, layerSpec := range modelSpec.Layers {
		for j := range layerSpec.ParameterShapes {
			if paramIndex >= len(tensors) {
				return nil, fmt.Errorf("insufficient tensors for layer %s", layerSpec.Name)
			}
			kind := "kernel"
			if j > 0 {
				kind = "bias"
			}

			tensor := tensors[paramIndex]
			data, err := tensor.ToFloat32Slice()
			if err != nil {
				return nil, fmt.Errorf("failed to extract %s data for layer %s: %w", kind, layerSpec.Name, err)
			}

			weights = append(weights, WeightTensor{
				Name:  layerSpec.Name + "/" + kind,
				Shape: tensor.Shape(),
				Data:  data,
				Layer: layerSpec.Name,
				Type:  kind,
			})
			paramIndex++
		}
	}

	if paramIndex != len(tensors) {
		return nil, fmt.Errorf("model declares %d parameter tensors, got %d", paramIndex, len(tensors))
	}
	return weights, nil
}

// LoadWeightsIntoTensors copies weight records into tensors of matching shape,
// in order
func LoadWeightsIntoTensors(weights []WeightTensor, tensors []*memory.Tensor) error {
	if len(weights) != len(tensors) {
		return fmt.Errorf("weight count mismatch: %d weights, %d tensors", len(weights), len(tensors))
	}

	for i, tensor := range tensors {
		weight := weights[i]

		if !memory.SameShape(tensor.Shape(), weight.Shape) {
			return fmt.Errorf("shape mismatch for weight %s: tensor %v vs weight %v",
				weight.Name, tensor.Shape(), weight.Shape)
		}
		if err := tensor.CopyFloat32Data(weight.Data); err != nil {
			return fmt.Errorf("failed to copy weight data for %s: %w", weight.Name, err)
		}
	}
	return nil
}
