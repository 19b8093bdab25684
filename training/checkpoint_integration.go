package training

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/pixelclass/pixelclass/checkpoints"
	"github.com/pixelclass/pixelclass/layers"
)

// CheckpointConfig configures checkpoint saving during Fit
type CheckpointConfig struct {
	SaveDirectory   string                       // Directory to save checkpoints; empty disables them
	SaveFrequency   int                          // Save every N epochs (0 = disabled)
	SaveBest        bool                         // Save when validation loss or accuracy improves
	MaxCheckpoints  int                          // Periodic checkpoints to keep (0 = unlimited)
	Format          checkpoints.CheckpointFormat // JSON or Binary
	FilenamePattern string                       // Pattern for checkpoint filenames, given epoch and step
}

// DefaultCheckpointConfig returns a configuration saving every 5 epochs
func DefaultCheckpointConfig() CheckpointConfig {
	return CheckpointConfig{
		SaveDirectory:   "./checkpoints",
		SaveFrequency:   5,
		SaveBest:        true,
		MaxCheckpoints:  10,
		Format:          checkpoints.FormatJSON,
		FilenamePattern: "checkpoint_epoch_%d_step_%d",
	}
}

// CheckpointManager writes full training checkpoints (weights, optimizer
// state and progress) for a ModelTrainer and restores them
type CheckpointManager struct {
	config       CheckpointConfig
	trainer      *ModelTrainer
	saver        *checkpoints.CheckpointSaver
	bestLoss     float64
	bestAccuracy float64
	haveBest     bool
	savedFiles   []string
}

// NewCheckpointManager creates a new checkpoint manager
func NewCheckpointManager(trainer *ModelTrainer, config CheckpointConfig) *CheckpointManager {
	return &CheckpointManager{
		config:  config,
		trainer: trainer,
		saver:   checkpoints.NewCheckpointSaver(config.Format),
	}
}

// SavedFiles returns the periodic checkpoints currently kept
func (cm *CheckpointManager) SavedFiles() []string {
	return append([]string(nil), cm.savedFiles...)
}

// SaveCheckpoint saves the current trainer state and returns its path
func (cm *CheckpointManager) SaveCheckpoint(metrics EpochMetrics, description string) (string, error) {
	checkpoint, err := cm.createCheckpoint(metrics, description)
	if err != nil {
		return "", fmt.Errorf("failed to create checkpoint: %v", err)
	}

	if err := os.MkdirAll(cm.config.SaveDirectory, 0o755); err != nil {
		return "", fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	path := filepath.Join(cm.config.SaveDirectory, cm.generateFilename(metrics.Epoch, cm.trainer.CurrentStep()))
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return "", fmt.Errorf("failed to save checkpoint: %v", err)
	}

	cm.savedFiles = append(cm.savedFiles, path)
	if err := cm.cleanupOldCheckpoints(); err != nil {
		log.Printf("warning: failed to clean up old checkpoints: %v", err)
	}
	return path, nil
}

// SavePeriodicCheckpoint saves a checkpoint every SaveFrequency epochs
func (cm *CheckpointManager) SavePeriodicCheckpoint(metrics EpochMetrics) (bool, error) {
	if cm.config.SaveFrequency <= 0 || metrics.Epoch%cm.config.SaveFrequency != 0 {
		return false, nil
	}
	if _, err := cm.SaveCheckpoint(metrics, fmt.Sprintf("Periodic checkpoint - Epoch %d", metrics.Epoch)); err != nil {
		return false, err
	}
	return true, nil
}

// SaveBestCheckpoint overwrites best_checkpoint when the watched loss or
// accuracy improves. Validation metrics are watched when present.
func (cm *CheckpointManager) SaveBestCheckpoint(metrics EpochMetrics) (bool, error) {
	if !cm.config.SaveBest {
		return false, nil
	}

	loss, accuracy := metrics.Loss, metrics.Accuracy
	if metrics.HasValidation {
		loss, accuracy = metrics.ValLoss, metrics.ValAccuracy
	}
	if cm.haveBest && loss >= cm.bestLoss && accuracy <= cm.bestAccuracy {
		return false, nil
	}
	if !cm.haveBest || loss < cm.bestLoss {
		cm.bestLoss = loss
	}
	if !cm.haveBest || accuracy > cm.bestAccuracy {
		cm.bestAccuracy = accuracy
	}
	cm.haveBest = true

	description := fmt.Sprintf("Best checkpoint - Loss: %.6f, Accuracy: %.2f%%", loss, accuracy*100)
	checkpoint, err := cm.createCheckpoint(metrics, description)
	if err != nil {
		return false, fmt.Errorf("failed to create best checkpoint: %v", err)
	}
	if err := os.MkdirAll(cm.config.SaveDirectory, 0o755); err != nil {
		return false, fmt.Errorf("failed to create checkpoint directory: %v", err)
	}
	path := filepath.Join(cm.config.SaveDirectory, "best_checkpoint.json")
	if err := cm.saver.SaveCheckpoint(checkpoint, path); err != nil {
		return false, fmt.Errorf("failed to save best checkpoint: %v", err)
	}
	return true, nil
}

// LoadCheckpoint restores weights, optimizer state and learning rate
func (cm *CheckpointManager) LoadCheckpoint(path string) (*checkpoints.Checkpoint, error) {
	checkpoint, err := cm.saver.LoadCheckpoint(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint: %v", err)
	}
	if err := cm.restore(checkpoint); err != nil {
		return nil, fmt.Errorf("failed to restore trainer state: %v", err)
	}
	return checkpoint, nil
}

// Resume restores a checkpoint of the given format into the trainer before
// Fit. It works with checkpoints disabled; the step counter continues from the
// checkpoint.
func (mt *ModelTrainer) Resume(path string, format checkpoints.CheckpointFormat) (*checkpoints.Checkpoint, error) {
	cm := mt.checkpoints
	if cm == nil || cm.config.Format != format {
		cm = NewCheckpointManager(mt, CheckpointConfig{Format: format})
	}
	return cm.LoadCheckpoint(path)
}

func (cm *CheckpointManager) createCheckpoint(metrics EpochMetrics, description string) (*checkpoints.Checkpoint, error) {
	model := cm.trainer.Model()

	model.Lock()
	weights, err := checkpoints.ExtractWeightsFromTensors(model.Parameters(), model.Spec())
	model.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to extract weights: %v", err)
	}

	optimizerState, err := cm.trainer.Optimizer().GetState()
	if err != nil {
		return nil, fmt.Errorf("failed to extract optimizer state: %v", err)
	}

	return &checkpoints.Checkpoint{
		ModelSpec: model.Spec(),
		Weights:   weights,
		TrainingState: checkpoints.TrainingState{
			Epoch:        metrics.Epoch,
			Step:         cm.trainer.CurrentStep(),
			LearningRate: float32(cm.trainer.CurrentLearningRate()),
			BestLoss:     float32(cm.bestLoss),
			BestAccuracy: float32(cm.bestAccuracy),
			TotalSteps:   cm.trainer.CurrentStep(),
		},
		OptimizerState: optimizerState,
		Metadata: checkpoints.CheckpointMetadata{
			Description: description,
			Tags:        []string{fmt.Sprintf("epoch_%d", metrics.Epoch)},
		},
	}, nil
}

func (cm *CheckpointManager) restore(checkpoint *checkpoints.Checkpoint) error {
	model := cm.trainer.Model()
	if checkpoint.ModelSpec == nil || !modelsCompatible(model.Spec(), checkpoint.ModelSpec) {
		return fmt.Errorf("checkpoint model architecture incompatible with current trainer")
	}

	model.Lock()
	err := checkpoints.LoadWeightsIntoTensors(checkpoint.Weights, model.Parameters())
	model.Unlock()
	if err != nil {
		return fmt.Errorf("failed to load weights: %v", err)
	}

	cm.bestLoss = float64(checkpoint.TrainingState.BestLoss)
	cm.bestAccuracy = float64(checkpoint.TrainingState.BestAccuracy)
	cm.haveBest = true
	cm.trainer.currentStep = checkpoint.TrainingState.Step
	if lr := checkpoint.TrainingState.LearningRate; lr > 0 {
		cm.trainer.SetLearningRate(float64(lr))
	}

	if checkpoint.OptimizerState != nil {
		if err := cm.trainer.Optimizer().LoadState(checkpoint.OptimizerState); err != nil {
			return fmt.Errorf("failed to restore optimizer state: %v", err)
		}
	}
	return nil
}

func (cm *CheckpointManager) generateFilename(epoch int, step int) string {
	pattern := cm.config.FilenamePattern
	if pattern == "" {
		pattern = "checkpoint_epoch_%d_step_%d"
	}
	return fmt.Sprintf(pattern, epoch, step) + ".json"
}

func (cm *CheckpointManager) cleanupOldCheckpoints() error {
	if cm.config.MaxCheckpoints <= 0 || len(cm.savedFiles) <= cm.config.MaxCheckpoints {
		return nil
	}

	toRemove := len(cm.savedFiles) - cm.config.MaxCheckpoints
	for i := 0; i < toRemove; i++ {
		if err := removeCheckpoint(cm.savedFiles[i], cm.config.Format); err != nil {
			return fmt.Errorf("failed to remove old checkpoint %s: %v", cm.savedFiles[i], err)
		}
	}
	cm.savedFiles = cm.savedFiles[toRemove:]
	return nil
}

func removeCheckpoint(path string, format checkpoints.CheckpointFormat) error {
	if format == checkpoints.FormatBinary {
		if err := os.Remove(path + ".bin"); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return os.Remove(path)
}

// modelsCompatible reports whether two specs have the same layer types and
// parameter shapes
func modelsCompatible(a, b *layers.ModelSpec) bool {
	if len(a.Layers) != len(b.Layers) {
		return false
	}
	for i, la := range a.Layers {
		lb := b.Layers[i]
		if la.Type != lb.Type || len(la.ParameterShapes) != len(lb.ParameterShapes) {
			return false
		}
		for j, shape := range la.ParameterShapes {
			if len(shape) != len(lb.ParameterShapes[j]) {
				return false
			}
			for k, dim := range shape {
				if dim != lb.ParameterShapes[j][k] {
					return false
				}
			}
		}
	}
	return true
}
