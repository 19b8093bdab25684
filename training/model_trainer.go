package training

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/pixelclass/pixelclass/engine"
	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/memory"
	"github.com/pixelclass/pixelclass/optimizer"
	"github.com/pixelclass/pixelclass/tensor"
)

// OptimizerType selects the update rule
type OptimizerType string

const (
	Adam OptimizerType = "adam"
	SGD  OptimizerType = "sgd"
)

// TrainerConfig holds the training hyperparameters
type TrainerConfig struct {
	BatchSize       int
	Epochs          int
	LearningRate    float32
	ValidationSplit float64 // Fraction of samples held out from the end
	Shuffle         bool
	Seed            int64

	OptimizerType OptimizerType
	Beta1         float32
	Beta2         float32
	Epsilon       float32
	Momentum      float32 // SGD only
	WeightDecay   float32

	// Scheduler sets the learning rate per epoch; nil keeps it constant
	Scheduler LRScheduler
	// Recorder receives batch and epoch events; nil discards them
	Recorder Recorder
	// Checkpoints enables periodic training checkpoints when SaveDirectory is set
	Checkpoints CheckpointConfig
}

// DefaultTrainerConfig returns batch 32, 10 epochs, Adam at 0.001 and a 20%
// validation split with shuffling
func DefaultTrainerConfig() TrainerConfig {
	adam := optimizer.DefaultAdamConfig()
	return TrainerConfig{
		BatchSize:       32,
		Epochs:          10,
		LearningRate:    adam.LearningRate,
		ValidationSplit: 0.2,
		Shuffle:         true,
		OptimizerType:   Adam,
		Beta1:           adam.Beta1,
		Beta2:           adam.Beta2,
		Epsilon:         adam.Epsilon,
	}
}

func validateTrainerConfig(config TrainerConfig) error {
	if config.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", config.BatchSize)
	}
	if config.Epochs <= 0 {
		return fmt.Errorf("epochs must be positive, got %d", config.Epochs)
	}
	if config.LearningRate <= 0 {
		return fmt.Errorf("learning rate must be positive, got %f", config.LearningRate)
	}
	if config.ValidationSplit < 0 || config.ValidationSplit >= 1 {
		return fmt.Errorf("validation split must be in [0, 1), got %f", config.ValidationSplit)
	}

	switch config.OptimizerType {
	case Adam:
		if config.Beta1 <= 0 || config.Beta1 >= 1 {
			return fmt.Errorf("Adam beta1 must be in (0, 1), got %f", config.Beta1)
		}
		if config.Beta2 <= 0 || config.Beta2 >= 1 {
			return fmt.Errorf("Adam beta2 must be in (0, 1), got %f", config.Beta2)
		}
		if config.Epsilon <= 0 {
			return fmt.Errorf("Adam epsilon must be positive, got %f", config.Epsilon)
		}
	case SGD:
		if config.Momentum < 0 || config.Momentum >= 1 {
			return fmt.Errorf("SGD momentum must be in [0, 1), got %f", config.Momentum)
		}
	default:
		return fmt.Errorf("unknown optimizer %q", config.OptimizerType)
	}

	if config.WeightDecay < 0 {
		return fmt.Errorf("weight decay must be non-negative, got %f", config.WeightDecay)
	}
	return nil
}

// EpochMetrics are the sample-weighted means for one epoch
type EpochMetrics struct {
	Epoch         int     `json:"epoch"`
	Loss          float64 `json:"loss"`
	Accuracy      float64 `json:"accuracy"`
	ValLoss       float64 `json:"val_loss,omitempty"`
	ValAccuracy   float64 `json:"val_accuracy,omitempty"`
	HasValidation bool    `json:"has_validation"`
	LearningRate  float64 `json:"learning_rate"`
}

// History is the per-epoch record returned by Fit
type History struct {
	Epochs []EpochMetrics `json:"epochs"`
}

// Last returns the final epoch, or false for an empty history
func (h *History) Last() (EpochMetrics, bool) {
	if h == nil || len(h.Epochs) == 0 {
		return EpochMetrics{}, false
	}
	return h.Epochs[len(h.Epochs)-1], true
}

// ModelTrainer couples a model with categorical cross-entropy, an optimizer
// and an accuracy metric
type ModelTrainer struct {
	model     *engine.Model
	config    TrainerConfig
	optimizer optimizer.Optimizer
	scheduler LRScheduler
	recorder  Recorder
	rng       *rand.Rand

	currentLR   float64
	currentStep int
	checkpoints *CheckpointManager
}

// NewModelTrainer compiles model for training. The model must end in a softmax.
func NewModelTrainer(model *engine.Model, config TrainerConfig) (*ModelTrainer, error) {
	if model == nil {
		return nil, fmt.Errorf("model is nil")
	}
	if err := validateTrainerConfig(config); err != nil {
		return nil, fmt.Errorf("invalid trainer configuration: %v", err)
	}

	shapes := model.Spec().ParameterShapes
	var opt optimizer.Optimizer
	var err error
	switch config.OptimizerType {
	case SGD:
		opt, err = optimizer.NewSGDOptimizer(optimizer.SGDConfig{
			LearningRate: config.LearningRate,
			Momentum:     config.Momentum,
			WeightDecay:  config.WeightDecay,
		}, shapes, nil)
	default:
		opt, err = optimizer.NewAdamOptimizer(optimizer.AdamConfig{
			LearningRate: config.LearningRate,
			Beta1:        config.Beta1,
			Beta2:        config.Beta2,
			Epsilon:      config.Epsilon,
			WeightDecay:  config.WeightDecay,
		}, shapes, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create optimizer: %v", err)
	}

	mt := &ModelTrainer{
		model:     model,
		config:    config,
		optimizer: opt,
		scheduler: config.Scheduler,
		recorder:  config.Recorder,
		rng:       rand.New(rand.NewSource(config.Seed)),
		currentLR: float64(config.LearningRate),
	}
	if mt.scheduler == nil {
		mt.scheduler = &NoOpScheduler{}
	}
	if mt.recorder == nil {
		mt.recorder = DiscardRecorder{}
	}
	if config.Checkpoints.SaveDirectory != "" {
		mt.checkpoints = NewCheckpointManager(mt, config.Checkpoints)
	}
	return mt, nil
}

// Model returns the model being trained
func (mt *ModelTrainer) Model() *engine.Model {
	return mt.model
}

// Config returns the trainer configuration
func (mt *ModelTrainer) Config() TrainerConfig {
	return mt.config
}

// Optimizer returns the optimizer
func (mt *ModelTrainer) Optimizer() optimizer.Optimizer {
	return mt.optimizer
}

// CurrentLearningRate returns the rate used for the latest step
func (mt *ModelTrainer) CurrentLearningRate() float64 {
	return mt.currentLR
}

// SetLearningRate overrides the current learning rate
func (mt *ModelTrainer) SetLearningRate(lr float64) {
	mt.currentLR = lr
	mt.optimizer.UpdateLearningRate(float32(lr))
}

// CurrentStep returns the number of optimizer steps taken
func (mt *ModelTrainer) CurrentStep() int {
	return mt.currentStep
}

// Checkpoints returns the checkpoint manager, or nil when disabled
func (mt *ModelTrainer) Checkpoints() *CheckpointManager {
	return mt.checkpoints
}

// TrainBatch runs one optimizer step over n samples with one-hot targets
func (mt *ModelTrainer) TrainBatch(x, targets []float32, n int) (*engine.BatchResult, error) {
	result, err := mt.model.ComputeGradients(x, targets, n)
	if err != nil {
		return nil, err
	}

	mt.model.Lock()
	err = mt.optimizer.Step(mt.model.Parameters(), result.Gradients)
	mt.model.Unlock()
	if err != nil {
		return nil, fmt.Errorf("optimizer step failed: %v", err)
	}
	mt.currentStep++
	return result, nil
}

// Fit trains on images [N, ...input] and integer labels [N]. The last
// floor(N*ValidationSplit) samples are held out before shuffling. On
// cancellation Fit returns the epochs completed so far with the context error.
func (mt *ModelTrainer) Fit(ctx context.Context, images, labels *memory.Tensor) (*History, error) {
	const op = "fit"

	x, err := images.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("fit: images: %w", err)
	}
	y, err := labels.Int32Data()
	if err != nil {
		return nil, fmt.Errorf("fit: labels: %w", err)
	}

	inputShape := mt.model.InputShape()
	imageShape := images.Shape()
	if len(imageShape) != len(inputShape)+1 || !memory.SameShape(imageShape[1:], inputShape) {
		return nil, errdefs.Newf(errdefs.Shape, op,
			"images have shape %v, model expects [N %v]", imageShape, inputShape)
	}
	n := imageShape[0]
	if len(labels.Shape()) != 1 || labels.Shape()[0] != n {
		return nil, errdefs.Newf(errdefs.Shape, op,
			"%d images but labels have shape %v", n, labels.Shape())
	}
	if n == 0 {
		return nil, errdefs.Newf(errdefs.Shape, op, "no samples")
	}

	numClasses := mt.model.NumClasses()
	oneHot, err := tensor.OneHot(y, numClasses)
	if err != nil {
		return nil, err
	}
	defer oneHot.Release()
	targets, err := oneHot.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("fit: targets: %w", err)
	}

	splitAt := n
	if mt.config.ValidationSplit > 0 {
		splitAt = int(math.Floor(float64(n) * (1 - mt.config.ValidationSplit)))
	}
	if splitAt <= 0 {
		return nil, errdefs.Newf(errdefs.Shape, op,
			"validation split %.2f leaves no training samples out of %d", mt.config.ValidationSplit, n)
	}

	sampleLen := len(x) / n
	batchSize := min(mt.config.BatchSize, splitAt)
	batches := (splitAt + batchSize - 1) / batchSize
	xb := make([]float32, batchSize*sampleLen)
	tb := make([]float32, batchSize*numClasses)

	indices := make([]int, splitAt)
	for i := range indices {
		indices[i] = i
	}

	history := &History{}
	for epoch := 0; epoch < mt.config.Epochs; epoch++ {
		mt.SetLearningRate(mt.scheduler.GetLR(epoch, float64(mt.config.LearningRate)))
		if mt.config.Shuffle {
			mt.rng.Shuffle(len(indices), func(i, j int) {
				indices[i], indices[j] = indices[j], indices[i]
			})
		}

		var lossSum float64
		correct, seen := 0, 0
		for b := 0; b < batches; b++ {
			if err := ctx.Err(); err != nil {
				return history, fmt.Errorf("fit: %w", err)
			}

			start := b * batchSize
			end := min(start+batchSize, splitAt)
			m := end - start
			for k, idx := range indices[start:end] {
				copy(xb[k*sampleLen:(k+1)*sampleLen], x[idx*sampleLen:(idx+1)*sampleLen])
				copy(tb[k*numClasses:(k+1)*numClasses], targets[idx*numClasses:(idx+1)*numClasses])
			}

			result, err := mt.TrainBatch(xb[:m*sampleLen], tb[:m*numClasses], m)
			if err != nil {
				return history, fmt.Errorf("epoch %d batch %d: %w", epoch+1, b+1, err)
			}
			lossSum += result.Loss * float64(m)
			correct += result.Correct
			seen += m

			if err := mt.recorder.Record(Event{
				Type:         EventBatchEnd,
				Time:         time.Now(),
				Epoch:        epoch + 1,
				Epochs:       mt.config.Epochs,
				Batch:        b + 1,
				Batches:      batches,
				Step:         mt.currentStep,
				Loss:         lossSum / float64(seen),
				Accuracy:     float64(correct) / float64(seen),
				LearningRate: mt.currentLR,
			}); err != nil {
				return history, fmt.Errorf("recorder: %w", err)
			}
		}

		metrics := EpochMetrics{
			Epoch:        epoch + 1,
			Loss:         lossSum / float64(seen),
			Accuracy:     float64(correct) / float64(seen),
			LearningRate: mt.currentLR,
		}
		if splitAt < n {
			valLoss, valAcc, err := mt.evaluate(x[splitAt*sampleLen:], targets[splitAt*numClasses:], n-splitAt)
			if err != nil {
				return history, fmt.Errorf("epoch %d validation: %w", epoch+1, err)
			}
			metrics.ValLoss, metrics.ValAccuracy, metrics.HasValidation = valLoss, valAcc, true
		}
		history.Epochs = append(history.Epochs, metrics)

		if plateau, ok := mt.scheduler.(MetricScheduler); ok {
			watched := metrics.Loss
			if metrics.HasValidation {
				watched = metrics.ValLoss
			}
			mt.SetLearningRate(plateau.Observe(watched, mt.currentLR))
		}

		if err := mt.recorder.Record(epochEvent(EventEpochEnd, metrics, mt.config.Epochs, mt.currentStep)); err != nil {
			return history, fmt.Errorf("recorder: %w", err)
		}

		if mt.checkpoints != nil {
			if _, err := mt.checkpoints.SavePeriodicCheckpoint(metrics); err != nil {
				return history, err
			}
			if _, err := mt.checkpoints.SaveBestCheckpoint(metrics); err != nil {
				return history, err
			}
		}
	}

	last, _ := history.Last()
	if err := mt.recorder.Record(epochEvent(EventTrainEnd, last, mt.config.Epochs, mt.currentStep)); err != nil {
		return history, fmt.Errorf("recorder: %w", err)
	}
	return history, nil
}

// evaluate returns mean loss and accuracy over n samples in batch-sized chunks
func (mt *ModelTrainer) evaluate(x, targets []float32, n int) (float64, float64, error) {
	sampleLen := len(x) / n
	numClasses := len(targets) / n

	var lossSum float64
	correct := 0
	for start := 0; start < n; start += mt.config.BatchSize {
		end := min(start+mt.config.BatchSize, n)
		loss, c, err := mt.model.Evaluate(x[start*sampleLen:end*sampleLen],
			targets[start*numClasses:end*numClasses], end-start)
		if err != nil {
			return 0, 0, err
		}
		lossSum += loss * float64(end-start)
		correct += c
	}
	return lossSum / float64(n), float64(correct) / float64(n), nil
}

// Evaluate returns loss and accuracy of the model on images and labels
func (mt *ModelTrainer) Evaluate(images, labels *memory.Tensor) (float64, float64, error) {
	x, err := images.Float32Data()
	if err != nil {
		return 0, 0, fmt.Errorf("evaluate: images: %w", err)
	}
	y, err := labels.Int32Data()
	if err != nil {
		return 0, 0, fmt.Errorf("evaluate: labels: %w", err)
	}
	if len(y) == 0 || images.Shape()[0] != len(y) {
		return 0, 0, errdefs.Newf(errdefs.Shape, "evaluate",
			"%d images, %d labels", images.Shape()[0], len(y))
	}

	oneHot, err := tensor.OneHot(y, mt.model.NumClasses())
	if err != nil {
		return 0, 0, err
	}
	defer oneHot.Release()
	targets, _ := oneHot.Float32Data()
	return mt.evaluate(x, targets, len(y))
}

// Cleanup releases optimizer state. The model is owned by the caller.
func (mt *ModelTrainer) Cleanup() {
	if mt.optimizer != nil {
		mt.optimizer.Cleanup()
	}
}

func epochEvent(typ EventType, m EpochMetrics, epochs, step int) Event {
	return Event{
		Type:          typ,
		Time:          time.Now(),
		Epoch:         m.Epoch,
		Epochs:        epochs,
		Step:          step,
		Loss:          m.Loss,
		Accuracy:      m.Accuracy,
		ValLoss:       m.ValLoss,
		ValAccuracy:   m.ValAccuracy,
		HasValidation: m.HasValidation,
		LearningRate:  m.LearningRate,
	}
}
