// Package pipeline wires the manifest reader, dataset assembler, trainer and
// model persistence into the train and predict runs used by the commands.
package pipeline

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/pixelclass/pixelclass/checkpoints"
	"github.com/pixelclass/pixelclass/config"
	"github.com/pixelclass/pixelclass/engine"
	"github.com/pixelclass/pixelclass/layers"
	"github.com/pixelclass/pixelclass/training"
	"github.com/pixelclass/pixelclass/vision/dataset"
	"github.com/pixelclass/pixelclass/vision/preprocessing"
)

// Result describes a finished training run
type Result struct {
	History   *training.History
	ModelDir  string
	EventLog  string   // JSONL event file, empty without a log directory
	Plots     []string // plot documents written under the log directory
	Confusion *training.ConfusionMatrix
}

// Options tune the outputs of Train without touching the run configuration
type Options struct {
	Logger   *log.Logger // nil uses the standard logger
	Progress io.Writer   // progress bars when cfg.Progress is set; nil is stdout
	Recorder training.Recorder
	Cache    *dataset.SampleCache // decoded samples shared across runs, optional
}

// Train runs the full training path: read the manifest, assemble the
// dataset, build and fit the classifier, save it to cfg.ModelDir and tally a
// confusion matrix over the training set. Every tensor allocated on the way
// is released before Train returns, on success and on error.
func Train(ctx context.Context, cfg *config.Config, opts Options) (*Result, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	rows, err := dataset.LoadRows(cfg.ManifestPath, cfg.PathColumn, cfg.LabelColumn, cfg.ResolveRelative)
	if err != nil {
		return nil, err
	}
	logger.Printf("manifest %s: %d rows", cfg.ManifestPath, len(rows))

	assembler, err := dataset.NewAssembler(dataset.AssemblerConfig{
		ImageSize: cfg.ImageSize,
		Workers:   cfg.Workers,
		Cache:     opts.Cache,
	})
	if err != nil {
		return nil, err
	}
	defer assembler.Teardown()

	batch, err := assembler.Assemble(ctx, rows)
	if err != nil {
		return nil, err
	}
	logger.Printf("assembled images %v labels %v", batch.Images.Shape(), batch.Labels.Shape())

	spec, err := layers.BuildClassifier([]int{cfg.ImageSize, cfg.ImageSize, preprocessing.Channels}, cfg.NumClasses)
	if err != nil {
		return nil, err
	}
	model, err := engine.NewModel(spec, engine.Config{Seed: cfg.Seed, Workers: cfg.Workers})
	if err != nil {
		return nil, err
	}
	defer model.Release()

	scheduler, err := training.NewScheduler(cfg.Scheduler, cfg.Epochs)
	if err != nil {
		return nil, err
	}

	result := &Result{ModelDir: cfg.ModelDir}
	collector := training.NewVisualizationCollector("classifier")
	recorders := training.MultiRecorder{&training.LogRecorder{Logger: logger}, collector, opts.Recorder}
	if cfg.LogDir != "" {
		events, err := training.NewJSONLRecorder(cfg.LogDir)
		if err != nil {
			return nil, err
		}
		defer events.Close()
		result.EventLog = events.Path()
		recorders = append(recorders, events)
	}
	if cfg.Progress {
		out := opts.Progress
		if out == nil {
			out = os.Stdout
		}
		training.NewModelArchitecturePrinter("Classifier").WriteArchitecture(out, spec)
		recorders = append(recorders, training.NewProgressRecorder(out))
	}

	trainerConfig := training.DefaultTrainerConfig()
	trainerConfig.BatchSize = cfg.BatchSize
	trainerConfig.Epochs = cfg.Epochs
	trainerConfig.LearningRate = float32(cfg.LearningRate)
	trainerConfig.ValidationSplit = cfg.ValidationSplit
	trainerConfig.Shuffle = cfg.Shuffle
	trainerConfig.Seed = cfg.Seed
	trainerConfig.OptimizerType = training.OptimizerType(strings.ToLower(cfg.Optimizer))
	trainerConfig.Scheduler = scheduler
	trainerConfig.Recorder = recorders
	checkpointFormat, err := checkpoints.ParseCheckpointFormat(cfg.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	if cfg.CheckpointDir != "" {
		checkpointConfig := training.DefaultCheckpointConfig()
		checkpointConfig.SaveDirectory = cfg.CheckpointDir
		checkpointConfig.Format = checkpointFormat
		if cfg.CheckpointFreq > 0 {
			checkpointConfig.SaveFrequency = cfg.CheckpointFreq
		}
		trainerConfig.Checkpoints = checkpointConfig
	}

	trainer, err := training.NewModelTrainer(model, trainerConfig)
	if err != nil {
		return nil, err
	}
	defer trainer.Cleanup()

	if cfg.ResumeFrom != "" {
		checkpoint, err := trainer.Resume(cfg.ResumeFrom, checkpointFormat)
		if err != nil {
			return nil, fmt.Errorf("resume from %s: %w", cfg.ResumeFrom, err)
		}
		logger.Printf("resumed from %s (epoch %d, step %d)",
			cfg.ResumeFrom, checkpoint.TrainingState.Epoch, checkpoint.TrainingState.Step)
	}

	history, err := trainer.Fit(ctx, batch.Images, batch.Labels)
	result.History = history
	if err != nil {
		return result, err
	}

	last, _ := history.Last()
	state := checkpoints.TrainingState{
		Epoch:        last.Epoch,
		Step:         trainer.CurrentStep(),
		LearningRate: float32(trainer.CurrentLearningRate()),
		BestLoss:     float32(last.Loss),
		BestAccuracy: float32(last.Accuracy),
		TotalSteps:   trainer.CurrentStep(),
	}
	if err := checkpoints.SaveModel(model, cfg.ModelDir, state); err != nil {
		return result, err
	}
	logger.Printf("saved model to %s", cfg.ModelDir)

	inferencer, err := training.NewModelInferencer(model, cfg.ImageSize)
	if err != nil {
		return result, err
	}
	cm, err := inferencer.ConfusionMatrix(batch.Images, batch.Labels)
	if err != nil {
		return result, err
	}
	result.Confusion = cm
	collector.RecordConfusionMatrix(cm)
	logger.Printf("training set accuracy %.4f, macro F1 %.4f", cm.GetAccuracy(), cm.GetMetric(training.MacroF1))

	if cfg.LogDir != "" {
		plots, err := collector.WritePlots(filepath.Join(cfg.LogDir, "plots"))
		if err != nil {
			return result, err
		}
		result.Plots = plots
	}
	return result, nil
}

// Predict loads the model saved in modelDir and classifies one image. An
// imageSize of 0 takes the size from the model's input shape.
func Predict(modelDir, imagePath string, imageSize int) (*training.Prediction, error) {
	model, _, err := checkpoints.LoadModelWithConfig(modelDir, engine.Config{Workers: 1})
	if err != nil {
		return nil, err
	}
	defer model.Release()

	if imageSize == 0 {
		imageSize = model.InputShape()[0]
	}
	inferencer, err := training.NewModelInferencer(model, imageSize)
	if err != nil {
		return nil, err
	}
	return inferencer.ClassifyFile(imagePath)
}
