package training

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventType names a point in the training loop
type EventType string

const (
	EventBatchEnd EventType = "batch_end"
	EventEpochEnd EventType = "epoch_end"
	EventTrainEnd EventType = "train_end"
)

// Event is one training log entry. Epoch and Batch are 1-based.
type Event struct {
	Type          EventType `json:"type"`
	Time          time.Time `json:"time"`
	Epoch         int       `json:"epoch"`
	Epochs        int       `json:"epochs"`
	Batch         int       `json:"batch,omitempty"`
	Batches       int       `json:"batches,omitempty"`
	Step          int       `json:"step"`
	Loss          float64   `json:"loss"`
	Accuracy      float64   `json:"accuracy"`
	ValLoss       float64   `json:"val_loss,omitempty"`
	ValAccuracy   float64   `json:"val_accuracy,omitempty"`
	HasValidation bool      `json:"has_validation,omitempty"`
	LearningRate  float64   `json:"learning_rate"`
}

// Recorder receives training events. A Record error aborts Fit.
type Recorder interface {
	Record(e Event) error
}

// DiscardRecorder drops every event
type DiscardRecorder struct{}

func (DiscardRecorder) Record(Event) error { return nil }

// RecorderFunc adapts a function to Recorder
type RecorderFunc func(Event) error

func (f RecorderFunc) Record(e Event) error { return f(e) }

// LogRecorder writes epoch summaries through a standard logger
type LogRecorder struct {
	Logger     *log.Logger // nil uses the standard logger
	LogBatches bool
}

func (r *LogRecorder) Record(e Event) error {
	logf := log.Printf
	if r.Logger != nil {
		logf = r.Logger.Printf
	}

	switch e.Type {
	case EventBatchEnd:
		if r.LogBatches {
			logf("epoch %d/%d batch %d/%d - loss: %.4f - accuracy: %.4f",
				e.Epoch, e.Epochs, e.Batch, e.Batches, e.Loss, e.Accuracy)
		}
	case EventEpochEnd:
		if e.HasValidation {
			logf("epoch %d/%d - loss: %.4f - accuracy: %.4f - val_loss: %.4f - val_accuracy: %.4f - lr: %g",
				e.Epoch, e.Epochs, e.Loss, e.Accuracy, e.ValLoss, e.ValAccuracy, e.LearningRate)
		} else {
			logf("epoch %d/%d - loss: %.4f - accuracy: %.4f - lr: %g",
				e.Epoch, e.Epochs, e.Loss, e.Accuracy, e.LearningRate)
		}
	case EventTrainEnd:
		logf("training finished after %d steps - loss: %.4f - accuracy: %.4f", e.Step, e.Loss, e.Accuracy)
	}
	return nil
}

// JSONLRecorder appends every event as one JSON line to a file in a log
// directory
type JSONLRecorder struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
	path string
}

// NewJSONLRecorder creates dir if needed and opens a new events file in it
func NewJSONLRecorder(dir string) (*JSONLRecorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	name := fmt.Sprintf("events.%s.%d.jsonl", time.Now().Format("20060102-150405"), os.Getpid())
	path := filepath.Join(dir, name)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	return &JSONLRecorder{file: file, enc: json.NewEncoder(file), path: path}, nil
}

// Path returns the events file
func (r *JSONLRecorder) Path() string {
	return r.path
}

func (r *JSONLRecorder) Record(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return errors.New("event log is closed")
	}
	return r.enc.Encode(e)
}

// Close flushes and closes the events file
func (r *JSONLRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// MultiRecorder fans events out to several recorders in order
type MultiRecorder []Recorder

func (m MultiRecorder) Record(e Event) error {
	var errs []error
	for _, r := range m {
		if r == nil {
			continue
		}
		if err := r.Record(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
