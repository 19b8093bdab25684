package server

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pixelclass/pixelclass/checkpoints"
	"github.com/pixelclass/pixelclass/engine"
	"github.com/pixelclass/pixelclass/training"
	"github.com/pixelclass/pixelclass/vision/preprocessing"
)

// ErrNoModel is returned while no model has been loaded
var ErrNoModel = errors.New("no model loaded")

// ModelInfo describes the served model
type ModelInfo struct {
	Dir             string                    `json:"dir"`
	InputShape      []int                     `json:"input_shape"`
	NumClasses      int                       `json:"num_classes"`
	TotalParameters int64                     `json:"total_parameters"`
	Layers          []string                  `json:"layers"`
	TrainingState   checkpoints.TrainingState `json:"training_state"`
	LoadedAt        time.Time                 `json:"loaded_at"`
}

// ModelStore holds the model loaded from a directory and swaps it on Reload.
// Predictions hold a read lock, so a replaced model is released only after
// every prediction using it has finished.
type ModelStore struct {
	dir       string
	imageSize int
	config    engine.Config

	mu         sync.RWMutex
	model      *engine.Model
	inferencer *training.ModelInferencer
	info       ModelInfo
}

// NewModelStore creates a store for the model saved in dir. imageSize 0
// takes the size from each loaded model.
func NewModelStore(dir string, imageSize int, config engine.Config) *ModelStore {
	return &ModelStore{dir: dir, imageSize: imageSize, config: config}
}

// Dir returns the watched model directory
func (s *ModelStore) Dir() string {
	return s.dir
}

// Reload loads the model from disk and replaces the current one. On error the
// current model keeps serving.
func (s *ModelStore) Reload() error {
	model, doc, err := checkpoints.LoadModelWithConfig(s.dir, s.config)
	if err != nil {
		return err
	}

	size := s.imageSize
	if size == 0 {
		size = model.InputShape()[0]
	}
	inferencer, err := training.NewModelInferencer(model, size)
	if err != nil {
		model.Release()
		return err
	}

	spec := model.Spec()
	names := make([]string, len(spec.Layers))
	for i, l := range spec.Layers {
		names[i] = fmt.Sprintf("%s (%s)", l.Name, l.Type)
	}
	info := ModelInfo{
		Dir:             s.dir,
		InputShape:      model.InputShape(),
		NumClasses:      model.NumClasses(),
		TotalParameters: spec.TotalParameters,
		Layers:          names,
		TrainingState:   doc.TrainingState,
		LoadedAt:        time.Now(),
	}

	s.mu.Lock()
	old := s.model
	s.model, s.inferencer, s.info = model, inferencer, info
	s.mu.Unlock()

	if old != nil {
		old.Release()
	}
	return nil
}

// Info describes the current model
func (s *ModelStore) Info() (ModelInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.model == nil {
		return ModelInfo{}, ErrNoModel
	}
	return s.info, nil
}

// Classify runs the current model on a decoded raster
func (s *ModelStore) Classify(buf *preprocessing.RasterBuffer) (*training.Prediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.inferencer == nil {
		return nil, ErrNoModel
	}
	return s.inferencer.Classify(buf)
}

// Close releases the current model
func (s *ModelStore) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.model != nil {
		s.model.Release()
	}
	s.model, s.inferencer = nil, nil
}
