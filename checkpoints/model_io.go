package checkpoints

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pixelclass/pixelclass/engine"
	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/layers"
	"github.com/pixelclass/pixelclass/memory"
)

// File names inside a model directory
const (
	ModelFileName   = "model.json"
	WeightsFileName = "weights.bin"

	modelFormat = "pixelclass-layers-model"
)

// ModelFile is the JSON document stored as model.json
type ModelFile struct {
	Format          string             `json:"format"`
	Topology        *layers.ModelSpec  `json:"topology"`
	WeightsManifest []WeightsGroup     `json:"weights_manifest"`
	TrainingState   TrainingState      `json:"training_state"`
	Metadata        CheckpointMetadata `json:"metadata"`
}

// WeightsGroup lists the tensors stored in a set of weight files
type WeightsGroup struct {
	Paths   []string      `json:"paths"`
	Weights []WeightEntry `json:"weights"`
}

// WeightEntry describes one stored tensor
type WeightEntry struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
	DType string `json:"dtype"`
}

// SaveModel writes model.json and weights.bin into dir, creating it if
// needed. weights.bin is renamed into place before model.json, so a reader
// that sees the new model.json also sees its weights.
func SaveModel(model *engine.Model, dir string, state TrainingState) error {
	const op = "save model"

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errdefs.WithPath(errdefs.Persistence, op, dir, err)
	}

	weights, err := ExtractWeightsFromTensors(model.Parameters(), model.Spec())
	if err != nil {
		return errdefs.WithPath(errdefs.Persistence, op, dir, err)
	}

	entries := make([]WeightEntry, len(weights))
	for i, w := range weights {
		entries[i] = WeightEntry{Name: w.Name, Shape: w.Shape, DType: "float32"}
	}
	doc := ModelFile{
		Format:   modelFormat,
		Topology: model.Spec(),
		WeightsManifest: []WeightsGroup{{
			Paths:   []string{WeightsFileName},
			Weights: entries,
		}},
		TrainingState: state,
		Metadata: CheckpointMetadata{
			Version:   FormatVersion,
			Framework: Framework,
			CreatedAt: time.Now(),
		},
	}
	header, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errdefs.WithPath(errdefs.Persistence, op, dir, err)
	}

	weightsPath := filepath.Join(dir, WeightsFileName)
	if err := writeFileAtomic(weightsPath, EncodeWeights(weights)); err != nil {
		return errdefs.WithPath(errdefs.Persistence, op, weightsPath, err)
	}
	modelPath := filepath.Join(dir, ModelFileName)
	if err := writeFileAtomic(modelPath, header); err != nil {
		return errdefs.WithPath(errdefs.Persistence, op, modelPath, err)
	}
	return nil
}

// LoadModel reads a model saved by SaveModel. path is the model directory or
// its model.json.
func LoadModel(path string) (*engine.Model, error) {
	model, _, err := LoadModelWithConfig(path, engine.Config{})
	return model, err
}

// LoadModelWithConfig is LoadModel with explicit engine settings. It also
// returns the decoded model.json.
func LoadModelWithConfig(path string, config engine.Config) (*engine.Model, *ModelFile, error) {
	const op = "load model"

	doc, dir, err := ReadModelFile(path)
	if err != nil {
		return nil, nil, err
	}
	modelPath := filepath.Join(dir, ModelFileName)

	spec, err := layers.Recompile(doc.Topology)
	if err != nil {
		return nil, nil, errdefs.WithPath(errdefs.Persistence, op, modelPath, err)
	}

	weights, err := readWeights(dir, doc)
	if err != nil {
		return nil, nil, err
	}

	model, err := engine.NewModel(spec, config)
	if err != nil {
		return nil, nil, errdefs.WithPath(errdefs.Persistence, op, modelPath, err)
	}

	names := model.ParameterNames()
	if len(names) != len(weights) {
		model.Release()
		return nil, nil, errdefs.WithPath(errdefs.Persistence, op, modelPath,
			fmt.Errorf("topology has %d parameter tensors, weights hold %d", len(names), len(weights)))
	}
	for i, w := range weights {
		if w.Name != names[i] {
			model.Release()
			return nil, nil, errdefs.WithPath(errdefs.Persistence, op, modelPath,
				fmt.Errorf("weight %d is %q, topology expects %q", i, w.Name, names[i]))
		}
	}
	if err := LoadWeightsIntoTensors(weights, model.Parameters()); err != nil {
		model.Release()
		return nil, nil, errdefs.WithPath(errdefs.Persistence, op, modelPath, err)
	}
	return model, doc, nil
}

// ReadModelFile decodes model.json and returns it with the model directory
func ReadModelFile(path string) (*ModelFile, string, error) {
	const op = "load model"

	dir, modelPath := path, filepath.Join(path, ModelFileName)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		dir, modelPath = filepath.Dir(path), path
	}

	raw, err := os.ReadFile(modelPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = errdefs.WithPath(errdefs.NotFound, op, modelPath, err)
		}
		return nil, "", errdefs.WithPath(errdefs.Persistence, op, modelPath, err)
	}

	var doc ModelFile
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, "", errdefs.WithPath(errdefs.Persistence, op, modelPath,
			fmt.Errorf("invalid model file: %v", err))
	}
	if doc.Format != modelFormat {
		return nil, "", errdefs.WithPath(errdefs.Persistence, op, modelPath,
			fmt.Errorf("unknown model format %q", doc.Format))
	}
	if doc.Topology == nil {
		return nil, "", errdefs.WithPath(errdefs.Persistence, op, modelPath,
			fmt.Errorf("model file has no topology"))
	}
	return &doc, dir, nil
}

// readWeights loads every weight file listed in the manifest and checks each
// tensor against its entry
func readWeights(dir string, doc *ModelFile) ([]WeightTensor, error) {
	const op = "load model"

	var weights []WeightTensor
	var entries []WeightEntry
	for _, group := range doc.WeightsManifest {
		entries = append(entries, group.Weights...)
		for _, p := range group.Paths {
			weightsPath := filepath.Join(dir, p)
			raw, err := os.ReadFile(weightsPath)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					err = errdefs.WithPath(errdefs.NotFound, op, weightsPath, err)
				}
				return nil, errdefs.WithPath(errdefs.Persistence, op, weightsPath, err)
			}
			decoded, err := DecodeWeights(raw)
			if err != nil {
				return nil, errdefs.WithPath(errdefs.Persistence, op, weightsPath, err)
			}
			weights = append(weights, decoded...)
		}
	}

	if len(entries) != len(weights) {
		return nil, errdefs.WithPath(errdefs.Persistence, op, dir,
			fmt.Errorf("manifest lists %d tensors, weight files hold %d", len(entries), len(weights)))
	}
	for i, e := range entries {
		w := weights[i]
		if e.DType != "float32" {
			return nil, errdefs.WithPath(errdefs.Persistence, op, dir,
				fmt.Errorf("tensor %s has unsupported dtype %q", e.Name, e.DType))
		}
		if e.Name != w.Name || !memory.SameShape(e.Shape, w.Shape) {
			return nil, errdefs.WithPath(errdefs.Persistence, op, dir,
				fmt.Errorf("tensor %d is %s%v, manifest expects %s%v", i, w.Name, w.Shape, e.Name, e.Shape))
		}
		if n := product(w.Shape); n != len(w.Data) {
			return nil, errdefs.WithPath(errdefs.Persistence, op, dir,
				fmt.Errorf("tensor %s holds %d values, shape %v needs %d", w.Name, len(w.Data), w.Shape, n))
		}
	}
	return weights, nil
}

func product(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}
