package training

import (
	"fmt"

	"github.com/pixelclass/pixelclass/engine"
	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/memory"
	"github.com/pixelclass/pixelclass/tensor"
	"github.com/pixelclass/pixelclass/vision/preprocessing"
)

// Prediction is the classification of a single image
type Prediction struct {
	Class         int       `json:"class"`
	Confidence    float32   `json:"confidence"`
	Probabilities []float32 `json:"probabilities"`
}

// ModelInferencer runs single-image inference: decode, resize to S x S,
// scale into [0, 1], forward pass and argmax
type ModelInferencer struct {
	model     *engine.Model
	processor *preprocessing.ImageProcessor
}

// NewModelInferencer wraps a model whose input is [imageSize, imageSize, 4]
func NewModelInferencer(model *engine.Model, imageSize int) (*ModelInferencer, error) {
	if model == nil {
		return nil, fmt.Errorf("model is nil")
	}
	expected := []int{imageSize, imageSize, preprocessing.Channels}
	if !memory.SameShape(model.InputShape(), expected) {
		return nil, errdefs.Newf(errdefs.Shape, "new inferencer",
			"model input %v does not match image size %d (expected %v)", model.InputShape(), imageSize, expected)
	}
	return &ModelInferencer{
		model:     model,
		processor: preprocessing.NewImageProcessor(imageSize),
	}, nil
}

// Model returns the wrapped model
func (mi *ModelInferencer) Model() *engine.Model {
	return mi.model
}

// PredictImage returns the most likely class index for the image at path
func (mi *ModelInferencer) PredictImage(path string) (int, error) {
	p, err := mi.ClassifyFile(path)
	if err != nil {
		return 0, err
	}
	return p.Class, nil
}

// PredictProbabilities returns the class probabilities for the image at path
func (mi *ModelInferencer) PredictProbabilities(path string) ([]float32, error) {
	p, err := mi.ClassifyFile(path)
	if err != nil {
		return nil, err
	}
	return p.Probabilities, nil
}

// ClassifyFile decodes and classifies the image at path
func (mi *ModelInferencer) ClassifyFile(path string) (*Prediction, error) {
	buf, err := preprocessing.DecodeFile(path)
	if err != nil {
		return nil, err
	}
	defer buf.Release()
	return mi.Classify(buf)
}

// Classify runs the inference path on a decoded raster. Every intermediate
// tensor is released before returning.
func (mi *ModelInferencer) Classify(buf *preprocessing.RasterBuffer) (*Prediction, error) {
	sample, err := mi.processor.ToInferenceTensor(buf)
	if err != nil {
		return nil, err
	}
	defer sample.Release()

	batch, err := tensor.ExpandDims(sample, 0)
	if err != nil {
		return nil, err
	}
	defer batch.Release()

	probs, err := mi.model.Predict(batch)
	if err != nil {
		return nil, err
	}
	defer probs.Release()

	classes, err := tensor.ArgMax(probs)
	if err != nil {
		return nil, err
	}
	values, err := probs.ToFloat32Slice()
	if err != nil {
		return nil, err
	}
	return &Prediction{
		Class:         classes[0],
		Confidence:    values[classes[0]],
		Probabilities: values,
	}, nil
}

// ConfusionMatrix classifies a prepared batch [N,S,S,4] and tallies the
// predictions against labels [N]
func (mi *ModelInferencer) ConfusionMatrix(images, labels *memory.Tensor) (*ConfusionMatrix, error) {
	y, err := labels.Int32Data()
	if err != nil {
		return nil, fmt.Errorf("confusion matrix: labels: %w", err)
	}

	probs, err := mi.model.Predict(images)
	if err != nil {
		return nil, err
	}
	defer probs.Release()
	values, err := probs.Float32Data()
	if err != nil {
		return nil, err
	}

	cm := NewConfusionMatrix(mi.model.NumClasses())
	if err := cm.UpdateFromPredictions(values, y, len(y)); err != nil {
		return nil, errdefs.New(errdefs.Shape, "confusion matrix", err)
	}
	return cm, nil
}
