package training

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// PlotType names a plot the collector can generate
type PlotType string

const (
	TrainingCurves       PlotType = "training_curves"
	LearningRateSchedule PlotType = "learning_rate_schedule"
	ConfusionMatrixPlot  PlotType = "confusion_matrix"
)

// PlotData is a self-describing plot document
type PlotData struct {
	PlotType  PlotType  `json:"plot_type"`
	Title     string    `json:"title"`
	Timestamp time.Time `json:"timestamp"`
	ModelName string    `json:"model_name"`

	Series []SeriesData `json:"series"`
	Config PlotConfig   `json:"config"`

	Metrics map[string]interface{} `json:"metrics,omitempty"`
}

// SeriesData is a single data series in a plot
type SeriesData struct {
	Name  string                 `json:"name"`
	Type  string                 `json:"type"` // "line" or "heatmap"
	Data  []DataPoint            `json:"data"`
	Style map[string]interface{} `json:"style,omitempty"`
}

// DataPoint is a single data point
type DataPoint struct {
	X     interface{} `json:"x"`
	Y     interface{} `json:"y"`
	Z     interface{} `json:"z,omitempty"`
	Label string      `json:"label,omitempty"`
}

// PlotConfig contains axis and layout settings
type PlotConfig struct {
	XAxisLabel    string                 `json:"x_axis_label"`
	YAxisLabel    string                 `json:"y_axis_label"`
	XAxisScale    string                 `json:"x_axis_scale"`
	YAxisScale    string                 `json:"y_axis_scale"`
	ShowLegend    bool                   `json:"show_legend"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	CustomOptions map[string]interface{} `json:"custom_options,omitempty"`
}

// VisualizationCollector is a Recorder that keeps per-step and per-epoch
// metrics and turns them into plot documents
type VisualizationCollector struct {
	mu        sync.Mutex
	modelName string

	steps            []int
	trainingLoss     []float64
	trainingAccuracy []float64
	learningRates    []float64

	epochs             []int
	validationLoss     []float64
	validationAccuracy []float64

	confusion *ConfusionMatrix
}

// NewVisualizationCollector creates an empty collector
func NewVisualizationCollector(modelName string) *VisualizationCollector {
	return &VisualizationCollector{modelName: modelName}
}

func (vc *VisualizationCollector) Record(e Event) error {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	switch e.Type {
	case EventBatchEnd:
		vc.steps = append(vc.steps, e.Step)
		vc.trainingLoss = append(vc.trainingLoss, e.Loss)
		vc.trainingAccuracy = append(vc.trainingAccuracy, e.Accuracy)
		vc.learningRates = append(vc.learningRates, e.LearningRate)
	case EventEpochEnd:
		if e.HasValidation {
			vc.epochs = append(vc.epochs, e.Epoch)
			vc.validationLoss = append(vc.validationLoss, e.ValLoss)
			vc.validationAccuracy = append(vc.validationAccuracy, e.ValAccuracy)
		}
	}
	return nil
}

// RecordConfusionMatrix stores the matrix for GenerateConfusionMatrixPlot
func (vc *VisualizationCollector) RecordConfusionMatrix(cm *ConfusionMatrix) {
	vc.mu.Lock()
	vc.confusion = cm
	vc.mu.Unlock()
}

// GenerateTrainingCurvesPlot plots running training loss and accuracy per
// step and validation metrics per epoch
func (vc *VisualizationCollector) GenerateTrainingCurvesPlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	series := []SeriesData{
		lineSeries("Training Loss", "#FF6B6B", vc.steps, vc.trainingLoss),
		lineSeries("Training Accuracy", "#4ECDC4", vc.steps, vc.trainingAccuracy),
	}
	if len(vc.validationLoss) > 0 {
		valLoss := lineSeries("Validation Loss", "#FF9F43", vc.epochs, vc.validationLoss)
		valAcc := lineSeries("Validation Accuracy", "#5F27CD", vc.epochs, vc.validationAccuracy)
		valLoss.Style["line_style"] = "dashed"
		valAcc.Style["line_style"] = "dashed"
		series = append(series, valLoss, valAcc)
	}

	return PlotData{
		PlotType:  TrainingCurves,
		Title:     fmt.Sprintf("Training Curves - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    series,
		Config: PlotConfig{
			XAxisLabel: "Step (training) / Epoch (validation)",
			YAxisLabel: "Loss / Accuracy",
			XAxisScale: "linear",
			YAxisScale: "linear",
			ShowLegend: true,
			Width:      800,
			Height:     600,
		},
	}
}

// GenerateLearningRateSchedulePlot plots the learning rate per step
func (vc *VisualizationCollector) GenerateLearningRateSchedulePlot() PlotData {
	vc.mu.Lock()
	defer vc.mu.Unlock()

	return PlotData{
		PlotType:  LearningRateSchedule,
		Title:     fmt.Sprintf("Learning Rate Schedule - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series:    []SeriesData{lineSeries("Learning Rate", "#6C5CE7", vc.steps, vc.learningRates)},
		Config: PlotConfig{
			XAxisLabel: "Step",
			YAxisLabel: "Learning Rate",
			XAxisScale: "linear",
			YAxisScale: "log",
			ShowLegend: true,
			Width:      800,
			Height:     400,
		},
	}
}

// GenerateConfusionMatrixPlot renders the recorded confusion matrix as a
// heatmap. It returns false when no matrix was recorded.
func (vc *VisualizationCollector) GenerateConfusionMatrixPlot() (PlotData, bool) {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	if vc.confusion == nil {
		return PlotData{}, false
	}

	cm := vc.confusion
	classNames := make([]string, cm.NumClasses)
	for i := range classNames {
		classNames[i] = strconv.Itoa(i)
	}

	var data []DataPoint
	for i, row := range cm.Matrix {
		for j, value := range row {
			data = append(data, DataPoint{
				X:     j,
				Y:     i,
				Z:     value,
				Label: fmt.Sprintf("True: %s, Pred: %s", classNames[i], classNames[j]),
			})
		}
	}

	return PlotData{
		PlotType:  ConfusionMatrixPlot,
		Title:     fmt.Sprintf("Confusion Matrix - %s", vc.modelName),
		Timestamp: time.Now(),
		ModelName: vc.modelName,
		Series: []SeriesData{{
			Name:  "Confusion Matrix",
			Type:  "heatmap",
			Data:  data,
			Style: map[string]interface{}{"colorscale": "Blues"},
		}},
		Config: PlotConfig{
			XAxisLabel:    "Predicted Class",
			YAxisLabel:    "True Class",
			XAxisScale:    "linear",
			YAxisScale:    "linear",
			Width:         600,
			Height:        600,
			CustomOptions: map[string]interface{}{"class_names": classNames},
		},
		Metrics: map[string]interface{}{
			"accuracy": cm.GetAccuracy(),
			"macro_f1": cm.GetMetric(MacroF1),
		},
	}, true
}

// WritePlots writes every available plot as <plot_type>.json into dir and
// returns the written paths
func (vc *VisualizationCollector) WritePlots(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create plot directory: %w", err)
	}

	plots := []PlotData{vc.GenerateTrainingCurvesPlot(), vc.GenerateLearningRateSchedulePlot()}
	if cm, ok := vc.GenerateConfusionMatrixPlot(); ok {
		plots = append(plots, cm)
	}

	var paths []string
	for _, plot := range plots {
		raw, err := plot.ToJSON()
		if err != nil {
			return paths, err
		}
		path := filepath.Join(dir, string(plot.PlotType)+".json")
		if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
			return paths, fmt.Errorf("failed to write %s: %w", path, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

// ToJSON converts plot data to JSON string
func (pd PlotData) ToJSON() (string, error) {
	jsonData, err := json.MarshalIndent(pd, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal plot data to JSON: %w", err)
	}
	return string(jsonData), nil
}

// Clear resets all collected data
func (vc *VisualizationCollector) Clear() {
	vc.mu.Lock()
	defer vc.mu.Unlock()
	vc.steps = vc.steps[:0]
	vc.trainingLoss = vc.trainingLoss[:0]
	vc.trainingAccuracy = vc.trainingAccuracy[:0]
	vc.learningRates = vc.learningRates[:0]
	vc.epochs = vc.epochs[:0]
	vc.validationLoss = vc.validationLoss[:0]
	vc.validationAccuracy = vc.validationAccuracy[:0]
	vc.confusion = nil
}

func lineSeries(name, color string, xs []int, ys []float64) SeriesData {
	data := make([]DataPoint, len(ys))
	for i, y := range ys {
		data[i] = DataPoint{X: xs[i], Y: y}
	}
	return SeriesData{
		Name:  name,
		Type:  "line",
		Data:  data,
		Style: map[string]interface{}{"color": color, "line_width": 2},
	}
}
