package training

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func feedCollector(t *testing.T, vc *VisualizationCollector) {
	t.Helper()
	events := []Event{
		{Type: EventBatchEnd, Epoch: 1, Step: 1, Loss: 1.0, Accuracy: 0.5, LearningRate: 0.01},
		{Type: EventBatchEnd, Epoch: 1, Step: 2, Loss: 0.8, Accuracy: 0.6, LearningRate: 0.01},
		{Type: EventEpochEnd, Epoch: 1, Loss: 0.8, ValLoss: 0.9, ValAccuracy: 0.55, HasValidation: true},
		{Type: EventBatchEnd, Epoch: 2, Step: 3, Loss: 0.6, Accuracy: 0.7, LearningRate: 0.005},
		{Type: EventEpochEnd, Epoch: 2, Loss: 0.6, ValLoss: 0.7, ValAccuracy: 0.65, HasValidation: true},
		{Type: EventTrainEnd, Epoch: 2, Step: 3},
	}
	for _, e := range events {
		if err := vc.Record(e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
}

// TestTrainingCurvesPlot tests series built from recorded events
func TestTrainingCurvesPlot(t *testing.T) {
	vc := NewVisualizationCollector("test")
	feedCollector(t, vc)

	plot := vc.GenerateTrainingCurvesPlot()
	if plot.PlotType != TrainingCurves {
		t.Errorf("Expected %s, got %s", TrainingCurves, plot.PlotType)
	}
	if len(plot.Series) != 4 {
		t.Fatalf("Expected 4 series, got %d", len(plot.Series))
	}
	if n := len(plot.Series[0].Data); n != 3 {
		t.Errorf("Expected 3 training points, got %d", n)
	}
	if n := len(plot.Series[2].Data); n != 2 {
		t.Errorf("Expected 2 validation points, got %d", n)
	}
	last := plot.Series[3].Data[1]
	if last.X != 2 || last.Y != 0.65 {
		t.Errorf("Unexpected last validation accuracy point %+v", last)
	}
}

// TestTrainingCurvesWithoutValidation tests that validation series are omitted
func TestTrainingCurvesWithoutValidation(t *testing.T) {
	vc := NewVisualizationCollector("test")
	vc.Record(Event{Type: EventBatchEnd, Step: 1, Loss: 1})
	vc.Record(Event{Type: EventEpochEnd, Epoch: 1, Loss: 1})

	if n := len(vc.GenerateTrainingCurvesPlot().Series); n != 2 {
		t.Errorf("Expected 2 series, got %d", n)
	}
}

// TestConfusionMatrixPlot tests the heatmap and its absence
func TestConfusionMatrixPlot(t *testing.T) {
	vc := NewVisualizationCollector("test")
	if _, ok := vc.GenerateConfusionMatrixPlot(); ok {
		t.Error("Expected no plot without a recorded matrix")
	}

	cm := NewConfusionMatrix(2)
	cm.Add(0, 0)
	cm.Add(1, 0)
	vc.RecordConfusionMatrix(cm)

	plot, ok := vc.GenerateConfusionMatrixPlot()
	if !ok {
		t.Fatal("Expected a confusion matrix plot")
	}
	data := plot.Series[0].Data
	if len(data) != 4 {
		t.Fatalf("Expected 4 cells, got %d", len(data))
	}
	if data[2].Z != 1 || data[2].Label != "True: 1, Pred: 0" {
		t.Errorf("Unexpected cell %+v", data[2])
	}
	if plot.Metrics["accuracy"] != 0.5 {
		t.Errorf("Expected accuracy 0.5, got %v", plot.Metrics["accuracy"])
	}
}

// TestWritePlots tests that every plot lands in the directory as valid JSON
func TestWritePlots(t *testing.T) {
	vc := NewVisualizationCollector("test")
	feedCollector(t, vc)
	vc.RecordConfusionMatrix(NewConfusionMatrix(3))

	dir := filepath.Join(t.TempDir(), "plots")
	paths, err := vc.WritePlots(dir)
	if err != nil {
		t.Fatalf("WritePlots failed: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("Expected 3 plots, got %v", paths)
	}
	for _, path := range paths {
		raw, err := os.ReadFile(path)
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		var plot PlotData
		if err := json.Unmarshal(raw, &plot); err != nil {
			t.Errorf("%s is not valid plot JSON: %v", path, err)
		}
		if filepath.Base(path) != string(plot.PlotType)+".json" {
			t.Errorf("File %s holds plot %s", path, plot.PlotType)
		}
	}
}

// TestCollectorClear tests reset of collected data
func TestCollectorClear(t *testing.T) {
	vc := NewVisualizationCollector("test")
	feedCollector(t, vc)
	vc.Clear()

	plot := vc.GenerateLearningRateSchedulePlot()
	if len(plot.Series[0].Data) != 0 {
		t.Errorf("Expected no learning rate points after Clear")
	}
}
