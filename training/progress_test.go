package training

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/pixelclass/pixelclass/layers"
)

// TestProgressBar tests rendering into a writer
func TestProgressBar(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "Testing", 4)

	for i := 1; i <= 4; i++ {
		pb.Update(i, map[string]float64{
			"loss":     1.0 - float64(i)*0.1,
			"accuracy": float64(i) * 0.2,
		})
	}
	pb.Finish()

	out := buf.String()
	for _, want := range []string{"Testing:", "4/4", "100%", "loss=0.600", "accuracy=80.00%"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("Expected Finish to end the line")
	}
	// Metrics render in key order
	if strings.Index(out, "accuracy=") > strings.Index(out, "loss=") {
		t.Error("Expected accuracy before loss")
	}
}

// TestProgressBarZeroTotal tests that an empty bar does not divide by zero
func TestProgressBarZeroTotal(t *testing.T) {
	var buf bytes.Buffer
	pb := NewProgressBarTo(&buf, "Empty", 0)
	pb.Finish()
	if !strings.Contains(buf.String(), "100%") {
		t.Errorf("Expected full bar, got %q", buf.String())
	}
}

// TestFormatDuration tests MM:SS formatting
func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds  int
		expected string
	}{
		{0, "00:00"},
		{59, "00:59"},
		{61, "01:01"},
		{3600, "60:00"},
	}
	for _, tt := range tests {
		d := time.Duration(tt.seconds) * time.Second
		if got := formatDuration(d); got != tt.expected {
			t.Errorf("formatDuration(%ds) = %s, expected %s", tt.seconds, got, tt.expected)
		}
	}
}

// TestProgressRecorder tests one bar per epoch plus summaries
func TestProgressRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := NewProgressRecorder(&buf)

	events := []Event{
		{Type: EventBatchEnd, Epoch: 1, Epochs: 2, Batch: 1, Batches: 2, Loss: 1.2, Accuracy: 0.25},
		{Type: EventBatchEnd, Epoch: 1, Epochs: 2, Batch: 2, Batches: 2, Loss: 1.0, Accuracy: 0.5},
		{Type: EventEpochEnd, Epoch: 1, Epochs: 2, Loss: 1.0, Accuracy: 0.5, ValLoss: 0.9, ValAccuracy: 0.75, HasValidation: true},
		{Type: EventBatchEnd, Epoch: 2, Epochs: 2, Batch: 1, Batches: 2, Loss: 0.8, Accuracy: 0.5},
		{Type: EventEpochEnd, Epoch: 2, Epochs: 2, Loss: 0.7, Accuracy: 0.75},
		{Type: EventTrainEnd, Epoch: 2, Epochs: 2, Step: 4},
	}
	for _, e := range events {
		if err := r.Record(e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	out := buf.String()
	for _, want := range []string{
		"Epoch 1/2:",
		"Epoch 1/2 Summary:",
		"Validation - Loss: 0.9000, Accuracy: 75.00%",
		"Epoch 2/2:",
		"Training   - Loss: 0.7000, Accuracy: 75.00%",
		"Training complete: 4 steps",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
	if strings.Count(out, "Validation -") != 1 {
		t.Errorf("Expected a single validation summary:\n%s", out)
	}
}

// TestModelArchitecturePrinting tests the layer listing of the classifier
func TestModelArchitecturePrinting(t *testing.T) {
	model, err := layers.BuildClassifier([]int{28, 28, 4}, 10)
	if err != nil {
		t.Fatalf("Failed to compile test model: %v", err)
	}

	var buf bytes.Buffer
	NewModelArchitecturePrinter("Classifier").WriteArchitecture(&buf, model)
	out := buf.String()

	for _, want := range []string{
		"Classifier(",
		"(conv2d_1): Conv2d(4, 32, kernel_size=(3, 3), stride=(1, 1), padding=(0, 0), bias=true)",
		"(max_pooling2d_1): MaxPool2d(kernel_size=2, stride=2, padding=same)",
		"(flatten): Flatten()",
		"(dense_2): Linear(in_features=128, out_features=10, bias=true)",
		"(softmax): Softmax(dim=-1)",
		"Total parameters: ",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected %q in output:\n%s", want, out)
		}
	}
}

// TestArchitectureAfterRecompile tests formatting of JSON-decoded parameters
func TestArchitectureAfterRecompile(t *testing.T) {
	model, err := layers.BuildClassifier([]int{8, 8, 4}, 3)
	if err != nil {
		t.Fatalf("BuildClassifier failed: %v", err)
	}
	// Simulate parameters decoded from JSON
	for i := range model.Layers {
		for k, v := range model.Layers[i].Parameters {
			if n, ok := v.(int); ok {
				model.Layers[i].Parameters[k] = float64(n)
			}
		}
	}

	var buf bytes.Buffer
	NewModelArchitecturePrinter("Loaded").WriteArchitecture(&buf, model)
	if !strings.Contains(buf.String(), "Conv2d(32, 64, kernel_size=(3, 3)") {
		t.Errorf("Unexpected output:\n%s", buf.String())
	}
}

func TestFormatParameterCount(t *testing.T) {
	tests := []struct {
		count    int64
		expected string
	}{
		{999, "999"},
		{1500, "1.5K"},
		{316010, "316.0K"},
		{2500000, "2.5M"},
	}
	for _, tt := range tests {
		if got := formatParameterCount(tt.count); got != tt.expected {
			t.Errorf("formatParameterCount(%d) = %s, expected %s", tt.count, got, tt.expected)
		}
	}
}
