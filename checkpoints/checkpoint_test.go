package checkpoints

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/pixelclass/pixelclass/layers"
	"github.com/pixelclass/pixelclass/memory"
)

func testCheckpoint(t *testing.T) *Checkpoint {
	t.Helper()
	model, err := layers.NewModelBuilder([]int{16}).
		AddDense(8, true, "dense1").
		AddReLU("relu1").
		AddDense(2, true, "output").
		AddSoftmax(-1, "softmax").
		Compile()
	if err != nil {
		t.Fatalf("Failed to create test model: %v", err)
	}

	checkpoint := &Checkpoint{
		ModelSpec: model,
		Weights: []WeightTensor{
			{Name: "dense1/kernel", Shape: []int{16, 8}, Data: make([]float32, 128), Layer: "dense1", Type: "kernel"},
			{Name: "dense1/bias", Shape: []int{8}, Data: make([]float32, 8), Layer: "dense1", Type: "bias"},
		},
		TrainingState: TrainingState{
			Epoch:        10,
			Step:         1000,
			LearningRate: 0.001,
			BestLoss:     0.5,
			BestAccuracy: 0.85,
			TotalSteps:   1000,
		},
		OptimizerState: &OptimizerState{
			Type:       "Adam",
			Parameters: map[string]interface{}{"learning_rate": 0.001, "step_count": 1000},
			StateData: []OptimizerTensor{
				{Name: "m_0", Shape: []int{16, 8}, Data: make([]float32, 128), StateType: "momentum"},
			},
		},
		Metadata: CheckpointMetadata{
			Version:     FormatVersion,
			Framework:   Framework,
			CreatedAt:   time.Now(),
			Description: "Test checkpoint",
			Tags:        []string{"test"},
		},
	}

	for i := range checkpoint.Weights[0].Data {
		checkpoint.Weights[0].Data[i] = float32(i%100) * 0.01
	}
	for i := range checkpoint.Weights[1].Data {
		checkpoint.Weights[1].Data[i] = float32(i%10) * 0.1
	}
	return checkpoint
}

// TestCheckpointSaveLoad tests both checkpoint formats
func TestCheckpointSaveLoad(t *testing.T) {
	for _, format := range []CheckpointFormat{FormatJSON, FormatBinary} {
		t.Run(format.String(), func(t *testing.T) {
			checkpoint := testCheckpoint(t)
			saver := NewCheckpointSaver(format)
			path := filepath.Join(t.TempDir(), "checkpoint.json")

			if err := saver.SaveCheckpoint(checkpoint, path); err != nil {
				t.Fatalf("Failed to save checkpoint: %v", err)
			}
			loaded, err := saver.LoadCheckpoint(path)
			if err != nil {
				t.Fatalf("Failed to load checkpoint: %v", err)
			}

			if loaded.TrainingState != checkpoint.TrainingState {
				t.Errorf("Training state mismatch: expected %+v, got %+v",
					checkpoint.TrainingState, loaded.TrainingState)
			}
			if len(loaded.Weights) != len(checkpoint.Weights) {
				t.Fatalf("Weight count mismatch: expected %d, got %d",
					len(checkpoint.Weights), len(loaded.Weights))
			}
			for i, w := range checkpoint.Weights {
				got := loaded.Weights[i]
				if got.Name != w.Name || got.Layer != w.Layer || got.Type != w.Type {
					t.Errorf("Weight %d metadata mismatch: %+v", i, got)
				}
				if len(got.Data) != len(w.Data) {
					t.Fatalf("Weight %d length mismatch: expected %d, got %d", i, len(w.Data), len(got.Data))
				}
				for j := range w.Data {
					if got.Data[j] != w.Data[j] {
						t.Fatalf("Weight %d data mismatch at %d: expected %f, got %f", i, j, w.Data[j], got.Data[j])
					}
				}
			}
			if loaded.OptimizerState == nil || loaded.OptimizerState.Type != "Adam" {
				t.Errorf("Expected Adam optimizer state, got %+v", loaded.OptimizerState)
			}
			if loaded.ModelSpec.TotalParameters != checkpoint.ModelSpec.TotalParameters {
				t.Errorf("Model spec mismatch")
			}
		})
	}
}

// TestBinaryCheckpointHeaderHasNoData tests that weight values live only in the .bin file
func TestBinaryCheckpointHeaderHasNoData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := NewCheckpointSaver(FormatBinary).SaveCheckpoint(testCheckpoint(t), path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	header, err := NewCheckpointSaver(FormatJSON).LoadCheckpoint(path)
	if err != nil {
		t.Fatalf("Failed to read header: %v", err)
	}
	if len(header.Weights) != 2 {
		t.Fatalf("Expected 2 weight entries in header, got %d", len(header.Weights))
	}
	for _, w := range header.Weights {
		if w.Data != nil {
			t.Errorf("Header entry %s should not carry data", w.Name)
		}
	}
	if _, err := os.Stat(path + ".bin"); err != nil {
		t.Errorf("Expected weights file: %v", err)
	}
}

// TestCheckpointFormatString tests the String() method for CheckpointFormat
func TestCheckpointFormatString(t *testing.T) {
	tests := []struct {
		format   CheckpointFormat
		expected string
	}{
		{FormatJSON, "JSON"},
		{FormatBinary, "Binary"},
		{CheckpointFormat(999), "Unknown"},
	}

	for _, test := range tests {
		result := test.format.String()
		if result != test.expected {
			t.Errorf("Format %d: expected %s, got %s", test.format, test.expected, result)
		}
	}
}

// TestParseCheckpointFormat tests config names for checkpoint formats
func TestParseCheckpointFormat(t *testing.T) {
	tests := []struct {
		name     string
		expected CheckpointFormat
		wantErr  bool
	}{
		{"", FormatJSON, false},
		{"json", FormatJSON, false},
		{"Binary", FormatBinary, false},
		{" bin ", FormatBinary, false},
		{"onnx", FormatJSON, true},
	}

	for _, test := range tests {
		format, err := ParseCheckpointFormat(test.name)
		if (err != nil) != test.wantErr {
			t.Errorf("%q: expected error=%t, got %v", test.name, test.wantErr, err)
			continue
		}
		if !test.wantErr && format != test.expected {
			t.Errorf("%q: expected %s, got %s", test.name, test.expected, format)
		}
	}
}

// TestUnsupportedCheckpointFormat tests error handling for unsupported formats
func TestUnsupportedCheckpointFormat(t *testing.T) {
	saver := NewCheckpointSaver(CheckpointFormat(999))
	dir := t.TempDir()

	err := saver.SaveCheckpoint(testCheckpoint(t), filepath.Join(dir, "test.invalid"))
	if err == nil || !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected 'unsupported checkpoint format' error, got: %v", err)
	}

	_, err = saver.LoadCheckpoint(filepath.Join(dir, "nonexistent.invalid"))
	if err == nil || !strings.Contains(err.Error(), "unsupported checkpoint format") {
		t.Errorf("Expected 'unsupported checkpoint format' error, got: %v", err)
	}
}

// TestJSONLoadFileErrors tests JSON loading error conditions
func TestJSONLoadFileErrors(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	dir := t.TempDir()

	_, err := saver.LoadCheckpoint(filepath.Join(dir, "nonexistent.json"))
	if err == nil || !strings.Contains(err.Error(), "failed to open checkpoint file") {
		t.Errorf("Expected 'failed to open checkpoint file' error, got: %v", err)
	}

	invalid := filepath.Join(dir, "invalid.json")
	if err := os.WriteFile(invalid, []byte("{invalid json"), 0644); err != nil {
		t.Fatalf("Failed to create invalid JSON file: %v", err)
	}
	_, err = saver.LoadCheckpoint(invalid)
	if err == nil || !strings.Contains(err.Error(), "failed to decode checkpoint") {
		t.Errorf("Expected 'failed to decode checkpoint' error, got: %v", err)
	}
}

// TestJSONSaveFileErrors tests saving into a missing directory
func TestJSONSaveFileErrors(t *testing.T) {
	saver := NewCheckpointSaver(FormatJSON)
	path := filepath.Join(t.TempDir(), "missing", "checkpoint.json")

	err := saver.SaveCheckpoint(testCheckpoint(t), path)
	if err == nil || !strings.Contains(err.Error(), "failed to write checkpoint file") {
		t.Errorf("Expected 'failed to write checkpoint file' error, got: %v", err)
	}
}

// TestCheckpointMetadataDefaults tests automatic metadata setting
func TestCheckpointMetadataDefaults(t *testing.T) {
	checkpoint := testCheckpoint(t)
	checkpoint.Metadata = CheckpointMetadata{}

	path := filepath.Join(t.TempDir(), "checkpoint.json")
	if err := NewCheckpointSaver(FormatJSON).SaveCheckpoint(checkpoint, path); err != nil {
		t.Fatalf("Failed to save checkpoint: %v", err)
	}
	if checkpoint.Metadata.Framework != Framework || checkpoint.Metadata.Version != FormatVersion {
		t.Errorf("Expected default metadata, got %+v", checkpoint.Metadata)
	}
	if checkpoint.Metadata.CreatedAt.IsZero() {
		t.Errorf("Expected CreatedAt to be set")
	}
}

// TestExtractWeightsFromTensors tests naming and ordering of extracted weights
func TestExtractWeightsFromTensors(t *testing.T) {
	spec, err := layers.NewModelBuilder([]int{3}).
		AddDense(2, true, "hidden").
		AddReLU("relu").
		AddDense(2, false, "logits").
		Compile()
	if err != nil {
		t.Fatalf("Failed to compile model: %v", err)
	}

	var tensors []*memory.Tensor
	for i, shape := range spec.ParameterShapes {
		n, _ := memory.NumElements(shape)
		data := make([]float32, n)
		for j := range data {
			data[j] = float32(i*10 + j)
		}
		tensor, err := memory.FromFloat32(data, shape)
		if err != nil {
			t.Fatalf("FromFloat32 failed: %v", err)
		}
		defer tensor.Release()
		tensors = append(tensors, tensor)
	}

	weights, err := ExtractWeightsFromTensors(tensors, spec)
	if err != nil {
		t.Fatalf("ExtractWeightsFromTensors failed: %v", err)
	}

	expected := []struct{ name, layer, kind string }{
		{"hidden/kernel", "hidden", "kernel"},
		{"hidden/bias", "hidden", "bias"},
		{"logits/kernel", "logits", "kernel"},
	}
	if len(weights) != len(expected) {
		t.Fatalf("Expected %d weights, got %d", len(expected), len(weights))
	}
	for i, exp := range expected {
		w := weights[i]
		if w.Name != exp.name || w.Layer != exp.layer || w.Type != exp.kind {
			t.Errorf("Weight %d: expected %s/%s/%s, got %s/%s/%s", i,
				exp.name, exp.layer, exp.kind, w.Name, w.Layer, w.Type)
		}
	}
	if weights[1].Data[1] != 11 {
		t.Errorf("Expected bias data copied, got %v", weights[1].Data)
	}

	if _, err := ExtractWeightsFromTensors(tensors[:2], spec); err == nil {
		t.Errorf("Expected error for missing tensors")
	}
}

// TestLoadWeightsIntoTensors tests validation when copying weights back
func TestLoadWeightsIntoTensors(t *testing.T) {
	tensor, _ := memory.NewTensor([]int{2, 2}, memory.Float32)
	defer tensor.Release()
	tensors := []*memory.Tensor{tensor}

	good := []WeightTensor{{Name: "w", Shape: []int{2, 2}, Data: []float32{1, 2, 3, 4}}}
	if err := LoadWeightsIntoTensors(good, tensors); err != nil {
		t.Fatalf("LoadWeightsIntoTensors failed: %v", err)
	}
	data, _ := tensor.Float32Data()
	if data[3] != 4 {
		t.Errorf("Expected 4, got %f", data[3])
	}

	testCases := []struct {
		name    string
		weights []WeightTensor
	}{
		{"CountMismatch", nil},
		{"ShapeMismatch", []WeightTensor{{Name: "w", Shape: []int{4}, Data: []float32{1, 2, 3, 4}}}},
		{"DataMismatch", []WeightTensor{{Name: "w", Shape: []int{2, 2}, Data: []float32{1}}}},
	}
	for _, tc := range testCases {
		if err := LoadWeightsIntoTensors(tc.weights, tensors); err == nil {
			t.Errorf("%s: expected error", tc.name)
		}
	}
}
