package training

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLogRecorder tests epoch lines with and without validation
func TestLogRecorder(t *testing.T) {
	var buf bytes.Buffer
	r := &LogRecorder{Logger: log.New(&buf, "", 0)}

	events := []Event{
		{Type: EventBatchEnd, Epoch: 1, Epochs: 2, Batch: 1, Batches: 1, Loss: 1},
		{Type: EventEpochEnd, Epoch: 1, Epochs: 2, Loss: 0.5, Accuracy: 0.75, ValLoss: 0.6, ValAccuracy: 0.5, HasValidation: true, LearningRate: 0.001},
		{Type: EventEpochEnd, Epoch: 2, Epochs: 2, Loss: 0.25, Accuracy: 1, LearningRate: 0.001},
		{Type: EventTrainEnd, Epoch: 2, Epochs: 2, Step: 2, Loss: 0.25, Accuracy: 1},
	}
	for _, e := range events {
		if err := r.Record(e); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("Expected 3 lines without batch logging, got %d:\n%s", len(lines), buf.String())
	}
	expected := []string{
		"epoch 1/2 - loss: 0.5000 - accuracy: 0.7500 - val_loss: 0.6000 - val_accuracy: 0.5000 - lr: 0.001",
		"epoch 2/2 - loss: 0.2500 - accuracy: 1.0000 - lr: 0.001",
		"training finished after 2 steps - loss: 0.2500 - accuracy: 1.0000",
	}
	for i, want := range expected {
		if lines[i] != want {
			t.Errorf("Line %d:\n got %q\nwant %q", i, lines[i], want)
		}
	}

	buf.Reset()
	r.LogBatches = true
	r.Record(events[0])
	if !strings.Contains(buf.String(), "batch 1/1") {
		t.Errorf("Expected batch line, got %q", buf.String())
	}
}

// TestJSONLRecorder tests one decodable line per event and closing
func TestJSONLRecorder(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	r, err := NewJSONLRecorder(dir)
	if err != nil {
		t.Fatalf("NewJSONLRecorder failed: %v", err)
	}
	if filepath.Dir(r.Path()) != dir || !strings.HasSuffix(r.Path(), ".jsonl") {
		t.Errorf("Unexpected events path %s", r.Path())
	}

	for step := 1; step <= 3; step++ {
		if err := r.Record(Event{Type: EventBatchEnd, Step: step, Loss: 1 / float64(step)}); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("Second Close should be a no-op, got %v", err)
	}
	if err := r.Record(Event{Type: EventTrainEnd}); err == nil {
		t.Error("Expected error recording after Close")
	}

	f, err := os.Open(r.Path())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer f.Close()

	var steps []int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Event
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("Invalid event line %q: %v", scanner.Text(), err)
		}
		if e.Type != EventBatchEnd {
			t.Errorf("Expected batch_end, got %s", e.Type)
		}
		steps = append(steps, e.Step)
	}
	if len(steps) != 3 || steps[0] != 1 || steps[2] != 3 {
		t.Errorf("Expected steps 1..3 in order, got %v", steps)
	}
}

// TestMultiRecorder tests fan-out, nil entries and joined errors
func TestMultiRecorder(t *testing.T) {
	var got []string
	errA := errors.New("a failed")
	errB := errors.New("b failed")

	m := MultiRecorder{
		RecorderFunc(func(e Event) error { got = append(got, "a"); return errA }),
		nil,
		RecorderFunc(func(e Event) error { got = append(got, "b"); return errB }),
		DiscardRecorder{},
	}

	err := m.Record(Event{Type: EventEpochEnd})
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("Expected both errors, got %v", err)
	}
	if strings.Join(got, ",") != "a,b" {
		t.Errorf("Expected recorders called in order, got %v", got)
	}

	if err := (MultiRecorder{DiscardRecorder{}}).Record(Event{}); err != nil {
		t.Errorf("Expected nil error, got %v", err)
	}
}
