package training

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/pixelclass/pixelclass/layers"
)

// ProgressBar renders a single-line progress bar that redraws in place
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	showRate    bool
	showETA     bool
	metrics     map[string]float64
}

// NewProgressBar creates a progress bar writing to stdout
func NewProgressBar(description string, total int) *ProgressBar {
	return NewProgressBarTo(os.Stdout, description, total)
}

// NewProgressBarTo creates a progress bar writing to out
func NewProgressBarTo(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		showRate:    true,
		showETA:     true,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// UpdateMetrics updates metrics without advancing progress
func (pb *ProgressBar) UpdateMetrics(metrics map[string]float64) {
	for k, v := range metrics {
		pb.metrics[k] = v
	}
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	percentage := 1.0
	if pb.total > 0 {
		percentage = min(float64(pb.current)/float64(pb.total), 1.0)
	}
	filled := min(int(percentage*float64(pb.width)), pb.width)
	bar := strings.Repeat("█", filled) + strings.Repeat(" ", pb.width-filled)

	elapsed := time.Since(pb.startTime)
	var eta time.Duration
	var rate float64
	if pb.current > 0 {
		rate = float64(pb.current) / elapsed.Seconds()
		if percentage > 0 {
			eta = time.Duration(float64(elapsed)/percentage) - elapsed
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "\r%s: %3.0f%%|%s| %d/%d", pb.description, percentage*100, bar, pb.current, pb.total)
	if pb.showETA && eta > 0 {
		fmt.Fprintf(&sb, " [%s<%s", formatDuration(elapsed), formatDuration(eta))
	} else {
		fmt.Fprintf(&sb, " [%s<00:00", formatDuration(elapsed))
	}
	if pb.showRate && rate > 0 {
		fmt.Fprintf(&sb, ", %.2fbatch/s", rate)
	}

	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		value := pb.metrics[key]
		if strings.Contains(key, "acc") {
			fmt.Fprintf(&sb, ", %s=%.2f%%", key, value*100)
		} else {
			fmt.Fprintf(&sb, ", %s=%.3f", key, value)
		}
	}
	sb.WriteString("]")

	io.WriteString(pb.out, sb.String())
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ProgressRecorder draws one progress bar per epoch followed by an epoch summary
type ProgressRecorder struct {
	out   io.Writer
	bar   *ProgressBar
	epoch int
}

// NewProgressRecorder creates a progress recorder; nil out writes to stdout
func NewProgressRecorder(out io.Writer) *ProgressRecorder {
	if out == nil {
		out = os.Stdout
	}
	return &ProgressRecorder{out: out}
}

func (r *ProgressRecorder) Record(e Event) error {
	switch e.Type {
	case EventBatchEnd:
		if r.bar == nil || r.epoch != e.Epoch {
			r.epoch = e.Epoch
			r.bar = NewProgressBarTo(r.out, fmt.Sprintf("Epoch %d/%d", e.Epoch, e.Epochs), e.Batches)
		}
		r.bar.Update(e.Batch, map[string]float64{"loss": e.Loss, "accuracy": e.Accuracy})

	case EventEpochEnd:
		if r.bar != nil {
			r.bar.Finish()
			r.bar = nil
		}
		fmt.Fprintf(r.out, "Epoch %d/%d Summary:\n", e.Epoch, e.Epochs)
		fmt.Fprintf(r.out, "  Training   - Loss: %.4f, Accuracy: %.2f%%\n", e.Loss, e.Accuracy*100)
		if e.HasValidation {
			fmt.Fprintf(r.out, "  Validation - Loss: %.4f, Accuracy: %.2f%%\n", e.ValLoss, e.ValAccuracy*100)
		}

	case EventTrainEnd:
		fmt.Fprintf(r.out, "Training complete: %d steps\n", e.Step)
	}
	return nil
}

// ModelArchitecturePrinter prints a layer-by-layer model description
type ModelArchitecturePrinter struct {
	modelName string
}

// NewModelArchitecturePrinter creates a new model architecture printer
func NewModelArchitecturePrinter(modelName string) *ModelArchitecturePrinter {
	return &ModelArchitecturePrinter{
		modelName: modelName,
	}
}

// PrintArchitecture prints the model architecture to stdout
func (p *ModelArchitecturePrinter) PrintArchitecture(modelSpec *layers.ModelSpec) {
	p.WriteArchitecture(os.Stdout, modelSpec)
}

// WriteArchitecture writes the model architecture and size estimates to w
func (p *ModelArchitecturePrinter) WriteArchitecture(w io.Writer, modelSpec *layers.ModelSpec) {
	fmt.Fprintf(w, "Model Architecture:\n")
	fmt.Fprintf(w, "%s(\n", p.modelName)
	for _, layer := range modelSpec.Layers {
		fmt.Fprintf(w, "  %s\n", p.formatLayer(layer))
	}
	fmt.Fprintf(w, ")\n\n")

	fmt.Fprintf(w, "Total parameters: %s\n", formatParameterCount(modelSpec.TotalParameters))
	fmt.Fprintf(w, "Input size (MB): %.3f\n", calculateInputSize(modelSpec.InputShape))
	fmt.Fprintf(w, "Forward/backward pass size (MB): %.3f\n", estimateForwardBackwardSize(modelSpec))
	fmt.Fprintf(w, "Params size (MB): %.3f\n", float64(modelSpec.TotalParameters*4)/1024/1024)
	fmt.Fprintf(w, "Estimated Total Size (MB): %.3f\n", estimateTotalSize(modelSpec))
}

func (p *ModelArchitecturePrinter) formatLayer(layer layers.LayerSpec) string {
	switch layer.Type {
	case layers.Conv2D:
		k := layer.IntParam("kernel_size", 0)
		s := layer.IntParam("stride", 1)
		pad := layer.IntParam("padding", 0)
		return fmt.Sprintf("(%s): Conv2d(%d, %d, kernel_size=(%d, %d), stride=(%d, %d), padding=(%d, %d), bias=%t)",
			layer.Name, layer.IntParam("input_channels", 0), layer.IntParam("output_channels", 0),
			k, k, s, s, pad, pad, layer.BoolParam("use_bias", true))
	case layers.Dense:
		return fmt.Sprintf("(%s): Linear(in_features=%d, out_features=%d, bias=%t)",
			layer.Name, layer.IntParam("input_size", 0), layer.IntParam("output_size", 0), layer.BoolParam("use_bias", true))
	case layers.MaxPool2D:
		return fmt.Sprintf("(%s): MaxPool2d(kernel_size=%d, stride=%d, padding=%s)",
			layer.Name, layer.IntParam("pool_size", 2), layer.IntParam("stride", 2), layer.StringParam("padding", layers.PaddingValid))
	case layers.ReLU:
		return fmt.Sprintf("(%s): ReLU()", layer.Name)
	case layers.Flatten:
		return fmt.Sprintf("(%s): Flatten()", layer.Name)
	case layers.Softmax:
		return fmt.Sprintf("(%s): Softmax(dim=%d)", layer.Name, layer.IntParam("axis", -1))
	default:
		return fmt.Sprintf("(%s): %s()", layer.Name, layer.Type.String())
	}
}

// formatParameterCount formats parameter count with K/M suffixes
func formatParameterCount(count int64) string {
	if count >= 1000000 {
		return fmt.Sprintf("%.1fM", float64(count)/1000000.0)
	} else if count >= 1000 {
		return fmt.Sprintf("%.1fK", float64(count)/1000.0)
	}
	return fmt.Sprintf("%d", count)
}

// calculateInputSize returns the float32 size of shape in MB
func calculateInputSize(inputShape []int) float64 {
	size := 1
	for _, dim := range inputShape {
		size *= dim
	}
	return float64(size*4) / 1024 / 1024
}

// estimateForwardBackwardSize is a rough per-sample activation estimate:
// input, output and the largest intermediate, doubled for gradients
func estimateForwardBackwardSize(modelSpec *layers.ModelSpec) float64 {
	inputSize := calculateInputSize(modelSpec.InputShape)
	outputSize := calculateInputSize(modelSpec.OutputShape)

	maxIntermediateSize := inputSize
	for _, layer := range modelSpec.Layers {
		if len(layer.OutputShape) > 0 {
			maxIntermediateSize = max(maxIntermediateSize, calculateInputSize(layer.OutputShape))
		}
	}
	return (inputSize + outputSize + maxIntermediateSize) * 2
}

func estimateTotalSize(modelSpec *layers.ModelSpec) float64 {
	paramsSize := float64(modelSpec.TotalParameters*4) / 1024 / 1024
	return calculateInputSize(modelSpec.InputShape) + paramsSize + estimateForwardBackwardSize(modelSpec)
}
