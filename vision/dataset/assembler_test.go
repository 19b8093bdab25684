package dataset

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/memory"
)

var classColors = []color.NRGBA{
	{255, 0, 0, 255},
	{0, 255, 0, 255},
	{0, 0, 255, 255},
	{255, 255, 0, 255},
}

// writeSolidPNG writes a solid width x height PNG
func writeSolidPNG(t *testing.T, path string, width, height int, c color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, c)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("Failed to create %s: %v", path, err)
	}
	defer f.Close()
	if err := png.Encode(f, img); err != nil {
		t.Fatalf("Failed to encode %s: %v", path, err)
	}
}

// createRows writes n images of varying native size, row i labeled i mod numClasses
func createRows(t *testing.T, n, numClasses int) []Row {
	t.Helper()
	dir := t.TempDir()
	rows := make([]Row, n)
	for i := 0; i < n; i++ {
		label := i % numClasses
		path := filepath.Join(dir, fmt.Sprintf("img_%02d.png", i))
		writeSolidPNG(t, path, 6+i%5, 10, classColors[label%len(classColors)])
		rows[i] = Row{ImagePath: path, Label: label}
	}
	return rows
}

// TestAssembleShapesAndRange tests batch shapes and normalization
func TestAssembleShapesAndRange(t *testing.T) {
	rows := createRows(t, 4, 4)

	assembler, err := NewAssembler(AssemblerConfig{ImageSize: 8})
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}
	defer assembler.Teardown()

	batch, err := assembler.Assemble(context.Background(), rows)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	if batch.Len() != len(rows) {
		t.Errorf("Expected %d samples, got %d", len(rows), batch.Len())
	}
	if !memory.SameShape(batch.Images.Shape(), []int{4, 8, 8, 4}) {
		t.Errorf("Expected images [4 8 8 4], got %v", batch.Images.Shape())
	}
	if !memory.SameShape(batch.Labels.Shape(), []int{4}) || batch.Labels.DType() != memory.Int32 {
		t.Errorf("Expected int32 labels [4], got %v %s", batch.Labels.Shape(), batch.Labels.DType())
	}

	data, _ := batch.Images.Float32Data()
	for i, v := range data {
		if v < 0 || v > 1 {
			t.Fatalf("Value %f at %d outside [0,1]", v, i)
		}
	}
	// Row 0 is solid red
	if data[0] != 1 || data[1] != 0 || data[2] != 0 || data[3] != 1 {
		t.Errorf("Expected normalized red pixel, got %v", data[:4])
	}
	// Row 2 is solid blue
	offset := 2 * 8 * 8 * 4
	if data[offset] != 0 || data[offset+2] != 1 {
		t.Errorf("Expected normalized blue pixel for row 2, got %v", data[offset:offset+4])
	}
}

// TestAssemblePreservesOrder tests label order with sequential and parallel decoding
func TestAssemblePreservesOrder(t *testing.T) {
	const n, numClasses = 23, 4
	rows := createRows(t, n, numClasses)

	for _, workers := range []int{1, 8} {
		t.Run(fmt.Sprintf("Workers%d", workers), func(t *testing.T) {
			assembler, err := NewAssembler(AssemblerConfig{ImageSize: 8, Workers: workers})
			if err != nil {
				t.Fatalf("NewAssembler failed: %v", err)
			}
			defer assembler.Teardown()

			batch, err := assembler.Assemble(context.Background(), rows)
			if err != nil {
				t.Fatalf("Assemble failed: %v", err)
			}

			labels, _ := batch.Labels.Int32Data()
			for i, label := range labels {
				if int(label) != i%numClasses {
					t.Fatalf("Label %d: expected %d, got %d", i, i%numClasses, label)
				}
			}

			// Images must follow the same order: the red channel is 1 only for class 0 and 3
			images, _ := batch.Images.Float32Data()
			sampleLen := 8 * 8 * 4
			for i := 0; i < n; i++ {
				c := classColors[i%numClasses]
				red := images[i*sampleLen]
				if red != float32(c.R)/255 {
					t.Fatalf("Sample %d: expected red %f, got %f", i, float32(c.R)/255, red)
				}
			}
		})
	}
}

// TestAssembleReleasesSamples tests that intermediates are freed after stacking
func TestAssembleReleasesSamples(t *testing.T) {
	rows := createRows(t, 3, 3)

	assembler, err := NewAssembler(AssemblerConfig{ImageSize: 8})
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}
	defer assembler.Teardown()

	if _, err := assembler.Assemble(context.Background(), rows); err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	samples := assembler.Samples()
	if len(samples) != 2*len(rows) {
		t.Fatalf("Expected native and resized handle per row, got %d", len(samples))
	}
	for i, s := range samples {
		if !s.Released() {
			t.Errorf("Sample %d still alive after stacking", i)
		}
	}
}

// TestTeardownInvalidatesBatch tests use-after-teardown detection
func TestTeardownInvalidatesBatch(t *testing.T) {
	rows := createRows(t, 4, 4)

	assembler, err := NewAssembler(AssemblerConfig{ImageSize: 8})
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}
	batch, err := assembler.Assemble(context.Background(), rows)
	if err != nil {
		t.Fatalf("Assemble failed: %v", err)
	}

	assembler.Teardown()
	assembler.Teardown()

	if _, err := batch.Images.Float32Data(); !errors.Is(err, memory.ErrTensorReleased) {
		t.Errorf("Expected released images, got %v", err)
	}
	if _, err := batch.Labels.Int32Data(); !errors.Is(err, memory.ErrTensorReleased) {
		t.Errorf("Expected released labels, got %v", err)
	}
	for i, s := range assembler.Samples() {
		if _, err := s.Float32Data(); !errors.Is(err, memory.ErrTensorReleased) {
			t.Errorf("Sample %d readable after teardown", i)
		}
	}
	if _, err := assembler.Assemble(context.Background(), rows); err == nil {
		t.Errorf("Expected error assembling after teardown")
	}
}

// TestAssembleFailsOnBadRow tests that one bad image fails the run and leaks nothing
func TestAssembleFailsOnBadRow(t *testing.T) {
	rows := createRows(t, 6, 3)
	rows[4].ImagePath = filepath.Join(t.TempDir(), "missing.png")

	before := memory.GetGlobalMemoryManager().Stats().LiveTensors

	for _, workers := range []int{1, 4} {
		assembler, err := NewAssembler(AssemblerConfig{ImageSize: 8, Workers: workers})
		if err != nil {
			t.Fatalf("NewAssembler failed: %v", err)
		}
		_, err = assembler.Assemble(context.Background(), rows)
		if !errors.Is(err, errdefs.ErrDecode) || !errors.Is(err, errdefs.ErrIO) {
			t.Errorf("Workers %d: expected decode/io error, got %v", workers, err)
		}
		if len(assembler.Samples()) != 0 {
			t.Errorf("Workers %d: failed assembly must not keep samples", workers)
		}
		assembler.Teardown()
	}

	if after := memory.GetGlobalMemoryManager().Stats().LiveTensors; after != before {
		t.Errorf("Expected %d live tensors after failed assembly, got %d", before, after)
	}
}

// TestAssembleEmptyAndCancelled tests empty input and a cancelled context
func TestAssembleEmptyAndCancelled(t *testing.T) {
	assembler, err := NewAssembler(AssemblerConfig{ImageSize: 8})
	if err != nil {
		t.Fatalf("NewAssembler failed: %v", err)
	}
	defer assembler.Teardown()

	if _, err := assembler.Assemble(context.Background(), nil); !errors.Is(err, errdefs.ErrShape) {
		t.Errorf("Expected shape error for empty rows, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := assembler.Assemble(ctx, createRows(t, 2, 2)); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}

	if _, err := NewAssembler(AssemblerConfig{ImageSize: 0}); err == nil {
		t.Errorf("Expected error for zero image size")
	}
}
