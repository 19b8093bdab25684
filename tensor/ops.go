// Package tensor implements the host-side array operations used by the
// preprocessing, assembly and inference stages. Results are allocated from the
// global memory manager and owned by the caller, who must Release them.
package tensor

import (
	"fmt"

	"github.com/pixelclass/pixelclass/errdefs"
	"github.com/pixelclass/pixelclass/memory"
)

// Stack joins equally shaped Float32 tensors along a new leading axis
func Stack(tensors []*memory.Tensor) (*memory.Tensor, error) {
	if len(tensors) == 0 {
		return nil, errdefs.Newf(errdefs.Shape, "stack", "no tensors to stack")
	}

	first := tensors[0]
	if first.Released() {
		return nil, fmt.Errorf("stack: tensor 0: %w", memory.ErrTensorReleased)
	}
	itemShape := first.Shape()
	itemLen := first.Len()

	outShape := append([]int{len(tensors)}, itemShape...)
	out, err := memory.NewTensor(outShape, memory.Float32)
	if err != nil {
		return nil, fmt.Errorf("stack: failed to allocate %v: %v", outShape, err)
	}
	dst, _ := out.Float32Data()

	for i, t := range tensors {
		src, err := t.Float32Data()
		if err != nil {
			out.Release()
			return nil, fmt.Errorf("stack: tensor %d: %w", i, err)
		}
		if !memory.SameShape(t.Shape(), itemShape) {
			out.Release()
			return nil, errdefs.Newf(errdefs.Shape, "stack",
				"tensor %d has shape %v, expected %v", i, t.Shape(), itemShape)
		}
		copy(dst[i*itemLen:(i+1)*itemLen], src)
	}

	return out, nil
}

// Scale returns a new tensor holding every element multiplied by factor
func Scale(t *memory.Tensor, factor float32) (*memory.Tensor, error) {
	src, err := t.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("scale: %w", err)
	}
	out, err := memory.NewTensor(t.Shape(), memory.Float32)
	if err != nil {
		return nil, err
	}
	dst, _ := out.Float32Data()
	for i, v := range src {
		dst[i] = v * factor
	}
	return out, nil
}

// ScaleInPlace multiplies every element of t by factor
func ScaleInPlace(t *memory.Tensor, factor float32) error {
	data, err := t.Float32Data()
	if err != nil {
		return fmt.Errorf("scale: %w", err)
	}
	for i := range data {
		data[i] *= factor
	}
	return nil
}

// ExpandDims returns a copy of t with a size-1 axis inserted at position axis
func ExpandDims(t *memory.Tensor, axis int) (*memory.Tensor, error) {
	if t.Released() {
		return nil, fmt.Errorf("expand dims: %w", memory.ErrTensorReleased)
	}
	shape := t.Shape()
	if axis < 0 {
		axis += len(shape) + 1
	}
	if axis < 0 || axis > len(shape) {
		return nil, errdefs.Newf(errdefs.Shape, "expand dims",
			"axis %d out of range for rank %d", axis, len(shape))
	}

	newShape := make([]int, 0, len(shape)+1)
	newShape = append(newShape, shape[:axis]...)
	newShape = append(newShape, 1)
	newShape = append(newShape, shape[axis:]...)
	return t.Reshape(newShape)
}

// ArgMax returns the index of the largest value along the last axis for every
// row of t. A rank-1 tensor yields a single index.
func ArgMax(t *memory.Tensor) ([]int, error) {
	data, err := t.Float32Data()
	if err != nil {
		return nil, fmt.Errorf("argmax: %w", err)
	}
	shape := t.Shape()
	width := shape[len(shape)-1]
	rows := len(data) / width

	result := make([]int, rows)
	for r := 0; r < rows; r++ {
		row := data[r*width : (r+1)*width]
		best := 0
		for j := 1; j < width; j++ {
			// Ties resolve to the lowest index
			if row[j] > row[best] {
				best = j
			}
		}
		result[r] = best
	}
	return result, nil
}

// OneHot expands integer class labels into a [N, numClasses] Float32 tensor.
// Labels outside [0, numClasses) are rejected.
func OneHot(labels []int32, numClasses int) (*memory.Tensor, error) {
	if numClasses <= 0 {
		return nil, errdefs.Newf(errdefs.Shape, "one hot", "numClasses must be positive, got %d", numClasses)
	}
	if len(labels) == 0 {
		return nil, errdefs.Newf(errdefs.Shape, "one hot", "no labels")
	}
	for i, label := range labels {
		if label < 0 || int(label) >= numClasses {
			return nil, errdefs.Newf(errdefs.Shape, "one hot",
				"label %d at index %d is outside [0, %d)", label, i, numClasses)
		}
	}

	out, err := memory.NewTensor([]int{len(labels), numClasses}, memory.Float32)
	if err != nil {
		return nil, err
	}
	data, _ := out.Float32Data()
	for i, label := range labels {
		data[i*numClasses+int(label)] = 1
	}
	return out, nil
}
