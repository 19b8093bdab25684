package memory

import (
	"errors"
	"fmt"
	"sync/atomic"
)

// DataType represents the data type of tensor elements
type DataType int

const (
	Float32 DataType = iota
	Int32
)

func (dt DataType) String() string {
	switch dt {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	default:
		return "unknown"
	}
}

// ErrTensorReleased is returned by every data accessor once the last
// reference to a tensor has been released.
var ErrTensorReleased = errors.New("tensor has been released")

// Tensor represents a host-resident tensor with explicit reference counting.
// Tensors are not reclaimed implicitly: every owner must call Release, and
// reads after the final Release fail with ErrTensorReleased.
type Tensor struct {
	f32        []float32
	i32        []int32
	shape      []int
	dtype      DataType
	refCount   *int32 // Atomic reference count, nil once released
	pooled     bool   // Backing slice came from the memory manager
	generation uint64 // For debugging use-after-release
	elements   int
	manager    *MemoryManager
}

// NewTensor creates a zeroed tensor backed by the global memory manager
func NewTensor(shape []int, dtype DataType) (*Tensor, error) {
	return GetGlobalMemoryManager().NewTensor(shape, dtype)
}

// FromFloat32 creates a Float32 tensor holding a copy of data
func FromFloat32(data []float32, shape []int) (*Tensor, error) {
	return GetGlobalMemoryManager().FromFloat32(data, shape)
}

// FromInt32 creates an Int32 tensor holding a copy of data
func FromInt32(data []int32, shape []int) (*Tensor, error) {
	return GetGlobalMemoryManager().FromInt32(data, shape)
}

// FromFloat32 creates a Float32 tensor tracked by mm holding a copy of data
func (mm *MemoryManager) FromFloat32(data []float32, shape []int) (*Tensor, error) {
	t, err := mm.NewTensor(shape, Float32)
	if err != nil {
		return nil, err
	}
	if err := t.CopyFloat32Data(data); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// FromInt32 creates an Int32 tensor tracked by mm holding a copy of data
func (mm *MemoryManager) FromInt32(data []int32, shape []int) (*Tensor, error) {
	t, err := mm.NewTensor(shape, Int32)
	if err != nil {
		return nil, err
	}
	if err := t.CopyInt32Data(data); err != nil {
		t.Release()
		return nil, err
	}
	return t, nil
}

// Release decrements the reference count and returns the buffer to the pool when it reaches 0
func (t *Tensor) Release() {
	if t == nil || t.refCount == nil {
		return // Already released
	}

	if atomic.AddInt32(t.refCount, -1) == 0 {
		if t.manager != nil {
			t.manager.returnTensor(t)
		}

		// Clear fields to prevent use-after-release
		t.f32 = nil
		t.i32 = nil
		t.refCount = nil
		t.shape = nil
	}
}

// Released reports whether the final reference has been dropped
func (t *Tensor) Released() bool {
	return t.refCount == nil
}

// Shape returns a copy of the tensor shape
func (t *Tensor) Shape() []int {
	result := make([]int, len(t.shape))
	copy(result, t.shape)
	return result
}

// DType returns the data type
func (t *Tensor) DType() DataType {
	return t.dtype
}

// Len returns the number of elements
func (t *Tensor) Len() int {
	return t.elements
}

// Size returns the total size in bytes
func (t *Tensor) Size() int {
	return t.elements * 4
}

// RefCount returns the current reference count (for debugging)
func (t *Tensor) RefCount() int32 {
	if t.refCount == nil {
		return 0
	}
	return atomic.LoadInt32(t.refCount)
}

// Float32Data returns the live backing slice of a Float32 tensor.
// The slice is only valid until the tensor is released.
func (t *Tensor) Float32Data() ([]float32, error) {
	if t.refCount == nil {
		return nil, ErrTensorReleased
	}
	if t.dtype != Float32 {
		return nil, fmt.Errorf("tensor data type is %s, expected %s", t.dtype, Float32)
	}
	return t.f32, nil
}

// Int32Data returns the live backing slice of an Int32 tensor
func (t *Tensor) Int32Data() ([]int32, error) {
	if t.refCount == nil {
		return nil, ErrTensorReleased
	}
	if t.dtype != Int32 {
		return nil, fmt.Errorf("tensor data type is %s, expected %s", t.dtype, Int32)
	}
	return t.i32, nil
}

// ToFloat32Slice returns a copy of the tensor contents as float32
func (t *Tensor) ToFloat32Slice() ([]float32, error) {
	if t.refCount == nil {
		return nil, ErrTensorReleased
	}
	result := make([]float32, t.elements)
	switch t.dtype {
	case Float32:
		copy(result, t.f32)
	case Int32:
		for i, v := range t.i32 {
			result[i] = float32(v)
		}
	}
	return result, nil
}

// CopyFloat32Data copies float32 data into the tensor
func (t *Tensor) CopyFloat32Data(data []float32) error {
	if t.refCount == nil {
		return ErrTensorReleased
	}
	if t.dtype != Float32 {
		return fmt.Errorf("tensor data type is %s, expected %s", t.dtype, Float32)
	}
	if len(data) != t.elements {
		return fmt.Errorf("data length %d doesn't match tensor shape %v (expected %d elements)",
			len(data), t.shape, t.elements)
	}
	copy(t.f32, data)
	return nil
}

// CopyInt32Data copies int32 data into the tensor
func (t *Tensor) CopyInt32Data(data []int32) error {
	if t.refCount == nil {
		return ErrTensorReleased
	}
	if t.dtype != Int32 {
		return fmt.Errorf("tensor data type is %s, expected %s", t.dtype, Int32)
	}
	if len(data) != t.elements {
		return fmt.Errorf("data length %d doesn't match tensor shape %v (expected %d elements)",
			len(data), t.shape, t.elements)
	}
	copy(t.i32, data)
	return nil
}

// CopyFrom copies data from another tensor of identical shape and type
func (t *Tensor) CopyFrom(src *Tensor) error {
	if src == nil {
		return fmt.Errorf("source tensor is nil")
	}
	if t.refCount == nil || src.refCount == nil {
		return ErrTensorReleased
	}
	if !SameShape(t.shape, src.shape) {
		return fmt.Errorf("tensor shapes don't match: dst %v vs src %v", t.shape, src.shape)
	}
	if t.dtype != src.dtype {
		return fmt.Errorf("tensor data types don't match: dst %s vs src %s", t.dtype, src.dtype)
	}
	switch t.dtype {
	case Float32:
		copy(t.f32, src.f32)
	case Int32:
		copy(t.i32, src.i32)
	}
	return nil
}

// Reshape returns a new tensor with the same contents viewed under a new shape
func (t *Tensor) Reshape(shape []int) (*Tensor, error) {
	if t.refCount == nil {
		return nil, ErrTensorReleased
	}
	n, err := NumElements(shape)
	if err != nil {
		return nil, err
	}
	if n != t.elements {
		return nil, fmt.Errorf("cannot reshape %v (%d elements) to %v (%d elements)", t.shape, t.elements, shape, n)
	}
	out, err := t.managerOrGlobal().NewTensor(shape, t.dtype)
	if err != nil {
		return nil, err
	}
	switch t.dtype {
	case Float32:
		copy(out.f32, t.f32)
	case Int32:
		copy(out.i32, t.i32)
	}
	return out, nil
}

func (t *Tensor) managerOrGlobal() *MemoryManager {
	if t.manager != nil {
		return t.manager
	}
	return GetGlobalMemoryManager()
}

// NumElements returns the element count for shape, rejecting non-positive dimensions
func NumElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("invalid shape: empty")
	}
	n := 1
	for i, dim := range shape {
		if dim <= 0 {
			return 0, fmt.Errorf("invalid shape %v: dimension %d has size %d, must be positive", shape, i, dim)
		}
		n *= dim
	}
	return n, nil
}

// SameShape reports whether two shapes are identical
func SameShape(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Global generation counter for debugging
var globalGeneration uint64

// String returns a string representation for debugging
func (t *Tensor) String() string {
	return fmt.Sprintf("Tensor{shape=%v, dtype=%s, refs=%d, gen=%d}",
		t.shape, t.dtype, t.RefCount(), t.generation)
}
