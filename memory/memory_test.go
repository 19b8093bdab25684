package memory

import (
	"errors"
	"strings"
	"testing"
)

// TestDataType tests DataType constants and behavior
func TestDataType(t *testing.T) {
	if Float32 != 0 {
		t.Errorf("Expected Float32 to be 0, got %d", Float32)
	}
	if Int32 != 1 {
		t.Errorf("Expected Int32 to be 1, got %d", Int32)
	}
	if Float32.String() != "float32" || Int32.String() != "int32" {
		t.Errorf("Unexpected data type names: %s, %s", Float32, Int32)
	}
}

// TestNumElements tests shape validation and element counting
func TestNumElements(t *testing.T) {
	testCases := []struct {
		shape    []int
		expected int
		wantErr  bool
	}{
		{[]int{10}, 10, false},
		{[]int{2, 3, 4}, 24, false},
		{[]int{4, 8, 8, 4}, 1024, false},
		{[]int{}, 0, true},
		{[]int{3, 0}, 0, true},
		{[]int{-1, 2}, 0, true},
	}

	for _, tc := range testCases {
		n, err := NumElements(tc.shape)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Expected error for shape %v", tc.shape)
			}
			continue
		}
		if err != nil {
			t.Errorf("Unexpected error for shape %v: %v", tc.shape, err)
			continue
		}
		if n != tc.expected {
			t.Errorf("Shape %v: expected %d elements, got %d", tc.shape, tc.expected, n)
		}
	}
}

// TestMemoryManagerFindPoolSize tests tier selection
func TestMemoryManagerFindPoolSize(t *testing.T) {
	mm := NewMemoryManager()

	testCases := []struct {
		request  int
		expected int
	}{
		{1, 256},
		{256, 256},
		{257, 1024},
		{5000, 16384},
		{16777216, 16777216},
		{16777217, 0},
	}

	for _, tc := range testCases {
		if got := mm.findPoolSize(tc.request); got != tc.expected {
			t.Errorf("findPoolSize(%d) = %d, expected %d", tc.request, got, tc.expected)
		}
	}
}

// TestCalculateMaxPoolSize tests pool capacity limits
func TestCalculateMaxPoolSize(t *testing.T) {
	if calculateMaxPoolSize(256) != 100 {
		t.Errorf("Expected 100 buffers for small pools")
	}
	if calculateMaxPoolSize(16777216) != 5 {
		t.Errorf("Expected 5 buffers for the largest pool")
	}
}

// TestTensorCreation tests tensor allocation and zeroing
func TestTensorCreation(t *testing.T) {
	mm := NewMemoryManager()

	tensor, err := mm.NewTensor([]int{2, 3}, Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	defer tensor.Release()

	if !SameShape(tensor.Shape(), []int{2, 3}) {
		t.Errorf("Expected shape [2 3], got %v", tensor.Shape())
	}
	if tensor.Len() != 6 || tensor.Size() != 24 {
		t.Errorf("Expected 6 elements / 24 bytes, got %d / %d", tensor.Len(), tensor.Size())
	}

	data, err := tensor.Float32Data()
	if err != nil {
		t.Fatalf("Float32Data failed: %v", err)
	}
	for i, v := range data {
		if v != 0 {
			t.Errorf("Expected zeroed data at %d, got %f", i, v)
		}
	}

	// Shape returns a copy
	shape := tensor.Shape()
	shape[0] = 99
	if tensor.Shape()[0] != 2 {
		t.Errorf("Shape() must return a copy")
	}

	if _, err := mm.NewTensor([]int{0, 3}, Float32); err == nil {
		t.Errorf("Expected error for zero dimension")
	}
}

// TestPooledBufferIsZeroedOnReuse tests that recycled buffers never leak old values
func TestPooledBufferIsZeroedOnReuse(t *testing.T) {
	mm := NewMemoryManager()

	first, err := mm.FromFloat32([]float32{1, 2, 3, 4}, []int{4})
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	first.Release()

	second, err := mm.NewTensor([]int{4}, Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	defer second.Release()

	data, _ := second.Float32Data()
	for i, v := range data {
		if v != 0 {
			t.Errorf("Recycled buffer not zeroed at %d: %f", i, v)
		}
	}
}

// TestTensorReleaseLifecycle tests the reference count across release
func TestTensorReleaseLifecycle(t *testing.T) {
	mm := NewMemoryManager()

	tensor, err := mm.NewTensor([]int{10}, Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}

	if tensor.RefCount() != 1 {
		t.Errorf("Expected initial ref count 1, got %d", tensor.RefCount())
	}

	if tensor.Released() {
		t.Errorf("Tensor must stay alive until released")
	}

	tensor.Release()
	if !tensor.Released() {
		t.Errorf("Expected tensor to be released")
	}

	// Extra releases are no-ops
	tensor.Release()
}

// TestUseAfterRelease tests that every accessor detects a released tensor
func TestUseAfterRelease(t *testing.T) {
	mm := NewMemoryManager()

	tensor, err := mm.NewTensor([]int{3}, Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	tensor.Release()

	if _, err := tensor.Float32Data(); !errors.Is(err, ErrTensorReleased) {
		t.Errorf("Float32Data: expected ErrTensorReleased, got %v", err)
	}
	if _, err := tensor.ToFloat32Slice(); !errors.Is(err, ErrTensorReleased) {
		t.Errorf("ToFloat32Slice: expected ErrTensorReleased, got %v", err)
	}
	if err := tensor.CopyFloat32Data([]float32{1, 2, 3}); !errors.Is(err, ErrTensorReleased) {
		t.Errorf("CopyFloat32Data: expected ErrTensorReleased, got %v", err)
	}
	if _, err := tensor.Reshape([]int{3, 1}); !errors.Is(err, ErrTensorReleased) {
		t.Errorf("Reshape: expected ErrTensorReleased, got %v", err)
	}

}

// TestTensorDataOperations tests tensor data copy operations
func TestTensorDataOperations(t *testing.T) {
	mm := NewMemoryManager()

	tensor, err := mm.NewTensor([]int{2, 2}, Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	defer tensor.Release()

	if err := tensor.CopyFloat32Data([]float32{1, 2, 3, 4}); err != nil {
		t.Fatalf("CopyFloat32Data failed: %v", err)
	}
	if err := tensor.CopyFloat32Data([]float32{1, 2, 3}); err == nil {
		t.Errorf("Expected length mismatch error")
	}
	if err := tensor.CopyInt32Data([]int32{1, 2, 3, 4}); err == nil {
		t.Errorf("Expected dtype mismatch error")
	}

	out, err := tensor.ToFloat32Slice()
	if err != nil {
		t.Fatalf("ToFloat32Slice failed: %v", err)
	}
	out[0] = 42
	data, _ := tensor.Float32Data()
	if data[0] != 1 {
		t.Errorf("ToFloat32Slice must return a copy")
	}

	reshaped, err := tensor.Reshape([]int{4})
	if err != nil {
		t.Fatalf("Reshape failed: %v", err)
	}
	defer reshaped.Release()
	rdata, _ := reshaped.Float32Data()
	if rdata[3] != 4 {
		t.Errorf("Reshape lost data: %v", rdata)
	}
	if _, err := tensor.Reshape([]int{3}); err == nil {
		t.Errorf("Expected element count mismatch error")
	}

	labels, err := mm.NewTensor([]int{3}, Int32)
	if err != nil {
		t.Fatalf("Failed to create int32 tensor: %v", err)
	}
	defer labels.Release()
	if err := labels.CopyInt32Data([]int32{0, 1, 2}); err != nil {
		t.Fatalf("CopyInt32Data failed: %v", err)
	}
	asFloat, _ := labels.ToFloat32Slice()
	if asFloat[2] != 2 {
		t.Errorf("Expected int32 to float conversion, got %v", asFloat)
	}
	if _, err := labels.Float32Data(); err == nil {
		t.Errorf("Expected dtype error reading int32 tensor as float32")
	}
}

// TestMemoryManagerStats tests live tensor accounting
func TestMemoryManagerStats(t *testing.T) {
	mm := NewMemoryManager()

	a, _ := mm.NewTensor([]int{8}, Float32)
	b, _ := mm.NewTensor([]int{4}, Int32)

	stats := mm.Stats()
	if stats.LiveTensors != 2 {
		t.Errorf("Expected 2 live tensors, got %d", stats.LiveTensors)
	}
	if stats.LiveBytes != 48 {
		t.Errorf("Expected 48 live bytes, got %d", stats.LiveBytes)
	}

	a.Release()
	b.Release()

	stats = mm.Stats()
	if stats.LiveTensors != 0 || stats.LiveBytes != 0 {
		t.Errorf("Expected no live tensors after release, got %d (%d bytes)", stats.LiveTensors, stats.LiveBytes)
	}
	if len(stats.Pools) != 1 {
		t.Errorf("Expected one float32 pool, got %d", len(stats.Pools))
	}
}

// TestTensorString tests the debug representation
func TestTensorString(t *testing.T) {
	tensor, err := NewTensor([]int{1, 2}, Float32)
	if err != nil {
		t.Fatalf("Failed to create tensor: %v", err)
	}
	defer tensor.Release()

	s := tensor.String()
	if !strings.Contains(s, "shape=[1 2]") || !strings.Contains(s, "refs=1") {
		t.Errorf("Unexpected string representation: %s", s)
	}
}

// BenchmarkTensorCreation benchmarks pooled allocation
func BenchmarkTensorCreation(b *testing.B) {
	mm := NewMemoryManager()
	shape := []int{32, 28, 28, 4}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		tensor, err := mm.NewTensor(shape, Float32)
		if err != nil {
			b.Fatalf("Failed to create tensor: %v", err)
		}
		tensor.Release()
	}
}
