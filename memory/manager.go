package memory

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// BufferPool manages a pool of float32 buffers of a specific capacity
type BufferPool struct {
	buffers    chan []float32 // Available buffers
	maxSize    int            // Pool size limit
	bufferSize int            // Fixed buffer capacity (elements) for this pool
	allocated  int            // Buffers created by this pool and not yet dropped
	mutex      sync.RWMutex   // Protects allocated counter
}

// NewBufferPool creates a new buffer pool
func NewBufferPool(bufferSize int, maxSize int) *BufferPool {
	return &BufferPool{
		buffers:    make(chan []float32, maxSize),
		maxSize:    maxSize,
		bufferSize: bufferSize,
	}
}

// Get retrieves a buffer from the pool or allocates a new one
func (bp *BufferPool) Get() []float32 {
	select {
	case buffer := <-bp.buffers:
		return buffer
	default:
		bp.mutex.Lock()
		bp.allocated++
		bp.mutex.Unlock()
		return make([]float32, bp.bufferSize)
	}
}

// Return puts a buffer back into the pool
func (bp *BufferPool) Return(buffer []float32) {
	if cap(buffer) != bp.bufferSize {
		return
	}

	select {
	case bp.buffers <- buffer[:bp.bufferSize]:
		// Successfully returned to pool
	default:
		// Pool is full, let the GC have it
		bp.mutex.Lock()
		bp.allocated--
		bp.mutex.Unlock()
	}
}

// Stats returns pool statistics
func (bp *BufferPool) Stats() (available int, allocated int, maxSize int) {
	bp.mutex.RLock()
	defer bp.mutex.RUnlock()
	return len(bp.buffers), bp.allocated, bp.maxSize
}

// MemoryManager manages tensor buffer lifecycle and pooling
type MemoryManager struct {
	pools      map[int]*BufferPool // Pools by capacity in elements
	poolsMutex sync.RWMutex        // Protects pools map

	// Pool size tiers (in elements)
	poolSizes []int

	liveTensors int64
	liveBytes   int64
}

// ManagerStats summarizes live allocations and pool occupancy
type ManagerStats struct {
	LiveTensors int64
	LiveBytes   int64
	Pools       map[int]string
}

// Default pool tiers: 256 elements up to 16M elements
var defaultPoolSizes = []int{
	256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216,
}

// NewMemoryManager creates a new memory manager
func NewMemoryManager() *MemoryManager {
	return &MemoryManager{
		pools:     make(map[int]*BufferPool),
		poolSizes: defaultPoolSizes,
	}
}

// NewTensor allocates a zeroed tensor tracked by this manager
func (mm *MemoryManager) NewTensor(shape []int, dtype DataType) (*Tensor, error) {
	elements, err := NumElements(shape)
	if err != nil {
		return nil, err
	}

	refCount := int32(1)
	t := &Tensor{
		shape:      make([]int, len(shape)),
		dtype:      dtype,
		refCount:   &refCount,
		generation: atomic.AddUint64(&globalGeneration, 1),
		elements:   elements,
		manager:    mm,
	}
	copy(t.shape, shape)

	switch dtype {
	case Float32:
		t.f32 = mm.getFloat32(elements)
		t.pooled = true
	case Int32:
		t.i32 = make([]int32, elements)
	default:
		return nil, fmt.Errorf("unsupported data type: %d", dtype)
	}

	atomic.AddInt64(&mm.liveTensors, 1)
	atomic.AddInt64(&mm.liveBytes, int64(t.Size()))
	return t, nil
}

// getFloat32 returns a zeroed slice of exactly n elements
func (mm *MemoryManager) getFloat32(n int) []float32 {
	poolSize := mm.findPoolSize(n)
	if poolSize < n {
		return make([]float32, n)
	}
	buf := mm.getOrCreatePool(poolSize).Get()[:n]
	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// returnTensor hands a released tensor's storage back to its pool
func (mm *MemoryManager) returnTensor(t *Tensor) {
	atomic.AddInt64(&mm.liveTensors, -1)
	atomic.AddInt64(&mm.liveBytes, -int64(t.Size()))

	if !t.pooled || t.f32 == nil {
		return
	}
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[cap(t.f32)]
	mm.poolsMutex.RUnlock()
	if exists {
		pool.Return(t.f32[:cap(t.f32)])
	}
}

// findPoolSize finds the smallest pool size that can accommodate the request
func (mm *MemoryManager) findPoolSize(size int) int {
	for _, poolSize := range mm.poolSizes {
		if poolSize >= size {
			return poolSize
		}
	}
	// Larger than the largest tier: not pooled
	return 0
}

// getOrCreatePool gets an existing pool or creates a new one
func (mm *MemoryManager) getOrCreatePool(size int) *BufferPool {
	mm.poolsMutex.RLock()
	pool, exists := mm.pools[size]
	mm.poolsMutex.RUnlock()

	if exists {
		return pool
	}

	mm.poolsMutex.Lock()
	defer mm.poolsMutex.Unlock()

	// Double-check after acquiring write lock
	if pool, exists := mm.pools[size]; exists {
		return pool
	}

	pool = NewBufferPool(size, calculateMaxPoolSize(size))
	mm.pools[size] = pool

	return pool
}

// calculateMaxPoolSize determines the maximum number of idle buffers for a pool
func calculateMaxPoolSize(bufferSize int) int {
	// Smaller buffers get larger pools
	switch {
	case bufferSize <= 1024:
		return 100
	case bufferSize <= 16384:
		return 50
	case bufferSize <= 262144:
		return 20
	case bufferSize <= 4194304:
		return 10
	default:
		return 5
	}
}

// Stats returns memory manager statistics
func (mm *MemoryManager) Stats() ManagerStats {
	mm.poolsMutex.RLock()
	defer mm.poolsMutex.RUnlock()

	stats := ManagerStats{
		LiveTensors: atomic.LoadInt64(&mm.liveTensors),
		LiveBytes:   atomic.LoadInt64(&mm.liveBytes),
		Pools:       make(map[int]string, len(mm.pools)),
	}
	for size, pool := range mm.pools {
		available, allocated, maxSize := pool.Stats()
		stats.Pools[size] = fmt.Sprintf("available=%d, allocated=%d, max=%d",
			available, allocated, maxSize)
	}

	return stats
}

// Global memory manager instance
var globalMemoryManager *MemoryManager
var globalMemoryManagerOnce sync.Once

// GetGlobalMemoryManager returns the global memory manager instance
func GetGlobalMemoryManager() *MemoryManager {
	globalMemoryManagerOnce.Do(func() {
		globalMemoryManager = NewMemoryManager()
	})
	return globalMemoryManager
}
