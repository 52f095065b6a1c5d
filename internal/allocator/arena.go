package allocator

import (
	"fmt"
	"sync"
	"unsafe"
)

// ArenaAllocatorImpl implements an arena-based allocator: bump-pointer
// allocation from one preallocated buffer, with no per-object free.
// internal/slab uses it to back its node-bitmap pairs.
type ArenaAllocatorImpl struct {
	config         *Config
	buffer         []byte
	current        uintptr
	size           uintptr
	allocations    uint64
	totalAllocated uintptr
	mu             sync.RWMutex
}

// NewArenaAllocator creates a new arena allocator.
func NewArenaAllocator(size uintptr, config *Config) (*ArenaAllocatorImpl, error) {
	if size == 0 {
		return nil, fmt.Errorf("arena size must be greater than 0")
	}

	buffer := make([]byte, size)

	return &ArenaAllocatorImpl{
		config: config,
		buffer: buffer,
		size:   size,
	}, nil
}

// Alloc allocates memory from the arena.
func (aa *ArenaAllocatorImpl) Alloc(size uintptr) unsafe.Pointer {
	if size == 0 {
		return nil
	}

	alignedSize := alignUp(size, aa.config.AlignmentSize)

	aa.mu.Lock()
	defer aa.mu.Unlock()

	if aa.current+alignedSize > aa.size {
		return nil // Out of arena space
	}

	ptr := unsafe.Pointer(&aa.buffer[aa.current])

	aa.current += alignedSize
	aa.allocations++
	aa.totalAllocated += alignedSize

	return ptr
}

// TotalAllocated returns total allocated bytes.
func (aa *ArenaAllocatorImpl) TotalAllocated() uintptr {
	aa.mu.RLock()
	defer aa.mu.RUnlock()

	return aa.totalAllocated
}

// ActiveAllocations returns the number of allocations made from the arena.
// Since the arena never frees individual allocations, this only ever grows.
func (aa *ArenaAllocatorImpl) ActiveAllocations() int {
	aa.mu.RLock()
	defer aa.mu.RUnlock()

	return int(aa.allocations)
}

// Stats returns allocation statistics.
func (aa *ArenaAllocatorImpl) Stats() AllocatorStats {
	aa.mu.RLock()
	defer aa.mu.RUnlock()

	return AllocatorStats{
		TotalAllocated:    aa.totalAllocated,
		ActiveAllocations: int(aa.allocations),
	}
}
