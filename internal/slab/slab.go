// Package slab implements the pool engine's slab allocator (spec.md §4.C):
// fixed node-size slabs tracked with an allocated/start bitmap pair, plus
// single-array slabs for allocations too big for one slab.
//
// Unlike the C original, the bitmap and slab header live in ordinary Go
// memory rather than inside the mmap'd page itself: only the node data
// needs to be a real, independently-protectable page (internal/pagemgr
// aliases it for dangling-pointer detection), and keeping bookkeeping off
// that page means an out-of-bounds write into a node can never corrupt the
// bitmap that is tracking it. The bitmaps are allocated from a host arena
// (internal/allocator) when one is supplied, to keep them off the regular
// GC-scanned heap path; the Slab structs themselves are ordinary Go values.
package slab

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/scclang/saferuntime/internal/allocator"
	"github.com/scclang/saferuntime/internal/pagemgr"
)

// ErrSlabFull is returned by AllocateSingle/AllocateMultiple when no run of
// the requested length is free in this slab.
var ErrSlabFull = errors.New("slab: no free run of that length")

// ErrNotStart is returned by Free when the given node index is not the
// start of a live allocation run.
var ErrNotStart = errors.New("slab: index is not the start of an allocation")

// Slab is one page-aligned region of node-sized storage, or (if
// SingleArray) one allocation spanning several pages.
type Slab struct {
	Addr         uintptr
	NodeSize     uintptr
	NodesPerSlab int
	Pages        int
	pageSize     uintptr

	allocated bitmap
	start     bitmap

	firstUnused int // next never-touched node index; doubles as "page count" for single-array slabs, per spec.md §4.C
	usedBegin   int
	usedEnd     int

	SingleArray bool
}

type bitmap []byte

func newBitmap(arena *allocator.ArenaAllocatorImpl, nbits int) bitmap {
	nbytes := (nbits + 7) / 8
	if arena == nil || nbytes == 0 {
		return make(bitmap, nbytes)
	}

	ptr := arena.Alloc(uintptr(nbytes))
	if ptr == nil {
		return make(bitmap, nbytes)
	}

	return unsafe.Slice((*byte)(ptr), nbytes)
}

func (b bitmap) get(i int) bool { return b[i/8]&(1<<uint(i%8)) != 0 }
func (b bitmap) set(i int)      { b[i/8] |= 1 << uint(i%8) }
func (b bitmap) clear(i int)    { b[i/8] &^= 1 << uint(i%8) }

// New creates a fresh slab of nodesPerSlab nodes of size nodeSize, backed
// by one page obtained from pm.
func New(pm *pagemgr.Manager, arena *allocator.ArenaAllocatorImpl, nodeSize uintptr) (*Slab, error) {
	if nodeSize == 0 {
		nodeSize = 1
	}

	nodesPerSlab := pm.PageSize() / int(nodeSize)
	if nodesPerSlab < 1 {
		nodesPerSlab = 1
	}

	addr, err := pm.AllocPage()
	if err != nil {
		return nil, fmt.Errorf("slab: allocate page: %w", err)
	}

	return &Slab{
		Addr:         addr,
		NodeSize:     nodeSize,
		NodesPerSlab: nodesPerSlab,
		Pages:        1,
		pageSize:     uintptr(pm.PageSize()),
		allocated:    newBitmap(arena, nodesPerSlab),
		start:        newBitmap(arena, nodesPerSlab),
	}, nil
}

// NewSingleArray reserves ceil(n/nodesPerSlab) pages for one oversized
// allocation, per spec.md §4.C's create_single_array. The page count is
// stashed in firstUnused, matching the original's field reuse.
func NewSingleArray(pm *pagemgr.Manager, nodeSize uintptr, nodesPerSlab int, n int) (*Slab, error) {
	if nodesPerSlab < 1 {
		nodesPerSlab = 1
	}

	pages := (n + nodesPerSlab - 1) / nodesPerSlab
	if pages < 1 {
		pages = 1
	}

	addr, err := pm.AllocPages(pages)
	if err != nil {
		return nil, fmt.Errorf("slab: allocate single array (%d pages): %w", pages, err)
	}

	s := &Slab{
		Addr:        addr,
		NodeSize:    nodeSize,
		Pages:       pages,
		pageSize:    uintptr(pm.PageSize()),
		SingleArray: true,
		firstUnused: pages,
	}
	s.start = bitmap{1}
	s.allocated = bitmap{1}
	s.usedEnd = 1

	return s, nil
}

// Full reports whether every node in the slab is allocated.
func (s *Slab) Full() bool {
	if s.SingleArray {
		return true
	}

	for i := 0; i < s.NodesPerSlab; i++ {
		if !s.allocated.get(i) {
			return false
		}
	}

	return true
}

// Empty reports whether no node in the slab is allocated.
func (s *Slab) Empty() bool {
	if s.SingleArray {
		return false
	}

	for i := 0; i < s.NodesPerSlab; i++ {
		if s.allocated.get(i) {
			return false
		}
	}

	return true
}

// AllocateSingle returns the index of the first free node, marking it
// allocated and start-of-allocation.
func (s *Slab) AllocateSingle() (int, error) {
	if s.SingleArray {
		return -1, ErrSlabFull
	}

	for i := 0; i < s.firstUnused; i++ {
		if !s.allocated.get(i) {
			s.markRun(i, 1)

			if i < s.usedBegin || s.usedBegin == s.usedEnd {
				s.usedBegin = i
			}

			return i, nil
		}
	}

	return s.AllocateMultiple(1)
}

// AllocateMultiple finds k contiguous free nodes, preferring extension past
// usedEnd before scanning for a hole (spec.md §4.C).
func (s *Slab) AllocateMultiple(k int) (int, error) {
	if s.SingleArray {
		return -1, ErrSlabFull
	}

	if s.firstUnused+k <= s.NodesPerSlab && s.firstUnused >= s.usedEnd {
		idx := s.firstUnused
		s.markRun(idx, k)
		s.firstUnused += k
		s.usedEnd = s.firstUnused

		return idx, nil
	}

	// Scan for a hole of k contiguous free nodes below firstUnused.
	run := 0
	for i := 0; i < s.firstUnused; i++ {
		if !s.allocated.get(i) {
			run++
			if run == k {
				start := i - k + 1
				s.markRun(start, k)

				if start < s.usedBegin || s.usedBegin == s.usedEnd {
					s.usedBegin = start
				}
				if start+k > s.usedEnd {
					s.usedEnd = start + k
				}

				return start, nil
			}
		} else {
			run = 0
		}
	}

	return -1, ErrSlabFull
}

func (s *Slab) markRun(start, k int) {
	for i := start; i < start+k; i++ {
		s.allocated.set(i)
	}
	s.start.set(start)
}

// Free releases the allocation run starting at node index i, clearing every
// contiguous allocated bit until the next run's start bit or usedEnd.
func (s *Slab) Free(i int) error {
	if s.SingleArray {
		if i != 0 || !s.allocated.get(0) {
			return ErrNotStart
		}
		s.allocated.clear(0)

		return nil
	}

	if i < 0 || i >= s.NodesPerSlab || !s.start.get(i) {
		return ErrNotStart
	}

	s.start.clear(i)

	for j := i; j < s.usedEnd; j++ {
		if j != i && s.start.get(j) {
			break
		}
		if !s.allocated.get(j) {
			break
		}

		s.allocated.clear(j)
	}

	return nil
}

// Owns reports whether addr falls within this slab's node storage.
func (s *Slab) Owns(addr uintptr) bool {
	var span uintptr
	if s.SingleArray {
		span = uintptr(s.firstUnused) * s.pageSize
	} else {
		span = uintptr(s.NodesPerSlab) * s.NodeSize
	}

	return addr >= s.Addr && addr < s.Addr+span
}

// NodeAddr returns the address of node i within the slab.
func (s *Slab) NodeAddr(i int) uintptr {
	return s.Addr + uintptr(i)*s.NodeSize
}
