// Package oob implements the out-of-bounds rewrite table (spec.md §4.D): a
// reserved, unmapped virtual region that hands out distinguishable "invalid
// pointer" values standing in for a computed out-of-bounds address. Rewrite
// pointers are never dereferenced; get_actual_value reverses the mapping.
package oob

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultRegionSize is the size of the reserved invalid-pointer region.
// spec.md §4.D asks for "approximately 1 GiB".
const DefaultRegionSize = 1 << 30

// ErrRegionExhausted is returned once the cursor has handed out every slot
// in the reserved region.
var ErrRegionExhausted = errors.New("oob: rewrite region exhausted")

// Region reserves an unmapped virtual address range and hands out unique
// addresses inside it. It is process-global: every pool shares one Region,
// but each pool keeps its own Table of (invalid, real) pairs (spec.md §4.F).
type Region struct {
	lower, upper uintptr
	cursor       uintptr // atomic
	mem          []byte  // kept alive only to pin the reservation; PROT_NONE
}

// NewRegion reserves size bytes of address space with no access rights.
func NewRegion(size int) (*Region, error) {
	if size <= 0 {
		size = DefaultRegionSize
	}

	mem, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("oob: reserve region: %w", err)
	}

	lower := uintptrOf(mem)

	return &Region{
		lower:  lower,
		upper:  lower + uintptr(size),
		cursor: lower,
		mem:    mem,
	}, nil
}

// Close releases the reserved region.
func (r *Region) Close() error { return unix.Munmap(r.mem) }

// Contains reports whether p falls inside the reserved invalid-pointer
// range, i.e. whether p is possibly a rewrite pointer.
func (r *Region) Contains(p uintptr) bool { return p >= r.lower && p < r.upper }

// Next hands out the next unique invalid-pointer value. It never
// dereferences the returned address. Returns ErrRegionExhausted once the
// cursor reaches the top of the region.
func (r *Region) Next() (uintptr, error) {
	for {
		old := atomic.LoadUintptr(&r.cursor)
		if old >= r.upper {
			return 0, ErrRegionExhausted
		}

		next := old + 1 // one "invalid pointer" per byte offset is enough: these are never dereferenced.
		if atomic.CompareAndSwapUintptr(&r.cursor, old, next) {
			return old, nil
		}
	}
}

// Table maps rewrite pointers back to the real (intended, possibly
// out-of-bounds) pointer they stand in for. One Table per pool, per
// spec.md §3 ("Mapping ... lives in the per-pool OOB splay").
type Table struct {
	region *Region
	mu     sync.Mutex
	real   map[uintptr]uintptr
}

// NewTable creates an OOB rewrite table backed by region.
func NewTable(region *Region) *Table {
	return &Table{region: region, real: make(map[uintptr]uintptr)}
}

// Rewrite mints a fresh invalid pointer standing in for real and records
// the mapping. If the region is exhausted, it returns ErrRegionExhausted;
// the caller (pool engine) decides whether that means "return the true
// pointer" (permissive) or "abort" (strict).
func (t *Table) Rewrite(real uintptr) (uintptr, error) {
	invalid, err := t.region.Next()
	if err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.real[invalid] = real
	t.mu.Unlock()

	return invalid, nil
}

// Resolve reverses Rewrite: given a rewrite pointer, returns the real
// pointer and true. If p is not a rewrite pointer this table minted,
// returns (p, false) -- get_actual_value's "identity on non-rewrite
// pointers" (spec.md testable property 5).
func (t *Table) Resolve(p uintptr) (uintptr, bool) {
	if !t.region.Contains(p) {
		return p, false
	}

	t.mu.Lock()
	real, ok := t.real[p]
	t.mu.Unlock()

	if !ok {
		return p, false
	}

	return real, true
}

func uintptrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}

	return uintptr(unsafe.Pointer(&b[0]))
}
