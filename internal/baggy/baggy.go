// Package baggy implements the baggy-bounds engine (spec.md §4.G-H):
// power-of-two-aligned allocation plus a flat shadow table recording each
// object's size class, giving an O(1) bounds check that needs only the
// pointer being checked -- no lookup keyed by an object handle.
//
// The classic algorithm (Akritidis et al., "Baggy Bounds Checking") tags
// every aligned slot an object spans with log2(allocated size); a checked
// pointer can then recover its object's base by masking its own low bits
// with that same exponent, because every slot in range carries an
// identical tag. This package follows that shape with one Go-idiomatic
// substitution: production baggy-bounds implementations index the shadow
// table directly by (address >> slotShift) into one giant table reserved
// over the whole virtual address space (cheap on Linux since MAP_NORESERVE
// defers physical backing indefinitely); committing to that here would tie
// every test to a specific OS overcommit policy. Shadow is instead a
// synchronized map keyed by aligned slot address, which gives the same
// O(1)-amortized lookup without depending on how much virtual address
// space the test environment is willing to reserve.
package baggy

import (
	"errors"
	"fmt"
	"math/bits"
	"runtime"
	"sync"

	"github.com/scclang/saferuntime/internal/debugmeta"
	"github.com/scclang/saferuntime/internal/engineopts"
	"github.com/scclang/saferuntime/internal/objrec"
	"github.com/scclang/saferuntime/internal/pagemgr"
)

// SlotSize is the shadow table's granularity in bytes, and the minimum
// size (and alignment) of any baggy-bounds allocation.
const SlotSize = 16

// ErrInvalidFree is returned when Free is given a pointer that is not the
// exact base of a live baggy-bounds allocation.
var ErrInvalidFree = errors.New("baggy: free of pointer not owned by this engine")

func ceilLog2(n uintptr) uint8 {
	if n <= SlotSize {
		return uint8(bits.TrailingZeros(uint(SlotSize)))
	}

	m := bits.Len(uint(n - 1))

	return uint8(m)
}

func slotOf(addr uintptr) uintptr { return addr &^ (SlotSize - 1) }

// Shadow is the flat (size-class-per-slot) shadow table.
type Shadow struct {
	mu    sync.RWMutex
	class map[uintptr]uint8
}

// NewShadow creates an empty shadow table.
func NewShadow() *Shadow {
	return &Shadow{class: make(map[uintptr]uint8)}
}

// Tag marks every slot spanned by [base, base+1<<m) with size class m.
func (s *Shadow) Tag(base uintptr, m uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := uintptr(1) << m
	for off := uintptr(0); off < span; off += SlotSize {
		s.class[base+off] = m
	}
}

// Untag clears every slot spanned by [base, base+1<<m).
func (s *Shadow) Untag(base uintptr, m uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()

	span := uintptr(1) << m
	for off := uintptr(0); off < span; off += SlotSize {
		delete(s.class, base+off)
	}
}

// ClassOf returns the size class tagging the slot containing addr.
func (s *Shadow) ClassOf(addr uintptr) (uint8, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.class[slotOf(addr)]

	return m, ok
}

type object struct {
	obj     objrec.Object
	rawAddr uintptr // the (possibly smaller-aligned) address pm actually handed back
	m       uint8   // log2(rounded allocation size)
}

// Engine is the baggy-bounds allocator and checker.
type Engine struct {
	mu sync.Mutex

	pm     *pagemgr.Manager
	shadow *Shadow
	debug  *debugmeta.Store
	opts   *engineopts.Options

	live map[uintptr]*object

	totalRequested uintptr
	totalRounded   uintptr
}

// New creates a baggy-bounds engine.
func New(pm *pagemgr.Manager, debug *debugmeta.Store, opts *engineopts.Options) *Engine {
	return &Engine{
		pm:     pm,
		shadow: NewShadow(),
		debug:  debug,
		opts:   opts,
		live:   make(map[uintptr]*object),
	}
}

func alignUpPow2(v, allocSize uintptr) uintptr {
	mask := allocSize - 1

	return (v + mask) &^ mask
}

// Alloc rounds n up to the next power of two (floored at SlotSize), hands
// back a pointer aligned to that size, and tags the shadow table.
func (e *Engine) Alloc(n uintptr) (uintptr, error) {
	if n == 0 {
		n = 1
	}

	m := ceilLog2(n)
	allocSize := uintptr(1) << m

	pageSize := uintptr(e.pm.PageSize())

	// Over-allocate to 2x so an aligned address of allocSize bytes is
	// guaranteed to exist somewhere in the raw span, since pm only
	// guarantees page alignment, not arbitrary power-of-two alignment.
	rawSpan := allocSize * 2
	if rawSpan < pageSize {
		rawSpan = pageSize
	}

	rawPages := int((rawSpan + pageSize - 1) / pageSize)

	e.mu.Lock()
	defer e.mu.Unlock()

	rawAddr, err := e.pm.AllocPages(rawPages)
	if err != nil {
		return 0, fmt.Errorf("baggy: allocate %d bytes (class 2^%d): %w", n, m, err)
	}

	aligned := alignUpPow2(rawAddr, allocSize)

	pc := callerPC(2)
	rec := e.debug.Alloc(aligned, n, pc)

	e.shadow.Tag(aligned, m)
	e.live[aligned] = &object{
		obj:     objrec.Object{Base: aligned, Len: n, Debug: rec},
		rawAddr: rawAddr,
		m:       m,
	}

	e.totalRequested += n
	e.totalRounded += allocSize

	return aligned, nil
}

func callerPC(skip int) uintptr {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return 0
	}

	return pc
}

// Free releases a baggy-bounds allocation. ptr must be the exact pointer
// Alloc returned.
func (e *Engine) Free(ptr uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	obj, ok := e.live[ptr]
	if !ok {
		return ErrInvalidFree
	}

	delete(e.live, ptr)
	e.shadow.Untag(ptr, obj.m)
	e.debug.Free(obj.obj.Debug, callerPC(2))

	return e.pm.FreePage(obj.rawAddr)
}

// RegisterHeap, RegisterStack, and RegisterGlobal all register an object
// that was not allocated through this engine (a stack frame, a global, or
// memory handed out by another allocator) so BoundsCheck and LoadCheck
// recognize it. They share one implementation: the distinction exists in
// the ABI layer only, matching the original's separate entry points for
// what is, underneath, the same bookkeeping.
func (e *Engine) RegisterHeap(ptr, n uintptr) error   { return e.register(ptr, n) }
func (e *Engine) RegisterStack(ptr, n uintptr) error  { return e.register(ptr, n) }
func (e *Engine) RegisterGlobal(ptr, n uintptr) error { return e.register(ptr, n) }

func (e *Engine) register(ptr, n uintptr) error {
	if n == 0 {
		n = 1
	}

	m := ceilLog2(n)

	e.mu.Lock()
	defer e.mu.Unlock()

	base := ptr &^ (uintptr(1)<<m - 1)

	e.shadow.Tag(base, m)
	e.live[base] = &object{obj: objrec.Object{Base: ptr, Len: n}, m: m}

	return nil
}

// Unregister removes a Register{Heap,Stack,Global} entry without freeing
// any memory.
func (e *Engine) Unregister(ptr uintptr) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	obj, ok := e.live[ptr]
	if !ok {
		return ErrInvalidFree
	}

	delete(e.live, ptr)
	e.shadow.Untag(ptr, obj.m)

	return nil
}

// BoundsCheck reports whether ptr lies within the rounded (power-of-two)
// extent of the object whose size class covers ptr's slot: base <= ptr <
// base + 2^m. Baggy Bounds checks the aligned allocation, not the
// requested length -- intra-object overflow into the class's padding is
// out of scope (spec.md §1).
func (e *Engine) BoundsCheck(ptr uintptr) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.shadow.ClassOf(ptr)
	if !ok {
		return false
	}

	base := ptr &^ (uintptr(1)<<m - 1)

	if _, ok := e.live[base]; !ok {
		return false
	}

	return ptr >= base && ptr < base+(uintptr(1)<<m)
}

// LoadCheck is BoundsCheck extended to cover a load/store of width bytes
// starting at ptr (spec_full.md's fastlscheck-equivalent): every byte
// touched must map to the same base under the rounded size class.
func (e *Engine) LoadCheck(ptr uintptr, width uintptr) bool {
	if width == 0 {
		width = 1
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	m, ok := e.shadow.ClassOf(ptr)
	if !ok {
		return false
	}

	base := ptr &^ (uintptr(1)<<m - 1)

	if _, ok := e.live[base]; !ok {
		return false
	}

	return ptr >= base && ptr+width <= base+(uintptr(1)<<m)
}

// Stats summarizes rounding overhead, spec_full.md's supplemented "slop"
// statistic: how many bytes power-of-two rounding wasted versus what the
// instrumented program actually asked for.
type Stats struct {
	TotalRequested uintptr
	TotalRounded   uintptr
	LiveObjects    int
}

// Slop returns TotalRounded - TotalRequested.
func (s Stats) Slop() uintptr { return s.TotalRounded - s.TotalRequested }

// Stats reports cumulative allocation statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Stats{
		TotalRequested: e.totalRequested,
		TotalRounded:   e.totalRounded,
		LiveObjects:    len(e.live),
	}
}
