// Package debugmeta implements the debug metadata store (spec.md §4.E): per
// allocation alloc/free IDs and program counters, retained for the entire
// process lifetime so the fault reporter can read them after the object is
// freed.
package debugmeta

import (
	"sync"
	"sync/atomic"
)

// Record is one allocation's debug metadata. It is immutable after Free
// stamps it, and the Store never reclaims it: spec.md §3 requires it to
// "survive the object" for the fault handler.
type Record struct {
	AllocID uint64
	FreeID  uint64 // 0 while live
	AllocPC uintptr
	FreePC  uintptr // 0 while live
	Canon   uintptr // canonical (pre-remap) base address
	Shadow  uintptr // address actually handed to the caller, if remapped; 0 if never remapped
	Size    uintptr
}

// Live reports whether the record describes a currently-allocated object.
func (r *Record) Live() bool { return atomic.LoadUint64(&r.FreeID) == 0 }

// HandedOut returns the address the caller actually received: Shadow if the
// object was remapped (dangling-pointer protection), Canon otherwise.
func (r *Record) HandedOut() uintptr {
	if r.Shadow != 0 {
		return r.Shadow
	}

	return r.Canon
}

// Store hands out monotonically increasing alloc/free IDs and retains every
// record for the process lifetime, arena-style, so the arena never needs to
// reclaim individual entries and records keep a stable address.
type Store struct {
	allocID uint64 // atomic
	freeID  uint64 // atomic

	mu      sync.Mutex
	records []*Record // process-lifetime retention; never trimmed
}

// New creates an empty debug metadata store.
func New() *Store {
	return &Store{}
}

// Alloc creates a new record for an allocation, stamping AllocID and
// AllocPC, and retains it.
func (s *Store) Alloc(canon uintptr, size uintptr, callerPC uintptr) *Record {
	rec := &Record{
		AllocID: atomic.AddUint64(&s.allocID, 1),
		AllocPC: callerPC,
		Canon:   canon,
		Size:    size,
	}

	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()

	return rec
}

// Free stamps FreeID and FreePC on rec. rec must have come from Alloc on
// this store and must still be live.
func (s *Store) Free(rec *Record, callerPC uintptr) {
	rec.FreePC = callerPC
	atomic.StoreUint64(&rec.FreeID, atomic.AddUint64(&s.freeID, 1))
}

// SetShadow records the address a remapped allocation was actually handed
// back under, so HandedOut (and therefore later double-free detection) can
// recover it. Call sites own the happens-before with any concurrent reader
// (the allocating pool still holds its own lock at this point).
func (s *Store) SetShadow(rec *Record, shadow uintptr) {
	rec.Shadow = shadow
}

// Records returns a snapshot of every retained record, for leak reporting
// and tests. The returned slice shares Record pointers with the store; call
// sites must not mutate them.
func (s *Store) Records() []*Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Record, len(s.records))
	copy(out, s.records)

	return out
}

// LiveCount returns the number of retained records that are still live.
func (s *Store) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, r := range s.records {
		if r.Live() {
			n++
		}
	}

	return n
}
