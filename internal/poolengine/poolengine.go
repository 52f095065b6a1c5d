// Package poolengine implements the Pool/Splay engine (spec.md §4.F): pool
// lifecycle, node-granularity allocation backed by internal/slab, the
// per-pool live-object index (internal/splay), dangling-pointer protection
// (internal/pagemgr), and out-of-bounds rewrite pointers (internal/oob).
package poolengine

import (
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/scclang/saferuntime/internal/allocator"
	"github.com/scclang/saferuntime/internal/debugmeta"
	"github.com/scclang/saferuntime/internal/engineopts"
	"github.com/scclang/saferuntime/internal/objrec"
	"github.com/scclang/saferuntime/internal/oob"
	"github.com/scclang/saferuntime/internal/pagemgr"
	"github.com/scclang/saferuntime/internal/slab"
	"github.com/scclang/saferuntime/internal/splay"
)

// ErrDestroyed is returned by Alloc, Calloc, Strdup, Free, Register,
// RegisterStack, and a second Destroy once the pool has been destroyed, and
// by Realloc whenever it gets as far as allocating or freeing. Unregister
// and the check operations do not test for a destroyed pool.
var ErrDestroyed = errors.New("poolengine: pool already destroyed")

// ErrInvalidFree is returned when pool_free is given a pointer that is not
// the exact base of a live allocation in this pool.
var ErrInvalidFree = errors.New("poolengine: free of pointer not owned by this pool")

// ErrDoubleFree is returned when pool_free targets an address this pool has
// already freed.
var ErrDoubleFree = errors.New("poolengine: double free")

// ErrUnsupportedStackReuse is returned by PoolRegisterStack when the
// overlapping entry is a heap allocation, not a previous stack registration
// (spec_full.md Open Question 1's decision: same-address re-registration is
// only silently accepted when it looks like stack-frame reuse).
var ErrUnsupportedStackReuse = errors.New("poolengine: register_stack collides with a live heap object")

// ErrNotRegistered is returned by PoolUnregister when ptr was not registered
// via PoolRegister/PoolRegisterStack.
var ErrNotRegistered = errors.New("poolengine: unregister of pointer not previously registered")

// liveObject is the tag attached to every entry in a pool's index.
type liveObject struct {
	obj       objrec.Object
	slabPtr   *slab.Slab // nil for externally-registered (stack/global) objects
	nodeIndex int
	nodeCount int
	canon     uintptr // pre-remap address; equals obj.Base when dangling detection is off
}

// Pool is one pool_alloc/pool_free arena: a node-size hint, the slabs it
// owns, and the live-object index over everything it has handed out.
// Several pools typically share one Manager, debug Store, and OOB Table
// (wired by the abi package per spec_full.md's single-process-instance
// model), but each pool keeps its own index and slab list -- spec.md §3's
// "a pool's contents are never visible to operations on another pool".
type Pool struct {
	mu sync.Mutex

	nodeSize uintptr // 0 means "general purpose": every allocation gets its own single-array slab
	pm       *pagemgr.Manager
	arena    *allocator.ArenaAllocatorImpl
	debug    *debugmeta.Store
	oobTable *oob.Table
	opts     *engineopts.Options

	index *splay.Tree
	slabs []*slab.Slab

	destroyed bool
}

// New creates a pool. nodeSize of 0 makes this a general-purpose pool where
// every allocation is independently backed (spec.md §4.C's single-array
// path), matching pool_init(pool, 0) in the original ABI.
func New(pm *pagemgr.Manager, arena *allocator.ArenaAllocatorImpl, debug *debugmeta.Store, oobTable *oob.Table, opts *engineopts.Options, nodeSize uintptr) *Pool {
	return &Pool{
		nodeSize: nodeSize,
		pm:       pm,
		arena:    arena,
		debug:    debug,
		oobTable: oobTable,
		opts:     opts,
		index:    splay.New(),
	}
}

func callerPC(skip int) uintptr {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return 0
	}

	return pc
}

// Destroy unmaps every slab this pool owns and marks it unusable. If
// ReportLeaks is set, it returns every still-live debug record belonging to
// this pool before releasing the slabs (spec_full.md's supplemented
// pool_shutdown leak report).
func (p *Pool) Destroy() ([]*debugmeta.Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, ErrDestroyed
	}

	var leaks []*debugmeta.Record
	if p.opts.ReportLeaks {
		leaks = p.leakReportLocked()
	}

	for _, s := range p.slabs {
		_ = p.pm.FreePage(s.Addr) // unmaps the whole mapping, single-array or not
	}

	p.destroyed = true

	return leaks, nil
}

func (p *Pool) leakReportLocked() []*debugmeta.Record {
	var out []*debugmeta.Record

	for _, rec := range p.debug.Records() {
		if !rec.Live() {
			continue
		}

		for _, s := range p.slabs {
			if s.Owns(rec.Canon) {
				out = append(out, rec)
				break
			}
		}
	}

	return out
}

// LeakReport returns every currently-live allocation in this pool, without
// destroying it. Useful for mid-run diagnostics as well as at shutdown.
func (p *Pool) LeakReport() []*debugmeta.Record {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.leakReportLocked()
}

// findOrCreateSlabLocked returns a slab with room for nodes contiguous
// nodes, creating a fresh one if none of the existing slabs has a run free.
func (p *Pool) findOrCreateSlabLocked(nodes int) (*slab.Slab, int, error) {
	for _, s := range p.slabs {
		if s.SingleArray {
			continue
		}

		idx, err := s.AllocateMultiple(nodes)
		if err == nil {
			return s, idx, nil
		}
	}

	s, err := slab.New(p.pm, p.arena, p.nodeSize)
	if err != nil {
		return nil, 0, err
	}

	idx, err := s.AllocateMultiple(nodes)
	if err != nil {
		return nil, 0, fmt.Errorf("poolengine: fresh slab cannot hold %d nodes: %w", nodes, err)
	}

	p.slabs = append(p.slabs, s)

	return s, idx, nil
}

func (p *Pool) allocLocked(n uintptr) (uintptr, error) {
	if p.destroyed {
		return 0, ErrDestroyed
	}

	if n == 0 {
		n = 1
	}

	var (
		s     *slab.Slab
		idx   int
		count int
		canon uintptr
	)

	if p.nodeSize == 0 || n > p.nodeSize*uintptr(nodesPerSlabCeiling) {
		var err error

		s, err = slab.NewSingleArray(p.pm, 1, p.pm.PageSize(), int(n))
		if err != nil {
			return 0, err
		}

		idx, count = 0, 1
		canon = s.NodeAddr(0)
		p.slabs = append(p.slabs, s)
	} else {
		nodes := int((n + p.nodeSize - 1) / p.nodeSize)

		var err error

		s, idx, err = p.findOrCreateSlabLocked(nodes)
		if err != nil {
			return 0, err
		}

		count = nodes
		canon = s.NodeAddr(idx)
	}

	ptr := canon

	if p.opts.Dangling {
		shadow, err := p.pm.RemapObject(canon, n)
		if err != nil {
			_ = s.Free(idx)

			return 0, err
		}

		ptr = shadow
	}

	rec := p.debug.Alloc(canon, n, callerPC(3))
	if p.opts.Dangling {
		p.debug.SetShadow(rec, ptr)
	}

	lo := &liveObject{
		obj:       objrec.Object{Base: ptr, Len: n, Debug: rec},
		slabPtr:   s,
		nodeIndex: idx,
		nodeCount: count,
		canon:     canon,
	}

	if err := p.index.Insert(ptr, n, lo); err != nil {
		// Unreachable in practice: ptr is freshly minted memory this pool
		// has never handed out before. Surface it rather than panic.
		return 0, fmt.Errorf("poolengine: index insert for fresh allocation: %w", err)
	}

	return ptr, nil
}

// nodesPerSlabCeiling bounds how many nodes a single allocation may span
// before it gets its own dedicated single-array slab instead of eating a
// run out of the shared slab list (spec.md §4.C's oversized-allocation
// path).
const nodesPerSlabCeiling = 64

// Alloc implements pool_alloc: returns n bytes (or nodeSize*ceil(n/nodeSize)
// nodes' worth of storage) from this pool. n == 0 is treated as n == 1.
func (p *Pool) Alloc(n uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.allocLocked(n)
}

// Calloc implements pool_calloc: nmemb*size bytes, zero-filled.
func (p *Pool) Calloc(nmemb, size uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := nmemb * size

	ptr, err := p.allocLocked(n)
	if err != nil {
		return 0, err
	}

	if n > 0 {
		zero(ptr, n)
	}

	return ptr, nil
}

// Strdup implements pool_strdup: copies the NUL-terminated string at src
// (including the terminator) into a fresh pool allocation.
func (p *Pool) Strdup(src uintptr) (uintptr, error) {
	n := cstrlen(src) + 1

	p.mu.Lock()
	defer p.mu.Unlock()

	dst, err := p.allocLocked(n)
	if err != nil {
		return 0, err
	}

	copyBytes(dst, src, n)

	return dst, nil
}

func (p *Pool) freeLocked(ptr uintptr) error {
	if p.destroyed {
		return ErrDestroyed
	}

	start, length, tag, ok := p.index.Retrieve(ptr)
	if !ok || start != ptr {
		if p.wasEverFreedLocked(ptr) {
			return ErrDoubleFree
		}

		return ErrInvalidFree
	}

	lo := tag.(*liveObject)

	_ = p.index.Delete(ptr)
	p.debug.Free(lo.obj.Debug, callerPC(3))

	if p.opts.Dangling {
		_ = p.pm.ProtectShadow(ptr, int(length))
	}

	if lo.slabPtr.SingleArray {
		return lo.slabPtr.Free(0)
	}

	return lo.slabPtr.Free(lo.nodeIndex)
}

func (p *Pool) wasEverFreedLocked(ptr uintptr) bool {
	for _, rec := range p.debug.Records() {
		if !rec.Live() && ptr == rec.HandedOut() {
			for _, s := range p.slabs {
				if s.Owns(rec.Canon) {
					return true
				}
			}
		}
	}

	return false
}

// Free implements pool_free. Returns ErrInvalidFree or ErrDoubleFree if ptr
// is not the exact base of a currently-live allocation in this pool;
// callers in strict mode should raise a fault violation on either.
func (p *Pool) Free(ptr uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.freeLocked(ptr)
}

// Realloc implements pool_realloc. A nil ptr behaves like Alloc; a zero
// newSize behaves like Free. Otherwise the new allocation's contents are
// min(oldSize, newSize) bytes copied from the old one -- per spec_full.md's
// Open Question 2 decision, using the real remembered old size rather than
// assuming newSize (which the Go implementation can always recover from the
// live-object index, unlike the opaque-pointer C ABI this was distilled
// from).
func (p *Pool) Realloc(ptr uintptr, newSize uintptr) (uintptr, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ptr == 0 {
		return p.allocLocked(newSize)
	}

	if newSize == 0 {
		return 0, p.freeLocked(ptr)
	}

	start, oldLen, _, ok := p.index.Retrieve(ptr)
	if !ok || start != ptr {
		return 0, ErrInvalidFree
	}

	newPtr, err := p.allocLocked(newSize)
	if err != nil {
		return 0, err
	}

	n := oldLen
	if newSize < n {
		n = newSize
	}
	if n > 0 {
		copyBytes(newPtr, ptr, n)
	}

	if err := p.freeLocked(ptr); err != nil {
		return 0, err
	}

	return newPtr, nil
}

// Register implements pool_register: tracks an object this pool does not
// own the storage for (e.g. a stack allocation or a global) so bounds
// checks recognize it. length == 0 is treated as length == 1.
func (p *Pool) Register(ptr, length uintptr) error {
	if length == 0 {
		length = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return ErrDestroyed
	}

	lo := &liveObject{obj: objrec.Object{Base: ptr, Len: length}}

	if err := p.index.Insert(ptr, length, lo); err != nil {
		return fmt.Errorf("poolengine: register [%#x,%#x): %w", ptr, ptr+length, err)
	}

	return nil
}

// RegisterStack is like Register, but tolerates re-registering the same
// address: a stack slot that is reused across loop iterations or recursive
// calls collides with its own previous registration, which is expected
// rather than a real double-registration bug (spec_full.md Open Question 1).
// It returns ErrUnsupportedStackReuse if the collision is with a live
// pool-owned (heap) allocation instead, which is a genuine conflict.
func (p *Pool) RegisterStack(ptr, length uintptr) error {
	if length == 0 {
		length = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return ErrDestroyed
	}

	lo := &liveObject{obj: objrec.Object{Base: ptr, Len: length}}

	err := p.index.Insert(ptr, length, lo)
	if err == nil {
		return nil
	}

	if !errors.Is(err, splay.ErrOverlap) {
		return err
	}

	start, _, tag, ok := p.index.Retrieve(ptr)
	if !ok {
		return err
	}

	existing, isStackish := tag.(*liveObject)
	if !isStackish || existing.slabPtr != nil {
		return fmt.Errorf("poolengine: register_stack [%#x,%#x): %w", ptr, ptr+length, ErrUnsupportedStackReuse)
	}

	if err := p.index.Delete(start); err != nil {
		return err
	}

	return p.index.Insert(ptr, length, lo)
}

// Unregister removes a Register/RegisterStack entry. It refuses to touch a
// pool-owned allocation: those must go through Free.
func (p *Pool) Unregister(ptr uintptr) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, _, tag, ok := p.index.Retrieve(ptr)
	if !ok || start != ptr {
		return ErrNotRegistered
	}

	lo := tag.(*liveObject)
	if lo.slabPtr != nil {
		return fmt.Errorf("poolengine: %#x is pool-owned, use Free: %w", ptr, ErrNotRegistered)
	}

	return p.index.Delete(ptr)
}

// Check implements poolcheck: reports whether ptr lies within some live
// object this pool owns or has registered.
func (p *Pool) Check(ptr uintptr) (*objrec.Object, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, _, tag, ok := p.index.RetrieveRO(ptr)
	if !ok {
		return nil, false
	}

	return &tag.(*liveObject).obj, true
}

// CheckAlign implements poolcheckalign: like Check, but additionally
// requires ptr to be aligned to align bytes within its object. Mirrors the
// original's power-of-two fast path (a mask instead of a modulo when align
// is a power of two), falling back to "%" otherwise.
func (p *Pool) CheckAlign(ptr uintptr, align uintptr) bool {
	obj, ok := p.Check(ptr)
	if !ok || align == 0 {
		return ok
	}

	offset := ptr - obj.Base

	if align&(align-1) == 0 {
		return offset&(align-1) == 0
	}

	return offset%align == 0
}

// BoundsCheck implements exactcheck2/boundscheck: given the base pointer of
// an object and a pointer computed from it, reports whether result is
// within bounds. If not, and RewriteOOB is enabled, it mints an OOB rewrite
// pointer standing in for result instead of failing outright.
func (p *Pool) BoundsCheck(objPtr, result uintptr) (uintptr, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	start, length, _, ok := p.index.RetrieveRO(objPtr)
	if !ok {
		return result, false
	}

	if result >= start && result < start+length {
		return result, true
	}

	if p.opts.RewriteOOB {
		rewritten, err := p.oobTable.Rewrite(result)
		if err == nil {
			return rewritten, true
		}
	}

	return result, false
}

// GetActualValue implements get_actual_value: reverses an OOB rewrite
// pointer back to the real (possibly still out-of-bounds) address it stands
// in for. Identity on any pointer that is not a rewrite pointer.
func (p *Pool) GetActualValue(ptr uintptr) uintptr {
	real, _ := p.oobTable.Resolve(ptr)

	return real
}

// FuncCheck implements funccheck: reports whether fnptr is one of the
// statically permitted targets.
func FuncCheck(fnptr uintptr, targets ...uintptr) bool {
	for _, t := range targets {
		if fnptr == t {
			return true
		}
	}

	return false
}
