// Package abi is the engine's public entry points (spec.md §6): the
// functional-options runtime constructor, and every pool_*/baggy_*
// operation, wired on top of internal/poolengine, internal/baggy, and their
// shared internal/pagemgr, internal/debugmeta, internal/oob, and
// internal/extobj state.
//
// Where the original ABI passes an opaque PoolTy* handle, this package
// hands back a *poolengine.Pool directly: Go has no need to simulate a
// C-style opaque handle when the real pointer type can be exported as-is.
package abi

import (
	"fmt"
	"sync"

	"github.com/scclang/saferuntime/internal/allocator"
	"github.com/scclang/saferuntime/internal/baggy"
	"github.com/scclang/saferuntime/internal/debugmeta"
	"github.com/scclang/saferuntime/internal/engineopts"
	"github.com/scclang/saferuntime/internal/extobj"
	"github.com/scclang/saferuntime/internal/faulthandler"
	"github.com/scclang/saferuntime/internal/objrec"
	"github.com/scclang/saferuntime/internal/oob"
	"github.com/scclang/saferuntime/internal/pagemgr"
	"github.com/scclang/saferuntime/internal/poolengine"
)

// Option configures a Runtime. It is an alias for engineopts.Option so
// callers configure pool_init_runtime with the same With* functions the
// engine packages themselves use.
type Option = engineopts.Option

var (
	WithDangling         = engineopts.WithDangling
	WithRewriteOOB       = engineopts.WithRewriteOOB
	WithTerminateOnError = engineopts.WithTerminateOnError
	WithReportLeaks      = engineopts.WithReportLeaks
)

// Runtime is the live engine instance: the shared page manager, debug
// store, OOB rewrite region, and external-object table every pool and the
// baggy-bounds engine are wired against, per spec.md's single-process
// instance model.
type Runtime struct {
	mu sync.Mutex

	opts  *engineopts.Options
	pm    *pagemgr.Manager
	arena *allocator.ArenaAllocatorImpl
	debug *debugmeta.Store
	oobRg *oob.Region
	ext   *extobj.Table
	fh    *faulthandler.Handler
	baggy *baggy.Engine

	pools  map[*poolengine.Pool]struct{}
	closed bool
}

// InitRuntime implements pool_init_runtime: builds the shared engine state
// every subsequent pool_* / baggy_* call operates against.
func InitRuntime(opts ...Option) (*Runtime, error) {
	o := engineopts.New(opts...)

	pm, err := pagemgr.New()
	if err != nil {
		return nil, fmt.Errorf("abi: init runtime: %w", err)
	}

	rg, err := oob.NewRegion(oob.DefaultRegionSize)
	if err != nil {
		pm.Close()

		return nil, fmt.Errorf("abi: init runtime: %w", err)
	}

	arena, err := allocator.NewArenaAllocator(1<<20, allocator.NewConfig())
	if err != nil {
		pm.Close()
		rg.Close()

		return nil, fmt.Errorf("abi: init runtime: %w", err)
	}

	debug := debugmeta.New()
	fh := faulthandler.New(o, nil)
	fh.WatchSignals()

	r := &Runtime{
		opts:  o,
		pm:    pm,
		arena: arena,
		debug: debug,
		oobRg: rg,
		ext:   extobj.New(),
		fh:    fh,
		baggy: baggy.New(pm, debug, o),
		pools: make(map[*poolengine.Pool]struct{}),
	}

	return r, nil
}

// Close tears down every pool, the baggy engine's remaining allocations are
// left to process exit, and releases the shared page manager and signal
// watcher. Matches the original's whole-runtime teardown path, used mainly
// by tests and short-lived CLI invocations.
func (r *Runtime) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}

	for p := range r.pools {
		_, _ = p.Destroy()
	}

	r.fh.StopWatching()
	r.closed = true

	return r.pm.Close()
}

func (r *Runtime) classify(addr uintptr) faulthandler.Kind {
	if _, _, ok := r.pm.ShadowBase(addr); ok {
		return faulthandler.Dangling
	}

	if r.oobRg.Contains(addr) {
		return faulthandler.OutOfBounds
	}

	return faulthandler.Unknown
}

func (r *Runtime) raise(op string, addr uintptr, obj *objrec.Object) {
	r.fh.Raise(faulthandler.Violation{
		Kind:   r.classify(addr),
		Op:     op,
		Addr:   addr,
		Object: obj,
	})
}

// Handler exposes the runtime's fault handler, mainly so tests can install
// a non-exiting SetOnFatal before triggering a strict-mode violation.
func (r *Runtime) Handler() *faulthandler.Handler { return r.fh }

// PoolInit implements pool_init: creates a pool. nodeSize of 0 makes every
// allocation in the pool independently backed (a "general purpose" pool).
func (r *Runtime) PoolInit(nodeSize uintptr) *poolengine.Pool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p := poolengine.New(r.pm, r.arena, r.debug, oob.NewTable(r.oobRg), r.opts, nodeSize)
	r.pools[p] = struct{}{}

	return p
}

// PoolDestroy implements pool_destroy.
func (r *Runtime) PoolDestroy(p *poolengine.Pool) ([]*debugmeta.Record, error) {
	r.mu.Lock()
	delete(r.pools, p)
	r.mu.Unlock()

	return p.Destroy()
}

// PoolAlloc implements pool_alloc.
func (r *Runtime) PoolAlloc(p *poolengine.Pool, n uintptr) (uintptr, error) { return p.Alloc(n) }

// PoolCalloc implements pool_calloc.
func (r *Runtime) PoolCalloc(p *poolengine.Pool, nmemb, size uintptr) (uintptr, error) {
	return p.Calloc(nmemb, size)
}

// PoolRealloc implements pool_realloc.
func (r *Runtime) PoolRealloc(p *poolengine.Pool, ptr, newSize uintptr) (uintptr, error) {
	return p.Realloc(ptr, newSize)
}

// PoolStrdup implements pool_strdup.
func (r *Runtime) PoolStrdup(p *poolengine.Pool, src uintptr) (uintptr, error) {
	return p.Strdup(src)
}

// PoolFree implements pool_free.
func (r *Runtime) PoolFree(p *poolengine.Pool, ptr uintptr) error {
	if err := p.Free(ptr); err != nil {
		r.raise("pool_free", ptr, nil)

		return err
	}

	return nil
}

// PoolRegister implements pool_register.
func (r *Runtime) PoolRegister(p *poolengine.Pool, ptr, length uintptr) error {
	return p.Register(ptr, length)
}

// PoolRegisterStack implements the supplemented pool_register_stack.
func (r *Runtime) PoolRegisterStack(p *poolengine.Pool, ptr, length uintptr) error {
	return p.RegisterStack(ptr, length)
}

// PoolUnregister implements pool_unregister.
func (r *Runtime) PoolUnregister(p *poolengine.Pool, ptr uintptr) error {
	return p.Unregister(ptr)
}

// PoolCheck implements poolcheck: reports whether ptr lies within a live
// object this pool owns, raising a violation (strict mode: fatal;
// permissive: reported and returned) if not.
func (r *Runtime) PoolCheck(p *poolengine.Pool, ptr uintptr) bool {
	if _, ok := p.Check(ptr); ok {
		return true
	}

	r.raise("poolcheck", ptr, nil)

	return false
}

// PoolCheckUI implements poolcheckui: like PoolCheck, but also consults the
// external-object table for objects the pool itself does not own.
func (r *Runtime) PoolCheckUI(p *poolengine.Pool, ptr uintptr) bool {
	if _, ok := p.Check(ptr); ok {
		return true
	}

	if _, ok := r.ext.Lookup(ptr); ok {
		return true
	}

	r.raise("poolcheckui", ptr, nil)

	return false
}

// PoolCheckAlign implements poolcheckalign.
func (r *Runtime) PoolCheckAlign(p *poolengine.Pool, ptr, align uintptr) bool {
	if p.CheckAlign(ptr, align) {
		return true
	}

	r.raise("poolcheckalign", ptr, nil)

	return false
}

// BoundsCheck implements exactcheck2/boundscheck.
func (r *Runtime) BoundsCheck(p *poolengine.Pool, objPtr, result uintptr) uintptr {
	out, ok := p.BoundsCheck(objPtr, result)
	if !ok {
		r.raise("boundscheck", result, nil)
	}

	return out
}

// BoundsCheckUI implements boundscheckui: like BoundsCheck, but a result
// landing inside a registered external object also passes.
func (r *Runtime) BoundsCheckUI(p *poolengine.Pool, objPtr, result uintptr) uintptr {
	if out, ok := p.BoundsCheck(objPtr, result); ok {
		return out
	}

	if obj, ok := r.ext.Lookup(objPtr); ok && obj.Contains(result) {
		return result
	}

	r.raise("boundscheckui", result, nil)

	return result
}

// GetActualValue implements get_actual_value.
func (r *Runtime) GetActualValue(p *poolengine.Pool, ptr uintptr) uintptr {
	return p.GetActualValue(ptr)
}

// FuncCheck implements funccheck.
func (r *Runtime) FuncCheck(fnptr uintptr, targets ...uintptr) bool {
	return poolengine.FuncCheck(fnptr, targets...)
}

// GlobalRegion describes one statically-allocated object for RegisterGlobals.
type GlobalRegion struct {
	Addr uintptr
	Len  uintptr
}

// RegisterGlobals implements register_globals: bulk-registers the
// instrumented program's global variables into the external-object table.
func (r *Runtime) RegisterGlobals(regions []GlobalRegion) error {
	for _, g := range regions {
		if err := r.ext.Register(g.Addr, g.Len); err != nil {
			return err
		}
	}

	return nil
}

// RegisterArgv and RegisterEnviron implement spec_full.md's supplemented
// registration of the process's argv/environ arrays into the external-
// object table, so pointer arithmetic over them is checked the same as any
// other object even though neither array is pool- or baggy-owned.
func (r *Runtime) RegisterArgv(ptr, length uintptr) error    { return r.ext.Register(ptr, length) }
func (r *Runtime) RegisterEnviron(ptr, length uintptr) error { return r.ext.Register(ptr, length) }

// Baggy exposes the dual-engine's baggy-bounds half directly: spec.md
// presents Pool/Splay and Baggy-Bounds as two independent checking
// strategies an instrumented program's compiler picks between per object,
// not a single merged API, so both are reachable from a Runtime side by
// side rather than behind one unified allocation call.
func (r *Runtime) Baggy() *baggy.Engine { return r.baggy }

// BaggyBoundsCheck wraps baggy.Engine.BoundsCheck with violation reporting.
func (r *Runtime) BaggyBoundsCheck(ptr uintptr) bool {
	if r.baggy.BoundsCheck(ptr) {
		return true
	}

	r.raise("baggy_boundscheck", ptr, nil)

	return false
}

// BaggyLoadCheck wraps baggy.Engine.LoadCheck with violation reporting.
func (r *Runtime) BaggyLoadCheck(ptr, width uintptr) bool {
	if r.baggy.LoadCheck(ptr, width) {
		return true
	}

	r.raise("baggy_loadcheck", ptr, nil)

	return false
}

// Stats aggregates cross-engine diagnostics.
type Stats struct {
	Baggy          baggy.Stats
	DebugLiveCount int
	HostArena      allocator.AllocatorStats
}

// Stats reports current runtime-wide statistics.
func (r *Runtime) Stats() Stats {
	return Stats{
		Baggy:          r.baggy.Stats(),
		DebugLiveCount: r.debug.LiveCount(),
		HostArena:      r.arena.Stats(),
	}
}
