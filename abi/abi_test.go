package abi

import (
	"testing"
	"unsafe"

	"github.com/scclang/saferuntime/internal/faulthandler"
)

func unsafePtr(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

func newRuntime(t *testing.T, opts ...Option) *Runtime {
	t.Helper()

	r, err := InitRuntime(opts...)
	if err != nil {
		t.Fatalf("InitRuntime: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	return r
}

func TestPoolAllocFreeRoundTrip(t *testing.T) {
	r := newRuntime(t)
	pool := r.PoolInit(16)

	ptr, err := r.PoolAlloc(pool, 12)
	if err != nil {
		t.Fatalf("PoolAlloc: %v", err)
	}

	if !r.PoolCheck(pool, ptr) {
		t.Fatal("freshly allocated pointer should pass PoolCheck")
	}

	if err := r.PoolFree(pool, ptr); err != nil {
		t.Fatalf("PoolFree: %v", err)
	}

	if stats := r.Stats(); stats.HostArena.ActiveAllocations == 0 {
		t.Fatal("expected the pool's first slab to have drawn bitmap storage from the host arena")
	}
}

func TestPoolCheckStrictModeAborts(t *testing.T) {
	r := newRuntime(t, WithTerminateOnError())
	pool := r.PoolInit(16)

	var captured *faulthandler.Violation
	r.Handler().SetOnFatal(func(v faulthandler.Violation) {
		c := v
		captured = &c
	})

	if r.PoolCheck(pool, 0xdeadbeef) {
		t.Fatal("expected check of an unowned pointer to fail")
	}

	if captured == nil {
		t.Fatal("expected strict mode to escalate through the fault handler")
	}
}

func TestPoolCheckPermissiveModeReturnsWithoutAborting(t *testing.T) {
	r := newRuntime(t) // no WithTerminateOnError: permissive

	aborted := false
	r.Handler().SetOnFatal(func(faulthandler.Violation) { aborted = true })

	pool := r.PoolInit(16)

	if r.PoolCheck(pool, 0xdeadbeef) {
		t.Fatal("expected check of an unowned pointer to fail")
	}

	if aborted {
		t.Fatal("permissive mode must not escalate to onFatal")
	}
}

func TestBoundsCheckRewriteThenGetActualValue(t *testing.T) {
	r := newRuntime(t, WithRewriteOOB())
	pool := r.PoolInit(16)

	ptr, err := r.PoolAlloc(pool, 10)
	if err != nil {
		t.Fatalf("PoolAlloc: %v", err)
	}

	oobPtr := ptr + 100

	rewritten := r.BoundsCheck(pool, ptr, oobPtr)
	if rewritten == oobPtr {
		t.Fatal("expected an out-of-bounds result to be rewritten")
	}

	if real := r.GetActualValue(pool, rewritten); real != oobPtr {
		t.Fatalf("GetActualValue(%#x) = %#x, want %#x", rewritten, real, oobPtr)
	}
}

func TestPoolCheckUIConsultsExternalObjects(t *testing.T) {
	r := newRuntime(t)
	pool := r.PoolInit(16)

	const argv = uintptr(0x600000)
	if err := r.RegisterArgv(argv, 128); err != nil {
		t.Fatalf("RegisterArgv: %v", err)
	}

	if r.PoolCheck(pool, argv+4) {
		t.Fatal("plain PoolCheck should not see externally-registered objects")
	}

	if !r.PoolCheckUI(pool, argv+4) {
		t.Fatal("PoolCheckUI should see externally-registered objects")
	}
}

func TestDanglingPointerDetectedAfterFree(t *testing.T) {
	r := newRuntime(t, WithDangling())
	pool := r.PoolInit(16)

	ptr, err := r.PoolAlloc(pool, 8)
	if err != nil {
		t.Fatalf("PoolAlloc: %v", err)
	}

	if err := r.PoolFree(pool, ptr); err != nil {
		t.Fatalf("PoolFree: %v", err)
	}

	faulthandler.Enable()

	v := faulthandler.Guard("dangling-read", ptr, faulthandler.Dangling, func() {
		_ = *(*byte)(unsafePtr(ptr))
	})

	if v == nil {
		t.Fatal("expected reading through a freed, dangling-protected pointer to fault")
	}
}

func TestFuncCheck(t *testing.T) {
	r := newRuntime(t)

	if !r.FuncCheck(0x1234, 0x1234, 0x5678) {
		t.Fatal("expected fnptr to be in the permitted set")
	}
}

func TestBaggyAllocBoundsCheckFree(t *testing.T) {
	r := newRuntime(t)

	ptr, err := r.Baggy().Alloc(10)
	if err != nil {
		t.Fatalf("Baggy Alloc: %v", err)
	}

	// 10 rounds up to size class 16: offsets up to the rounded size are
	// in-bounds, since Baggy Bounds checks the aligned allocation.
	if !r.BaggyBoundsCheck(ptr + 9) {
		t.Fatal("in-bounds offset should pass")
	}

	if !r.BaggyBoundsCheck(ptr + 15) {
		t.Fatal("offset within the rounded size class should pass")
	}

	if r.BaggyBoundsCheck(ptr + 16) {
		t.Fatal("offset past the rounded size class should fail")
	}

	if err := r.Baggy().Free(ptr); err != nil {
		t.Fatalf("Baggy Free: %v", err)
	}

	stats := r.Stats()
	if stats.Baggy.LiveObjects != 0 {
		t.Fatalf("expected no live baggy objects after free, got %d", stats.Baggy.LiveObjects)
	}
}
