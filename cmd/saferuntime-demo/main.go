// Package main demonstrates the dual-engine memory-safety runtime end to
// end: pool allocation and dangling-pointer protection, OOB rewrite
// pointers, and the baggy-bounds engine's power-of-two checking.
package main

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/scclang/saferuntime/abi"
	"github.com/scclang/saferuntime/internal/faulthandler"
)

func main() {
	fmt.Println("=== saferuntime dual-engine demo ===")

	scenarioPoolBasics()
	scenarioDangling()
	scenarioOOBRewrite()
	scenarioBaggy()

	fmt.Println("all scenarios completed without a strict-mode abort")
}

func check(err error, where string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", where, err)
		os.Exit(1)
	}
}

func scenarioPoolBasics() {
	fmt.Println("\n-- pool alloc/free --")

	rt, err := abi.InitRuntime()
	check(err, "InitRuntime")
	defer rt.Close()

	pool := rt.PoolInit(16)

	ptr, err := rt.PoolAlloc(pool, 24)
	check(err, "PoolAlloc")

	view := unsafe.Slice((*byte)(unsafe.Pointer(ptr)), 24)
	copy(view, []byte("hello from the pool!!!!"))
	fmt.Printf("wrote %q through pool pointer %#x\n", view, ptr)

	fmt.Println("poolcheck(ptr):", rt.PoolCheck(pool, ptr))

	check(rt.PoolFree(pool, ptr), "PoolFree")
	fmt.Println("freed allocation")
}

func scenarioDangling() {
	fmt.Println("\n-- dangling pointer detection --")

	rt, err := abi.InitRuntime(abi.WithDangling(), abi.WithTerminateOnError())
	check(err, "InitRuntime")
	defer rt.Close()

	rt.Handler().SetOnFatal(func(v faulthandler.Violation) {
		fmt.Printf("caught violation: kind=%s op=%s addr=%#x\n", v.Kind, v.Op, v.Addr)
	})

	pool := rt.PoolInit(16)

	ptr, err := rt.PoolAlloc(pool, 8)
	check(err, "PoolAlloc")
	check(rt.PoolFree(pool, ptr), "PoolFree")

	faulthandler.Enable()

	v := faulthandler.Guard("demo-dangling-read", ptr, faulthandler.Dangling, func() {
		_ = *(*byte)(unsafe.Pointer(ptr))
	})

	if v != nil {
		fmt.Println("read through freed pointer correctly trapped")
	} else {
		fmt.Println("unexpected: read through freed pointer did not trap")
	}
}

func scenarioOOBRewrite() {
	fmt.Println("\n-- OOB rewrite pointers --")

	rt, err := abi.InitRuntime(abi.WithRewriteOOB())
	check(err, "InitRuntime")
	defer rt.Close()

	pool := rt.PoolInit(16)

	ptr, err := rt.PoolAlloc(pool, 10)
	check(err, "PoolAlloc")

	oobResult := ptr + 100

	rewritten := rt.BoundsCheck(pool, ptr, oobResult)
	fmt.Printf("out-of-bounds computation rewritten to %#x (never dereferenced)\n", rewritten)

	recovered := rt.GetActualValue(pool, rewritten)
	fmt.Printf("get_actual_value recovers the real address: %#x\n", recovered)
}

func scenarioBaggy() {
	fmt.Println("\n-- baggy-bounds engine --")

	rt, err := abi.InitRuntime()
	check(err, "InitRuntime")
	defer rt.Close()

	ptr, err := rt.Baggy().Alloc(20)
	check(err, "Baggy Alloc")

	// 20 rounds up to size class 32: offsets up to the rounded size pass,
	// since Baggy Bounds checks the aligned allocation, not the request.
	fmt.Println("in-bounds check (within rounded class):", rt.BaggyBoundsCheck(ptr+31))
	fmt.Println("out-of-bounds check (past rounded class):", rt.BaggyBoundsCheck(ptr+32))

	stats := rt.Stats()
	fmt.Printf("baggy stats: requested=%d rounded=%d slop=%d\n",
		stats.Baggy.TotalRequested, stats.Baggy.TotalRounded, stats.Baggy.Slop())

	check(rt.Baggy().Free(ptr), "Baggy Free")
}
