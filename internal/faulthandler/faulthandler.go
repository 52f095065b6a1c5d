// Package faulthandler implements the engine's violation reporter and its
// best-effort fault-trapping mechanism (spec.md §4.I, §7).
//
// The C original installs a SIGSEGV/SIGBUS handler and inspects siginfo to
// recover the faulting address. Go's runtime owns signal dispatch for the
// whole process and does not hand a recovered memory-fault panic back with
// an si_addr equivalent, so this package takes the idiomatic Go path
// instead: runtime/debug.SetPanicOnFault turns a genuine hardware fault hit
// while reading through one of our own pointers into a recoverable panic,
// and Guard recovers it without ever seeing the OS-level fault address --
// callers already know which address they were about to touch, so they
// pass it in themselves. A best-effort os/signal listener is also provided
// purely for diagnostics; it cannot resume the faulting goroutine and is not
// the primary detection path.
package faulthandler

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/scclang/saferuntime/internal/debugmeta"
	"github.com/scclang/saferuntime/internal/engineopts"
	"github.com/scclang/saferuntime/internal/objrec"
)

// Kind classifies a violation per spec.md §7's taxonomy.
type Kind int

const (
	Unknown Kind = iota
	Uninitialized
	OutOfBounds
	Dangling
	LoadStore
	Misaligned
	DoubleFree
	InvalidFree
)

func (k Kind) String() string {
	switch k {
	case Uninitialized:
		return "UNINITIALIZED"
	case OutOfBounds:
		return "OUT_OF_BOUNDS"
	case Dangling:
		return "DANGLING"
	case LoadStore:
		return "LOAD_STORE"
	case Misaligned:
		return "ALIGN"
	case DoubleFree:
		return "DOUBLE_FREE"
	case InvalidFree:
		return "INVALID_FREE"
	default:
		return "UNKNOWN"
	}
}

// Violation is one reported memory-safety event.
type Violation struct {
	Kind   Kind
	Op     string // ABI operation that detected it, e.g. "poolcheck"
	Addr   uintptr
	Object *objrec.Object
	Debug  *debugmeta.Record
}

// Handler reports and (depending on options) escalates violations. The zero
// value is not ready for use; construct one with New.
type Handler struct {
	opts *engineopts.Options
	out  io.Writer

	mu      sync.Mutex
	onFatal func(Violation)

	sigCh chan os.Signal
}

// New creates a Handler that writes reports to out (os.Stderr if out is nil).
// Its strict-mode action is os.Exit(134) (128+SIGABRT), matching the
// original's abort() on a strict-mode violation; SetOnFatal replaces it.
func New(opts *engineopts.Options, out io.Writer) *Handler {
	if out == nil {
		out = os.Stderr
	}

	return &Handler{
		opts:    opts,
		out:     out,
		onFatal: func(Violation) { os.Exit(134) },
	}
}

// SetOnFatal overrides the strict-mode escalation action. Tests use this to
// capture a violation instead of exiting the test binary.
func (h *Handler) SetOnFatal(fn func(Violation)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onFatal = fn
}

// Report writes a one-line, then a detail block, describing v.
func (h *Handler) Report(v Violation) {
	fmt.Fprintf(h.out, "saferuntime: %s at %#x (op=%s)\n", v.Kind, v.Addr, v.Op)

	if v.Object != nil {
		fmt.Fprintf(h.out, "  object: [%#x, %#x)\n", v.Object.Base, v.Object.Base+v.Object.Len)
	}
	if v.Debug != nil {
		fmt.Fprintf(h.out, "  alloc #%d @ pc=%#x", v.Debug.AllocID, v.Debug.AllocPC)
		if !v.Debug.Live() {
			fmt.Fprintf(h.out, ", freed #%d @ pc=%#x", v.Debug.FreeID, v.Debug.FreePC)
		}
		fmt.Fprintln(h.out)
	}
}

// Raise reports v, then escalates per the configured mode: strict mode
// (TerminateOnError) calls onFatal; permissive mode returns after reporting,
// per spec.md §7 ("no exceptions ... surface to the instrumented program").
func (h *Handler) Raise(v Violation) {
	h.Report(v)

	if h.opts.TerminateOnError {
		h.mu.Lock()
		fn := h.onFatal
		h.mu.Unlock()
		fn(v)
	}
}

// Enable turns on SetPanicOnFault for the calling goroutine. Guard only
// recovers faults on goroutines where this has been called.
func Enable() {
	debug.SetPanicOnFault(true)
}

// Guard runs fn, recovering a runtime memory-fault panic (raised because
// SetPanicOnFault is active) and reporting it as addr with the given kind
// instead of letting it crash the process. It returns the recovered
// violation, or nil if fn completed without faulting. Non-fault panics are
// re-raised.
func Guard(op string, addr uintptr, kind Kind, fn func()) (v *Violation) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}

		// A memory fault raised under SetPanicOnFault is a runtime error
		// carrying the faulting address; anything else is not a fault.
		if _, ok := r.(interface{ Addr() uintptr }); !ok {
			panic(r)
		}

		v = &Violation{Kind: kind, Op: op, Addr: addr}
	}()

	fn()

	return nil
}

// WatchSignals installs a best-effort diagnostic SIGSEGV/SIGBUS listener.
// Go's runtime converts most invalid accesses into a fatal runtime error
// before a signal ever reaches user code, so in practice this only fires
// for faults raised by cgo or other non-Go code sharing the process; it
// logs one report line and then restores the default disposition, so any
// later SIGSEGV/SIGBUS terminates the process the way it would have without
// this package installed. The signal it logged does not itself terminate it.
func (h *Handler) WatchSignals() {
	h.sigCh = make(chan os.Signal, 1)
	signal.Notify(h.sigCh, unix.SIGSEGV, unix.SIGBUS)

	go func() {
		sig, ok := <-h.sigCh
		if !ok {
			return
		}

		fmt.Fprintf(h.out, "saferuntime: received %s outside instrumented access path\n", sig)
		signal.Stop(h.sigCh)
		signal.Reset(unix.SIGSEGV, unix.SIGBUS)
	}()
}

// StopWatching tears down the diagnostic signal listener.
func (h *Handler) StopWatching() {
	if h.sigCh != nil {
		signal.Stop(h.sigCh)
		close(h.sigCh)
	}
}
