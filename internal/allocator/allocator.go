// Package allocator provides the host-side bootstrap allocator used by the
// safety engine for its own bookkeeping: internal/slab borrows it to back
// the node-bitmap pairs it keeps per slab, off the regular GC-scanned heap
// path. It never backs instrumented-program memory: that always goes
// through internal/pagemgr and internal/slab so it can be mprotect'd and
// remapped independently of the Go heap.
package allocator

// Config configures a host allocator.
type Config struct {
	AlignmentSize uintptr
}

type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		AlignmentSize: 8,
	}
}

func WithAlignment(alignment uintptr) Option {
	return func(c *Config) { c.AlignmentSize = alignment }
}

// NewConfig builds a Config from the given options.
func NewConfig(opts ...Option) *Config {
	c := defaultConfig()
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// AllocatorStats reports aggregate counters for the arena allocator,
// surfaced through abi.Stats for diagnostics.
type AllocatorStats struct {
	TotalAllocated    uintptr
	ActiveAllocations int
}

func alignUp(size, alignment uintptr) uintptr {
	if alignment == 0 {
		return size
	}

	return (size + alignment - 1) &^ (alignment - 1)
}
