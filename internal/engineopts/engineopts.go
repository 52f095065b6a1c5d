// Package engineopts holds the runtime options shared by both engines,
// the Go shape of pool_init_runtime's flags (spec.md §6): whether
// dangling-pointer detection, OOB rewrite pointers, and abort-on-error are
// enabled. Modeled on internal/allocator.Config's functional-option style.
package engineopts

// Options configures engine-wide behavior. The zero value is the most
// permissive configuration: no dangling detection, no OOB rewriting, warn
// instead of abort.
type Options struct {
	Dangling         bool
	RewriteOOB       bool
	TerminateOnError bool
	ReportLeaks      bool
}

type Option func(*Options)

// New builds an Options from the given functional options.
func New(opts ...Option) *Options {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// WithDangling enables virtual-page remapping + protect-on-free.
func WithDangling() Option { return func(o *Options) { o.Dangling = true } }

// WithRewriteOOB enables minting OOB rewrite pointers instead of failing
// every out-of-bounds computation outright.
func WithRewriteOOB() Option { return func(o *Options) { o.RewriteOOB = true } }

// WithTerminateOnError aborts the process on the first violation instead of
// warning and continuing.
func WithTerminateOnError() Option { return func(o *Options) { o.TerminateOnError = true } }

// WithReportLeaks enables PoolDestroy's leak report (spec_full.md's
// supplemented pool_shutdown bookkeeping).
func WithReportLeaks() Option { return func(o *Options) { o.ReportLeaks = true } }
