// Package pagemgr implements the engine's page manager (spec.md §4.A):
// fixed-size virtual page allocation, a second "shadow" mapping that
// aliases the same physical frames as a canonical allocation, and
// protect/unprotect of that shadow mapping.
//
// The two mappings are obtained by mmap'ing the same backing file twice at
// the same file offset with MAP_SHARED, the same trick shm_open/mmap use
// for POSIX shared memory (and the memfd-backed aliasing gVisor and gVisor-
// adjacent sandboxes use for guest physical memory). The backing file is an
// anonymous, immediately-unlinked temp file, so it is never visible in the
// filesystem and disappears when the last fd referencing it closes.
package pagemgr

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrOOM is returned when a page-manager allocation cannot be satisfied.
// The pool and baggy engines return it, wrapped, to their own callers;
// nothing in this module aborts the process on it.
var ErrOOM = errors.New("pagemgr: out of memory")

// ErrNotMapped is returned when an address does not fall within any
// mapping this Manager knows about.
var ErrNotMapped = errors.New("pagemgr: address not under management")

type region struct {
	fileOffset int64
	mem        []byte // len(mem) is a multiple of PageSize
}

func (r region) base() uintptr { return uintptr(unsafe.Pointer(&r.mem[0])) }
func (r region) end() uintptr  { return r.base() + uintptr(len(r.mem)) }

// Manager owns one anonymous backing file and every mapping taken out
// against it. The zero value is not usable; construct with New.
type Manager struct {
	mu         sync.Mutex
	file       *os.File
	fileSize   int64
	pageSize   int
	canonical  map[uintptr]region // canonical mapping base -> region
	shadows    map[uintptr]region // shadow mapping base -> region
}

// New creates a page manager backed by a fresh anonymous file.
func New() (*Manager, error) {
	f, err := os.CreateTemp("", "saferuntime-pages-*")
	if err != nil {
		return nil, fmt.Errorf("pagemgr: create backing file: %w", err)
	}

	// Unlink immediately: the fd keeps the storage alive, but no path
	// refers to it anymore, which is what makes this "anonymous".
	path := f.Name()
	if err := os.Remove(path); err != nil {
		f.Close()
		return nil, fmt.Errorf("pagemgr: unlink backing file: %w", err)
	}

	return &Manager{
		file:      f,
		pageSize:  unix.Getpagesize(),
		canonical: make(map[uintptr]region),
		shadows:   make(map[uintptr]region),
	}, nil
}

// PageSize returns the manager's page size in bytes.
func (m *Manager) PageSize() int { return m.pageSize }

// Close releases the backing file. All outstanding mappings become invalid.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range m.canonical {
		_ = unix.Munmap(r.mem)
	}
	for _, r := range m.shadows {
		_ = unix.Munmap(r.mem)
	}

	return m.file.Close()
}

// AllocPage allocates a single canonical page and returns its address.
func (m *Manager) AllocPage() (uintptr, error) { return m.AllocPages(1) }

// AllocPages allocates n contiguous canonical pages and returns the base
// address of the region.
func (m *Manager) AllocPages(n int) (uintptr, error) {
	if n <= 0 {
		return 0, fmt.Errorf("pagemgr: AllocPages(%d): count must be positive", n)
	}

	size := n * m.pageSize

	m.mu.Lock()
	defer m.mu.Unlock()

	offset := m.fileSize
	if err := m.file.Truncate(offset + int64(size)); err != nil {
		return 0, fmt.Errorf("%w: extend backing file: %v", ErrOOM, err)
	}
	m.fileSize += int64(size)

	mem, err := unix.Mmap(int(m.file.Fd()), offset, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("%w: mmap: %v", ErrOOM, err)
	}

	r := region{fileOffset: offset, mem: mem}
	m.canonical[r.base()] = r

	return r.base(), nil
}

// FreePage releases a canonical mapping previously returned by AllocPage(s).
// It does not touch any shadow mapping derived from it: per spec.md §4.A,
// shadow mappings are never recycled so that stale accesses keep trapping.
func (m *Manager) FreePage(addr uintptr) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.canonical[addr]
	if !ok {
		return ErrNotMapped
	}

	delete(m.canonical, addr)

	return unix.Munmap(r.mem)
}

// findLocked returns the region in table that contains addr, if any.
func findLocked(table map[uintptr]region, addr uintptr) (region, bool) {
	for base, r := range table {
		if addr >= base && addr < r.end() {
			return r, true
		}
	}

	return region{}, false
}

func alignDown(v uintptr, align int) uintptr { return v &^ uintptr(align-1) }
func alignUp(v uintptr, align int) uintptr {
	a := uintptr(align)
	return (v + a - 1) &^ (a - 1)
}

// RemapObject returns a second mapping aliasing the same physical frames as
// canon, spanning enough whole pages to cover length bytes starting at
// canon's offset within its page. The returned shadow address corresponds
// exactly to canon: shadow[i] aliases canon[i] for i in [0, length).
func (m *Manager) RemapObject(canon uintptr, length uintptr) (uintptr, error) {
	if length == 0 {
		length = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := findLocked(m.canonical, canon)
	if !ok {
		return 0, ErrNotMapped
	}

	offsetInRegion := canon - r.base()
	pageStart := alignDown(offsetInRegion, m.pageSize)
	spanEnd := alignUp(offsetInRegion+length, m.pageSize)
	spanLen := int(spanEnd - pageStart)

	mem, err := unix.Mmap(int(m.file.Fd()), r.fileOffset+int64(pageStart), spanLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return 0, fmt.Errorf("%w: remap: %v", ErrOOM, err)
	}

	shadow := region{fileOffset: r.fileOffset + int64(pageStart), mem: mem}
	m.shadows[shadow.base()] = shadow

	return shadow.base() + (offsetInRegion - pageStart), nil
}

// ProtectShadow marks every page of the shadow mapping covering [p, p+n)
// inaccessible (PROT_NONE). Subsequent accesses through any pointer into
// that range raise SIGSEGV/SIGBUS.
func (m *Manager) ProtectShadow(p uintptr, n int) error {
	return m.protectShadow(p, n, unix.PROT_NONE)
}

// UnprotectShadow restores read/write access to a previously protected
// shadow range (used by the fault handler's warn-and-continue mode).
func (m *Manager) UnprotectShadow(p uintptr, n int) error {
	return m.protectShadow(p, n, unix.PROT_READ|unix.PROT_WRITE)
}

func (m *Manager) protectShadow(p uintptr, n int, prot int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := findLocked(m.shadows, p)
	if !ok {
		return ErrNotMapped
	}

	_ = n // the whole backing mapping is (un)protected; n documents intent only

	return unix.Mprotect(r.mem, prot)
}

// ShadowBase reports whether addr lies within any shadow mapping this
// manager created, and if so returns the mapping's base and length. Used
// by the fault handler to classify a faulting address as "in the shadow
// region" before consulting debug metadata.
func (m *Manager) ShadowBase(addr uintptr) (base uintptr, length uintptr, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, found := findLocked(m.shadows, addr)
	if !found {
		return 0, 0, false
	}

	return r.base(), uintptr(len(r.mem)), true
}
