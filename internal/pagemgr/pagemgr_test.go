package pagemgr

import (
	"testing"
	"unsafe"
)

func TestAllocAndFree(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	addr, err := m.AllocPages(2)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}

	buf := unsafe.Slice((*byte)(unsafe.Pointer(addr)), 2*m.PageSize())
	for i := range buf {
		buf[i] = byte(i)
	}

	if err := m.FreePage(addr); err != nil {
		t.Fatalf("FreePage: %v", err)
	}

	if err := m.FreePage(addr); err != ErrNotMapped {
		t.Fatalf("double free: expected ErrNotMapped, got %v", err)
	}
}

func TestRemapObjectAliasesCanonical(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	canon, err := m.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	canonBuf := unsafe.Slice((*byte)(unsafe.Pointer(canon)), 64)
	copy(canonBuf, []byte("hello, shadow"))

	shadow, err := m.RemapObject(canon, 64)
	if err != nil {
		t.Fatalf("RemapObject: %v", err)
	}

	shadowBuf := unsafe.Slice((*byte)(unsafe.Pointer(shadow)), 64)
	if string(shadowBuf[:13]) != "hello, shadow" {
		t.Fatalf("shadow mapping did not alias canonical frames: got %q", shadowBuf[:13])
	}

	// writes through the shadow must be visible via canon (true aliasing).
	shadowBuf[0] = 'H'
	if canonBuf[0] != 'H' {
		t.Fatal("write through shadow mapping not visible via canonical mapping")
	}
}

func TestProtectThenUnprotectShadow(t *testing.T) {
	m, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	canon, err := m.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage: %v", err)
	}

	shadow, err := m.RemapObject(canon, 32)
	if err != nil {
		t.Fatalf("RemapObject: %v", err)
	}

	if base, length, ok := m.ShadowBase(shadow); !ok || length == 0 {
		t.Fatalf("ShadowBase(%x) = %x,%d,%v", shadow, base, length, ok)
	}

	if err := m.ProtectShadow(shadow, 32); err != nil {
		t.Fatalf("ProtectShadow: %v", err)
	}

	if err := m.UnprotectShadow(shadow, 32); err != nil {
		t.Fatalf("UnprotectShadow: %v", err)
	}

	// After unprotect, the shadow mapping must be writable again.
	buf := unsafe.Slice((*byte)(unsafe.Pointer(shadow)), 32)
	buf[0] = 'x'
}
