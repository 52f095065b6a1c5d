package allocator

import (
	"testing"
	"unsafe"
)

func unsafeBytes(ptr unsafe.Pointer, n int) []byte {
	return unsafe.Slice((*byte)(ptr), n)
}

func TestArenaAllocator(t *testing.T) {
	config := NewConfig(WithAlignment(8))

	arena, err := NewArenaAllocator(256, config)
	if err != nil {
		t.Fatalf("NewArenaAllocator: %v", err)
	}

	a := arena.Alloc(32)
	b := arena.Alloc(32)
	if a == nil || b == nil {
		t.Fatal("arena allocation failed")
	}

	data := unsafeBytes(a, 32)
	for i := range data {
		data[i] = byte(i)
	}
	for i, v := range data {
		if v != byte(i) {
			t.Fatalf("data corruption at index %d", i)
		}
	}

	if arena.TotalAllocated() != 64 {
		t.Fatalf("TotalAllocated() = %d, want 64", arena.TotalAllocated())
	}
	if arena.ActiveAllocations() != 2 {
		t.Fatalf("ActiveAllocations() = %d, want 2", arena.ActiveAllocations())
	}

	if arena.Alloc(1024) != nil {
		t.Error("oversized allocation should fail")
	}

	stats := arena.Stats()
	if stats.TotalAllocated != 64 || stats.ActiveAllocations != 2 {
		t.Fatalf("Stats() = %+v, want {TotalAllocated:64 ActiveAllocations:2}", stats)
	}
}
