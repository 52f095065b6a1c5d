package debugmeta

import "testing"

func TestAllocFreeLifecycle(t *testing.T) {
	s := New()

	rec := s.Alloc(0x1000, 32, 0xabc)
	if rec.AllocID != 1 {
		t.Fatalf("AllocID = %d, want 1", rec.AllocID)
	}
	if !rec.Live() {
		t.Fatal("fresh record should be live")
	}

	s.Free(rec, 0xdef)
	if rec.Live() {
		t.Fatal("record should not be live after Free")
	}
	if rec.FreeID != 1 {
		t.Fatalf("FreeID = %d, want 1", rec.FreeID)
	}
}

func TestRecordsAreRetainedAfterFree(t *testing.T) {
	s := New()

	rec := s.Alloc(0x2000, 16, 0)
	s.Free(rec, 0)

	recs := s.Records()
	if len(recs) != 1 {
		t.Fatalf("expected 1 retained record, got %d", len(recs))
	}
	if recs[0] != rec {
		t.Fatal("Records() should share the same *Record the Store handed out")
	}
}

func TestLiveCount(t *testing.T) {
	s := New()

	a := s.Alloc(0x1000, 8, 0)
	_ = s.Alloc(0x2000, 8, 0)

	if s.LiveCount() != 2 {
		t.Fatalf("LiveCount() = %d, want 2", s.LiveCount())
	}

	s.Free(a, 0)

	if s.LiveCount() != 1 {
		t.Fatalf("LiveCount() after one free = %d, want 1", s.LiveCount())
	}
}

func TestAllocIDsAreMonotonic(t *testing.T) {
	s := New()

	a := s.Alloc(0x1000, 8, 0)
	b := s.Alloc(0x2000, 8, 0)

	if b.AllocID <= a.AllocID {
		t.Fatalf("expected monotonically increasing alloc IDs, got %d then %d", a.AllocID, b.AllocID)
	}
}
