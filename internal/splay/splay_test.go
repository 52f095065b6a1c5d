package splay

import "testing"

func TestInsertRetrieveDelete(t *testing.T) {
	tr := New()

	if err := tr.Insert(100, 16, "a"); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := tr.Insert(200, 16, "b"); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if start, length, tag, ok := tr.Retrieve(105); !ok || start != 100 || length != 16 || tag != "a" {
		t.Fatalf("Retrieve(105) = %v %v %v %v", start, length, tag, ok)
	}

	if _, _, _, ok := tr.Retrieve(116); ok {
		t.Fatal("Retrieve(116) should fail: 116 is one-past-the-end of [100,116)")
	}

	if err := tr.Delete(100); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	if _, _, _, ok := tr.Retrieve(105); ok {
		t.Fatal("Retrieve after Delete should fail")
	}

	if tr.Len() != 1 {
		t.Fatalf("expected 1 live interval, got %d", tr.Len())
	}
}

func TestOverlapRejected(t *testing.T) {
	tr := New()
	if err := tr.Insert(0, 16, nil); err != nil {
		t.Fatal(err)
	}

	if err := tr.Insert(8, 16, nil); err != ErrOverlap {
		t.Fatalf("expected ErrOverlap, got %v", err)
	}

	// adjacent, non-overlapping interval must succeed.
	if err := tr.Insert(16, 16, nil); err != nil {
		t.Fatalf("adjacent insert should succeed: %v", err)
	}
}

func TestDeleteMissing(t *testing.T) {
	tr := New()
	if err := tr.Delete(42); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRetrieveROMatchesRetrieve(t *testing.T) {
	tr := New()
	for i := uintptr(0); i < 10; i++ {
		if err := tr.Insert(i*16, 16, i); err != nil {
			t.Fatal(err)
		}
	}

	for i := uintptr(0); i < 10; i++ {
		key := i*16 + 4
		s1, l1, g1, ok1 := tr.Retrieve(key)
		s2, l2, g2, ok2 := tr.RetrieveRO(key)

		if s1 != s2 || l1 != l2 || g1 != g2 || ok1 != ok2 {
			t.Fatalf("RetrieveRO diverged from Retrieve at key %d", key)
		}
	}
}

func TestIntervalsOrdered(t *testing.T) {
	tr := New()
	starts := []uintptr{300, 100, 200}
	for _, s := range starts {
		if err := tr.Insert(s, 8, nil); err != nil {
			t.Fatal(err)
		}
	}

	ivs := tr.Intervals()
	if len(ivs) != 3 {
		t.Fatalf("expected 3 intervals, got %d", len(ivs))
	}

	for i := 1; i < len(ivs); i++ {
		if ivs[i-1].Start >= ivs[i].Start {
			t.Fatalf("intervals not ascending: %v", ivs)
		}
	}
}
