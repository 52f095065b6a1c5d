package extobj

import "testing"

func TestRegisterLookupUnregister(t *testing.T) {
	tab := New()

	if err := tab.Register(0x1000, 32); err != nil {
		t.Fatalf("Register: %v", err)
	}

	obj, ok := tab.Lookup(0x1010)
	if !ok {
		t.Fatal("expected lookup to find registered object")
	}
	if obj.Base != 0x1000 || obj.Len != 32 {
		t.Fatalf("unexpected object %+v", obj)
	}

	if _, ok := tab.Lookup(0x2000); ok {
		t.Fatal("lookup outside any object should fail")
	}

	if err := tab.Unregister(0x1000); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	if _, ok := tab.Lookup(0x1010); ok {
		t.Fatal("lookup after unregister should fail")
	}
}
