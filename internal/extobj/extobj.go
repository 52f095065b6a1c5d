// Package extobj implements the external-object table (spec.md §4.J): a
// single global splay tracking objects not owned by any pool (argv strings,
// environ, and anything else the instrumented program registers directly).
// It is consulted only by the *ui (unchecked-for-incompleteness) ABI
// variants; the fault reporter does not look objects up in it.
package extobj

import (
	"fmt"

	"github.com/scclang/saferuntime/internal/objrec"
	"github.com/scclang/saferuntime/internal/splay"
)

// Table is the process-global external-object table.
type Table struct {
	index *splay.Tree
}

// New creates an empty external-object table.
func New() *Table {
	return &Table{index: splay.New()}
}

// Register adds an external object spanning [base, base+length).
func (t *Table) Register(base, length uintptr) error {
	if length == 0 {
		length = 1
	}

	if err := t.index.Insert(base, length, &objrec.Object{Base: base, Len: length}); err != nil {
		return fmt.Errorf("extobj: register [%#x,%#x): %w", base, base+length, err)
	}

	return nil
}

// Unregister removes a previously-registered external object.
func (t *Table) Unregister(base uintptr) error {
	if err := t.index.Delete(base); err != nil {
		return fmt.Errorf("extobj: unregister %#x: %w", base, err)
	}

	return nil
}

// Lookup reports whether p lies within any registered external object, and
// if so returns that object.
func (t *Table) Lookup(p uintptr) (*objrec.Object, bool) {
	_, _, tag, ok := t.index.RetrieveRO(p)
	if !ok {
		return nil, false
	}

	return tag.(*objrec.Object), true
}
