// Package objrec defines the object record schema shared by the pool
// engine's live-object index and the external-object table (spec.md §3,
// §4.J): base address, length, and an optional debug metadata reference.
package objrec

import "github.com/scclang/saferuntime/internal/debugmeta"

// Object is the unit of tracking for one live memory object.
type Object struct {
	Base  uintptr
	Len   uintptr
	Debug *debugmeta.Record // nil for objects registered without debug tracking
}

// Contains reports whether p lies within [Base, Base+Len).
func (o *Object) Contains(p uintptr) bool {
	return p >= o.Base && p < o.Base+o.Len
}
