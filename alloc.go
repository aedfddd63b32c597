package memviz

import "unsafe"

// Alloc allocates and returns a zeroed T inside the arena, or nil when the
// allocation fails. Zero-on-alloc makes the result a valid zero value; no
// separate construction step is needed.
//
// T must not contain Go pointers: the arena is invisible to the garbage
// collector, so pointers stored in arena memory keep nothing alive.
func Alloc[T any](a *Arena, tag string) *T {
	var zero T
	p := a.AllocRaw(unsafe.Sizeof(zero), unsafe.Alignof(zero), tag)
	if p == nil {
		return nil
	}
	return (*T)(p)
}

// Free returns a value previously obtained from Alloc. A nil pointer is a
// no-op.
func Free[T any](a *Arena, ptr *T) {
	if ptr == nil {
		return
	}
	a.DeallocRaw(unsafe.Pointer(ptr))
}
