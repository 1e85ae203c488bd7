// Package cline provides the cache-line-aware allocation and tagged-pointer
// CAS primitives shared by smr and pq: cache line size detection, padding to
// avoid false sharing on the hot next[] / free-list fields, and a markable
// atomic reference that updates a pointer and its logical-deletion bit with
// a single CAS.
package cline

import (
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"
)

// lineSize is the platform cache line size, as reported by golang.org/x/sys/cpu.
// cpu.CacheLinePad is sized per-GOARCH by the x/sys/cpu package; embedding it
// (rather than hand-rolling a byte array) is the pattern the pack itself uses
// to pad structs to a cache line boundary.
const lineSize = unsafe.Sizeof(cpu.CacheLinePad{})

// Size returns the cache line size in bytes for the current platform.
func Size() uintptr {
	return lineSize
}

// Pad is a padding field one cache line long (cpu.CacheLinePad). Embed it
// directly: `_ cline.Pad` before and after a hot, frequently-CASed field to
// keep it off its neighbors' cache line.
type Pad = cpu.CacheLinePad

// AlignedAlloc returns a cache-line-aligned, zeroed region of at least size
// bytes and the backing slice that keeps it alive. Callers must retain the
// returned slice for as long as the pointer is in use: Go's garbage collector
// keeps an allocation alive as long as any live pointer references a
// location inside it, including interior unsafe.Pointers like this one, so
// storing the slice alongside the pointer (as cmd/pqbench does) is
// sufficient and is the only requirement.
func AlignedAlloc(size uintptr) (unsafe.Pointer, []byte) {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size+lineSize)
	base := uintptr(unsafe.Pointer(&buf[0]))
	aligned := (base + lineSize - 1) &^ (lineSize - 1)
	return unsafe.Pointer(&buf[aligned-base]), buf
}

// Marked is the immutable value behind an AtomicMarked reference: a pointer
// and the logical-deletion bit that travels with it. It is never mutated in
// place; all updates replace the *Marked[T] the AtomicMarked points at, which
// is what lets a single CAS publish both the pointer and the mark together.
type Marked[T any] struct {
	Ptr    *T
	Marked bool
}

// AtomicMarked packs a *T and a deletion mark into one CAS-able word via one
// level of indirection. Implementers with guaranteed pointer alignment can
// steal a low bit directly; Go's moving-unsafe but GC-scanned pointers make
// that unsound here, so this follows the alternative spec.md §9 explicitly
// sanctions: "a tagged pair stored in a single word via atomic". The
// indirection struct is immutable, so CompareAndSwap on the wrapper pointer
// is the one CAS that updates pointer and mark atomically.
type AtomicMarked[T any] struct {
	p atomic.Pointer[Marked[T]]
}

// NewAtomicMarked returns a reference initialized to ptr, unmarked.
func NewAtomicMarked[T any](ptr *T) *AtomicMarked[T] {
	a := &AtomicMarked[T]{}
	a.p.Store(&Marked[T]{Ptr: ptr})
	return a
}

// Load returns the current pointer and mark bit. Acquire semantics: a
// subsequent read through ptr observes everything published before the
// corresponding Store/CompareAndSwap.
func (a *AtomicMarked[T]) Load() (ptr *T, marked bool) {
	m := a.p.Load()
	return m.Ptr, m.Marked
}

// Store unconditionally replaces the reference. Release semantics.
func (a *AtomicMarked[T]) Store(ptr *T, marked bool) {
	a.p.Store(&Marked[T]{Ptr: ptr, Marked: marked})
}

// CompareAndSwap atomically replaces (oldPtr, oldMarked) with (newPtr,
// newMarked) iff the current value still equals (oldPtr, oldMarked).
func (a *AtomicMarked[T]) CompareAndSwap(oldPtr *T, oldMarked bool, newPtr *T, newMarked bool) bool {
	old := a.p.Load()
	if old.Ptr != oldPtr || old.Marked != oldMarked {
		return false
	}
	return a.p.CompareAndSwap(old, &Marked[T]{Ptr: newPtr, Marked: newMarked})
}

// TryMark atomically sets the mark bit without changing the pointer, iff the
// current pointer equals expectPtr and is not already marked. It reports
// whether the CAS succeeded, the pointer observed, and whether it was
// already marked (so the caller can distinguish "someone else marked it"
// from "the pointer moved").
func (a *AtomicMarked[T]) TryMark(expectPtr *T) (ok bool, actual *T, alreadyMarked bool) {
	old := a.p.Load()
	if old.Ptr != expectPtr {
		return false, old.Ptr, old.Marked
	}
	if old.Marked {
		return false, old.Ptr, true
	}
	ok = a.p.CompareAndSwap(old, &Marked[T]{Ptr: old.Ptr, Marked: true})
	return ok, old.Ptr, old.Marked
}
