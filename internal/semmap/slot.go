// Package semmap provides the lazy, memoized "semantic map" accessors
// layered over a process or the system as a whole: modules, VADs,
// threads, handles, heaps, and PTE maps for a process, and users,
// physical memory ranges, and network connections system-wide.
//
// Every map is computed at most once per table generation and cached in
// a Slot; a full process-table refresh naturally invalidates them by
// handing out fresh Process objects (see internal/proctable), while a
// targeted refresh can call Invalidate directly.
package semmap

import "sync"

// Initializer produces the value for a Slot on first access. Each
// semantic map accessor is backed by an Initializer supplied by the
// OS-specific collaborator that actually knows how to walk EPROCESS,
// VADs, or the kernel's handle table; this package owns only the
// memoization and locking contract around that call.
type Initializer[T any] func() (T, error)

// Slot is a lazily computed, memoized value shared by every holder of
// the Process (or system) object it is attached to. The zero value is an
// empty, uncomputed slot; NewSlot returns a pointer to one.
type Slot[T any] struct {
	mu   sync.Mutex
	done bool
	val  T
	err  error
}

// NewSlot returns an empty, uncomputed slot.
func NewSlot[T any]() *Slot[T] {
	return &Slot[T]{}
}

// Get returns the memoized value, computing it via compute on first
// call. Concurrent callers block on the same computation; none of them
// observe a partial result.
func (s *Slot[T]) Get(compute Initializer[T]) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.done {
		s.val, s.err = compute()
		s.done = true
	}
	return s.val, s.err
}

// Peek returns the cached value without computing it, reporting whether
// a successful computation has already happened.
func (s *Slot[T]) Peek() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val, s.done && s.err == nil
}

// Invalidate clears the memoized value, forcing the next Get to
// recompute.
func (s *Slot[T]) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	s.val = zero
	s.err = nil
	s.done = false
}
