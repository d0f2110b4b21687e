package rls

import "sync"

// RefCounted wraps an Entity with user-visible incref/decref, for
// servlets that want to share a value by reference within a request.
// Decref runs the wrapped entity's Free as soon as the user-visible
// count reaches zero; the outer shell still lives in the scope's
// entry table and its own Free (invoked once at scope destruction) is
// a no-op if that already happened.
type RefCounted struct {
	mu    sync.Mutex
	inner Entity
	refs  int
	freed bool
}

// NewRefCounted wraps inner with an initial user-visible refcount of 1.
func NewRefCounted(inner Entity) *RefCounted {
	return &RefCounted{inner: inner, refs: 1}
}

// Incref increments the user-visible refcount.
func (r *RefCounted) Incref() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs++
}

// Decref decrements the user-visible refcount, freeing the wrapped
// entity immediately once it reaches zero.
func (r *RefCounted) Decref() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refs--
	if r.refs <= 0 && !r.freed {
		r.inner.Free()
		r.freed = true
	}
}

// Refs returns the current user-visible refcount, for tests and
// diagnostics.
func (r *RefCounted) Refs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.refs
}

// Free implements Entity: it is invoked by the owning Scope at scope
// destruction, and frees the wrapped entity if no Decref already did.
func (r *RefCounted) Free() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.freed {
		r.inner.Free()
		r.freed = true
	}
}

// Copy shares the same wrapped entity by incrementing the refcount
// and returning the same *RefCounted, rather than deep-copying: the
// point of the wrapper is reference sharing, not duplication.
func (r *RefCounted) Copy() (Entity, error) {
	r.Incref()
	return r, nil
}
