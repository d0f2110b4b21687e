// Package rls implements the Request-Local Scope: a per-request heap
// of typed, reference-counted objects addressed by dense tokens,
// supporting copy-on-write duplication and streaming reads. Every
// entry's free operation runs at scope destruction, never on a
// user-visible decref reaching zero, so tokens stay safe to alias
// freely for the life of the request.
package rls

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned when a token does not name a live entry.
	ErrNotFound = errors.New("rls: token not found")
	// ErrClosed is returned by any operation on a scope that has
	// already been destroyed.
	ErrClosed = errors.New("rls: scope closed")
	// ErrNotStreamable is returned by StreamOpen when the entity does
	// not implement StreamOpener.
	ErrNotStreamable = errors.New("rls: entity does not support streaming")
	// ErrStreamAlreadyOpen is returned by StreamOpen when a stream has
	// already been opened on the entry, whether or not that stream has
	// since been closed; streams are non-reentrant.
	ErrStreamAlreadyOpen = errors.New("rls: stream already open")
)

// Token addresses an entry within a single scope. Tokens are dense,
// per-request integers assigned in allocation order; they carry no
// meaning across scopes.
type Token uint32

// Entity is anything a scope can own: a decoded message, a buffer, a
// parsed structure a servlet produced for a downstream pipe to read.
type Entity interface {
	// Free releases any resources the entity holds. Called exactly
	// once, at scope destruction.
	Free()
	// Copy returns an independent entity representing the same value,
	// for copy-on-write writers that need to mutate a borrowed view
	// without affecting other tokens aliasing the original.
	Copy() (Entity, error)
}

// Stream is an opaque, non-reentrant read cursor over an entity,
// bound to the lifetime of the entry it was opened from.
type Stream interface {
	Read(buf []byte) (n int, err error)
	EOS() bool
	Close() error
}

// StreamOpener is implemented by entities that support StreamOpen.
type StreamOpener interface {
	Open() (Stream, error)
}

type entry struct {
	entity    Entity
	committed bool
	stream    Stream
}

// Scope is a single request's object heap. A Scope is safe for
// concurrent use, though in practice only the task(s) of one request
// ever touch it, and the scheduler never runs two tasks of the same
// request concurrently.
type Scope struct {
	mu      sync.Mutex
	entries map[Token]*entry
	next    Token
	closed  bool
}

// NewScope returns an empty, open scope.
func NewScope() *Scope {
	return &Scope{entries: make(map[Token]*entry)}
}

// Add stores entity under a freshly allocated token, uncommitted.
func (s *Scope) Add(entity Entity) (Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	tok := s.next
	s.next++
	s.entries[tok] = &entry{entity: entity}
	return tok, nil
}

// Get returns an opaque immutable view of the entity stored at token:
// callers must not mutate what they get back without going through
// Copy first.
func (s *Scope) Get(token Token) (Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.entries[token]
	if !ok {
		return nil, fmt.Errorf("get token %d: %w", token, ErrNotFound)
	}
	return e.entity, nil
}

// Copy duplicates the entity at token via its own Copy operation and
// stores the result under a new token. The new entry inherits no
// relationship to the original beyond the value at copy time: later
// mutation through either token is independent.
func (s *Scope) Copy(token Token) (Token, Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil, ErrClosed
	}
	e, ok := s.entries[token]
	if !ok {
		return 0, nil, fmt.Errorf("copy token %d: %w", token, ErrNotFound)
	}
	copied, err := e.entity.Copy()
	if err != nil {
		return 0, nil, fmt.Errorf("copy token %d: %w", token, err)
	}
	newTok := s.next
	s.next++
	s.entries[newTok] = &entry{entity: copied}
	return newTok, copied, nil
}

// StreamOpen opens a read stream over the entity at token. The
// entity must implement StreamOpener, and at most one stream is ever
// opened on a given entry: a second StreamOpen fails even after the
// first stream has been closed.
func (s *Scope) StreamOpen(token Token) (Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	e, ok := s.entries[token]
	if !ok {
		return nil, fmt.Errorf("stream_open token %d: %w", token, ErrNotFound)
	}
	if e.stream != nil {
		return nil, fmt.Errorf("stream_open token %d: %w", token, ErrStreamAlreadyOpen)
	}
	opener, ok := e.entity.(StreamOpener)
	if !ok {
		return nil, fmt.Errorf("stream_open token %d: %w", token, ErrNotStreamable)
	}
	stream, err := opener.Open()
	if err != nil {
		return nil, fmt.Errorf("stream_open token %d: %w", token, err)
	}
	e.stream = stream
	return stream, nil
}

// Commit marks the entry at token as published into the graph's pipe
// data. Only committed entries may be safely referenced from pipe
// handles written downstream; uncommitted entries are still freed at
// scope destruction, but referencing them beforehand is a caller bug
// the scope cannot detect.
func (s *Scope) Commit(token Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	e, ok := s.entries[token]
	if !ok {
		return fmt.Errorf("commit token %d: %w", token, ErrNotFound)
	}
	e.committed = true
	return nil
}

// Committed reports whether token's entry has been committed.
func (s *Scope) Committed(token Token) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	e, ok := s.entries[token]
	if !ok {
		return false, fmt.Errorf("committed token %d: %w", token, ErrNotFound)
	}
	return e.committed, nil
}

// Close destroys the scope: every entry's Free runs exactly once,
// committed or not, and any open stream is closed first. Close is
// idempotent; calling it twice is a no-op the second time.
func (s *Scope) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, e := range s.entries {
		if e.stream != nil {
			_ = e.stream.Close()
		}
		e.entity.Free()
	}
	s.entries = nil
	s.closed = true
}

// Len reports the number of entries still outstanding in the scope,
// for the request-local-scope token gauge.
func (s *Scope) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
