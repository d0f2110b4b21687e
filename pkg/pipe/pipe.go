// Package pipe defines the Pipe-Handle Runtime: the abstraction the
// scheduler uses to allocate, read, write, fork, and deallocate pipe
// handles without knowing which transport module backs them. A
// transport module (TCP, TLS, a file, a servlet-to-servlet memory
// pipe) implements Module; this package also ships MemoryModule, the
// in-process reference module used to drive internal edges and the
// end-to-end test scenarios.
package pipe

import (
	"errors"
	"fmt"

	"github.com/plumberd/plumber/pkg/rls"
	"github.com/plumberd/plumber/pkg/types"
)

var (
	// ErrWouldBlock is returned by Read/Write when the operation
	// cannot complete without blocking; non-async pipes retry inline,
	// async pipes park the owning task.
	ErrWouldBlock = errors.New("pipe: would block")
	// ErrClosed is returned by any operation on a deallocated handle.
	ErrClosed = errors.New("pipe: handle closed")
	// ErrUnsupported is returned by Cntl for an opcode a module does
	// not implement.
	ErrUnsupported = errors.New("pipe: unsupported cntl opcode")
	// ErrEventsExhausted is returned by Accept once a module will
	// never produce another external event; an event loop sees this
	// and exits instead of retrying.
	ErrEventsExhausted = errors.New("pipe: events exhausted")
)

// Role distinguishes the two ends of an allocated pair.
type Role int

const (
	RoleReader Role = iota
	RoleWriter
)

// Opcode enumerates the module-agnostic control operations Cntl
// accepts; module-specific opcodes above opcodeReserved are free for
// a module's own use.
type Opcode int

const (
	OpSetFlags Opcode = iota
	OpClearFlags
	OpReadHeader
	OpWriteHeader
	OpPushPersist
	OpPopPersist
	OpEOM
	OpInvokeModuleFunction
	OpGetModulePath
	opcodeReserved
)

// Handle is the framework-visible side of a pipe endpoint: an
// identity, the owning module, current flags, and a persist-state
// stack a servlet can push opaque state onto. The stack lives on this
// Handle value, not on the underlying connection. The module-private
// payload lives behind the Module implementation, addressed by
// Handle.ID.
type Handle struct {
	ID      types.HandleID
	Module  types.ModuleID
	Role    Role
	Flags   types.PDFlags
	persist []any
}

// PushPersist pushes opaque state onto this Handle's persist stack,
// where PopPersist on the same *Handle retrieves it. The state is not
// attached to the underlying connection: a later request on that
// connection gets fresh handles with empty stacks.
func (h *Handle) PushPersist(v any) {
	h.persist = append(h.persist, v)
}

// PopPersist removes and returns the most recently pushed persist
// value, or nil if none remain.
func (h *Handle) PopPersist() any {
	if len(h.persist) == 0 {
		return nil
	}
	v := h.persist[len(h.persist)-1]
	h.persist = h.persist[:len(h.persist)-1]
	return v
}

// Module is the Transport Module ABI: the interface every transport
// (TCP, TLS, a memory pipe, a file) implements so the scheduler and
// pipe-handle runtime can treat them uniformly.
type Module interface {
	ID() types.ModuleID

	// Allocate creates a fresh in/out handle pair for an internal
	// (non-accepted) edge, e.g. the output of one servlet feeding the
	// input of another within the same graph.
	Allocate(flags types.PDFlags, args any) (in, out *Handle, err error)

	// Accept pulls an externally originated event pair; called only
	// from event-loop goroutines.
	Accept(params any) (in, out *Handle, err error)

	Read(h *Handle, buf []byte) (n int, err error)
	Write(h *Handle, buf []byte) (n int, err error)

	// WriteScopeToken writes a reference to a Request-Local Scope
	// entry into the stream so the downstream reader can access it
	// without the data being serialized to bytes.
	WriteScopeToken(h *Handle, token rls.Token) error

	EOF(h *Handle) (bool, error)

	// Written reports how many bytes have been written to h's
	// underlying stream since it was allocated. The scheduler consults
	// this on a task's output handles after Exec returns to detect the
	// "no bytes written on an output PD" cancellation trigger, which a
	// servlet can reach without ever calling WritePipe.
	Written(h *Handle) (int, error)

	Cntl(h *Handle, op Opcode, args any) (any, error)

	// Fork creates a shadow read handle over src's byte stream so an
	// additional consumer can observe it without taking over write
	// ownership.
	Fork(src *Handle, args any) (*Handle, error)

	Deallocate(h *Handle, hadError, purge bool) error
}

// Registry is the Transport Module table: modules register themselves
// under a dense id at startup, and handles carry the id of their
// owning module so the pipe-handle runtime can route operations
// without a type switch.
type Registry struct {
	modules map[types.ModuleID]Module
	next    types.ModuleID
}

// NewRegistry returns an empty module registry.
func NewRegistry() *Registry {
	return &Registry{modules: make(map[types.ModuleID]Module)}
}

// Register assigns the next dense module id to m and returns it.
func (r *Registry) Register(m Module) types.ModuleID {
	id := r.next
	r.next++
	r.modules[id] = m
	return id
}

// Lookup returns the module registered under id.
func (r *Registry) Lookup(id types.ModuleID) (Module, error) {
	m, ok := r.modules[id]
	if !ok {
		return nil, fmt.Errorf("pipe: module %d: %w", id, errModuleNotFound)
	}
	return m, nil
}

var errModuleNotFound = errors.New("module not registered")
