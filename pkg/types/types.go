// Package types holds the small value types shared across every layer
// of the execution engine: request and token identifiers, PD flags,
// action kinds, and the event-direction enum used by the poller and
// pipe runtime.
package types

import "fmt"

// RequestID is a 64-bit monotonically increasing request identifier,
// assigned by the scheduler when an IO event starts a new request.
type RequestID uint64

func (r RequestID) String() string {
	return fmt.Sprintf("req-%d", uint64(r))
}

// NodeID identifies a servlet-instance node within a service graph.
type NodeID uint32

// TokenID addresses a Request-Local Scope entry. Tokens are dense
// per-request integers; rls.Scope.Add/Copy mint them as the rls
// package's own rls.Token type.
type TokenID uint32

// PDID is a pipe descriptor id, dense and assigned in insertion order
// within a single servlet's Pipe Descriptor Table.
type PDID uint32

// ModuleID identifies a registered transport module in the pipe
// module registry.
type ModuleID uint32

// HandleID identifies a pipe handle at the framework layer. The
// concrete handle state lives inside the owning transport module;
// HandleID is the only thing the scheduler and tasks see.
type HandleID uint64

// ServletID identifies a loaded servlet instance within a STAB
// namespace.
type ServletID uint32

// PDFlags is a bitmask of the properties declared on a Pipe
// Descriptor at insert time. Grounded on the PD flag bitmask in the
// original runtime/pdt.h header.
type PDFlags uint32

const (
	// PDFlagInput marks the PD as an input port. Mutually exclusive
	// with PDFlagOutput.
	PDFlagInput PDFlags = 1 << iota
	// PDFlagOutput marks the PD as an output port.
	PDFlagOutput
	// PDFlagAsync hints that the servlet prefers to service this PD
	// through the async task service rather than blocking inline.
	PDFlagAsync
	// PDFlagShadow marks the PD as a shadow of another PD: it
	// observes an existing output stream and does not count toward
	// readiness.
	PDFlagShadow
	// PDFlagPersist marks pipe handles on this PD as eligible to be
	// reacquired on a subsequent connection from the same peer.
	PDFlagPersist
	// PDFlagDisabled marks the PD disabled by default; edges may not
	// target a disabled PD until a servlet re-enables it via cntl.
	PDFlagDisabled
)

// IsInput reports whether the input bit is set.
func (f PDFlags) IsInput() bool { return f&PDFlagInput != 0 }

// IsOutput reports whether the output bit is set.
func (f PDFlags) IsOutput() bool { return f&PDFlagOutput != 0 }

// IsAsync reports whether the async-preferred bit is set.
func (f PDFlags) IsAsync() bool { return f&PDFlagAsync != 0 }

// IsShadow reports whether the shadow bit is set.
func (f PDFlags) IsShadow() bool { return f&PDFlagShadow != 0 }

// IsPersist reports whether the persist bit is set.
func (f PDFlags) IsPersist() bool { return f&PDFlagPersist != 0 }

// IsDisabled reports whether the PD is disabled by default.
func (f PDFlags) IsDisabled() bool { return f&PDFlagDisabled != 0 }

// ActionKind is the action a Task performs when dispatched.
type ActionKind int

const (
	// ActionInit runs a servlet's init entry point. Used once per
	// servlet instance, never per request.
	ActionInit ActionKind = iota
	// ActionExec runs a servlet's exec entry point against a fully
	// ready set of input pipe handles.
	ActionExec
	// ActionUnload runs a servlet's unload entry point at namespace
	// teardown.
	ActionUnload
)

func (a ActionKind) String() string {
	switch a {
	case ActionInit:
		return "init"
	case ActionExec:
		return "exec"
	case ActionUnload:
		return "unload"
	default:
		return "unknown"
	}
}

// Direction is the readiness direction a poller watches a descriptor
// for.
type Direction int

const (
	DirIn Direction = iota
	DirOut
	DirConnect
	DirBidir
)

// CancelReason explains why a task or request was cancelled.
type CancelReason string

const (
	// CancelNoOutput: the servlet's exec returned with zero bytes
	// written on any output PD.
	CancelNoOutput CancelReason = "no_output"
	// CancelTransportEOF: the transport reported EOF before the
	// request produced output.
	CancelTransportEOF CancelReason = "transport_eof"
	// CancelDownstream: a downstream critical node was cancelled and
	// this task lies in its cluster boundary.
	CancelDownstream CancelReason = "downstream"
	// CancelShutdown: the runtime is shutting down.
	CancelShutdown CancelReason = "shutdown"
)
