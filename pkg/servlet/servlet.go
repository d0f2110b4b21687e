// Package servlet implements the Servlet ABI: the binary interface a
// servlet exports (a definition record with init/exec/unload/async
// entry points) and the address table the framework hands to each
// entry point so it can declare pipe descriptors, read and write
// pipe data, manage request-local scope entries, and spawn async
// work. Grounded on the original runtime/servlet.h definition record
// and §6's ABI field list.
package servlet

import (
	"errors"
	"fmt"

	"github.com/plumberd/plumber/pkg/asynctask"
	"github.com/plumberd/plumber/pkg/pdt"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/rls"
	"github.com/plumberd/plumber/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrNotInitPhase is returned by AddressTable methods that only
	// make sense while a servlet's init entry point is running.
	ErrNotInitPhase = errors.New("servlet: operation only valid during init")
	// ErrNotExecPhase is returned by AddressTable methods that only
	// make sense while a servlet's exec entry point is running.
	ErrNotExecPhase = errors.New("servlet: operation only valid during exec")
	// ErrAsyncUnavailable is returned by SpawnAsync when the servlet
	// table was built without an async task service.
	ErrAsyncUnavailable = errors.New("servlet: async task service not configured")
	// ErrNullSignal is the sentinel stab.Exec wraps its returned error
	// with when a servlet writes to its sig_null PD without also
	// signalling an error, so the scheduler can tell a deliberate
	// "no output this round" signal apart from an exec failure when
	// deciding how to log the cancellation it still triggers.
	ErrNullSignal = errors.New("servlet: exec signalled null")
)

// Definition is the binary interface a servlet exports: a
// description, a version, and the init/exec/unload entry points.
// AsyncExec and AsyncCleanup are nil for a purely synchronous
// servlet.
type Definition struct {
	Desc    string
	Version uint32

	// Init runs once per servlet instance. It declares pipe
	// descriptors and type hooks against at, then returns whatever
	// instance-private state later calls need.
	Init func(at *AddressTable, argv []string) (data any, err error)

	// Exec runs once per request reaching this node, with every
	// non-shadow input PD already readable.
	Exec func(at *AddressTable, data any) error

	// Unload runs once at namespace teardown.
	Unload func(at *AddressTable, data any) error

	// AsyncExec, when set, marks the servlet async-preferred: Exec
	// is never called, and the framework instead spawns AsyncExec on
	// the async task service, passing it the handle of this run. Once
	// AsyncExec returns, the framework records the outcome and posts
	// the completion event for that handle itself.
	AsyncExec func(at *AddressTable, data any, handle asynctask.Handle) error

	// AsyncCleanup runs after an async invocation completes,
	// regardless of outcome, to release any state AsyncExec parked.
	AsyncCleanup func(at *AddressTable, data any) error
}

// Async reports whether this definition prefers async execution.
func (d *Definition) Async() bool { return d.AsyncExec != nil }

// Instance is one loaded, initialized servlet: a definition bound to
// its own pipe descriptor table and instance data. Per §4.2, an
// instance is never shared across two service-graph nodes.
type Instance struct {
	Def   *Definition
	Table *pdt.Table
	Argv  []string
	Data  any

	// SigNull and SigError are the two signal PDs every instance
	// gets for free, matching runtime_servlet_t's sig_null/sig_error
	// fields: writing to SigError during exec reports an error
	// without the servlet constructing one to return, and writing to
	// SigNull records that this round intentionally produced no
	// output.
	SigNull  types.PDID
	SigError types.PDID
}

// NewInstance returns an uninitialized instance wrapping def with the
// given init arguments. Call Init before using it in a request.
func NewInstance(def *Definition, argv []string) *Instance {
	return &Instance{
		Def:   def,
		Table: pdt.New(),
		Argv:  append([]string(nil), argv...),
	}
}

// Init registers the signal PDs, runs the servlet's init entry
// point against a fresh init-phase address table, and seals the
// table so no further PD can be declared once requests start
// arriving.
func (inst *Instance) Init(logger zerolog.Logger) error {
	sigNull, err := inst.Table.Insert("sig_null", types.PDFlagOutput, "void")
	if err != nil {
		return fmt.Errorf("register sig_null: %w", err)
	}
	sigError, err := inst.Table.Insert("sig_error", types.PDFlagOutput, "void")
	if err != nil {
		return fmt.Errorf("register sig_error: %w", err)
	}
	inst.SigNull, inst.SigError = sigNull, sigError

	at := NewInitAddressTable(inst.Table, logger)
	data, err := inst.Def.Init(at, inst.Argv)
	if err != nil {
		return fmt.Errorf("servlet init: %w", err)
	}
	inst.Data = data
	inst.Table.Seal()
	return nil
}

// AddressTable is the callback surface passed to every servlet entry
// point. The same struct serves both phases; init-only methods
// (DefinePD, SetTypeHook) reject calls once the table is sealed, and
// exec-only methods (ReadPipe, WritePipe, OpenRLS, CommitRLS,
// InvokeModuleFunctionPipe, SpawnAsync) reject calls before a task's
// handles are bound.
type AddressTable struct {
	node    types.NodeID
	request types.RequestID
	logger  zerolog.Logger

	table *pdt.Table

	registry *pipe.Registry
	handles  map[types.PDID]*pipe.Handle
	rootIn   *pipe.Handle
	rootOut  *pipe.Handle
	scope    *rls.Scope
	async    *asynctask.Service

	sigNull, sigError types.PDID
	nullSignaled      bool
	errSignaled       error
}

// NewInitAddressTable returns an address table valid only for
// PD-declaration calls, for use during a servlet's init entry point.
func NewInitAddressTable(table *pdt.Table, logger zerolog.Logger) *AddressTable {
	return &AddressTable{table: table, logger: logger}
}

// ExecContext bundles the per-task state an exec-phase address table
// needs: the handles installed on ordinary PDs, the root transport
// handles for a graph boundary node (nil on interior nodes), the
// request's shared scope, and the module registry used to resolve
// which transport module owns a given handle.
type ExecContext struct {
	Registry *pipe.Registry
	Handles  map[types.PDID]*pipe.Handle
	RootIn   *pipe.Handle
	RootOut  *pipe.Handle
	Scope    *rls.Scope
	Async    *asynctask.Service
}

// NewExecAddressTable returns an address table bound to one task's
// execution context.
func NewExecAddressTable(node types.NodeID, request types.RequestID, table *pdt.Table, ec ExecContext, logger zerolog.Logger, sigNull, sigError types.PDID) *AddressTable {
	return &AddressTable{
		node:     node,
		request:  request,
		logger:   logger,
		table:    table,
		registry: ec.Registry,
		handles:  ec.Handles,
		rootIn:   ec.RootIn,
		rootOut:  ec.RootOut,
		scope:    ec.Scope,
		async:    ec.Async,
		sigNull:  sigNull,
		sigError: sigError,
	}
}

// DefinePD declares a new pipe descriptor. Valid only during init.
func (at *AddressTable) DefinePD(name string, flags types.PDFlags, typeExpr string) (types.PDID, error) {
	if at.table.Sealed() {
		return 0, fmt.Errorf("define pd %q: %w", name, ErrNotInitPhase)
	}
	return at.table.Insert(name, flags, typeExpr)
}

// SetTypeHook registers a hook the type resolver invokes once pd's
// type is resolved. Valid only during init.
func (at *AddressTable) SetTypeHook(pd types.PDID, hook pdt.TypeHook, data any) error {
	if at.table.Sealed() {
		return fmt.Errorf("set type hook on pd %d: %w", pd, ErrNotInitPhase)
	}
	return at.table.SetTypeHook(pd, hook, data)
}

// Log returns the component logger for this servlet instance, valid
// during both init and exec.
func (at *AddressTable) Log() *zerolog.Logger { return &at.logger }

func (at *AddressTable) moduleFor(h *pipe.Handle) (pipe.Module, error) {
	if at.registry == nil {
		return nil, fmt.Errorf("resolve module %d: %w", h.Module, ErrNotExecPhase)
	}
	return at.registry.Lookup(h.Module)
}

func (at *AddressTable) handleFor(pd types.PDID) (*pipe.Handle, error) {
	if at.registry == nil {
		return nil, fmt.Errorf("pd %d: %w", pd, ErrNotExecPhase)
	}
	h, ok := at.handles[pd]
	if !ok {
		return nil, fmt.Errorf("pd %d: %w", pd, pipe.ErrClosed)
	}
	return h, nil
}

// ReadPipe reads from pd's installed handle. Valid only during exec.
func (at *AddressTable) ReadPipe(pd types.PDID, buf []byte) (int, error) {
	h, err := at.handleFor(pd)
	if err != nil {
		return 0, err
	}
	m, err := at.moduleFor(h)
	if err != nil {
		return 0, err
	}
	return m.Read(h, buf)
}

// WritePipe writes to pd's installed handle. Writing to the
// instance's sig_null or sig_error PD does not touch a transport
// handle; it records the signal for the executor to observe once
// Exec returns.
func (at *AddressTable) WritePipe(pd types.PDID, buf []byte) (int, error) {
	if at.registry == nil {
		return 0, fmt.Errorf("write pd %d: %w", pd, ErrNotExecPhase)
	}
	switch pd {
	case at.sigNull:
		at.nullSignaled = true
		return len(buf), nil
	case at.sigError:
		at.errSignaled = fmt.Errorf("servlet signalled error: %s", buf)
		return len(buf), nil
	}
	h, ok := at.handles[pd]
	if !ok {
		return 0, fmt.Errorf("write pd %d: %w", pd, pipe.ErrClosed)
	}
	m, err := at.moduleFor(h)
	if err != nil {
		return 0, err
	}
	return m.Write(h, buf)
}

// ReadRootIn reads from the request's root transport handle. Valid
// only during exec, and only on the task owning the service graph's
// input node.
func (at *AddressTable) ReadRootIn(buf []byte) (int, error) {
	if at.rootIn == nil {
		return 0, fmt.Errorf("read root in: %w", ErrNotExecPhase)
	}
	m, err := at.moduleFor(at.rootIn)
	if err != nil {
		return 0, err
	}
	return m.Read(at.rootIn, buf)
}

// WriteRootOut writes to the request's root transport handle. Valid
// only during exec, and only on the task owning the service graph's
// output node.
func (at *AddressTable) WriteRootOut(buf []byte) (int, error) {
	if at.rootOut == nil {
		return 0, fmt.Errorf("write root out: %w", ErrNotExecPhase)
	}
	m, err := at.moduleFor(at.rootOut)
	if err != nil {
		return 0, err
	}
	return m.Write(at.rootOut, buf)
}

// SignaledNull reports whether this exec round wrote to sig_null.
func (at *AddressTable) SignaledNull() bool { return at.nullSignaled }

// SignaledError returns the error recorded by a write to sig_error,
// or nil if none occurred.
func (at *AddressTable) SignaledError() error { return at.errSignaled }

// OpenRLS stores entity in the request's scope and returns its token.
// Valid only during exec.
func (at *AddressTable) OpenRLS(entity rls.Entity) (rls.Token, error) {
	if at.scope == nil {
		return 0, fmt.Errorf("open rls: %w", ErrNotExecPhase)
	}
	return at.scope.Add(entity)
}

// CommitRLS marks token's entry published into pipe data. Valid only
// during exec.
func (at *AddressTable) CommitRLS(token rls.Token) error {
	if at.scope == nil {
		return fmt.Errorf("commit rls: %w", ErrNotExecPhase)
	}
	return at.scope.Commit(token)
}

// InvokeModuleFunctionPipe issues a module-function call against pd's
// transport module. Valid only during exec.
func (at *AddressTable) InvokeModuleFunctionPipe(pd types.PDID, args any) (any, error) {
	h, err := at.handleFor(pd)
	if err != nil {
		return nil, err
	}
	m, err := at.moduleFor(h)
	if err != nil {
		return nil, err
	}
	return m.Cntl(h, pipe.OpInvokeModuleFunction, args)
}

// SpawnAsync offloads fn onto the async task service, returning the
// handle the scheduler will wait on. fn must eventually call
// Complete with the same handle.
func (at *AddressTable) SpawnAsync(fn func(asynctask.Handle)) (asynctask.Handle, error) {
	if at.async == nil {
		return 0, ErrAsyncUnavailable
	}
	return at.async.Spawn(fn), nil
}

// Complete records retcode for h and posts the completion event that
// resumes the parked task on the scheduler's dispatcher thread.
func (at *AddressTable) Complete(h asynctask.Handle, retcode int) error {
	if at.async == nil {
		return ErrAsyncUnavailable
	}
	at.async.Retcode(h, retcode)
	return at.async.Complete(at.node, at.request, h)
}
