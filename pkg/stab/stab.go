// Package stab implements the Servlet Table: the load/bind/deploy
// surface a graph installer drives to populate the servlet instances a
// service graph's nodes execute against, and the scheduler.Executor
// that runs them. Grounded on spec §4.2 and
// include/runtime/stab.h's sid-indexed entry table.
package stab

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/plumberd/plumber/pkg/asynctask"
	"github.com/plumberd/plumber/pkg/log"
	"github.com/plumberd/plumber/pkg/pdt"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/servlet"
	"github.com/plumberd/plumber/pkg/task"
	"github.com/plumberd/plumber/pkg/types"
	"github.com/rs/zerolog"
)

var (
	// ErrReuseForbidden is returned by SetOwner when sid already owns
	// a different node and reuse was not requested.
	ErrReuseForbidden = errors.New("stab: servlet instance already owns a node, reuse not requested")
	// ErrNoStagedDeploy is returned by RevertCurrentNamespace or
	// CommitNamespace when no SwitchNamespace is in progress.
	ErrNoStagedDeploy = errors.New("stab: no staged namespace")
	// ErrDeployInFlight is returned by SwitchNamespace when a deploy
	// is already staged.
	ErrDeployInFlight = errors.New("stab: a namespace is already staged")
	// ErrNamespaceInUse is returned by DisposeUnused while the
	// displaced namespace still has running tasks, and by
	// CommitNamespace while the namespace displaced by the previous
	// commit has not been disposed yet; safe to retry once they drain.
	ErrNamespaceInUse = errors.New("stab: previous namespace still has running tasks")
	// ErrUnknownServlet is returned for an sid not registered in the
	// namespace consulted.
	ErrUnknownServlet = errors.New("stab: unknown servlet id")
	// ErrUnboundNode is returned by Exec when the task's node has no
	// owning servlet instance in its request's namespace.
	ErrUnboundNode = errors.New("stab: node has no owning servlet instance")
)

// Loader resolves a servlet binary's definition by its description
// string, the Go-native stand-in for dlopen'ing a shared object named
// by runtime_servlet_binary_t's search path. The composition root
// supplies one backed by a static registry of linked-in definitions.
type Loader interface {
	Lookup(desc string) (*servlet.Definition, error)
}

// LoaderFunc adapts a plain function to Loader.
type LoaderFunc func(desc string) (*servlet.Definition, error)

// Lookup calls f.
func (f LoaderFunc) Lookup(desc string) (*servlet.Definition, error) { return f(desc) }

// namespace is one of STAB's two parallel tables: the loaded servlet
// instances and the node bindings over them, plus a count of tasks
// currently executing against it so DisposeUnused knows when it is
// safe to free.
type namespace struct {
	generation uuid.UUID
	instances  map[types.ServletID]*servlet.Instance
	owners     map[types.NodeID]types.ServletID
	ownerOf    map[types.ServletID]types.NodeID
	refCount   int64
}

func newNamespace() *namespace {
	return &namespace{
		generation: uuid.New(),
		instances:  make(map[types.ServletID]*servlet.Instance),
		owners:     make(map[types.NodeID]types.ServletID),
		ownerOf:    make(map[types.ServletID]types.NodeID),
	}
}

// STAB is the Servlet Table and Namespace: the active namespace serves
// every new request, while a hot-deploy in progress populates a
// staged namespace until CommitNamespace installs it or
// RevertCurrentNamespace discards it. Adapted from the teacher's
// active-state-plus-staged-change deploy model without a replicated
// log: here it is a single in-process pointer swap guarded by a
// mutex, not raft.
type STAB struct {
	mu       sync.Mutex
	loader   Loader
	registry *pipe.Registry
	async    *asynctask.Service
	logger   zerolog.Logger

	active   *namespace
	staged   *namespace
	previous *namespace

	// requestNamespace pins a request to the namespace that was
	// active when its first task ran, so a hot-deploy mid-flight
	// never changes which servlet instances an in-progress request
	// sees. Entries are released via ReleaseRequest, wired to the
	// scheduler's request-finished hook.
	requestNamespace map[types.RequestID]*namespace

	nextServlet uint32
}

// New returns a STAB with a single empty active namespace. registry
// resolves the transport module owning a task's handles during Exec;
// async runs offloaded AsyncExec work.
func New(loader Loader, registry *pipe.Registry, async *asynctask.Service) *STAB {
	return &STAB{
		loader:           loader,
		registry:         registry,
		async:            async,
		logger:           log.WithComponent("stab"),
		active:           newNamespace(),
		requestNamespace: make(map[types.RequestID]*namespace),
	}
}

// currentForLoad returns the namespace Load and SetOwner populate: the
// staged namespace during a hot-deploy, otherwise the active one.
// Callers must hold s.mu.
func (s *STAB) currentForLoad() *namespace {
	if s.staged != nil {
		return s.staged
	}
	return s.active
}

// Load finds or loads the servlet binary named by desc, calls its
// init entry with argv so the binary registers PDs and claims
// instance memory, and registers the resulting instance in the
// namespace currently open for loading.
func (s *STAB) Load(desc string, argv []string) (types.ServletID, error) {
	def, err := s.loader.Lookup(desc)
	if err != nil {
		return 0, fmt.Errorf("stab: load %q: %w", desc, err)
	}

	inst := servlet.NewInstance(def, argv)
	if err := inst.Init(log.WithComponent("servlet." + desc)); err != nil {
		return 0, fmt.Errorf("stab: load %q: %w", desc, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.currentForLoad()
	s.nextServlet++
	sid := types.ServletID(s.nextServlet)
	ns.instances[sid] = inst
	return sid, nil
}

// SetOwner binds sid to node in the namespace currently open for
// loading. reuse must be true to rebind an instance that already owns
// a different node; include/runtime/stab.h warns against this ("DO
// NOT pass the reuse flag unless you know what you are doing") since
// a shared instance's Data is uninsulated state visible to every node
// that owns it.
func (s *STAB) SetOwner(sid types.ServletID, node types.NodeID, reuse bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.currentForLoad()

	if _, ok := ns.instances[sid]; !ok {
		return fmt.Errorf("stab: set owner %d: %w", sid, ErrUnknownServlet)
	}
	if prior, bound := ns.ownerOf[sid]; bound && prior != node {
		if !reuse {
			return fmt.Errorf("stab: set owner %d on node %d: %w", sid, node, ErrReuseForbidden)
		}
		s.logger.Warn().Uint32("sid", uint32(sid)).Uint32("node", uint32(node)).Msg("reusing servlet instance across nodes")
	}
	ns.owners[node] = sid
	ns.ownerOf[sid] = node
	return nil
}

// Table returns the pipe descriptor table a prior Load call built for
// sid, so a graph installer can resolve PDIDs by name for AddEdge
// before the graph is finalized. Looks in whichever namespace is
// currently open for loading, matching Load's own placement.
func (s *STAB) Table(sid types.ServletID) (*pdt.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns := s.currentForLoad()
	inst, ok := ns.instances[sid]
	if !ok {
		return nil, fmt.Errorf("stab: table %d: %w", sid, ErrUnknownServlet)
	}
	return inst.Table, nil
}

// GetOwner returns the servlet id bound to node in the active
// namespace.
func (s *STAB) GetOwner(node types.NodeID) (types.ServletID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.active.owners[node]
	return sid, ok
}

// Describe returns the description and version of the instance
// currently owning node in the active namespace.
func (s *STAB) Describe(node types.NodeID) (desc string, version uint32, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sid, bound := s.active.owners[node]
	if !bound {
		return "", 0, false
	}
	inst, ok := s.active.instances[sid]
	if !ok {
		return "", 0, false
	}
	return inst.Def.Desc, inst.Def.Version, true
}

// SwitchNamespace stages a fresh empty namespace for a hot-deploy.
// Load and SetOwner calls made after this populate the staged
// namespace instead of the active one, until CommitNamespace or
// RevertCurrentNamespace.
func (s *STAB) SwitchNamespace() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged != nil {
		return ErrDeployInFlight
	}
	s.staged = newNamespace()
	return nil
}

// CommitNamespace installs the staged namespace as active once the
// new service graph referencing it has been installed. The displaced
// namespace is kept as previous, still serving requests already
// in flight against it, until DisposeUnused frees it.
func (s *STAB) CommitNamespace() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		return ErrNoStagedDeploy
	}
	if s.previous != nil {
		return fmt.Errorf("stab: commit namespace: %w", ErrNamespaceInUse)
	}
	s.previous = s.active
	s.active = s.staged
	s.staged = nil
	return nil
}

// DisposeUnused frees the namespace displaced by the last
// CommitNamespace once its running-task count has drained to zero,
// unloading every instance it still holds. It reports
// ErrNamespaceInUse, safe to retry, while tasks are still outstanding.
func (s *STAB) DisposeUnused() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.previous == nil {
		return nil
	}
	if s.previous.refCount > 0 {
		return ErrNamespaceInUse
	}
	s.disposeNamespace(s.previous)
	s.previous = nil
	return nil
}

// RevertCurrentNamespace aborts a staged deploy, unloading whatever
// instances it had already loaded. The active namespace is untouched.
func (s *STAB) RevertCurrentNamespace() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.staged == nil {
		return ErrNoStagedDeploy
	}
	s.disposeNamespace(s.staged)
	s.staged = nil
	return nil
}

// disposeNamespace calls Unload on every instance ns still holds.
// Callers must hold s.mu.
func (s *STAB) disposeNamespace(ns *namespace) {
	for _, inst := range ns.instances {
		if inst.Def.Unload == nil {
			continue
		}
		at := servlet.NewInitAddressTable(inst.Table, s.logger)
		if err := inst.Def.Unload(at, inst.Data); err != nil {
			s.logger.Error().Err(err).Str("servlet", inst.Def.Desc).Msg("servlet unload failed")
		}
	}
}

// ReleaseRequest forgets the namespace binding recorded for id. Wired
// to the scheduler's request-finished hook so the request-to-namespace
// pinning map does not grow without bound.
func (s *STAB) ReleaseRequest(id types.RequestID) {
	s.mu.Lock()
	delete(s.requestNamespace, id)
	s.mu.Unlock()
}

// resolve pins t.Request to a namespace on first reference, looks up
// the servlet instance owning t.Node within it, and marks one more
// task running against that namespace.
func (s *STAB) resolve(t *task.Task) (*servlet.Instance, *namespace, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ns, ok := s.requestNamespace[t.Request]
	if !ok {
		ns = s.active
		s.requestNamespace[t.Request] = ns
	}

	sid, ok := ns.owners[t.Node]
	if !ok {
		return nil, nil, fmt.Errorf("stab: exec node %d: %w", t.Node, ErrUnboundNode)
	}
	inst, ok := ns.instances[sid]
	if !ok {
		return nil, nil, fmt.Errorf("stab: exec node %d sid %d: %w", t.Node, sid, ErrUnknownServlet)
	}

	ns.refCount++
	return inst, ns, nil
}

// release marks one task execution against ns finished.
func (s *STAB) release(ns *namespace) {
	s.mu.Lock()
	ns.refCount--
	s.mu.Unlock()
}

// Exec implements scheduler.Executor: it resolves t.Node to its owning
// servlet instance within t.Request's pinned namespace, builds the
// exec-phase address table over the task's installed handles, and
// invokes the instance's Exec inline or, for an async servlet,
// dispatches AsyncExec onto the async task service and returns the
// reserved handle so the scheduler parks the task until completion.
func (s *STAB) Exec(t *task.Task) (uint64, error) {
	inst, ns, err := s.resolve(t)
	if err != nil {
		return 0, err
	}

	ec := servlet.ExecContext{
		Registry: s.registry,
		Handles:  t.Handles(),
		RootIn:   t.RootIn,
		RootOut:  t.RootOut,
		Scope:    t.Scope,
		Async:    s.async,
	}
	at := servlet.NewExecAddressTable(t.Node, t.Request, inst.Table, ec, log.WithComponent("servlet."+inst.Def.Desc), inst.SigNull, inst.SigError)

	if !inst.Def.Async() {
		defer s.release(ns)
		if err := inst.Def.Exec(at, inst.Data); err != nil {
			return 0, fmt.Errorf("stab: servlet %s exec: %w", inst.Def.Desc, err)
		}
		if sigErr := at.SignaledError(); sigErr != nil {
			return 0, fmt.Errorf("stab: servlet %s: %w", inst.Def.Desc, sigErr)
		}
		if at.SignaledNull() {
			return 0, fmt.Errorf("stab: servlet %s: %w", inst.Def.Desc, servlet.ErrNullSignal)
		}
		return 0, nil
	}

	if s.async == nil {
		s.release(ns)
		return 0, fmt.Errorf("stab: servlet %s exec: %w", inst.Def.Desc, servlet.ErrAsyncUnavailable)
	}

	handle := s.async.Reserve()
	s.async.SpawnReserved(handle, func(h asynctask.Handle) {
		defer s.release(ns)
		retcode := 0
		if err := inst.Def.AsyncExec(at, inst.Data, h); err != nil {
			s.logger.Error().Err(err).Str("servlet", inst.Def.Desc).Msg("async exec failed")
			retcode = 1
		} else if sigErr := at.SignaledError(); sigErr != nil {
			s.logger.Error().Err(sigErr).Str("servlet", inst.Def.Desc).Msg("async exec signalled error")
			retcode = 1
		} else if at.SignaledNull() {
			s.logger.Debug().Str("servlet", inst.Def.Desc).Msg("async exec signalled null")
			retcode = 1
		}
		if inst.Def.AsyncCleanup != nil {
			if err := inst.Def.AsyncCleanup(at, inst.Data); err != nil {
				s.logger.Error().Err(err).Str("servlet", inst.Def.Desc).Msg("async cleanup failed")
			}
		}
		s.async.Retcode(h, retcode)
		if err := s.async.Complete(t.Node, t.Request, h); err != nil {
			s.logger.Error().Err(err).Msg("post async completion failed")
		}
	})
	return uint64(handle), nil
}
