// Package task defines the per-node execution unit the scheduler
// dispatches: a service-graph node bound to one request, its pipe
// handle slots, and the readiness counter that decides when it moves
// from pending to ready.
package task

import (
	"sync"

	"github.com/plumberd/plumber/pkg/graph"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/rls"
	"github.com/plumberd/plumber/pkg/types"
)

// State is a task's position in the pending -> ready -> running ->
// disposed lifecycle.
type State int

const (
	StatePending State = iota
	StateReady
	StateRunning
	StateDisposed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateDisposed:
		return "disposed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Task is the per-node execution unit: a service-graph pointer, the
// node it runs, the request it belongs to, an array of pipe handles
// indexed by the node's PD id, an action kind, and flags.
type Task struct {
	mu sync.Mutex

	Graph   *graph.Graph
	Node    types.NodeID
	Request types.RequestID
	Action  types.ActionKind

	// RootIn and RootOut carry the request's root transport handles.
	// RootIn is set only on the task for the service graph's input
	// node, RootOut only on the task for its output node; both are nil
	// for every other task.
	RootIn  *pipe.Handle
	RootOut *pipe.Handle

	// Scope is the request-local scope shared by every task belonging
	// to the same request, set once when the task is created.
	Scope *rls.Scope

	handles map[types.PDID]*pipe.Handle

	pendingInputs int
	state         State
}

// New returns a pending task for node within request, with pendingInputs
// set to the number of non-shadow input PDs on the node's table.
func New(g *graph.Graph, node types.NodeID, request types.RequestID, action types.ActionKind) *Task {
	table, ok := g.Table(node)
	pending := 0
	if ok {
		for pd := types.PDID(0); pd < types.PDID(table.Size()); pd++ {
			flags, err := table.Flags(pd)
			if err == nil && flags.IsInput() && !flags.IsShadow() {
				pending++
			}
		}
	}
	return &Task{
		Graph:         g,
		Node:          node,
		Request:       request,
		Action:        action,
		handles:       make(map[types.PDID]*pipe.Handle),
		pendingInputs: pending,
		state:         StatePending,
	}
}

// State returns the task's current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Handle returns the pipe handle installed at pd, if any.
func (t *Task) Handle(pd types.PDID) (*pipe.Handle, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.handles[pd]
	return h, ok
}

// Install attaches a handle to pd. If pd is a non-shadow input PD that
// did not already have a handle, the readiness counter is decremented;
// the task transitions to ready once the counter reaches zero. Install
// is idempotent for a PD that already holds a handle.
func (t *Task) Install(pd types.PDID, h *pipe.Handle, flags types.PDFlags) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, already := t.handles[pd]; already {
		t.handles[pd] = h
		return t.state == StateReady
	}
	t.handles[pd] = h

	if flags.IsInput() && !flags.IsShadow() {
		t.pendingInputs--
		if t.pendingInputs <= 0 && t.state == StatePending {
			t.state = StateReady
		}
	}
	return t.state == StateReady
}

// MarkRunning transitions a ready task to running. It reports false if
// the task was not ready.
func (t *Task) MarkRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateReady {
		return false
	}
	t.state = StateRunning
	return true
}

// Dispose marks the task disposed; its handle slots are cleared so the
// underlying handles can be garbage collected once the caller has
// deallocated them.
func (t *Task) Dispose() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handles = nil
	t.state = StateDisposed
}

// Cancel marks the task cancelled. It is idempotent: cancelling an
// already-disposed or already-cancelled task is a no-op.
func (t *Task) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDisposed || t.state == StateCancelled {
		return false
	}
	t.state = StateCancelled
	return true
}

// InputCancelled decrements the pending-input counter as if an input
// had arrived, for the case where an upstream producer cancels instead
// of delivering a handle. It reports whether this cancellation alone
// now leaves the task with no way to ever become ready, in which case
// the caller should cancel it too.
func (t *Task) InputCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDisposed || t.state == StateCancelled {
		return false
	}
	t.pendingInputs--
	return t.pendingInputs <= 0 && t.state == StatePending
}

// Handles returns a snapshot of every installed handle, keyed by PD.
func (t *Task) Handles() map[types.PDID]*pipe.Handle {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[types.PDID]*pipe.Handle, len(t.handles))
	for pd, h := range t.handles {
		out[pd] = h
	}
	return out
}
