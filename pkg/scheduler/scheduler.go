// Package scheduler implements the dispatcher core: the single
// event-processing thread that drains the event queue and drives the
// worker pool, plus the cancellation propagation that consults the
// critical-node analyzer when a task loses its readers.
package scheduler

import (
	"context"
	"errors"
	"sync"

	"github.com/plumberd/plumber/pkg/eventqueue"
	"github.com/plumberd/plumber/pkg/graph"
	"github.com/plumberd/plumber/pkg/log"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/rls"
	"github.com/plumberd/plumber/pkg/servlet"
	"github.com/plumberd/plumber/pkg/task"
	"github.com/plumberd/plumber/pkg/types"
	"github.com/rs/zerolog"
)

// Executor runs a task's action against its installed pipe handles.
// Exec returns a non-zero asyncHandle if the servlet parked the task
// for async completion instead of finishing inline; the scheduler
// then waits for a matching eventqueue.TaskEvent before resuming it.
type Executor interface {
	Exec(t *task.Task) (asyncHandle uint64, err error)
}

type requestState struct {
	id      types.RequestID
	rootIn  *pipe.Handle
	rootOut *pipe.Handle
	scope   *rls.Scope
}

type taskKey struct {
	request types.RequestID
	node    types.NodeID
}

type pendingAsync struct {
	task   *task.Task
	allocs []outAlloc
}

type outAlloc struct {
	edge      graph.Edge
	writeSide *pipe.Handle
	readSide  *pipe.Handle
}

// dispatchQueueCapacity bounds how many ready tasks can sit ahead of
// the worker pool before the dispatcher blocks handing off a newly
// ready task, applying backpressure rather than growing unbounded.
const dispatchQueueCapacity = 1024

// Scheduler is the dispatcher core: one goroutine draining the event
// queue per §4.11's six-step processing loop, plus a worker pool of
// goroutines executing ready tasks.
type Scheduler struct {
	graph    *graph.Graph
	internal pipe.Module
	queue    *eventqueue.Queue
	executor Executor
	workers  int
	killed   *bool
	logger   zerolog.Logger

	mu          sync.Mutex
	tasks       map[taskKey]*task.Task
	requests    map[types.RequestID]*requestState
	pending     map[uint64]pendingAsync
	nextRequest uint64

	ready  chan *task.Task
	stopCh chan struct{}
	wg     sync.WaitGroup

	// OnRequestFinished, if set, is called after a request's scope has
	// been closed and its tasks forgotten. STAB uses it to release the
	// namespace it pinned the request to.
	OnRequestFinished func(types.RequestID)
}

// New returns a scheduler for g, dispatching ready work across workers
// goroutines. internal is the transport module used to allocate the
// memory pipes that connect one servlet's output to the next's input.
// killed, if non-nil, is observed by the dispatcher's event-queue wait
// the same way an event loop observes it; pass nil to let the
// scheduler own its own flag.
func New(g *graph.Graph, internal pipe.Module, queue *eventqueue.Queue, executor Executor, workers int, killed *bool) *Scheduler {
	if killed == nil {
		killed = new(bool)
	}
	if workers < 1 {
		workers = 1
	}
	return &Scheduler{
		graph:    g,
		internal: internal,
		queue:    queue,
		executor: executor,
		workers:  workers,
		killed:   killed,
		logger:   log.WithComponent("scheduler"),
		tasks:    make(map[taskKey]*task.Task),
		requests: make(map[types.RequestID]*requestState),
		pending:  make(map[uint64]pendingAsync),
		ready:    make(chan *task.Task, dispatchQueueCapacity),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the dispatcher goroutine and the worker pool.
func (s *Scheduler) Start() {
	s.wg.Add(1 + s.workers)
	go s.dispatch()
	for i := 0; i < s.workers; i++ {
		go s.work()
	}
}

// Stop sets the killed flag, closes the shutdown channel, and waits
// for the dispatcher and every worker to drain and exit.
func (s *Scheduler) Stop() {
	*s.killed = true
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) dispatch() {
	defer s.wg.Done()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-s.stopCh
		cancel()
	}()

	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		e, ok := s.queue.Take(eventqueue.ConsumerToken{})
		if !ok {
			s.queue.Wait(ctx, eventqueue.ConsumerToken{})
			continue
		}
		switch e.Kind {
		case eventqueue.EventIO:
			s.handleIO(e.IO)
		case eventqueue.EventTask:
			s.handleTaskEvent(e.Task)
		}
	}
}

func (s *Scheduler) work() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case t, ok := <-s.ready:
			if !ok {
				return
			}
			s.runTask(t)
		}
	}
}

// handleIO implements step 2: an accepted connection starts a fresh
// request at the service graph's input node.
func (s *Scheduler) handleIO(io eventqueue.IOEvent) {
	s.mu.Lock()
	s.nextRequest++
	reqID := types.RequestID(s.nextRequest)
	rs := &requestState{
		id:      reqID,
		rootIn:  &pipe.Handle{ID: io.InHandle, Module: io.Module, Role: pipe.RoleReader},
		rootOut: &pipe.Handle{ID: io.OutHandle, Module: io.Module, Role: pipe.RoleWriter},
		scope:   rls.NewScope(),
	}
	s.requests[reqID] = rs
	s.mu.Unlock()

	t := s.getOrCreateTask(reqID, s.graph.InputNode())
	s.dispatchReady(t)
}

// handleTaskEvent implements step 3: an async completion marks its
// task's async input ready and resumes it on the worker pool.
func (s *Scheduler) handleTaskEvent(ev eventqueue.TaskEvent) {
	s.mu.Lock()
	p, ok := s.pending[ev.AsyncHandle]
	if ok {
		delete(s.pending, ev.AsyncHandle)
	}
	s.mu.Unlock()
	if !ok {
		s.logger.Warn().Uint64("async_handle", ev.AsyncHandle).Msg("task event for unknown async handle")
		return
	}

	if ev.Retcode != 0 {
		s.cancelTask(p.task, p.allocs)
		return
	}
	s.finishTask(p.task, p.allocs)
}

// getOrCreateTask returns the task for (request, node), creating it
// (and wiring root handles for the graph's boundary nodes) on first
// reference.
func (s *Scheduler) getOrCreateTask(request types.RequestID, node types.NodeID) *task.Task {
	key := taskKey{request, node}

	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.tasks[key]; ok {
		return t
	}

	t := task.New(s.graph, node, request, types.ActionExec)
	if rs, ok := s.requests[request]; ok {
		t.Scope = rs.scope
		if node == s.graph.InputNode() {
			t.RootIn = rs.rootIn
		}
		if node == s.graph.OutputNode() {
			t.RootOut = rs.rootOut
		}
	}
	s.tasks[key] = t
	return t
}

// dispatchReady pushes t onto the worker pool if it is already ready,
// per step 4. Blocks if the ready queue is saturated.
func (s *Scheduler) dispatchReady(t *task.Task) {
	if t.State() != task.StateReady {
		return
	}
	s.ready <- t
}

// runTask implements step 5: allocate this task's downstream pipes,
// invoke the servlet action, then either park it for async completion
// or hand the produced read sides to downstream tasks.
func (s *Scheduler) runTask(t *task.Task) {
	if !t.MarkRunning() {
		return
	}

	allocs := s.allocateOutputs(t)

	asyncHandle, err := s.executor.Exec(t)
	if err != nil {
		if errors.Is(err, servlet.ErrNullSignal) {
			s.logger.Debug().Uint32("node", uint32(t.Node)).Msg("servlet signalled null output")
		} else {
			s.logger.Error().Err(err).Uint32("node", uint32(t.Node)).Msg("servlet exec failed")
		}
		s.cancelTask(t, allocs)
		return
	}
	if asyncHandle != 0 {
		s.mu.Lock()
		s.pending[asyncHandle] = pendingAsync{task: t, allocs: allocs}
		s.mu.Unlock()
		return
	}
	s.finishTask(t, allocs)
}

// allocateOutputs allocates a memory-pipe pair for every out-edge of
// t's node and installs the write side into t's output PD slot, ahead
// of invoking the servlet.
func (s *Scheduler) allocateOutputs(t *task.Task) []outAlloc {
	edges := s.graph.OutEdges(t.Node)
	allocs := make([]outAlloc, 0, len(edges))
	for _, e := range edges {
		in, out, err := s.internal.Allocate(0, nil)
		if err != nil {
			s.logger.Error().Err(err).Msg("allocate internal pipe failed")
			continue
		}
		t.Install(e.SrcPD, out, types.PDFlagOutput)
		allocs = append(allocs, outAlloc{edge: e, writeSide: out, readSide: in})
	}
	return allocs
}

// finishTask completes step 5's handoff: the write sides are
// deallocated and the read sides installed into each downstream
// task's matching input PD, dispatching any that become ready.
//
// Before any of that, it checks every output PD the task holds for
// the spec's second cancellation origin: a servlet that returns
// without error but writes no bytes to one of its outputs. A servlet
// reaches this either implicitly (never calling WritePipe on that
// PD) or explicitly (writing to sig_null, surfaced here as
// servlet.ErrNullSignal by runTask instead); either way the task's
// output is treated as cancelled rather than handed downstream.
func (s *Scheduler) finishTask(t *task.Task, allocs []outAlloc) {
	for _, a := range allocs {
		n, err := s.internal.Written(a.writeSide)
		if err != nil {
			s.logger.Error().Err(err).Msg("check output bytes written failed")
			continue
		}
		if n == 0 {
			s.logger.Debug().Uint32("node", uint32(t.Node)).Msg("servlet wrote no bytes on an output pd")
			s.cancelTask(t, allocs)
			return
		}
	}

	for _, a := range allocs {
		if err := s.internal.Deallocate(a.writeSide, false, false); err != nil {
			s.logger.Error().Err(err).Msg("deallocate write side failed")
		}
		downstream := s.getOrCreateTask(t.Request, a.edge.DstNode)
		if downstream.Install(a.edge.DstPD, a.readSide, types.PDFlagInput) {
			s.dispatchReady(downstream)
		}
	}
	t.Dispose()

	if t.Node == s.graph.OutputNode() {
		s.finishRequest(t.Request)
	}
}

// cancelTask implements step 6: drain and purge the task's handles,
// then if the task is a critical node propagate cancellation across
// its cluster and boundary.
func (s *Scheduler) cancelTask(t *task.Task, allocs []outAlloc) {
	if !t.Cancel() {
		return
	}

	for _, h := range t.Handles() {
		_ = s.internal.Deallocate(h, true, true)
	}
	for _, a := range allocs {
		_ = s.internal.Deallocate(a.writeSide, true, true)
	}

	info := s.graph.Critical()
	if info == nil || !info.IsCritical(t.Node) {
		return
	}

	for _, member := range info.ClusterMembers(t.Node) {
		s.getOrCreateTask(t.Request, member).Cancel()
	}
	for _, boundaryEdge := range info.Boundary(t.Node) {
		downstream := s.getOrCreateTask(t.Request, boundaryEdge.DstNode)
		if downstream.InputCancelled() {
			s.cancelTask(downstream, nil)
		}
	}
	if info.OutputCancelled(t.Node) {
		s.finishRequest(t.Request)
	}
}

// finishRequest releases the request's scope and forgets its tasks.
// Idempotent: a request already finished is a no-op.
func (s *Scheduler) finishRequest(id types.RequestID) {
	s.mu.Lock()
	rs, ok := s.requests[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.requests, id)
	for key := range s.tasks {
		if key.request == id {
			delete(s.tasks, key)
		}
	}
	s.mu.Unlock()

	rs.scope.Close()
	if s.OnRequestFinished != nil {
		s.OnRequestFinished(id)
	}
}

// RequestCount reports the number of requests currently in flight,
// for the active-requests gauge.
func (s *Scheduler) RequestCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// RLSTokensOutstanding sums the outstanding RLS entries across every
// in-flight request's scope, for the RLS token gauge.
func (s *Scheduler) RLSTokensOutstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, rs := range s.requests {
		total += rs.scope.Len()
	}
	return total
}
