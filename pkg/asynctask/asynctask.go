// Package asynctask implements the Async Task Service: a bounded
// goroutine pool that offloaded servlet work runs on, completion of
// which is posted back to the scheduler as a TaskEvent so downstream
// activation resumes on the dispatcher thread instead of the worker
// that parked it.
package asynctask

import (
	"sync"

	"github.com/plumberd/plumber/pkg/eventqueue"
	"github.com/plumberd/plumber/pkg/log"
	"github.com/plumberd/plumber/pkg/types"
	"github.com/rs/zerolog"
)

// Handle identifies one outstanding piece of offloaded work.
type Handle uint64

// state tracks one handle's wait/wakeup bookkeeping between SetWait
// and NotifyWait, mirroring §4.12's "set_wait (park), notify_wait
// (external wakeup)" pair.
type state struct {
	mu      sync.Mutex
	wake    chan struct{}
	woken   bool
	retcode int
}

// Service is the Async Task Service: servlets enqueue closures onto a
// bounded worker pool via Spawn; a closure that calls SetWait parks
// until a matching NotifyWait. The TaskEvent that resumes the parked
// task is posted onto the event queue only by Complete.
type Service struct {
	queue    *eventqueue.Queue
	producer eventqueue.ProducerToken
	logger   zerolog.Logger

	work chan func()

	mu     sync.Mutex
	states map[Handle]*state
	next   uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New returns a service with the given number of pool goroutines,
// posting completions onto queue.
func New(queue *eventqueue.Queue, poolSize int) *Service {
	if poolSize < 1 {
		poolSize = 1
	}
	s := &Service{
		queue:    queue,
		producer: queue.NewProducer(),
		logger:   log.WithComponent("asynctask"),
		work:     make(chan func()),
		states:   make(map[Handle]*state),
		stopCh:   make(chan struct{}),
	}
	s.wg.Add(poolSize)
	for i := 0; i < poolSize; i++ {
		go s.loop()
	}
	return s
}

func (s *Service) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case fn, ok := <-s.work:
			if !ok {
				return
			}
			fn()
		}
	}
}

func (s *Service) newHandle() Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	h := Handle(s.next)
	s.states[h] = &state{}
	return h
}

func (s *Service) cleanup(h Handle) {
	s.mu.Lock()
	delete(s.states, h)
	s.mu.Unlock()
}

func (s *Service) stateFor(h Handle) *state {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[h]
}

// Occupancy reports the number of handles currently reserved or
// running, for the async pool occupancy gauge.
func (s *Service) Occupancy() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.states)
}

// Spawn enqueues fn onto the pool, running it on the next free
// goroutine, and returns the handle identifying this run. fn receives
// the same handle, which it passes to SetWait/NotifyWait/Retcode, and
// is responsible for calling Complete with it before returning so the
// scheduler learns the work finished.
//
// The handle is minted synchronously so a caller (the STAB servlet
// executor) can hand it to the scheduler before fn has even started
// on a pool goroutine.
func (s *Service) Spawn(fn func(Handle)) Handle {
	h := s.Reserve()
	s.SpawnReserved(h, fn)
	return h
}

// Reserve mints a handle without scheduling any work against it yet.
// Pair with SpawnReserved.
func (s *Service) Reserve() Handle {
	return s.newHandle()
}

// SpawnReserved enqueues fn to run against a handle obtained earlier
// from Reserve, instead of minting a fresh one.
func (s *Service) SpawnReserved(h Handle, fn func(Handle)) {
	s.work <- func() {
		defer s.cleanup(h)
		fn(h)
	}
}

// SetWait parks the calling closure until NotifyWait is called for
// the same handle from outside the pool, or returns immediately if a
// NotifyWait already arrived before this SetWait (the wakeup is not
// lost).
func (s *Service) SetWait(h Handle) {
	st := s.stateFor(h)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.woken {
		st.woken = false
		st.mu.Unlock()
		return
	}
	ch := make(chan struct{})
	st.wake = ch
	st.mu.Unlock()

	<-ch
}

// NotifyWait wakes a closure parked in SetWait for h. If SetWait has
// not been called yet, the wakeup is remembered so the next SetWait
// returns immediately.
func (s *Service) NotifyWait(h Handle) {
	st := s.stateFor(h)
	if st == nil {
		return
	}
	st.mu.Lock()
	if st.wake != nil {
		close(st.wake)
		st.wake = nil
	} else {
		st.woken = true
	}
	st.mu.Unlock()
}

// Retcode records the outcome a closure reports for h. Call before
// returning from the closure; Complete reads it when posting the
// completion event.
func (s *Service) Retcode(h Handle, code int) {
	st := s.stateFor(h)
	if st == nil {
		return
	}
	st.mu.Lock()
	st.retcode = code
	st.mu.Unlock()
}

// Complete posts a TaskEvent for the task/request that owns h, using
// the retcode last recorded via Retcode (zero if none was set). The
// scheduler's dispatcher resumes the parked task on its next Take.
func (s *Service) Complete(node types.NodeID, request types.RequestID, h Handle) error {
	retcode := 0
	if st := s.stateFor(h); st != nil {
		st.mu.Lock()
		retcode = st.retcode
		st.mu.Unlock()
	}
	event := eventqueue.Event{
		Kind: eventqueue.EventTask,
		Task: eventqueue.TaskEvent{
			Task:        node,
			Request:     request,
			AsyncHandle: uint64(h),
			Retcode:     retcode,
		},
	}
	return s.queue.Put(s.producer, event)
}

// Stop closes the service's stop channel and waits for every pool
// goroutine to finish its current closure and exit.
func (s *Service) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}
