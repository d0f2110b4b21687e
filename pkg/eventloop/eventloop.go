// Package eventloop implements the one-thread-per-accepting-transport
// loop: it repeatedly calls a module's Accept and pushes the
// resulting IO event onto the shared event queue, until the module
// reports it will never produce another event or the loop is asked to
// stop.
package eventloop

import (
	"errors"
	"time"

	"github.com/plumberd/plumber/pkg/eventqueue"
	"github.com/plumberd/plumber/pkg/log"
	"github.com/plumberd/plumber/pkg/pipe"
)

// backoff bounds how often a would-block Accept is retried; a real
// transport module blocks inside Accept itself (kernel accept()), but
// the in-process MemoryModule returns immediately, so the loop backs
// off briefly rather than spinning.
const backoff = time.Millisecond

// Loop drives one transport module's accept cycle onto a producer
// ring of the shared event queue.
type Loop struct {
	module pipe.Module
	queue  *eventqueue.Queue
	token  eventqueue.ProducerToken
	stop   chan struct{}
	done   chan struct{}
}

// New reserves a producer ring on queue and returns a loop for module.
func New(module pipe.Module, queue *eventqueue.Queue) *Loop {
	return &Loop{
		module: module,
		queue:  queue,
		token:  queue.NewProducer(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Run accepts events until Stop is called or the module reports
// ErrEventsExhausted. Intended to run on its own goroutine.
func (l *Loop) Run() {
	defer close(l.done)
	logger := log.WithComponent("eventloop")
	for {
		select {
		case <-l.stop:
			return
		default:
		}

		in, out, err := l.module.Accept(nil)
		switch {
		case errors.Is(err, pipe.ErrEventsExhausted):
			logger.Info().Uint32("module", uint32(l.module.ID())).Msg("transport exhausted, exiting")
			return
		case errors.Is(err, pipe.ErrWouldBlock):
			select {
			case <-l.stop:
				return
			case <-time.After(backoff):
			}
			continue
		case err != nil:
			logger.Error().Err(err).Msg("accept failed")
			continue
		}

		event := eventqueue.Event{
			Kind: eventqueue.EventIO,
			IO: eventqueue.IOEvent{
				InHandle:  in.ID,
				OutHandle: out.ID,
				Module:    in.Module,
			},
		}
		if err := l.queue.Put(l.token, event); err != nil {
			logger.Error().Err(err).Msg("put failed")
		}
	}
}

// Stop asks Run to exit at its next accept cycle.
func (l *Loop) Stop() {
	close(l.stop)
}

// Wait blocks until Run has returned.
func (l *Loop) Wait() {
	<-l.done
}

// Token returns the event queue producer token this loop feeds, so
// the scheduler can attribute events back to their originating
// transport module if needed.
func (l *Loop) Token() eventqueue.ProducerToken {
	return l.token
}
