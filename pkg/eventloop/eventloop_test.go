package eventloop

import (
	"testing"
	"time"

	"github.com/plumberd/plumber/pkg/eventqueue"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/types"
)

func TestLoopForwardsAcceptedEventsAndExitsOnExhaustion(t *testing.T) {
	module := pipe.NewMemoryModule(types.ModuleID(1))
	module.Feed([]byte("hello"), true)
	module.Feed([]byte("world"), true)
	module.Shutdown()

	queue := eventqueue.NewQueue(nil)
	loop := New(module, queue)

	done := make(chan struct{})
	go func() {
		loop.Run()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after module reported events exhausted")
	}

	seen := 0
	for {
		e, ok := queue.Take(eventqueue.ConsumerToken{})
		if !ok {
			break
		}
		if e.Kind != eventqueue.EventIO {
			t.Errorf("event kind = %v, want EventIO", e.Kind)
		}
		seen++
	}
	if seen != 2 {
		t.Errorf("forwarded %d events, want 2", seen)
	}
}

func TestLoopStopExitsCleanlyWithNoEvents(t *testing.T) {
	module := pipe.NewMemoryModule(types.ModuleID(2))
	queue := eventqueue.NewQueue(nil)
	loop := New(module, queue)

	go loop.Run()

	loop.Stop()

	done := make(chan struct{})
	go func() {
		loop.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("loop did not exit after Stop")
	}
}

func TestLoopRetriesOnWouldBlockThenForwardsLateEvent(t *testing.T) {
	module := pipe.NewMemoryModule(types.ModuleID(3))
	queue := eventqueue.NewQueue(nil)
	loop := New(module, queue)

	go loop.Run()

	time.Sleep(5 * time.Millisecond)
	module.Feed([]byte("late"), true)

	deadline := time.After(2 * time.Second)
	for {
		if e, ok := queue.Take(eventqueue.ConsumerToken{}); ok {
			if e.Kind != eventqueue.EventIO {
				t.Errorf("event kind = %v, want EventIO", e.Kind)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for late-fed event to be forwarded")
		default:
		}
	}

	loop.Stop()
	loop.Wait()
}
