// Package runtime is the engine's composition root: it wires the
// module registry, event queue, memory pools, async task service,
// STAB, and scheduler into a single value with an explicit
// constructor and Close, rather than the file-static mutable globals
// §9's design notes warn against. Grounded on the teacher's
// pkg/runtime/containerd.go's NewXxx(...) (*T, error) / Close() error
// shape, with the containerd client replaced by the engine's own
// subsystems.
//
// Construction is two-phase, via Builder: a service graph's edges
// name pipe descriptors by id, but a servlet only declares its
// descriptors when its init entry point runs inside STAB.Load, so
// every node must be loaded before any edge touching it can be added.
// Builder.LoadNode does both steps (load, then add the node to the
// graph under construction) and hands back the table for PDID lookups;
// Builder.Finalize validates the accumulated graph and returns a
// running Runtime. NodeSpec and Runtime.Install cover the simpler
// case of a later hot-deploy, which rebinds existing node ids to new
// servlet instances without touching the graph.
package runtime

import (
	"fmt"
	"net/http"
	"os"
	"runtime/pprof"
	"sync"

	"github.com/plumberd/plumber/pkg/asynctask"
	"github.com/plumberd/plumber/pkg/config"
	"github.com/plumberd/plumber/pkg/eventloop"
	"github.com/plumberd/plumber/pkg/eventqueue"
	"github.com/plumberd/plumber/pkg/mempool"
	"github.com/plumberd/plumber/pkg/metrics"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/scheduler"
	"github.com/plumberd/plumber/pkg/stab"
	"github.com/plumberd/plumber/pkg/types"
	"github.com/rs/zerolog"
)

// defaultObjectSize is the slab size the shared ObjectPool carves its
// buffers to. Not configurable: unlike the cache limits, it isn't one
// of SPEC_FULL.md's known property-callback keys, and every servlet
// reads/writes through ReadPipe/WritePipe regardless of the backing
// slab size.
const defaultObjectSize = 512

// NodeSpec binds one existing service graph node to a replacement
// servlet, for Runtime.Install's hot-deploy path.
type NodeSpec struct {
	Node  types.NodeID
	Desc  string
	Argv  []string
	Reuse bool
}

// Runtime is the engine's composition root.
type Runtime struct {
	cfg    config.Provider
	logger zerolog.Logger

	registry *pipe.Registry
	internal *pipe.MemoryModule
	queue    *eventqueue.Queue
	pages    *mempool.PagePool
	objects  *mempool.ObjectPool
	async    *asynctask.Service
	stab     *stab.STAB
	sched    *scheduler.Scheduler

	loops     []*eventloop.Loop
	collector *metrics.Collector

	killed *bool
	wg     sync.WaitGroup

	profile *os.File
}

// Install loads and binds each spec's servlet instance into the
// current STAB namespace, matching §4.2's load -> set_owner sequence
// (STAB.Load already runs the servlet's init entry point). Use it
// after StageDeploy to populate a staged namespace for a hot-deploy;
// every spec's Node must already be a node of the running graph.
func (rt *Runtime) Install(specs []NodeSpec) error {
	for _, spec := range specs {
		sid, err := rt.stab.Load(spec.Desc, spec.Argv)
		if err != nil {
			return fmt.Errorf("runtime: install node %d (%s): %w", spec.Node, spec.Desc, err)
		}
		if err := rt.stab.SetOwner(sid, spec.Node, spec.Reuse); err != nil {
			return fmt.Errorf("runtime: install node %d (%s): %w", spec.Node, spec.Desc, err)
		}
	}
	return nil
}

// StageDeploy opens a staged namespace so a subsequent Install targets
// it instead of the active one, per §4.2's hot-deploy sequence.
func (rt *Runtime) StageDeploy() error { return rt.stab.SwitchNamespace() }

// CommitDeploy promotes the staged namespace to active. In-flight
// requests keep running against the namespace they started on.
func (rt *Runtime) CommitDeploy() error { return rt.stab.CommitNamespace() }

// DisposeDeploy unloads the namespace CommitDeploy demoted to
// previous, once every request pinned to it has finished.
func (rt *Runtime) DisposeDeploy() error { return rt.stab.DisposeUnused() }

// RevertDeploy discards a staged namespace without promoting it.
func (rt *Runtime) RevertDeploy() error { return rt.stab.RevertCurrentNamespace() }

// Start launches the scheduler's worker pool, one goroutine per
// accepting module's event loop, the metrics collector, and a CPU
// profile if profiler.enabled is set. Start does not block.
func (rt *Runtime) Start() error {
	if rt.cfg.Bool("profiler.enabled") {
		if err := rt.startProfile(); err != nil {
			return err
		}
	}

	rt.sched.Start()
	for _, l := range rt.loops {
		rt.wg.Add(1)
		go func(l *eventloop.Loop) {
			defer rt.wg.Done()
			l.Run()
		}(l)
	}
	rt.collector.Start()

	metrics.RegisterComponent("scheduler", true, "")
	metrics.RegisterComponent("stab", true, "")
	return nil
}

func (rt *Runtime) startProfile() error {
	path := rt.cfg.String("profiler.output")
	if path == "" {
		return fmt.Errorf("runtime: profiler.enabled set but profiler.output is empty")
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("runtime: create profile output %s: %w", path, err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return fmt.Errorf("runtime: start cpu profile: %w", err)
	}
	rt.profile = f
	return nil
}

// HTTPMux returns the metrics and health endpoints a caller mounts on
// its own listener, grounded on cmd/warren/main.go's
// http.Handle("/health", metrics.HealthHandler()) block.
func (rt *Runtime) HTTPMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", metrics.HealthHandler())
	mux.Handle("/readyz", metrics.ReadyHandler())
	mux.Handle("/livez", metrics.LivenessHandler())
	return mux
}

// InternalModule returns the in-process memory module the scheduler
// uses for edges internal to the service graph, so a caller (tests,
// or an admin servlet) can drive traffic through it when no real
// transport module is registered.
func (rt *Runtime) InternalModule() *pipe.MemoryModule { return rt.internal }

// Feed injects payload as a fresh request against the internal memory
// module and posts the resulting accept onto the event queue, for
// callers (tests, administrative tooling) driving the graph without a
// real transport module registered.
func (rt *Runtime) Feed(payload []byte) error {
	rt.internal.Feed(payload, true)
	in, out, err := rt.internal.Accept(nil)
	if err != nil {
		return fmt.Errorf("runtime: feed: %w", err)
	}
	prod := rt.queue.NewProducer()
	event := eventqueue.Event{
		Kind: eventqueue.EventIO,
		IO:   eventqueue.IOEvent{InHandle: in.ID, OutHandle: out.ID, Module: in.Module},
	}
	return rt.queue.Put(prod, event)
}

// ActiveRequests implements metrics.Source.
func (rt *Runtime) ActiveRequests() int { return rt.sched.RequestCount() }

// QueueDepths implements metrics.Source, keying each producer ring's
// depth by its token's decimal string (the gauge's "ring" label has no
// richer name to give a producer than the token it was minted under).
func (rt *Runtime) QueueDepths() map[string]int {
	depths := rt.queue.Depths()
	out := make(map[string]int, len(depths))
	for tok, depth := range depths {
		out[fmt.Sprintf("%d", tok)] = depth
	}
	return out
}

// AsyncOccupancy implements metrics.Source.
func (rt *Runtime) AsyncOccupancy() int { return rt.async.Occupancy() }

// RLSTokensOutstanding implements metrics.Source.
func (rt *Runtime) RLSTokensOutstanding() int { return rt.sched.RLSTokensOutstanding() }

// Close stops the metrics collector, every event loop, the scheduler,
// and the async task pool, then closes the CPU profile if one was
// started. Close does not wait for in-flight requests to drain; call
// DisposeDeploy in a loop first if that matters.
func (rt *Runtime) Close() error {
	rt.collector.Stop()
	*rt.killed = true

	for _, l := range rt.loops {
		l.Stop()
	}
	rt.wg.Wait()

	rt.sched.Stop()
	rt.async.Stop()

	if rt.profile != nil {
		pprof.StopCPUProfile()
		if err := rt.profile.Close(); err != nil {
			return fmt.Errorf("runtime: close profile output: %w", err)
		}
	}
	return nil
}
