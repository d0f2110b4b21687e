package runtime

import (
	"context"
	"fmt"

	"github.com/plumberd/plumber/pkg/asynctask"
	"github.com/plumberd/plumber/pkg/config"
	"github.com/plumberd/plumber/pkg/eventloop"
	"github.com/plumberd/plumber/pkg/eventqueue"
	"github.com/plumberd/plumber/pkg/graph"
	"github.com/plumberd/plumber/pkg/log"
	"github.com/plumberd/plumber/pkg/mempool"
	"github.com/plumberd/plumber/pkg/metrics"
	"github.com/plumberd/plumber/pkg/pdt"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/scheduler"
	"github.com/plumberd/plumber/pkg/stab"
	"github.com/plumberd/plumber/pkg/typeexpr/typedb"
	"github.com/plumberd/plumber/pkg/types"
)

// binding remembers a loaded node's servlet id so Finalize can bind it
// into the graph once Finalize itself has succeeded.
type binding struct {
	node  types.NodeID
	sid   types.ServletID
	reuse bool
}

// Builder drives the install sequence a fresh deployment needs: load
// every node's servlet (which runs its init entry point and populates
// its pipe descriptor table), accumulate edges against those tables,
// then finalize and bind. A servlet's PDs exist only after Load runs
// it, so AddEdge is only valid on nodes LoadNode already returned a
// table for; building the graph.Buffer and populating the namespace
// are two sides of the same sequence for this reason, not two
// independent steps the caller could reorder.
type Builder struct {
	cfg      config.Provider
	registry *pipe.Registry
	internal *pipe.MemoryModule
	queue    *eventqueue.Queue
	pages    *mempool.PagePool
	objects  *mempool.ObjectPool
	async    *asynctask.Service
	stab     *stab.STAB
	loops    []*eventloop.Loop
	killed   *bool

	buf      *graph.Buffer
	bindings []binding
}

// NewBuilder constructs the subsystems a Runtime is assembled around:
// the module registry (with the internal memory module registered
// under id 0), the event queue, the memory pools, the async task
// service, and STAB. accepting are the transport modules an event
// loop will drive once the Runtime starts; each must be constructed
// with module id i+1, since pipe.Registry assigns ids by registration
// order rather than by a module's own ID().
func NewBuilder(cfg config.Provider, loader stab.Loader, accepting ...pipe.Module) (*Builder, error) {
	if cfg == nil {
		cfg = config.MapProvider{}
	}

	registry := pipe.NewRegistry()
	internal := pipe.NewMemoryModule(0)
	if id := registry.Register(internal); id != internal.ID() {
		return nil, fmt.Errorf("runtime: internal module registered under id %d, want %d", id, internal.ID())
	}
	for i, m := range accepting {
		want := types.ModuleID(i + 1)
		if m.ID() != want {
			return nil, fmt.Errorf("runtime: accepting module %d must be constructed with id %d, has %d", i, want, m.ID())
		}
		registry.Register(m)
	}

	killed := new(bool)
	queue := eventqueue.NewQueueWithCapacity(killed, cfg.Int("queue.ring_capacity"))

	pages := mempool.NewPagePool(int64(cfg.Int("pool.page_cache_limit")))
	objects := mempool.NewObjectPool(defaultObjectSize, pages, mempool.ThreadPolicy{
		CacheLimit: cfg.Int("pool.object_cache_limit"),
		AllocUnit:  1,
	})

	workers := cfg.Int("scheduler.worker_count")
	asyncSvc := asynctask.New(queue, workers)
	stabTable := stab.New(loader, registry, asyncSvc)

	loops := make([]*eventloop.Loop, 0, len(accepting))
	for _, m := range accepting {
		loops = append(loops, eventloop.New(m, queue))
	}

	return &Builder{
		cfg:      cfg,
		registry: registry,
		internal: internal,
		queue:    queue,
		pages:    pages,
		objects:  objects,
		async:    asyncSvc,
		stab:     stabTable,
		loops:    loops,
		killed:   killed,
		buf:      graph.NewBuffer(),
	}, nil
}

// LoadNode loads desc as node's servlet instance (running its init
// entry point) and registers node in the graph under construction,
// returning the instance's pipe descriptor table so the caller can
// resolve PDIDs by name for a subsequent AddEdge.
func (b *Builder) LoadNode(node types.NodeID, desc string, argv []string, reuse bool) (*pdt.Table, error) {
	sid, err := b.stab.Load(desc, argv)
	if err != nil {
		return nil, fmt.Errorf("runtime: load node %d (%s): %w", node, desc, err)
	}
	table, err := b.stab.Table(sid)
	if err != nil {
		return nil, fmt.Errorf("runtime: load node %d (%s): %w", node, desc, err)
	}
	b.buf.AddNode(node, table)
	b.bindings = append(b.bindings, binding{node: node, sid: sid, reuse: reuse})
	return table, nil
}

// AddEdge connects an output PD of srcNode to an input PD of dstNode.
// Both nodes must already have been loaded via LoadNode.
func (b *Builder) AddEdge(srcNode types.NodeID, srcPD types.PDID, dstNode types.NodeID, dstPD types.PDID) error {
	return b.buf.AddEdge(srcNode, srcPD, dstNode, dstPD)
}

// SetInput designates node as the graph's sole input node.
func (b *Builder) SetInput(node types.NodeID) error { return b.buf.SetInput(node) }

// SetOutput designates node as the graph's sole output node.
func (b *Builder) SetOutput(node types.NodeID) error { return b.buf.SetOutput(node) }

// Finalize validates the accumulated graph against db's type
// environment, binds every loaded servlet to its node via
// STAB.SetOwner, and returns the running Runtime. No Runtime is
// returned on error. If graph.Finalize fails, SetOwner is never
// called; if a SetOwner call fails, the bindings made before it stay
// in place.
func (b *Builder) Finalize(ctx context.Context, db typedb.DB) (*Runtime, error) {
	g, err := graph.Finalize(ctx, db, b.buf)
	if err != nil {
		return nil, fmt.Errorf("runtime: finalize graph: %w", err)
	}
	for _, bind := range b.bindings {
		if err := b.stab.SetOwner(bind.sid, bind.node, bind.reuse); err != nil {
			return nil, fmt.Errorf("runtime: bind node %d: %w", bind.node, err)
		}
	}

	workers := b.cfg.Int("scheduler.worker_count")
	sched := scheduler.New(g, b.internal, b.queue, b.stab, workers, b.killed)
	sched.OnRequestFinished = b.stab.ReleaseRequest

	rt := &Runtime{
		cfg:      b.cfg,
		logger:   log.WithComponent("runtime"),
		registry: b.registry,
		internal: b.internal,
		queue:    b.queue,
		pages:    b.pages,
		objects:  b.objects,
		async:    b.async,
		stab:     b.stab,
		sched:    sched,
		loops:    b.loops,
		killed:   b.killed,
	}
	rt.collector = metrics.NewCollector(rt, 0)
	return rt, nil
}
