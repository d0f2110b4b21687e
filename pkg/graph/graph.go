// Package graph builds and validates the immutable compiled form of a
// dataflow: a Buffer accumulates nodes and edges, and Finalize checks
// the structural invariants, runs type resolution, runs critical-node
// analysis, and returns a read-only Graph safe to share across worker
// goroutines.
package graph

import (
	"context"
	"errors"
	"fmt"

	"github.com/plumberd/plumber/pkg/critical"
	"github.com/plumberd/plumber/pkg/pdt"
	"github.com/plumberd/plumber/pkg/resolver"
	"github.com/plumberd/plumber/pkg/typeexpr/typedb"
	"github.com/plumberd/plumber/pkg/types"
)

var (
	// ErrNoInput is returned when Finalize is called before SetInput.
	ErrNoInput = errors.New("graph: no input node designated")
	// ErrNoOutput is returned when Finalize is called before SetOutput.
	ErrNoOutput = errors.New("graph: no output node designated")
	// ErrUnknownNode is returned by AddEdge/SetInput/SetOutput when the
	// referenced node id was never added via AddNode.
	ErrUnknownNode = errors.New("graph: unknown node id")
	// ErrCyclic is returned by Finalize when the edge set contains a
	// cycle.
	ErrCyclic = errors.New("graph: cyclic edge set")
	// ErrUnreachable is returned by Finalize when a node cannot be
	// reached from the input node.
	ErrUnreachable = errors.New("graph: node not reachable from input")
	// ErrDanglingInput is returned by Finalize when a non-input node
	// has an input PD with no incoming edge.
	ErrDanglingInput = errors.New("graph: input pd has no incoming edge")
	// ErrDeadEnd is returned by Finalize when a non-output node has no
	// downstream edge at all.
	ErrDeadEnd = errors.New("graph: non-output node has no downstream edge")
)

// Edge connects an output PD on one node to an input PD on another.
type Edge struct {
	SrcNode types.NodeID
	SrcPD   types.PDID
	DstNode types.NodeID
	DstPD   types.PDID
}

// Buffer accumulates nodes and edges before Finalize validates and
// compiles them. A Buffer is not safe for concurrent use; callers
// build one on a single goroutine during graph construction.
type Buffer struct {
	nodes      map[types.NodeID]*pdt.Table
	edges      []Edge
	inputNode  types.NodeID
	hasInput   bool
	outputNode types.NodeID
	hasOutput  bool
}

// NewBuffer returns an empty graph buffer.
func NewBuffer() *Buffer {
	return &Buffer{nodes: make(map[types.NodeID]*pdt.Table)}
}

// AddNode registers a servlet instance's sealed PDT under node. The
// table must already be sealed: the buffer only builds edges across
// init-complete servlets.
func (b *Buffer) AddNode(node types.NodeID, table *pdt.Table) {
	b.nodes[node] = table
}

// AddEdge records a connection from an output PD to an input PD.
func (b *Buffer) AddEdge(srcNode types.NodeID, srcPD types.PDID, dstNode types.NodeID, dstPD types.PDID) error {
	if _, ok := b.nodes[srcNode]; !ok {
		return fmt.Errorf("add edge: src node %d: %w", srcNode, ErrUnknownNode)
	}
	if _, ok := b.nodes[dstNode]; !ok {
		return fmt.Errorf("add edge: dst node %d: %w", dstNode, ErrUnknownNode)
	}
	b.edges = append(b.edges, Edge{SrcNode: srcNode, SrcPD: srcPD, DstNode: dstNode, DstPD: dstPD})
	return nil
}

// SetInput designates node as the graph's sole input node.
func (b *Buffer) SetInput(node types.NodeID) error {
	if _, ok := b.nodes[node]; !ok {
		return fmt.Errorf("set input: node %d: %w", node, ErrUnknownNode)
	}
	b.inputNode, b.hasInput = node, true
	return nil
}

// SetOutput designates node as the graph's sole output node.
func (b *Buffer) SetOutput(node types.NodeID) error {
	if _, ok := b.nodes[node]; !ok {
		return fmt.Errorf("set output: node %d: %w", node, ErrUnknownNode)
	}
	b.outputNode, b.hasOutput = node, true
	return nil
}

// Graph is the immutable compiled form of a dataflow. All fields are
// set once by Finalize and never mutated afterward, so a *Graph may be
// shared by reference across goroutines without additional locking.
type Graph struct {
	nodes      map[types.NodeID]*pdt.Table
	edges      []Edge
	outEdges   map[types.NodeID][]Edge
	inEdges    map[key][]Edge
	inputNode  types.NodeID
	outputNode types.NodeID
	critical   *critical.Info
}

type key struct {
	node types.NodeID
	pd   types.PDID
}

// Finalize validates buf against the structural invariants, runs type
// resolution against db, runs critical-node analysis, and returns an
// immutable Graph. No partial graph is ever returned on error.
func Finalize(ctx context.Context, db typedb.DB, buf *Buffer) (*Graph, error) {
	if !buf.hasInput {
		return nil, ErrNoInput
	}
	if !buf.hasOutput {
		return nil, ErrNoOutput
	}

	resolverEdges := make([]resolver.Edge, len(buf.edges))
	for i, e := range buf.edges {
		resolverEdges[i] = resolver.Edge{SrcNode: e.SrcNode, SrcPD: e.SrcPD, DstNode: e.DstNode, DstPD: e.DstPD}
	}
	if err := resolver.Resolve(ctx, db, buf.nodes, resolverEdges); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	g := &Graph{
		nodes:      buf.nodes,
		edges:      append([]Edge(nil), buf.edges...),
		outEdges:   make(map[types.NodeID][]Edge),
		inEdges:    make(map[key][]Edge),
		inputNode:  buf.inputNode,
		outputNode: buf.outputNode,
	}
	for _, e := range g.edges {
		g.outEdges[e.SrcNode] = append(g.outEdges[e.SrcNode], e)
		g.inEdges[key{e.DstNode, e.DstPD}] = append(g.inEdges[key{e.DstNode, e.DstPD}], e)
	}

	if err := g.checkAcyclicAndReachable(); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	if err := g.checkBoundaries(); err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}

	criticalEdges := make([]critical.Edge, len(g.edges))
	for i, e := range g.edges {
		criticalEdges[i] = critical.Edge{SrcNode: e.SrcNode, SrcPD: e.SrcPD, DstNode: e.DstNode, DstPD: e.DstPD}
	}
	info, err := critical.Analyze(g.nodeIDs(), criticalEdges, g.inputNode, g.outputNode)
	if err != nil {
		return nil, fmt.Errorf("finalize: %w", err)
	}
	g.critical = info

	return g, nil
}

func (g *Graph) nodeIDs() []types.NodeID {
	ids := make([]types.NodeID, 0, len(g.nodes))
	for id := range g.nodes {
		ids = append(ids, id)
	}
	return ids
}

// checkAcyclicAndReachable verifies the edge set is acyclic and that
// every node is reachable by following edges forward from the input
// node, via a single DFS with a three-color visited map.
func (g *Graph) checkAcyclicAndReachable() error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[types.NodeID]int, len(g.nodes))
	for id := range g.nodes {
		color[id] = white
	}

	var visit func(types.NodeID) error
	visit = func(n types.NodeID) error {
		color[n] = gray
		for _, e := range g.outEdges[n] {
			switch color[e.DstNode] {
			case gray:
				return fmt.Errorf("node %d: %w", e.DstNode, ErrCyclic)
			case white:
				if err := visit(e.DstNode); err != nil {
					return err
				}
			}
		}
		color[n] = black
		return nil
	}

	if err := visit(g.inputNode); err != nil {
		return err
	}
	for id, c := range color {
		if c == white {
			return fmt.Errorf("node %d: %w", id, ErrUnreachable)
		}
	}
	return nil
}

// checkBoundaries verifies every non-output node has at least one
// downstream edge, and every input pd of every non-input node has at
// least one incoming edge.
func (g *Graph) checkBoundaries() error {
	for id, table := range g.nodes {
		if id != g.outputNode && len(g.outEdges[id]) == 0 {
			return fmt.Errorf("node %d: %w", id, ErrDeadEnd)
		}
		if id == g.inputNode {
			continue
		}
		for pd := types.PDID(0); int(pd) < table.Size(); pd++ {
			flags, err := table.Flags(pd)
			if err != nil {
				return err
			}
			if !flags.IsInput() {
				continue
			}
			if len(g.inEdges[key{id, pd}]) == 0 {
				return fmt.Errorf("node %d pd %d: %w", id, pd, ErrDanglingInput)
			}
		}
	}
	return nil
}

// InputNode returns the graph's designated input node.
func (g *Graph) InputNode() types.NodeID { return g.inputNode }

// OutputNode returns the graph's designated output node.
func (g *Graph) OutputNode() types.NodeID { return g.outputNode }

// Table returns the PDT registered for node.
func (g *Graph) Table(node types.NodeID) (*pdt.Table, bool) {
	t, ok := g.nodes[node]
	return t, ok
}

// OutEdges returns the edges leaving node, in insertion order.
func (g *Graph) OutEdges(node types.NodeID) []Edge {
	return g.outEdges[node]
}

// InEdges returns the edges arriving at the given node/pd pair.
func (g *Graph) InEdges(node types.NodeID, pd types.PDID) []Edge {
	return g.inEdges[key{node, pd}]
}

// Critical returns the precomputed critical-node analysis for this
// graph.
func (g *Graph) Critical() *critical.Info {
	return g.critical
}

// Nodes returns every node id in the graph, in no particular order.
func (g *Graph) Nodes() []types.NodeID {
	return g.nodeIDs()
}
