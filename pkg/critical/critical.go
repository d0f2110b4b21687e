// Package critical implements the critical-node analyzer: a
// pre-execution pass that identifies nodes whose cancellation implies
// cancellation of a downstream cluster, and precomputes that cluster's
// boundary edges so the scheduler can propagate cancellation in one
// pass instead of re-deriving it on every cancelled task.
package critical

import "github.com/plumberd/plumber/pkg/types"

// Edge is the subset of service-graph edge information the analyzer
// needs. It is declared independently of pkg/graph's own edge type to
// avoid an import cycle (graph.Finalize calls Analyze).
type Edge struct {
	SrcNode types.NodeID
	SrcPD   types.PDID
	DstNode types.NodeID
	DstPD   types.PDID
}

// Info is the immutable result of Analyze: per-node criticality,
// cluster membership, boundary edges, and whether the output node
// lies in the node's cluster.
type Info struct {
	critical        map[types.NodeID]bool
	cluster         map[types.NodeID]map[types.NodeID]bool
	boundary        map[types.NodeID][]Edge
	outputCancelled map[types.NodeID]bool
}

// IsCritical reports whether cancelling node implies cancelling a
// downstream cluster.
func (i *Info) IsCritical(node types.NodeID) bool {
	return i.critical[node]
}

// Boundary returns the edges leaving node's cluster, i.e. the edges
// the scheduler must deliver input_cancelled along when node is
// cancelled. Empty for non-critical nodes.
func (i *Info) Boundary(node types.NodeID) []Edge {
	return i.boundary[node]
}

// Cluster reports whether member lies in node's cancellation cluster
// C(node). Always false for non-critical nodes.
func (i *Info) Cluster(node, member types.NodeID) bool {
	return i.cluster[node][member]
}

// ClusterMembers returns every node in node's cancellation cluster
// C(node), excluding node itself. Empty for non-critical nodes.
func (i *Info) ClusterMembers(node types.NodeID) []types.NodeID {
	set := i.cluster[node]
	members := make([]types.NodeID, 0, len(set))
	for n := range set {
		members = append(members, n)
	}
	return members
}

// OutputCancelled reports whether cancelling node would cancel the
// graph's output node.
func (i *Info) OutputCancelled(node types.NodeID) bool {
	return i.outputCancelled[node]
}

// Analyze computes criticality, clusters, and boundaries for every
// node in the graph described by nodes/edges, relative to the given
// input and output nodes.
//
// A node A is critical iff there exists an edge A->B with
// in-degree(B)=1: removing A would leave B, and anything only
// reachable through B, unreachable from the input. For each critical
// node the cluster C(A) is computed by running reachability from the
// input twice, once over the full graph and once with A excluded; the
// nodes reachable only in the first run form C(A).
func Analyze(nodes []types.NodeID, edges []Edge, inputNode, outputNode types.NodeID) (*Info, error) {
	outAdj := make(map[types.NodeID][]Edge, len(nodes))
	indegree := make(map[types.NodeID]int, len(nodes))
	for _, e := range edges {
		outAdj[e.SrcNode] = append(outAdj[e.SrcNode], e)
		indegree[e.DstNode]++
	}

	criticalSet := make(map[types.NodeID]bool)
	for _, e := range edges {
		if indegree[e.DstNode] == 1 {
			criticalSet[e.SrcNode] = true
		}
	}

	info := &Info{
		critical:        criticalSet,
		cluster:         make(map[types.NodeID]map[types.NodeID]bool),
		boundary:        make(map[types.NodeID][]Edge),
		outputCancelled: make(map[types.NodeID]bool),
	}

	full := reachable(outAdj, inputNode, -1)

	for node := range criticalSet {
		withoutNode := reachable(outAdj, inputNode, int64(node))

		clusterSet := make(map[types.NodeID]bool)
		for n := range full {
			if n == node || withoutNode[n] {
				continue
			}
			clusterSet[n] = true
		}
		info.cluster[node] = clusterSet
		info.outputCancelled[node] = clusterSet[outputNode]

		var boundary []Edge
		seen := make(map[Edge]bool)
		emit := func(e Edge) {
			if clusterSet[e.DstNode] || e.DstNode == node {
				return
			}
			if seen[e] {
				return
			}
			seen[e] = true
			boundary = append(boundary, e)
		}
		for _, e := range outAdj[node] {
			emit(e)
		}
		for member := range clusterSet {
			for _, e := range outAdj[member] {
				emit(e)
			}
		}
		info.boundary[node] = boundary
	}

	return info, nil
}

// reachable returns the set of nodes reachable from start by following
// outAdj, skipping the node named excluded entirely (pass -1, an id no
// real node uses as types.NodeID is unsigned so -1 never matches, to
// run the unrestricted traversal).
func reachable(outAdj map[types.NodeID][]Edge, start types.NodeID, excluded int64) map[types.NodeID]bool {
	visited := make(map[types.NodeID]bool)
	if int64(start) == excluded {
		return visited
	}
	var stack []types.NodeID
	stack = append(stack, start)
	visited[start] = true
	for len(stack) > 0 {
		n := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range outAdj[n] {
			if int64(e.DstNode) == excluded || visited[e.DstNode] {
				continue
			}
			visited[e.DstNode] = true
			stack = append(stack, e.DstNode)
		}
	}
	return visited
}
