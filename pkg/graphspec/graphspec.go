// Package graphspec parses the YAML service-graph documents
// cmd/plumberd's serve and graph validate subcommands both load, and
// drives a runtime.Builder from the parsed result. Grounded on
// cmd/warren/apply.go's generic-resource pattern (a typed envelope
// around an untyped YAML body, unmarshaled with gopkg.in/yaml.v3),
// adapted here to a single concrete document shape instead of an
// apiVersion/kind dispatch, since a service graph is the only
// resource kind this binary ever applies.
package graphspec

import (
	"context"
	"fmt"
	"os"

	"github.com/plumberd/plumber/pkg/pdt"
	"github.com/plumberd/plumber/pkg/runtime"
	"github.com/plumberd/plumber/pkg/typeexpr/typedb"
	"github.com/plumberd/plumber/pkg/types"
	"gopkg.in/yaml.v3"
)

// Node describes one service graph node: the servlet descriptor to
// load for it, its constructor argv, and whether it is the graph's
// designated input or output node.
type Node struct {
	ID     uint32   `yaml:"id"`
	Desc   string   `yaml:"desc"`
	Argv   []string `yaml:"argv,omitempty"`
	Reuse  bool     `yaml:"reuse,omitempty"`
	Input  bool     `yaml:"input,omitempty"`
	Output bool     `yaml:"output,omitempty"`
}

// Edge connects one PD on a source node to one PD on a destination
// node, addressed by name rather than by PDID: a PDID is only
// assigned once the node's servlet has been loaded, so the document
// format can't name one directly.
type Edge struct {
	FromNode uint32 `yaml:"from_node"`
	FromPD   string `yaml:"from_pd"`
	ToNode   uint32 `yaml:"to_node"`
	ToPD     string `yaml:"to_pd"`
}

// Document is the top-level shape of a graph.yaml file.
type Document struct {
	APIVersion string `yaml:"apiVersion"`
	Kind       string `yaml:"kind"`
	Nodes      []Node `yaml:"nodes"`
	Edges      []Edge `yaml:"edges"`
}

// Load reads and parses the YAML document at path.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("graphspec: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse parses a YAML document already in memory.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("graphspec: parse: %w", err)
	}
	if doc.Kind != "" && doc.Kind != "ServiceGraph" {
		return nil, fmt.Errorf("graphspec: unsupported kind %q, want ServiceGraph", doc.Kind)
	}
	if len(doc.Nodes) == 0 {
		return nil, fmt.Errorf("graphspec: document has no nodes")
	}
	return &doc, nil
}

// Apply drives b through LoadNode for every node, AddEdge for every
// edge (resolving each named PD via the table LoadNode returned), and
// SetInput/SetOutput for the nodes flagged as such, leaving b ready
// for Finalize. It does not call Finalize itself, so a caller can
// still add nodes or edges programmatically (an admin servlet, a
// hot-deploy staging path) before finalizing.
func Apply(b *runtime.Builder, doc *Document) error {
	tables := make(map[uint32]*pdt.Table, len(doc.Nodes))

	var input, output *uint32
	for _, n := range doc.Nodes {
		table, err := b.LoadNode(types.NodeID(n.ID), n.Desc, n.Argv, n.Reuse)
		if err != nil {
			return fmt.Errorf("graphspec: node %d: %w", n.ID, err)
		}
		tables[n.ID] = table

		if n.Input {
			if input != nil {
				return fmt.Errorf("graphspec: more than one node flagged input (%d and %d)", *input, n.ID)
			}
			id := n.ID
			input = &id
		}
		if n.Output {
			if output != nil {
				return fmt.Errorf("graphspec: more than one node flagged output (%d and %d)", *output, n.ID)
			}
			id := n.ID
			output = &id
		}
	}

	for _, e := range doc.Edges {
		srcTable, ok := tables[e.FromNode]
		if !ok {
			return fmt.Errorf("graphspec: edge references undeclared node %d", e.FromNode)
		}
		dstTable, ok := tables[e.ToNode]
		if !ok {
			return fmt.Errorf("graphspec: edge references undeclared node %d", e.ToNode)
		}
		srcPD, err := srcTable.Lookup(e.FromPD)
		if err != nil {
			return fmt.Errorf("graphspec: edge %d.%s: %w", e.FromNode, e.FromPD, err)
		}
		dstPD, err := dstTable.Lookup(e.ToPD)
		if err != nil {
			return fmt.Errorf("graphspec: edge %d.%s: %w", e.ToNode, e.ToPD, err)
		}
		if err := b.AddEdge(types.NodeID(e.FromNode), srcPD, types.NodeID(e.ToNode), dstPD); err != nil {
			return fmt.Errorf("graphspec: add edge %d.%s -> %d.%s: %w", e.FromNode, e.FromPD, e.ToNode, e.ToPD, err)
		}
	}

	if input == nil {
		return fmt.Errorf("graphspec: no node flagged input")
	}
	if err := b.SetInput(types.NodeID(*input)); err != nil {
		return fmt.Errorf("graphspec: set input: %w", err)
	}
	if output == nil {
		return fmt.Errorf("graphspec: no node flagged output")
	}
	if err := b.SetOutput(types.NodeID(*output)); err != nil {
		return fmt.Errorf("graphspec: set output: %w", err)
	}
	return nil
}

// Finalize is a convenience wrapper around Apply followed by
// b.Finalize, for the common case where no further programmatic
// wiring is needed after the document has been applied.
func Finalize(ctx context.Context, b *runtime.Builder, doc *Document, db typedb.DB) (*runtime.Runtime, error) {
	if err := Apply(b, doc); err != nil {
		return nil, err
	}
	return b.Finalize(ctx, db)
}
