package graphspec_test

import (
	"context"
	"testing"
	"time"

	"github.com/plumberd/plumber/pkg/builtin"
	"github.com/plumberd/plumber/pkg/config"
	"github.com/plumberd/plumber/pkg/graphspec"
	"github.com/plumberd/plumber/pkg/runtime"
	"github.com/plumberd/plumber/pkg/typeexpr/typedb"
)

const sourceSinkYAML = `
apiVersion: plumberd/v1
kind: ServiceGraph
nodes:
  - id: 0
    desc: builtin.source
    input: true
  - id: 1
    desc: builtin.passthrough
  - id: 2
    desc: builtin.sink
    output: true
edges:
  - from_node: 0
    from_pd: out
    to_node: 1
    to_pd: in
  - from_node: 1
    from_pd: out
    to_node: 2
    to_pd: in
`

func TestApplyBuildsGraphFromDocument(t *testing.T) {
	doc, err := graphspec.Parse([]byte(sourceSinkYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	b, err := runtime.NewBuilder(config.MapProvider{"scheduler.worker_count": 2}, builtin.Registry())
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}

	rt, err := graphspec.Finalize(context.Background(), b, doc, typedb.NewMemStore())
	if err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	if err := rt.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer rt.Close()

	if err := rt.Feed([]byte("ping")); err != nil {
		t.Fatalf("Feed failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for rt.ActiveRequests() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("request was never processed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestParseRejectsDocumentWithoutNodes(t *testing.T) {
	if _, err := graphspec.Parse([]byte("kind: ServiceGraph\n")); err == nil {
		t.Fatal("expected error for document with no nodes")
	}
}

func TestParseRejectsUnknownKind(t *testing.T) {
	if _, err := graphspec.Parse([]byte("kind: Widget\nnodes:\n  - id: 0\n    desc: x\n")); err == nil {
		t.Fatal("expected error for unsupported kind")
	}
}

func TestApplyRejectsMissingInputNode(t *testing.T) {
	doc, err := graphspec.Parse([]byte(`
kind: ServiceGraph
nodes:
  - id: 0
    desc: builtin.sink
    output: true
`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	b, err := runtime.NewBuilder(config.MapProvider{}, builtin.Registry())
	if err != nil {
		t.Fatalf("NewBuilder failed: %v", err)
	}
	if err := graphspec.Apply(b, doc); err == nil {
		t.Fatal("expected error for document with no input node")
	}
}
