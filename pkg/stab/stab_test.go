package stab

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/plumberd/plumber/pkg/asynctask"
	"github.com/plumberd/plumber/pkg/eventqueue"
	"github.com/plumberd/plumber/pkg/graph"
	"github.com/plumberd/plumber/pkg/pdt"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/servlet"
	"github.com/plumberd/plumber/pkg/task"
	"github.com/plumberd/plumber/pkg/typeexpr/typedb"
	"github.com/plumberd/plumber/pkg/types"
)

const soloNode types.NodeID = 0

func soloGraph(t *testing.T) *graph.Graph {
	t.Helper()
	tab := pdt.New()
	tab.Seal()

	buf := graph.NewBuffer()
	buf.AddNode(soloNode, tab)
	if err := buf.SetInput(soloNode); err != nil {
		t.Fatalf("set input: %v", err)
	}
	if err := buf.SetOutput(soloNode); err != nil {
		t.Fatalf("set output: %v", err)
	}
	g, err := graph.Finalize(context.Background(), typedb.NewMemStore(), buf)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return g
}

func echoDef() *servlet.Definition {
	return &servlet.Definition{
		Desc:    "echo",
		Version: 1,
		Init:    func(at *servlet.AddressTable, argv []string) (any, error) { return nil, nil },
		Exec:    func(at *servlet.AddressTable, data any) error { return nil },
	}
}

func TestLoadAndSetOwnerBindsInstance(t *testing.T) {
	registry := pipe.NewRegistry()
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return echoDef(), nil }), registry, nil)

	sid, err := s.Load("echo", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.SetOwner(sid, soloNode, false); err != nil {
		t.Fatalf("SetOwner failed: %v", err)
	}

	got, ok := s.GetOwner(soloNode)
	if !ok || got != sid {
		t.Errorf("GetOwner = (%v, %v), want (%v, true)", got, ok, sid)
	}
	desc, version, ok := s.Describe(soloNode)
	if !ok || desc != "echo" || version != 1 {
		t.Errorf("Describe = (%q, %d, %v), want (echo, 1, true)", desc, version, ok)
	}
}

func TestSetOwnerRejectsReuseByDefault(t *testing.T) {
	registry := pipe.NewRegistry()
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return echoDef(), nil }), registry, nil)

	sid, err := s.Load("echo", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.SetOwner(sid, types.NodeID(1), false); err != nil {
		t.Fatalf("first SetOwner failed: %v", err)
	}
	if err := s.SetOwner(sid, types.NodeID(2), false); !errors.Is(err, ErrReuseForbidden) {
		t.Errorf("SetOwner onto second node without reuse = %v, want ErrReuseForbidden", err)
	}
	if err := s.SetOwner(sid, types.NodeID(2), true); err != nil {
		t.Errorf("SetOwner with reuse=true failed: %v", err)
	}
}

func TestSwitchNamespaceIsolatesLoadsFromActive(t *testing.T) {
	registry := pipe.NewRegistry()
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return echoDef(), nil }), registry, nil)

	activeSID, err := s.Load("echo", nil)
	if err != nil {
		t.Fatalf("Load active failed: %v", err)
	}
	if err := s.SetOwner(activeSID, soloNode, false); err != nil {
		t.Fatalf("SetOwner active failed: %v", err)
	}

	if err := s.SwitchNamespace(); err != nil {
		t.Fatalf("SwitchNamespace failed: %v", err)
	}
	if err := s.SwitchNamespace(); !errors.Is(err, ErrDeployInFlight) {
		t.Errorf("second SwitchNamespace = %v, want ErrDeployInFlight", err)
	}

	stagedSID, err := s.Load("echo", nil)
	if err != nil {
		t.Fatalf("Load staged failed: %v", err)
	}
	if err := s.SetOwner(stagedSID, soloNode, false); err != nil {
		t.Fatalf("SetOwner staged failed: %v", err)
	}

	got, _ := s.GetOwner(soloNode)
	if got != activeSID {
		t.Errorf("GetOwner before commit = %v, want unchanged active sid %v", got, activeSID)
	}
}

func TestRevertCurrentNamespaceDiscardsStagedDeploy(t *testing.T) {
	registry := pipe.NewRegistry()
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return echoDef(), nil }), registry, nil)

	if err := s.RevertCurrentNamespace(); !errors.Is(err, ErrNoStagedDeploy) {
		t.Errorf("revert with nothing staged = %v, want ErrNoStagedDeploy", err)
	}

	if err := s.SwitchNamespace(); err != nil {
		t.Fatalf("SwitchNamespace failed: %v", err)
	}
	if _, err := s.Load("echo", nil); err != nil {
		t.Fatalf("Load staged failed: %v", err)
	}
	if err := s.RevertCurrentNamespace(); err != nil {
		t.Fatalf("RevertCurrentNamespace failed: %v", err)
	}
	if err := s.SwitchNamespace(); err != nil {
		t.Fatalf("SwitchNamespace after revert failed: %v", err)
	}
}

func TestCommitNamespaceWaitsForInFlightRequestsBeforeDispose(t *testing.T) {
	registry := pipe.NewRegistry()
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return echoDef(), nil }), registry, nil)

	block := make(chan struct{})
	blockingDef := &servlet.Definition{
		Desc: "blocker",
		Init: func(at *servlet.AddressTable, argv []string) (any, error) { return nil, nil },
		Exec: func(at *servlet.AddressTable, data any) error {
			<-block
			return nil
		},
	}
	s.loader = LoaderFunc(func(desc string) (*servlet.Definition, error) { return blockingDef, nil })

	sid, err := s.Load("blocker", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.SetOwner(sid, soloNode, false); err != nil {
		t.Fatalf("SetOwner failed: %v", err)
	}

	g := soloGraph(t)
	tsk := task.New(g, soloNode, types.RequestID(1), types.ActionExec)

	done := make(chan error, 1)
	go func() {
		_, err := s.Exec(tsk)
		done <- err
	}()

	deadline := time.Now().Add(time.Second)
	for {
		s.mu.Lock()
		running := s.active.refCount
		s.mu.Unlock()
		if running == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("blocking exec never registered as running")
		}
		time.Sleep(time.Millisecond)
	}

	if err := s.SwitchNamespace(); err != nil {
		t.Fatalf("SwitchNamespace failed: %v", err)
	}
	if err := s.CommitNamespace(); err != nil {
		t.Fatalf("CommitNamespace failed: %v", err)
	}
	if err := s.DisposeUnused(); !errors.Is(err, ErrNamespaceInUse) {
		t.Errorf("DisposeUnused while request in flight = %v, want ErrNamespaceInUse", err)
	}

	close(block)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocking Exec failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("blocking exec never returned")
	}

	s.ReleaseRequest(tsk.Request)

	deadline = time.Now().Add(time.Second)
	for {
		if err := s.DisposeUnused(); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("DisposeUnused never succeeded after request finished")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestExecRejectsUnboundNode(t *testing.T) {
	registry := pipe.NewRegistry()
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return echoDef(), nil }), registry, nil)

	g := soloGraph(t)
	tsk := task.New(g, soloNode, types.RequestID(1), types.ActionExec)

	if _, err := s.Exec(tsk); !errors.Is(err, ErrUnboundNode) {
		t.Errorf("Exec on unbound node = %v, want ErrUnboundNode", err)
	}
}

func TestExecSyncServletRunsInlineAndReleasesNamespace(t *testing.T) {
	registry := pipe.NewRegistry()
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return echoDef(), nil }), registry, nil)

	sid, err := s.Load("echo", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.SetOwner(sid, soloNode, false); err != nil {
		t.Fatalf("SetOwner failed: %v", err)
	}

	g := soloGraph(t)
	tsk := task.New(g, soloNode, types.RequestID(1), types.ActionExec)

	handle, err := s.Exec(tsk)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if handle != 0 {
		t.Errorf("Exec handle = %d, want 0 for a sync servlet", handle)
	}

	s.mu.Lock()
	refs := s.active.refCount
	s.mu.Unlock()
	if refs != 0 {
		t.Errorf("active.refCount after sync exec = %d, want 0", refs)
	}
}

func TestExecSyncServletPropagatesServletError(t *testing.T) {
	registry := pipe.NewRegistry()
	def := &servlet.Definition{
		Desc: "failer",
		Init: func(at *servlet.AddressTable, argv []string) (any, error) { return nil, nil },
		Exec: func(at *servlet.AddressTable, data any) error {
			return errors.New("boom")
		},
	}
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return def, nil }), registry, nil)

	sid, err := s.Load("failer", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.SetOwner(sid, soloNode, false); err != nil {
		t.Fatalf("SetOwner failed: %v", err)
	}

	g := soloGraph(t)
	tsk := task.New(g, soloNode, types.RequestID(1), types.ActionExec)

	if _, err := s.Exec(tsk); err == nil {
		t.Error("Exec with failing servlet = nil, want an error")
	}

	s.mu.Lock()
	refs := s.active.refCount
	s.mu.Unlock()
	if refs != 0 {
		t.Errorf("active.refCount after failed exec = %d, want 0", refs)
	}
}

func TestExecAsyncServletDispatchesAndReturnsHandle(t *testing.T) {
	queue := eventqueue.NewQueue(nil)
	async := asynctask.New(queue, 1)
	defer async.Stop()

	registry := pipe.NewRegistry()
	ran := make(chan struct{})
	def := &servlet.Definition{
		Desc: "offload",
		Init: func(at *servlet.AddressTable, argv []string) (any, error) { return nil, nil },
		AsyncExec: func(at *servlet.AddressTable, data any, h asynctask.Handle) error {
			close(ran)
			return nil
		},
	}
	s := New(LoaderFunc(func(desc string) (*servlet.Definition, error) { return def, nil }), registry, async)

	sid, err := s.Load("offload", nil)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := s.SetOwner(sid, soloNode, false); err != nil {
		t.Fatalf("SetOwner failed: %v", err)
	}

	g := soloGraph(t)
	tsk := task.New(g, soloNode, types.RequestID(1), types.ActionExec)

	handle, err := s.Exec(tsk)
	if err != nil {
		t.Fatalf("Exec failed: %v", err)
	}
	if handle == 0 {
		t.Fatal("Exec handle = 0, want a non-zero async handle")
	}

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("AsyncExec never ran")
	}

	e, ok := queue.Take(eventqueue.ConsumerToken{})
	if !ok {
		t.Fatal("no completion event posted")
	}
	if e.Task.AsyncHandle != handle || e.Task.Retcode != 0 {
		t.Errorf("task event = %+v, want handle %d retcode 0", e.Task, handle)
	}
}
