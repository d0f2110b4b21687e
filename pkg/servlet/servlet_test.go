package servlet

import (
	"errors"
	"testing"

	"github.com/plumberd/plumber/pkg/asynctask"
	"github.com/plumberd/plumber/pkg/eventqueue"
	"github.com/plumberd/plumber/pkg/log"
	"github.com/plumberd/plumber/pkg/pipe"
	"github.com/plumberd/plumber/pkg/rls"
	"github.com/plumberd/plumber/pkg/types"
)

type fakeEntity struct{ freed bool }

func (e *fakeEntity) Free() { e.freed = true }
func (e *fakeEntity) Copy() (rls.Entity, error) {
	return &fakeEntity{}, nil
}

func TestInstanceInitRegistersSignalPDsAndSealsTable(t *testing.T) {
	var gotArgv []string
	def := &Definition{
		Desc:    "echo",
		Version: 1,
		Init: func(at *AddressTable, argv []string) (any, error) {
			gotArgv = argv
			if _, err := at.DefinePD("in", types.PDFlagInput, "Bytes"); err != nil {
				t.Fatalf("DefinePD in: %v", err)
			}
			if _, err := at.DefinePD("out", types.PDFlagOutput, "Bytes"); err != nil {
				t.Fatalf("DefinePD out: %v", err)
			}
			return "instance-data", nil
		},
	}

	inst := NewInstance(def, []string{"a", "b"})
	if err := inst.Init(log.WithComponent("test")); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	if len(gotArgv) != 2 || gotArgv[0] != "a" || gotArgv[1] != "b" {
		t.Errorf("argv = %v, want [a b]", gotArgv)
	}
	if inst.Data != "instance-data" {
		t.Errorf("Data = %v, want instance-data", inst.Data)
	}
	if !inst.Table.Sealed() {
		t.Error("table not sealed after Init")
	}
	if _, err := inst.Table.Lookup("sig_null"); err != nil {
		t.Errorf("sig_null not registered: %v", err)
	}
	if _, err := inst.Table.Lookup("sig_error"); err != nil {
		t.Errorf("sig_error not registered: %v", err)
	}
	if _, err := inst.Table.Lookup("in"); err != nil {
		t.Errorf("in not registered: %v", err)
	}
}

func TestDefinePDRejectedAfterInit(t *testing.T) {
	def := &Definition{Init: func(at *AddressTable, argv []string) (any, error) { return nil, nil }}
	inst := NewInstance(def, nil)
	if err := inst.Init(log.WithComponent("test")); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	at := NewInitAddressTable(inst.Table, log.WithComponent("test"))
	if _, err := at.DefinePD("late", types.PDFlagOutput, "Bytes"); !errors.Is(err, ErrNotInitPhase) {
		t.Errorf("DefinePD after seal = %v, want ErrNotInitPhase", err)
	}
}

func TestExecAddressTableReadWritePipe(t *testing.T) {
	def := &Definition{
		Init: func(at *AddressTable, argv []string) (any, error) {
			if _, err := at.DefinePD("in", types.PDFlagInput, "Bytes"); err != nil {
				return nil, err
			}
			if _, err := at.DefinePD("out", types.PDFlagOutput, "Bytes"); err != nil {
				return nil, err
			}
			return nil, nil
		},
	}
	inst := NewInstance(def, nil)
	if err := inst.Init(log.WithComponent("test")); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	inPD, _ := inst.Table.Lookup("in")
	outPD, _ := inst.Table.Lookup("out")

	registry := pipe.NewRegistry()
	mod := pipe.NewMemoryModule(0)
	registry.Register(mod)
	a, b, err := mod.Allocate(0, nil)
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	mod.Feed([]byte("payload"), true)

	handles := map[types.PDID]*pipe.Handle{inPD: a, outPD: b}
	scope := rls.NewScope()
	defer scope.Close()

	ec := ExecContext{Registry: registry, Handles: handles, Scope: scope}
	at := NewExecAddressTable(types.NodeID(1), types.RequestID(1), inst.Table, ec, log.WithComponent("test"), inst.SigNull, inst.SigError)

	buf := make([]byte, 32)
	n, err := at.ReadPipe(inPD, buf)
	if err != nil {
		t.Fatalf("ReadPipe failed: %v", err)
	}
	if string(buf[:n]) != "payload" {
		t.Errorf("ReadPipe = %q, want payload", buf[:n])
	}

	if _, err := at.WritePipe(outPD, []byte("result")); err != nil {
		t.Fatalf("WritePipe failed: %v", err)
	}
}

func TestWritePipeToSigErrorRecordsSignalWithoutTouchingModule(t *testing.T) {
	def := &Definition{Init: func(at *AddressTable, argv []string) (any, error) { return nil, nil }}
	inst := NewInstance(def, nil)
	if err := inst.Init(log.WithComponent("test")); err != nil {
		t.Fatalf("Init failed: %v", err)
	}

	registry := pipe.NewRegistry()
	registry.Register(pipe.NewMemoryModule(0))
	ec := ExecContext{Registry: registry, Handles: map[types.PDID]*pipe.Handle{}, Scope: rls.NewScope()}
	at := NewExecAddressTable(types.NodeID(1), types.RequestID(1), inst.Table, ec, log.WithComponent("test"), inst.SigNull, inst.SigError)

	if _, err := at.WritePipe(inst.SigError, []byte("boom")); err != nil {
		t.Fatalf("WritePipe sig_error failed: %v", err)
	}
	if at.SignaledError() == nil {
		t.Error("SignaledError() = nil, want an error after writing sig_error")
	}

	if _, err := at.WritePipe(inst.SigNull, nil); err != nil {
		t.Fatalf("WritePipe sig_null failed: %v", err)
	}
	if !at.SignaledNull() {
		t.Error("SignaledNull() = false, want true after writing sig_null")
	}
}

func TestAddressTableExecOnlyMethodsRejectedDuringInit(t *testing.T) {
	at := NewInitAddressTable(nil, log.WithComponent("test"))
	if _, err := at.ReadPipe(0, nil); !errors.Is(err, ErrNotExecPhase) {
		t.Errorf("ReadPipe during init = %v, want ErrNotExecPhase", err)
	}
	if _, err := at.OpenRLS(&fakeEntity{}); !errors.Is(err, ErrNotExecPhase) {
		t.Errorf("OpenRLS during init = %v, want ErrNotExecPhase", err)
	}
	if _, err := at.SpawnAsync(func(asynctask.Handle) {}); !errors.Is(err, ErrAsyncUnavailable) {
		t.Errorf("SpawnAsync without service = %v, want ErrAsyncUnavailable", err)
	}
}

func TestOpenRLSAndCommitViaAddressTable(t *testing.T) {
	scope := rls.NewScope()
	defer scope.Close()

	registry := pipe.NewRegistry()
	registry.Register(pipe.NewMemoryModule(0))
	ec := ExecContext{Registry: registry, Handles: map[types.PDID]*pipe.Handle{}, Scope: scope}
	at := NewExecAddressTable(types.NodeID(1), types.RequestID(1), nil, ec, log.WithComponent("test"), 0, 1)

	entity := &fakeEntity{}
	token, err := at.OpenRLS(entity)
	if err != nil {
		t.Fatalf("OpenRLS failed: %v", err)
	}
	if err := at.CommitRLS(token); err != nil {
		t.Fatalf("CommitRLS failed: %v", err)
	}
}

func TestCompletePostsTaskEventWithRetcode(t *testing.T) {
	queue := eventqueue.NewQueue(nil)
	svc := asynctask.New(queue, 1)
	defer svc.Stop()

	ec := ExecContext{Async: svc}
	at := NewExecAddressTable(types.NodeID(5), types.RequestID(7), nil, ec, log.WithComponent("test"), 0, 1)

	h := svc.Reserve()
	if err := at.Complete(h, 3); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	e, ok := queue.Take(eventqueue.ConsumerToken{})
	if !ok {
		t.Fatal("no event posted")
	}
	if e.Task.Task != types.NodeID(5) || e.Task.Request != types.RequestID(7) || e.Task.Retcode != 3 {
		t.Errorf("task event = %+v, want node 5 request 7 retcode 3", e.Task)
	}
}
