package pipe

import (
	"fmt"
	"io"
	"sync"

	"github.com/plumberd/plumber/pkg/rls"
	"github.com/plumberd/plumber/pkg/types"
)

// pipeState is the shared, append-only byte log backing one allocated
// pair and any shadow handles forked from it. Writes append; reads
// advance an independent per-handle cursor, which is what makes
// forking cheap: a shadow handle is just another cursor over the same
// log.
type pipeState struct {
	mu         sync.Mutex
	buf        []byte
	closed     bool
	eom        bool
	scopeToken *rls.Token
}

type memoryHandleState struct {
	state   *pipeState
	readPos int
	closed  bool
}

// MemoryModule is the in-process reference Transport Module: pipe
// handles are backed by an in-memory byte log instead of a socket or
// file descriptor. It is used for internal graph edges (one servlet's
// output feeding another's input within the same process) and for
// driving the straight-line and fan-out/fan-in test scenarios without
// a real transport.
type MemoryModule struct {
	mu        sync.Mutex
	id        types.ModuleID
	nextID    types.HandleID
	handles   map[types.HandleID]*memoryHandleState
	accepted  []acceptedPair
	exhausted bool
}

type acceptedPair struct {
	in  []byte
	eom bool
}

// NewMemoryModule returns a MemoryModule registered under id.
func NewMemoryModule(id types.ModuleID) *MemoryModule {
	return &MemoryModule{id: id, handles: make(map[types.HandleID]*memoryHandleState)}
}

func (m *MemoryModule) ID() types.ModuleID { return m.id }

// Feed queues an externally-originated input payload for the next
// Accept call, as if a peer had connected and sent data. Used by
// tests and by a real event loop's driver code at the process
// boundary.
func (m *MemoryModule) Feed(data []byte, eom bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accepted = append(m.accepted, acceptedPair{in: append([]byte(nil), data...), eom: eom})
}

func (m *MemoryModule) newHandle(role Role, flags types.PDFlags, state *pipeState) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	m.handles[id] = &memoryHandleState{state: state}
	return &Handle{ID: id, Module: m.id, Role: role, Flags: flags}
}

func (m *MemoryModule) lookup(h *Handle) (*memoryHandleState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hs, ok := m.handles[h.ID]
	if !ok || hs.closed {
		return nil, fmt.Errorf("handle %d: %w", h.ID, ErrClosed)
	}
	return hs, nil
}

func (m *MemoryModule) Allocate(flags types.PDFlags, _ any) (in, out *Handle, err error) {
	state := &pipeState{}
	in = m.newHandle(RoleReader, flags, state)
	out = m.newHandle(RoleWriter, flags, state)
	return in, out, nil
}

// Shutdown marks the module as permanently done accepting new
// external events; the next Accept call returns ErrEventsExhausted
// instead of ErrWouldBlock so an event loop driving it can exit.
func (m *MemoryModule) Shutdown() {
	m.mu.Lock()
	m.exhausted = true
	m.mu.Unlock()
}

func (m *MemoryModule) Accept(_ any) (in, out *Handle, err error) {
	m.mu.Lock()
	if len(m.accepted) == 0 {
		exhausted := m.exhausted
		m.mu.Unlock()
		if exhausted {
			return nil, nil, ErrEventsExhausted
		}
		return nil, nil, ErrWouldBlock
	}
	next := m.accepted[0]
	m.accepted = m.accepted[1:]
	m.mu.Unlock()

	state := &pipeState{buf: next.in, eom: next.eom}
	in = m.newHandle(RoleReader, types.PDFlagInput, state)
	out = m.newHandle(RoleWriter, types.PDFlagOutput, state)
	return in, out, nil
}

func (m *MemoryModule) Read(h *Handle, buf []byte) (int, error) {
	hs, err := m.lookup(h)
	if err != nil {
		return 0, err
	}
	hs.state.mu.Lock()
	defer hs.state.mu.Unlock()

	available := len(hs.state.buf) - hs.readPos
	if available <= 0 {
		if hs.state.closed {
			return 0, io.EOF
		}
		return 0, ErrWouldBlock
	}
	n := copy(buf, hs.state.buf[hs.readPos:])
	hs.readPos += n
	return n, nil
}

func (m *MemoryModule) Write(h *Handle, buf []byte) (int, error) {
	hs, err := m.lookup(h)
	if err != nil {
		return 0, err
	}
	hs.state.mu.Lock()
	defer hs.state.mu.Unlock()
	if hs.state.closed {
		return 0, fmt.Errorf("write to closed pipe: %w", ErrClosed)
	}
	hs.state.buf = append(hs.state.buf, buf...)
	return len(buf), nil
}

func (m *MemoryModule) WriteScopeToken(h *Handle, token rls.Token) error {
	hs, err := m.lookup(h)
	if err != nil {
		return err
	}
	hs.state.mu.Lock()
	defer hs.state.mu.Unlock()
	t := token
	hs.state.scopeToken = &t
	return nil
}

// ScopeToken returns the RLS token written via WriteScopeToken, if
// any, letting a downstream reader fetch the entry directly instead
// of re-reading serialized bytes.
func (m *MemoryModule) ScopeToken(h *Handle) (rls.Token, bool, error) {
	hs, err := m.lookup(h)
	if err != nil {
		return 0, false, err
	}
	hs.state.mu.Lock()
	defer hs.state.mu.Unlock()
	if hs.state.scopeToken == nil {
		return 0, false, nil
	}
	return *hs.state.scopeToken, true, nil
}

func (m *MemoryModule) EOF(h *Handle) (bool, error) {
	hs, err := m.lookup(h)
	if err != nil {
		return false, err
	}
	hs.state.mu.Lock()
	defer hs.state.mu.Unlock()
	return hs.state.closed && hs.readPos >= len(hs.state.buf), nil
}

// Written returns the number of bytes appended to h's underlying log
// since allocation. Valid on either end of the pair, since both share
// the same pipeState.
func (m *MemoryModule) Written(h *Handle) (int, error) {
	hs, err := m.lookup(h)
	if err != nil {
		return 0, err
	}
	hs.state.mu.Lock()
	defer hs.state.mu.Unlock()
	return len(hs.state.buf), nil
}

func (m *MemoryModule) Cntl(h *Handle, op Opcode, args any) (any, error) {
	hs, err := m.lookup(h)
	if err != nil {
		return nil, err
	}
	switch op {
	case OpSetFlags:
		flags, _ := args.(types.PDFlags)
		h.Flags |= flags
		return nil, nil
	case OpClearFlags:
		flags, _ := args.(types.PDFlags)
		h.Flags &^= flags
		return nil, nil
	case OpPushPersist:
		h.PushPersist(args)
		return nil, nil
	case OpPopPersist:
		return h.PopPersist(), nil
	case OpEOM:
		hs.state.mu.Lock()
		defer hs.state.mu.Unlock()
		if args != nil {
			hs.state.eom, _ = args.(bool)
		}
		return hs.state.eom, nil
	case OpGetModulePath:
		return "memory", nil
	default:
		return nil, fmt.Errorf("op %d: %w", op, ErrUnsupported)
	}
}

func (m *MemoryModule) Fork(src *Handle, _ any) (*Handle, error) {
	hs, err := m.lookup(src)
	if err != nil {
		return nil, err
	}
	return m.newHandle(RoleReader, src.Flags, hs.state), nil
}

func (m *MemoryModule) Deallocate(h *Handle, _ bool, purge bool) error {
	hs, err := m.lookup(h)
	if err != nil {
		return err
	}

	hs.state.mu.Lock()
	if h.Role == RoleWriter {
		hs.state.closed = true
	}
	if purge {
		hs.state.buf = nil
	}
	hs.state.mu.Unlock()

	m.mu.Lock()
	hs.closed = true
	m.mu.Unlock()
	return nil
}

var _ Module = (*MemoryModule)(nil)
