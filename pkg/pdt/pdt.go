// Package pdt implements the Pipe Descriptor Table: the per-servlet
// catalogue of declared input and output ports, their flags, and
// their type expressions.
package pdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/plumberd/plumber/pkg/types"
)

var (
	// ErrDuplicate is returned by Insert when a PD with the given
	// name already exists in the table.
	ErrDuplicate = errors.New("pdt: duplicate pipe descriptor name")
	// ErrNotFound is returned when a name or id does not resolve to
	// an entry.
	ErrNotFound = errors.New("pdt: pipe descriptor not found")
	// ErrSealed is returned by Insert once the table has been sealed
	// after the servlet's init action completed.
	ErrSealed = errors.New("pdt: table sealed, insert rejected outside init")
)

// TypeHook is invoked by the type resolver once a PD's type
// expression has been resolved to a concrete type string. A
// non-nil error fails the whole resolution pass.
type TypeHook func(pd types.PDID, concreteType string, data any) error

type entry struct {
	name     string
	flags    types.PDFlags
	typeExpr string
	hook     TypeHook
	hookData any
}

// Table is a single servlet's Pipe Descriptor Table. Entries are
// appended in insertion order and addressed by dense integer ids
// starting at 0. A Table is built only while its owning servlet's
// init action is running; Seal locks it for the lifetime of the
// servlet instance.
type Table struct {
	mu      sync.RWMutex
	entries []entry
	byName  map[string]types.PDID
	sealed  bool
}

// New returns an empty, unsealed table.
func New() *Table {
	return &Table{byName: make(map[string]types.PDID)}
}

// Insert appends a new pipe descriptor and returns its id. Insert
// fails with ErrDuplicate if name is already registered, and with
// ErrSealed if the table has already been sealed.
func (t *Table) Insert(name string, flags types.PDFlags, typeExpr string) (types.PDID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.sealed {
		return 0, fmt.Errorf("insert %q: %w", name, ErrSealed)
	}
	if _, exists := t.byName[name]; exists {
		return 0, fmt.Errorf("insert %q: %w", name, ErrDuplicate)
	}

	id := types.PDID(len(t.entries))
	t.entries = append(t.entries, entry{name: name, flags: flags, typeExpr: typeExpr})
	t.byName[name] = id
	return id, nil
}

// Seal locks the table against further Insert calls. Called once the
// owning servlet's init action returns.
func (t *Table) Seal() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sealed = true
}

// Sealed reports whether Seal has been called.
func (t *Table) Sealed() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sealed
}

// Lookup returns the id registered under name.
func (t *Table) Lookup(name string) (types.PDID, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.byName[name]
	if !ok {
		return 0, fmt.Errorf("lookup %q: %w", name, ErrNotFound)
	}
	return id, nil
}

func (t *Table) get(pd types.PDID) (*entry, error) {
	if int(pd) < 0 || int(pd) >= len(t.entries) {
		return nil, fmt.Errorf("pd %d: %w", pd, ErrNotFound)
	}
	return &t.entries[pd], nil
}

// Flags returns the flags registered for pd.
func (t *Table) Flags(pd types.PDID) (types.PDFlags, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, err := t.get(pd)
	if err != nil {
		return 0, err
	}
	return e.flags, nil
}

// TypeExpr returns the current type expression for pd. Before
// resolution this may contain type variables; after resolution it is
// a concrete type string (see pkg/resolver).
func (t *Table) TypeExpr(pd types.PDID) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, err := t.get(pd)
	if err != nil {
		return "", err
	}
	return e.typeExpr, nil
}

// SetTypeExpr overwrites pd's type expression. Used by the type
// resolver to substitute a concrete string once one has been
// determined; not part of the servlet-facing API.
func (t *Table) SetTypeExpr(pd types.PDID, expr string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(pd)
	if err != nil {
		return err
	}
	e.typeExpr = expr
	return nil
}

// Name returns the name pd was inserted under.
func (t *Table) Name(pd types.PDID) (string, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, err := t.get(pd)
	if err != nil {
		return "", err
	}
	return e.name, nil
}

// CountInput returns the number of PDs with the input flag set.
func (t *Table) CountInput() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.flags.IsInput() {
			n++
		}
	}
	return n
}

// CountOutput returns the number of PDs with the output flag set.
func (t *Table) CountOutput() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for _, e := range t.entries {
		if e.flags.IsOutput() {
			n++
		}
	}
	return n
}

// Size returns the total number of registered PDs.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// SetTypeHook registers fn to be invoked with pd's final concrete
// type once the type resolver determines it. data is passed through
// unchanged.
func (t *Table) SetTypeHook(pd types.PDID, fn TypeHook, data any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, err := t.get(pd)
	if err != nil {
		return err
	}
	e.hook = fn
	e.hookData = data
	return nil
}

// InvokeTypeHook calls pd's registered hook, if any, with the final
// concrete type. Returns nil if no hook is registered.
func (t *Table) InvokeTypeHook(pd types.PDID, concreteType string) error {
	t.mu.RLock()
	e, err := t.get(pd)
	if err != nil {
		t.mu.RUnlock()
		return err
	}
	hook, data := e.hook, e.hookData
	t.mu.RUnlock()

	if hook == nil {
		return nil
	}
	if err := hook(pd, concreteType, data); err != nil {
		return fmt.Errorf("type hook for pd %d: %w", pd, err)
	}
	return nil
}
