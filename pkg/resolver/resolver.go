// Package resolver implements the pre-execution type resolution pass:
// it turns type-variable patterns on pipe endpoints into concrete
// type strings by iterated substitution to a fixed point, resolves
// union endpoints against the external type database, and invokes
// each PD's registered type hook with its final type.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/plumberd/plumber/pkg/pdt"
	"github.com/plumberd/plumber/pkg/typeexpr"
	"github.com/plumberd/plumber/pkg/typeexpr/typedb"
	"github.com/plumberd/plumber/pkg/types"
)

var (
	// ErrAmbiguousVariable is returned when a type variable remains
	// unbound after the fixpoint substitution has converged, or when
	// one variable would need two different bindings.
	ErrAmbiguousVariable = errors.New("resolver: ambiguous type variable")
	// ErrUnsatisfiableConstraint is returned when an edge's source
	// type is not a subtype of its destination type.
	ErrUnsatisfiableConstraint = errors.New("resolver: unsatisfiable type constraint")
	// ErrHookFailed wraps an error returned from a PD's registered
	// type hook.
	ErrHookFailed = errors.New("resolver: type hook failed")

	maxFixpointRounds = 64
)

// Edge is the subset of service-graph edge information the resolver
// needs: which node/PD pair feeds which other node/PD pair.
type Edge struct {
	SrcNode types.NodeID
	SrcPD   types.PDID
	DstNode types.NodeID
	DstPD   types.PDID
}

// Resolve runs the type resolution pass over the given node tables
// and edges. On success every PD's type expression in every table is
// rewritten to a concrete type string and every registered type hook
// has been invoked with it. On failure no table is left partially
// rewritten in a way the caller can observe: Resolve tracks all
// changes in a private working copy and only commits them once the
// whole pass succeeds, matching "no partial graph is ever installed".
func Resolve(ctx context.Context, db typedb.DB, tables map[types.NodeID]*pdt.Table, edges []Edge) error {
	work, err := newWorkingSet(tables)
	if err != nil {
		return err
	}

	if err := work.resolveUnions(ctx, db); err != nil {
		return err
	}

	for round := 0; round < maxFixpointRounds; round++ {
		changed, err := work.propagate(edges)
		if err != nil {
			return err
		}
		if err := work.resolveUnions(ctx, db); err != nil {
			return err
		}
		if !changed {
			break
		}
	}

	if err := work.checkConcrete(); err != nil {
		return err
	}
	if err := work.checkEdges(edges); err != nil {
		return err
	}

	for node, table := range tables {
		for pd := types.PDID(0); int(pd) < table.Size(); pd++ {
			expr := work.exprs[key{node, pd}]
			if err := table.InvokeTypeHook(pd, expr.String()); err != nil {
				return fmt.Errorf("%w: node %d pd %d: %w", ErrHookFailed, node, pd, err)
			}
		}
	}

	work.commit()
	return nil
}

type key struct {
	node types.NodeID
	pd   types.PDID
}

type workingSet struct {
	tables map[types.NodeID]*pdt.Table
	exprs  map[key]typeexpr.Expr
	// bindings holds, per node, the type variable substitutions
	// discovered so far. Variables are scoped to the node they were
	// declared on, matching each servlet instance's own PDT.
	bindings map[types.NodeID]map[string]typeexpr.Expr
}

func newWorkingSet(tables map[types.NodeID]*pdt.Table) (*workingSet, error) {
	ws := &workingSet{
		tables:   tables,
		exprs:    make(map[key]typeexpr.Expr),
		bindings: make(map[types.NodeID]map[string]typeexpr.Expr),
	}
	for node, table := range tables {
		ws.bindings[node] = make(map[string]typeexpr.Expr)
		for pd := types.PDID(0); int(pd) < table.Size(); pd++ {
			raw, err := table.TypeExpr(pd)
			if err != nil {
				return nil, err
			}
			expr, err := typeexpr.Parse(raw)
			if err != nil {
				return nil, fmt.Errorf("resolver: node %d pd %d: %w", node, pd, err)
			}
			ws.exprs[key{node, pd}] = expr
		}
	}
	return ws, nil
}

// resolveUnions replaces every fully-concrete Union subexpression
// with the Concrete common ancestor the type database reports.
func (ws *workingSet) resolveUnions(ctx context.Context, db typedb.DB) error {
	for k, expr := range ws.exprs {
		resolved, err := resolveUnionsIn(ctx, db, expr)
		if err != nil {
			return fmt.Errorf("resolver: node %d pd %d: %w", k.node, k.pd, err)
		}
		ws.exprs[k] = resolved
	}
	return nil
}

func resolveUnionsIn(ctx context.Context, db typedb.DB, expr typeexpr.Expr) (typeexpr.Expr, error) {
	switch e := expr.(type) {
	case typeexpr.Union:
		left, err := resolveUnionsIn(ctx, db, e.Left)
		if err != nil {
			return nil, err
		}
		right, err := resolveUnionsIn(ctx, db, e.Right)
		if err != nil {
			return nil, err
		}
		if !typeexpr.IsConcrete(left) || !typeexpr.IsConcrete(right) {
			return typeexpr.Union{Left: left, Right: right}, nil
		}
		ancestor, err := db.CommonAncestor(ctx, left.String(), right.String())
		if err != nil {
			return nil, err
		}
		return typeexpr.Concrete{Name: ancestor}, nil
	case typeexpr.Compound:
		header, err := resolveUnionsIn(ctx, db, e.Header)
		if err != nil {
			return nil, err
		}
		body, err := resolveUnionsIn(ctx, db, e.Body)
		if err != nil {
			return nil, err
		}
		return typeexpr.Compound{Header: header, Body: body}, nil
	default:
		return expr, nil
	}
}

// propagate runs one round of edge-driven variable binding, applies
// any newly discovered bindings to every PD expression, and reports
// whether anything changed.
func (ws *workingSet) propagate(edges []Edge) (bool, error) {
	anyChanged := false

	for _, e := range edges {
		srcExpr := ws.exprs[key{e.SrcNode, e.SrcPD}]
		dstExpr := ws.exprs[key{e.DstNode, e.DstPD}]
		changed, err := bind(dstExpr, srcExpr, ws.bindings[e.DstNode])
		if err != nil {
			return false, fmt.Errorf("resolver: node %d pd %d: %w", e.DstNode, e.DstPD, err)
		}
		anyChanged = anyChanged || changed
	}

	for node := range ws.tables {
		for pd := types.PDID(0); int(pd) < ws.tables[node].Size(); pd++ {
			k := key{node, pd}
			substituted := typeexpr.Substitute(ws.exprs[k], ws.bindings[node])
			if substituted.String() != ws.exprs[k].String() {
				anyChanged = true
			}
			ws.exprs[k] = substituted
		}
	}

	return anyChanged, nil
}

// bind attempts to extract variable bindings for dstNode by matching
// the shape of dst (a pattern, possibly containing Variable nodes)
// against src (expected to be fully or partially concrete). It
// reports whether any new binding was recorded, and fails only if a
// variable would need two different bindings.
func bind(dst, src typeexpr.Expr, bindings map[string]typeexpr.Expr) (bool, error) {
	switch d := dst.(type) {
	case typeexpr.Variable:
		if !typeexpr.IsConcrete(src) {
			return false, nil
		}
		if existing, ok := bindings[d.Name]; ok {
			if existing.String() != src.String() {
				return false, fmt.Errorf("%w: %s bound to both %q and %q", ErrAmbiguousVariable, d.Name, existing, src)
			}
			return false, nil
		}
		bindings[d.Name] = src
		return true, nil
	case typeexpr.Compound:
		sc, ok := src.(typeexpr.Compound)
		if !ok {
			return false, nil
		}
		headerChanged, err := bind(d.Header, sc.Header, bindings)
		if err != nil {
			return false, err
		}
		bodyChanged, err := bind(d.Body, sc.Body, bindings)
		if err != nil {
			return false, err
		}
		return headerChanged || bodyChanged, nil
	default:
		return false, nil
	}
}

// checkConcrete verifies every PD's expression is fully concrete.
func (ws *workingSet) checkConcrete() error {
	for k, expr := range ws.exprs {
		if !typeexpr.IsConcrete(expr) {
			return fmt.Errorf("%w: node %d pd %d left as %q", ErrAmbiguousVariable, k.node, k.pd, expr.String())
		}
	}
	return nil
}

// checkEdges verifies every edge's source type is a subtype of its
// destination type.
func (ws *workingSet) checkEdges(edges []Edge) error {
	for _, e := range edges {
		src := ws.exprs[key{e.SrcNode, e.SrcPD}]
		dst := ws.exprs[key{e.DstNode, e.DstPD}]
		if !typeexpr.Subtype(src, dst) {
			return fmt.Errorf("%w: node %d pd %d (%s) -> node %d pd %d (%s)",
				ErrUnsatisfiableConstraint, e.SrcNode, e.SrcPD, src, e.DstNode, e.DstPD, dst)
		}
	}
	return nil
}

// commit writes every resolved expression back into its owning PDT.
func (ws *workingSet) commit() {
	for k, expr := range ws.exprs {
		_ = ws.tables[k.node].SetTypeExpr(k.pd, expr.String())
	}
}
