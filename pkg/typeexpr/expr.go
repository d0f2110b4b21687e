// Package typeexpr implements the type expression grammar used on
// pipe descriptor endpoints: concrete type names, type variables,
// compound (juxtaposed) forms, unions, and adhoc field accessors.
// The grammar and its informal semantics are grounded on the
// original engine's runtime/pdt.h header comment.
package typeexpr

import (
	"fmt"
	"strings"
)

// Expr is a parsed type expression node.
type Expr interface {
	// String renders the expression back to its canonical surface
	// syntax.
	String() string
}

// Concrete is a resolved or literal concrete type name, a namespaced
// dotted path into the external type database.
type Concrete struct {
	Name string
}

func (c Concrete) String() string { return c.Name }

// Variable is an unresolved `$NAME` type variable.
type Variable struct {
	Name string
}

func (v Variable) String() string { return "$" + v.Name }

// Compound is a juxtaposition: Header followed by Body, meaning "a
// Header-shaped wrapper around a Body". Subtyping drops leading
// headers, so a Compound is always a subtype of its Body.
type Compound struct {
	Header Expr
	Body   Expr
}

func (c Compound) String() string { return c.Header.String() + " " + c.Body.String() }

// Union is `A|B`, meaning the common ancestor of A and B as queried
// from the external type database.
type Union struct {
	Left  Expr
	Right Expr
}

func (u Union) String() string { return u.Left.String() + "|" + u.Right.String() }

// Accessor is `base.field`, an adhoc projection of a field out of
// base, where base is itself a (typically variable) expression.
type Accessor struct {
	Base  Expr
	Field string
}

func (a Accessor) String() string { return a.Base.String() + "." + a.Field }

// Parse parses a type expression string into its AST. Parse never
// partially succeeds: on any malformed input it returns an error and
// a nil Expr.
func Parse(s string) (Expr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, fmt.Errorf("typeexpr: empty expression")
	}

	if parts := splitTop(s, '|'); len(parts) > 1 {
		left, err := Parse(parts[0])
		if err != nil {
			return nil, err
		}
		for _, part := range parts[1:] {
			right, err := Parse(part)
			if err != nil {
				return nil, err
			}
			left = Union{Left: left, Right: right}
		}
		return left, nil
	}

	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("typeexpr: empty expression")
	}
	if len(fields) > 1 {
		header, err := parseToken(fields[0])
		if err != nil {
			return nil, err
		}
		body, err := Parse(strings.Join(fields[1:], " "))
		if err != nil {
			return nil, err
		}
		return Compound{Header: header, Body: body}, nil
	}

	return parseToken(fields[0])
}

// parseToken parses a single whitespace-free, union-free token: a
// variable, an accessor, or a concrete dotted path.
func parseToken(tok string) (Expr, error) {
	if tok == "" {
		return nil, fmt.Errorf("typeexpr: empty token")
	}

	if dot := strings.IndexByte(tok, '.'); dot >= 0 {
		baseTok := tok[:dot]
		field := tok[dot+1:]
		if strings.HasPrefix(baseTok, "$") && field != "" {
			base, err := parseToken(baseTok)
			if err != nil {
				return nil, err
			}
			return Accessor{Base: base, Field: field}, nil
		}
	}

	if strings.HasPrefix(tok, "$") {
		name := tok[1:]
		if name == "" {
			return nil, fmt.Errorf("typeexpr: %q: empty variable name", tok)
		}
		return Variable{Name: name}, nil
	}

	return Concrete{Name: tok}, nil
}

// splitTop splits s on sep at the top level. There is no bracketing
// syntax in the grammar, so this is a plain split; it exists as a
// named step so Parse reads like the two-stage grammar it implements
// (union-of-compounds).
func splitTop(s string, sep byte) []string {
	return strings.Split(s, string(sep))
}
