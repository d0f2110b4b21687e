package typeexpr

// Substitute replaces every Variable in expr whose name is bound in
// bindings with the bound expression, recursively. Unbound variables
// are left untouched.
func Substitute(expr Expr, bindings map[string]Expr) Expr {
	switch e := expr.(type) {
	case Variable:
		if bound, ok := bindings[e.Name]; ok {
			return bound
		}
		return e
	case Compound:
		return Compound{Header: Substitute(e.Header, bindings), Body: Substitute(e.Body, bindings)}
	case Union:
		return Union{Left: Substitute(e.Left, bindings), Right: Substitute(e.Right, bindings)}
	case Accessor:
		return Accessor{Base: Substitute(e.Base, bindings), Field: e.Field}
	default:
		return expr
	}
}

// FreeVariables returns the set of variable names still unbound in
// expr, in first-occurrence order.
func FreeVariables(expr Expr) []string {
	seen := make(map[string]bool)
	var order []string
	var walk func(Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case Variable:
			if !seen[v.Name] {
				seen[v.Name] = true
				order = append(order, v.Name)
			}
		case Compound:
			walk(v.Header)
			walk(v.Body)
		case Union:
			walk(v.Left)
			walk(v.Right)
		case Accessor:
			walk(v.Base)
		}
	}
	walk(expr)
	return order
}

// IsConcrete reports whether expr contains no free variables and no
// unions (a union must be resolved to a concrete ancestor before the
// expression it appears in can be considered concrete).
func IsConcrete(expr Expr) bool {
	switch e := expr.(type) {
	case Concrete:
		return true
	case Compound:
		return IsConcrete(e.Header) && IsConcrete(e.Body)
	case Variable, Union:
		return false
	case Accessor:
		return IsConcrete(e.Base)
	default:
		_ = e
		return false
	}
}

// juxtapositionTokens flattens a chain of Compound juxtapositions
// into its ordered header tokens, outermost header first. Only valid
// for already-concrete expressions built from Concrete leaves.
func juxtapositionTokens(expr Expr) []string {
	switch e := expr.(type) {
	case Compound:
		return append([]string{e.Header.String()}, juxtapositionTokens(e.Body)...)
	default:
		return []string{e.String()}
	}
}

// Subtype reports whether a is a subtype of b under the juxtaposition
// prefix relation: a is a subtype of b if a's token sequence has b's
// token sequence as a trailing suffix, i.e. a is b with zero or more
// additional headers wrapped around it. Both expressions must already
// be concrete (no variables, no unresolved unions).
func Subtype(a, b Expr) bool {
	aTok := juxtapositionTokens(a)
	bTok := juxtapositionTokens(b)
	if len(bTok) > len(aTok) {
		return false
	}
	offset := len(aTok) - len(bTok)
	for i, tok := range bTok {
		if aTok[offset+i] != tok {
			return false
		}
	}
	return true
}
