package typedb

import (
	"context"
	"fmt"
)

// ancestorChain walks name's Parent links up to the root, inclusive
// of name itself, in descendant-to-ancestor order.
func ancestorChain(ctx context.Context, get func(context.Context, string) (Entry, error), name string) ([]string, error) {
	chain := []string{name}
	seen := map[string]bool{name: true}

	cur := name
	for {
		entry, err := get(ctx, cur)
		if err != nil {
			return nil, err
		}
		if entry.Parent == "" {
			return chain, nil
		}
		if seen[entry.Parent] {
			return nil, fmt.Errorf("typedb: cycle detected in ancestor chain of %q", name)
		}
		seen[entry.Parent] = true
		chain = append(chain, entry.Parent)
		cur = entry.Parent
	}
}

// commonAncestor finds the nearest shared type between a and b given
// a Get accessor, by walking both ancestor chains and returning the
// first type seen in both.
func commonAncestor(ctx context.Context, get func(context.Context, string) (Entry, error), a, b string) (string, error) {
	chainA, err := ancestorChain(ctx, get, a)
	if err != nil {
		return "", err
	}
	chainB, err := ancestorChain(ctx, get, b)
	if err != nil {
		return "", err
	}

	inA := make(map[string]bool, len(chainA))
	for _, t := range chainA {
		inA[t] = true
	}
	for _, t := range chainB {
		if inA[t] {
			return t, nil
		}
	}
	return "", fmt.Errorf("common ancestor of %q and %q: %w", a, b, ErrNoCommonAncestor)
}
