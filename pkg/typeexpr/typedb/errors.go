package typedb

import "errors"

// ErrNotFound is returned when a concrete type name has no registered
// Entry.
var ErrNotFound = errors.New("typedb: type not found")

// ErrNoCommonAncestor is returned by CommonAncestor when two types'
// parent chains never converge.
var ErrNoCommonAncestor = errors.New("typedb: no common ancestor")
