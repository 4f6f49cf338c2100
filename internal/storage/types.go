package storage

import (
	"errors"

	"github.com/stratamem/strata/pkg/types"
)

var (
	// ErrNotFound indicates the requested item does not exist. Absence is a
	// normal outcome and is never wrapped in an AdapterError.
	ErrNotFound = errors.New("item not found")

	// ErrInvalidInput indicates malformed input parameters, rejected before
	// any side effect.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnavailable is the sentinel matched by adapter errors of
	// KindUnavailable: backend unreachable, deadline exceeded, breaker open.
	ErrUnavailable = errors.New("adapter unavailable")

	// ErrCorrupt is the sentinel matched by adapter errors of KindCorrupt:
	// stored data failed validation on read.
	ErrCorrupt = errors.New("adapter corrupt")
)

// Search limits applied by Query.Normalize.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100

	// DefaultListLimit bounds ListByType when the caller passes limit <= 0.
	DefaultListLimit = 100
)

// Query is the backend-neutral search request. Each adapter translates it
// into its own query representation (FTS5 MATCH, tsvector, vector lookup,
// substring scan).
type Query struct {
	// Text is the free-form query string matched against item content.
	// Empty text asks for the adapter's most recent items.
	Text string

	// Types optionally restricts results to the given memory types.
	Types []types.MemoryType

	// Limit caps the number of returned records (default 10, max 100).
	Limit int
}

// Normalize applies defaults and bounds to the query.
func (q *Query) Normalize() {
	if q.Limit < 1 {
		q.Limit = DefaultSearchLimit
	}
	if q.Limit > MaxSearchLimit {
		q.Limit = MaxSearchLimit
	}
}

// WantsType reports whether the query's type filter admits mt.
// An empty filter admits every type.
func (q *Query) WantsType(mt types.MemoryType) bool {
	if len(q.Types) == 0 {
		return true
	}
	for _, t := range q.Types {
		if t == mt {
			return true
		}
	}
	return false
}
