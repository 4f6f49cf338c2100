package storage

import "fmt"

// Kind classifies an adapter failure.
type Kind string

const (
	// KindUnavailable marks transient backend-down conditions, including
	// exceeded deadlines, rejected rate limits, and open circuit breakers.
	KindUnavailable Kind = "unavailable"

	// KindCorrupt marks stored data that failed validation on read, distinct
	// from absence so callers can tell damage from a miss.
	KindCorrupt Kind = "corrupt"
)

// AdapterError attaches the adapter name and operation to a backend failure.
// Callers iterating several adapters (federated search, retrieval fallback)
// use it to report per-store outcomes without losing the cause.
type AdapterError struct {
	Store string
	Op    string
	Kind  Kind
	Err   error
}

func (e *AdapterError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Store, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Store, e.Op, e.Kind)
}

// Unwrap returns the underlying cause.
func (e *AdapterError) Unwrap() error { return e.Err }

// Is matches the sentinel corresponding to the error's kind, so callers can
// test errors.Is(err, ErrUnavailable) without unwrapping manually.
func (e *AdapterError) Is(target error) bool {
	switch target {
	case ErrUnavailable:
		return e.Kind == KindUnavailable
	case ErrCorrupt:
		return e.Kind == KindCorrupt
	}
	return false
}

// Unavailable wraps err as a transient backend failure for the named store.
func Unavailable(store, op string, err error) *AdapterError {
	return &AdapterError{Store: store, Op: op, Kind: KindUnavailable, Err: err}
}

// Corrupt wraps err as a data-integrity failure for the named store.
func Corrupt(store, op string, err error) *AdapterError {
	return &AdapterError{Store: store, Op: op, Kind: KindCorrupt, Err: err}
}
