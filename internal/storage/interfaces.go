// Package storage defines the adapter contract that every durable backend
// implements, the error taxonomy shared across backends, and the read-only
// registry mapping logical store names and layers to live adapters.
//
// The contract is deliberately small. Backends differ wildly (embedded SQL,
// vector stores, KV servers), so anything beyond store/retrieve/search/delete
// is expressed as an optional capability detected by type assertion.
package storage

import (
	"context"

	"github.com/stratamem/strata/pkg/types"
)

// Adapter is the uniform contract for a durable backend. Implementations must
// be safe for concurrent use.
type Adapter interface {
	// Store persists the item, creating or replacing by id (upsert
	// semantics). Repeated calls with the same id are idempotent; when
	// versions collide the higher version wins. Returns the canonical id.
	Store(ctx context.Context, item *types.MemoryItem) (string, error)

	// Retrieve performs a point lookup.
	// Returns ErrNotFound when the id is not present.
	Retrieve(ctx context.Context, id string) (*types.MemoryItem, error)

	// Search returns matching records annotated with this adapter's name.
	// The result is finite and restartable: re-issuing the same query under
	// unchanged state yields a consistent result.
	Search(ctx context.Context, q Query) ([]types.MemoryRecord, error)

	// Delete removes the item and reports whether anything was removed.
	// Deleting an absent id returns (false, nil), not an error.
	Delete(ctx context.Context, id string) (bool, error)

	// Name returns the logical store name used in annotations and errors.
	Name() string

	// Close releases backend resources.
	Close() error
}

// Lister is an optional capability for adapters that can enumerate their
// holdings by memory type. It backs layer-scoped listings. An empty filter
// admits every type; limit <= 0 falls back to DefaultListLimit.
type Lister interface {
	ListByType(ctx context.Context, filter []types.MemoryType, limit int) ([]types.MemoryItem, error)
}

// Embedder converts text into a fixed-dimension vector. Vector-backed
// adapters take one at construction; other backends ignore embeddings
// entirely.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
