package types

import "time"

// MemoryItem is the unit of storage. Items move between the tiered cache and
// the durable backends as whole values; the cache never holds partial items.
type MemoryItem struct {
	// Core identification fields
	ID         string     `json:"id"`          // Unique identifier, generated when absent at store time
	Content    string     `json:"content"`     // Arbitrary payload, opaque to cache and router
	MemoryType MemoryType `json:"memory_type"` // Semantic kind, immutable once assigned

	// Caller-supplied annotations, passed through unchanged
	Metadata map[string]string `json:"metadata,omitempty"`

	// Version is a monotonically increasing marker used to resolve
	// "most recent wins" when the same id is stored again.
	Version int64 `json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone returns a deep copy of the item. Cache tiers and the in-memory
// backend hand out clones so callers can never mutate shared state.
func (m *MemoryItem) Clone() *MemoryItem {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Metadata != nil {
		cp.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
