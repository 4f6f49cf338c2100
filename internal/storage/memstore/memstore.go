// Package memstore provides a process-local adapter backed by a plain map.
// It serves layers that need no durability beyond the process lifetime and
// doubles as the reference backend for the adapter contract in tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// Store is an in-memory adapter. Construct with New; the zero value has no
// item map.
type Store struct {
	name string

	mu    sync.RWMutex
	items map[string]*types.MemoryItem
}

var (
	_ storage.Adapter = (*Store)(nil)
	_ storage.Lister  = (*Store)(nil)
)

// New creates an empty in-memory store registered under name.
func New(name string) *Store {
	if name == "" {
		name = "memory"
	}
	return &Store{name: name, items: make(map[string]*types.MemoryItem)}
}

// Store creates or replaces the item by id. When versions collide the higher
// version wins and the stored copy is left untouched.
func (s *Store) Store(ctx context.Context, item *types.MemoryItem) (string, error) {
	if item == nil {
		return "", storage.ErrInvalidInput
	}
	if item.ID == "" {
		return "", fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}
	if item.Content == "" {
		return "", fmt.Errorf("%w: item content is required", storage.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[item.ID]; ok && existing.Version > item.Version {
		return item.ID, nil
	}
	s.items[item.ID] = item.Clone()
	return item.ID, nil
}

// Retrieve performs a point lookup and returns a copy of the stored item.
func (s *Store) Retrieve(ctx context.Context, id string) (*types.MemoryItem, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return item.Clone(), nil
}

// Search scans content for a case-insensitive substring match. An empty
// query returns the most recently updated items. Results are ordered newest
// first with ties broken by id, so repeated queries are stable.
func (s *Store) Search(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	q.Normalize()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	needle := strings.ToLower(strings.TrimSpace(q.Text))

	s.mu.RLock()
	matched := make([]*types.MemoryItem, 0, len(s.items))
	for _, item := range s.items {
		if !q.WantsType(item.MemoryType) {
			continue
		}
		if needle != "" && !strings.Contains(strings.ToLower(item.Content), needle) {
			continue
		}
		matched = append(matched, item)
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	records := make([]types.MemoryRecord, 0, len(matched))
	for _, item := range matched {
		records = append(records, types.MemoryRecord{Item: *item.Clone(), Source: s.name})
	}
	return records, nil
}

// Delete removes the item and reports whether anything was removed.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

// ListByType enumerates items by memory type, newest first. An empty filter
// admits every type.
func (s *Store) ListByType(ctx context.Context, filter []types.MemoryType, limit int) ([]types.MemoryItem, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q := storage.Query{Types: filter}

	s.mu.RLock()
	matched := make([]*types.MemoryItem, 0, len(s.items))
	for _, item := range s.items {
		if q.WantsType(item.MemoryType) {
			matched = append(matched, item)
		}
	}
	s.mu.RUnlock()

	sortNewestFirst(matched)
	if len(matched) > limit {
		matched = matched[:limit]
	}

	items := make([]types.MemoryItem, 0, len(matched))
	for _, item := range matched {
		items = append(items, *item.Clone())
	}
	return items, nil
}

// Name returns the logical store name.
func (s *Store) Name() string { return s.name }

// Len reports the number of stored items.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// Close drops all items.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*types.MemoryItem)
	return nil
}

// sortNewestFirst orders items by update time descending, ties by id, so
// scans over the unordered map stay deterministic.
func sortNewestFirst(items []*types.MemoryItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
}
