package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/stratamem/strata/internal/cache"
	"github.com/stratamem/strata/internal/stats"
	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// Manager is the memory façade. It owns the adapter registry and the tiered
// cache, routes each write to the durable layer that owns its memory type,
// and serves reads cache-first with the adapters as the source of truth.
// All methods are safe for concurrent use.
type Manager struct {
	registry  *storage.Registry
	cache     *cache.TieredCache
	collector *stats.Collector

	// Search state
	queries *queryCache
	history *sourceHistory
}

// NewManager builds a manager over the given registry. The registry must
// hold at least one adapter; it is read-only from here on. A nil collector
// gets a private one.
func NewManager(registry *storage.Registry, cfg Config, collector *stats.Collector) (*Manager, error) {
	if registry == nil || registry.Len() == 0 {
		return nil, fmt.Errorf("engine: at least one adapter is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}
	if collector == nil {
		collector = stats.NewCollector()
	}

	tiered, err := cache.New(cfg.TierCapacities, collector)
	if err != nil {
		return nil, err
	}
	queries, err := newQueryCache(cfg.QueryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("engine: query cache: %w", err)
	}

	return &Manager{
		registry:  registry,
		cache:     tiered,
		collector: collector,
		queries:   queries,
		history:   newSourceHistory(cfg.HistorySize),
	}, nil
}

// Store persists the item to the adapter owning its layer, then writes it
// through every cache tier. An id is generated when absent; the canonical id
// is returned. Re-storing an existing id bumps the version and overwrites
// the cached copies. When classification or the durable write fails, the
// call fails atomically: the cache is not touched.
//
// The memory type decides the owning layer, so an id must keep the type it
// was first stored under.
func (m *Manager) Store(ctx context.Context, item *types.MemoryItem) (string, error) {
	if item == nil {
		return "", fmt.Errorf("engine: %w: nil item", storage.ErrInvalidInput)
	}
	if item.Content == "" {
		return "", fmt.Errorf("engine: %w: item content is required", storage.ErrInvalidInput)
	}
	layer, err := Classify(item.MemoryType)
	if err != nil {
		return "", err
	}
	adapter, ok := m.registry.ForLayer(layer)
	if !ok {
		return "", fmt.Errorf("engine: no adapter mapped to layer %q", layer)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	cp := item.Clone()
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}

	now := time.Now().UTC()
	existing, err := adapter.Retrieve(ctx, cp.ID)
	switch {
	case err == nil:
		if existing.MemoryType != cp.MemoryType {
			return "", fmt.Errorf("engine: %w: memory type is immutable (stored %s, got %s)",
				storage.ErrInvalidInput, existing.MemoryType, cp.MemoryType)
		}
		cp.Version = existing.Version + 1
		cp.CreatedAt = existing.CreatedAt
	case errors.Is(err, storage.ErrNotFound):
		if cp.Version < 1 {
			cp.Version = 1
		}
		if cp.CreatedAt.IsZero() {
			cp.CreatedAt = now
		}
	default:
		m.collector.RecordAdapterFailure(adapter.Name())
		return "", err
	}
	cp.UpdatedAt = now

	m.collector.RecordAdapterWrite(adapter.Name())
	if _, err := adapter.Store(ctx, cp); err != nil {
		m.collector.RecordAdapterFailure(adapter.Name())
		return "", err
	}

	if err := m.cache.Put(cp.ID, cp); err != nil {
		log.Printf("engine: cache put %s: %v", cp.ID, err)
	}
	m.queries.flush()
	return cp.ID, nil
}

// Retrieve serves a point lookup cache-first. On a full cache miss the
// adapters are scanned in registration order until one holds the id; the
// found item is admitted at the coldest cache tier, where later hits promote
// it toward tier 1. Failing adapters are skipped during the scan; when the
// id is found nowhere their errors are attached to the returned not-found.
func (m *Manager) Retrieve(ctx context.Context, id string) (*types.MemoryItem, error) {
	if id == "" {
		return nil, ErrInvalidID
	}

	item, hit, err := m.cache.Get(id)
	if err != nil {
		return nil, err
	}
	if hit {
		return item, nil
	}

	var failures []error
	for _, adapter := range m.registry.Adapters() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		m.collector.RecordAdapterRead(adapter.Name())
		found, err := adapter.Retrieve(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			m.collector.RecordAdapterFailure(adapter.Name())
			log.Printf("engine: retrieve %s from %s: %v", id, adapter.Name(), err)
			failures = append(failures, err)
			continue
		}
		if err := m.cache.Fill(id, found); err != nil {
			log.Printf("engine: cache fill %s: %v", id, err)
		}
		m.history.record(adapter.Name())
		return found, nil
	}

	if len(failures) > 0 {
		return nil, fmt.Errorf("%w: %w", storage.ErrNotFound, errors.Join(failures...))
	}
	return nil, storage.ErrNotFound
}

// Delete removes the id from its owning adapter, discovered by the same
// ordered scan Retrieve uses, then drops every cached copy. Deleting an
// unknown id returns (false, nil).
func (m *Manager) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, ErrInvalidID
	}

	var (
		removed  bool
		failures []error
	)
	for _, adapter := range m.registry.Adapters() {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		m.collector.RecordAdapterDelete(adapter.Name())
		ok, err := adapter.Delete(ctx, id)
		if err != nil {
			m.collector.RecordAdapterFailure(adapter.Name())
			log.Printf("engine: delete %s from %s: %v", id, adapter.Name(), err)
			failures = append(failures, err)
			continue
		}
		if ok {
			removed = true
			break
		}
	}

	m.cache.Invalidate(id)
	m.queries.flush()

	if !removed && len(failures) > 0 {
		return false, errors.Join(failures...)
	}
	return removed, nil
}

// GetItemsByLayer lists the items held in one durable layer, newest first.
// The listing is filtered to the memory types routed to that layer, so an
// adapter serving several layers reports each layer separately.
func (m *Manager) GetItemsByLayer(ctx context.Context, layer types.Layer) ([]types.MemoryItem, error) {
	if !types.IsValidLayer(layer) {
		return nil, fmt.Errorf("engine: %w: unknown layer %q", storage.ErrInvalidInput, layer)
	}
	adapter, ok := m.registry.ForLayer(layer)
	if !ok {
		return nil, fmt.Errorf("engine: no adapter mapped to layer %q", layer)
	}
	lister, ok := adapter.(storage.Lister)
	if !ok {
		return nil, fmt.Errorf("engine: adapter %q cannot list by type", adapter.Name())
	}
	return lister.ListByType(ctx, TypesForLayer(layer), 0)
}

// Clear empties every cache tier, resets the tier counters and flushes the
// memoized search results. Durable storage is untouched.
func (m *Manager) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.cache.Clear(true)
	m.queries.flush()
	return nil
}

// CacheStats returns the per-tier counters and the overall hit ratio.
func (m *Manager) CacheStats() cache.Stats {
	return m.cache.Stats()
}

// AdapterStats returns a snapshot of the per-adapter operation counters.
func (m *Manager) AdapterStats() map[string]stats.AdapterCounters {
	return m.collector.AdapterSnapshot()
}

// Stores returns the registered adapter names in registration order.
func (m *Manager) Stores() []string {
	return m.registry.Names()
}

// Close empties the cache and closes every adapter.
func (m *Manager) Close() error {
	m.queries.flush()
	m.cache.Clear(false)
	return m.registry.CloseAll()
}
