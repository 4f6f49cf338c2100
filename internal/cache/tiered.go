// Package cache implements the tiered LRU cache that fronts the durable
// memory backends. Tiers are ordered fastest/smallest first; lookups cascade
// through the tiers and a hit is promoted into every faster tier. The cache
// holds copies, never the caller's pointers, and it never talks to durable
// storage itself.
package cache

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratamem/strata/internal/stats"
	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// TierStats reports one tier's counters and occupancy.
type TierStats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Evictions uint64 `json:"evictions"`
	Writes    uint64 `json:"writes"`
}

// Stats is the cache-wide view: per-tier counters plus the overall hit ratio
// of the cascading hierarchy.
type Stats struct {
	Tiers    []TierStats `json:"tiers"`
	HitRatio float64     `json:"hit_ratio"`
}

// TieredCache is an ordered sequence of LRU tiers. A single mutex guards the
// whole tier array so cross-tier promotion is atomic with respect to
// concurrent writes and invalidations of the same id.
type TieredCache struct {
	mu        sync.Mutex
	tiers     []*tier
	collector *stats.Collector
	onEvict   func(tier int, id string)
}

type tier struct {
	capacity int
	entries  *lru.Cache[string, *types.MemoryItem] // nil when the tier is disabled
}

// New builds a TieredCache with one tier per capacity, L1 first. A capacity
// of 0 disables its tier: it is skipped by lookups and writes and never
// counts a hit or a miss. A nil collector gets a private one.
func New(capacities []int, collector *stats.Collector) (*TieredCache, error) {
	return NewWithEvict(capacities, collector, nil)
}

// NewWithEvict is New with a hook invoked for every capacity eviction,
// reporting the tier index and the evicted id. Explicit removal through
// Invalidate, Clear or ClearTier does not fire the hook.
func NewWithEvict(capacities []int, collector *stats.Collector, onEvict func(tier int, id string)) (*TieredCache, error) {
	if collector == nil {
		collector = stats.NewCollector()
	}

	c := &TieredCache{
		tiers:     make([]*tier, 0, len(capacities)),
		collector: collector,
		onEvict:   onEvict,
	}
	for i, capacity := range capacities {
		if capacity < 0 {
			return nil, fmt.Errorf("cache: tier %d: %w: negative capacity %d", i, storage.ErrInvalidInput, capacity)
		}
		t := &tier{capacity: capacity}
		if capacity > 0 {
			entries, err := lru.New[string, *types.MemoryItem](capacity)
			if err != nil {
				return nil, fmt.Errorf("cache: tier %d: %w", i, err)
			}
			t.entries = entries
		}
		c.tiers = append(c.tiers, t)
	}
	return c, nil
}

// TierCount returns the number of configured tiers, disabled ones included.
func (c *TieredCache) TierCount() int { return len(c.tiers) }

// Get probes the tiers in order. On a hit at tier k the entry is promoted
// into tiers 1..k-1, evicting their least recently used entries as needed;
// every tier probed before the hit counts a miss and the hit tier counts a
// hit. A full miss is (nil, false, nil). The returned item is a copy the
// caller owns.
func (c *TieredCache) Get(id string) (*types.MemoryItem, bool, error) {
	if id == "" {
		return nil, false, fmt.Errorf("cache: %w: empty id", storage.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, t := range c.tiers {
		if t.entries == nil {
			continue
		}
		item, ok := t.entries.Get(id)
		if !ok {
			c.collector.RecordTierMiss(i)
			continue
		}
		c.collector.RecordTierHit(i)
		c.promoteLocked(i, id, item)
		return item.Clone(), true, nil
	}
	return nil, false, nil
}

// promoteLocked copies a hit at tier k into every enabled tier above it.
// The probes that preceded the hit guarantee those tiers do not hold the id,
// so promotion is a plain insert. Put is the only path that replaces an
// existing cached copy, and it always writes the newest version.
func (c *TieredCache) promoteLocked(k int, id string, item *types.MemoryItem) {
	for i := 0; i < k; i++ {
		t := c.tiers[i]
		if t.entries == nil {
			continue
		}
		c.addLocked(i, t, id, item)
	}
}

// addLocked inserts into one tier, recording the capacity eviction it causes.
func (c *TieredCache) addLocked(i int, t *tier, id string, item *types.MemoryItem) {
	var victim string
	haveVictim := false
	if t.entries.Len() >= t.capacity && !t.entries.Contains(id) {
		victim, _, haveVictim = t.entries.GetOldest()
	}
	if evicted := t.entries.Add(id, item); evicted {
		c.collector.RecordTierEviction(i)
		if c.onEvict != nil && haveVictim {
			c.onEvict(i, victim)
		}
	}
}

// Put writes the item through every enabled tier, evicting each tier's least
// recently used entry first when at capacity. Existing copies are
// overwritten, not merely invalidated. The cache stores its own copy.
func (c *TieredCache) Put(id string, item *types.MemoryItem) error {
	if id == "" {
		return fmt.Errorf("cache: %w: empty id", storage.ErrInvalidInput)
	}
	if item == nil {
		return fmt.Errorf("cache: %w: nil item", storage.ErrInvalidInput)
	}

	cp := item.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, t := range c.tiers {
		if t.entries == nil {
			continue
		}
		c.addLocked(i, t, id, cp)
		c.collector.RecordTierWrite(i)
	}
	return nil
}

// Fill inserts the item into the slowest enabled tier only, evicting that
// tier's least recently used entry when at capacity. The durable-fallback
// read path uses Fill so a one-off read cannot displace hot entries from the
// faster tiers; the item moves up through promotion when it is hit again.
func (c *TieredCache) Fill(id string, item *types.MemoryItem) error {
	if id == "" {
		return fmt.Errorf("cache: %w: empty id", storage.ErrInvalidInput)
	}
	if item == nil {
		return fmt.Errorf("cache: %w: nil item", storage.ErrInvalidInput)
	}

	cp := item.Clone()

	c.mu.Lock()
	defer c.mu.Unlock()

	for i := len(c.tiers) - 1; i >= 0; i-- {
		t := c.tiers[i]
		if t.entries == nil {
			continue
		}
		c.addLocked(i, t, id, cp)
		c.collector.RecordTierWrite(i)
		return nil
	}
	return nil
}

// Invalidate removes the id from every tier. Durable storage is untouched.
func (c *TieredCache) Invalidate(id string) {
	if id == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.tiers {
		if t.entries != nil {
			t.entries.Remove(id)
		}
	}
}

// Clear empties every tier. Counters survive unless resetStats is set.
// Durable storage is untouched.
func (c *TieredCache) Clear(resetStats bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, t := range c.tiers {
		if t.entries != nil {
			t.entries.Purge()
		}
		if resetStats {
			c.collector.ResetTier(i)
		}
	}
}

// ClearTier empties a single tier, leaving the others populated.
func (c *TieredCache) ClearTier(index int, resetStats bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if index < 0 || index >= len(c.tiers) {
		return fmt.Errorf("cache: %w: no tier %d", storage.ErrInvalidInput, index)
	}
	if t := c.tiers[index]; t.entries != nil {
		t.entries.Purge()
	}
	if resetStats {
		c.collector.ResetTier(index)
	}
	return nil
}

// Stats returns a snapshot of every tier plus the derived overall hit ratio
// H = Σ_i h_i · Π_{j<i} (1 − h_j), where h_i is tier i's hit rate among the
// requests that reached it. A tier that saw no traffic contributes h_i = 0.
func (c *TieredCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := Stats{Tiers: make([]TierStats, len(c.tiers))}
	for i, t := range c.tiers {
		counters := c.collector.TierSnapshot(i)
		ts := TierStats{
			Hits:      counters.Hits,
			Misses:    counters.Misses,
			Capacity:  t.capacity,
			Evictions: counters.Evictions,
			Writes:    counters.Writes,
		}
		if t.entries != nil {
			ts.Size = t.entries.Len()
		}
		out.Tiers[i] = ts
	}
	out.HitRatio = hitRatio(out.Tiers)
	return out
}

// hitRatio folds the per-tier hit rates into the closed-form overall ratio
// for a miss-cascading hierarchy.
func hitRatio(tiers []TierStats) float64 {
	ratio := 0.0
	reach := 1.0
	for _, t := range tiers {
		total := t.Hits + t.Misses
		if total == 0 {
			continue
		}
		h := float64(t.Hits) / float64(total)
		ratio += h * reach
		reach *= 1 - h
	}
	return ratio
}
