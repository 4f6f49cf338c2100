// Package stats provides the shared counter collector for cache tiers and
// storage adapters. Collectors are constructed explicitly and injected into
// the components that report to them, so independent manager instances (for
// example in tests) never share statistics.
package stats

import "sync"

// TierCounters holds the monotonic counters for one cache tier.
type TierCounters struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Writes    uint64 `json:"writes"`
}

// AdapterCounters holds the monotonic counters for one storage adapter.
type AdapterCounters struct {
	Reads    uint64 `json:"reads"`
	Writes   uint64 `json:"writes"`
	Deletes  uint64 `json:"deletes"`
	Searches uint64 `json:"searches"`
	Failures uint64 `json:"failures"`
}

// Collector accumulates per-tier and per-adapter counters. All methods are
// safe for concurrent use. Counters only move forward; they reset through
// Reset or ResetTier, never implicitly.
type Collector struct {
	mu       sync.Mutex
	tiers    map[int]*TierCounters
	adapters map[string]*AdapterCounters
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{
		tiers:    make(map[int]*TierCounters),
		adapters: make(map[string]*AdapterCounters),
	}
}

func (c *Collector) tier(i int) *TierCounters {
	t, ok := c.tiers[i]
	if !ok {
		t = &TierCounters{}
		c.tiers[i] = t
	}
	return t
}

func (c *Collector) adapter(store string) *AdapterCounters {
	a, ok := c.adapters[store]
	if !ok {
		a = &AdapterCounters{}
		c.adapters[store] = a
	}
	return a
}

// RecordTierHit counts a lookup satisfied by tier i.
func (c *Collector) RecordTierHit(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tier(i).Hits++
}

// RecordTierMiss counts a lookup that probed tier i and found nothing.
func (c *Collector) RecordTierMiss(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tier(i).Misses++
}

// RecordTierEviction counts a capacity eviction from tier i.
func (c *Collector) RecordTierEviction(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tier(i).Evictions++
}

// RecordTierWrite counts an insert or overwrite into tier i.
func (c *Collector) RecordTierWrite(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tier(i).Writes++
}

// RecordAdapterRead counts a point lookup against the named store.
func (c *Collector) RecordAdapterRead(store string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter(store).Reads++
}

// RecordAdapterWrite counts a durable write against the named store.
func (c *Collector) RecordAdapterWrite(store string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter(store).Writes++
}

// RecordAdapterDelete counts a delete against the named store.
func (c *Collector) RecordAdapterDelete(store string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter(store).Deletes++
}

// RecordAdapterSearch counts a search against the named store.
func (c *Collector) RecordAdapterSearch(store string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter(store).Searches++
}

// RecordAdapterFailure counts a failed operation against the named store.
func (c *Collector) RecordAdapterFailure(store string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.adapter(store).Failures++
}

// TierSnapshot returns a copy of tier i's counters.
func (c *Collector) TierSnapshot(i int) TierCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tiers[i]; ok {
		return *t
	}
	return TierCounters{}
}

// AdapterSnapshot returns a copy of every adapter's counters.
func (c *Collector) AdapterSnapshot() map[string]AdapterCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]AdapterCounters, len(c.adapters))
	for name, a := range c.adapters {
		out[name] = *a
	}
	return out
}

// ResetTier zeroes the counters for tier i.
func (c *Collector) ResetTier(i int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.tiers, i)
}

// Reset zeroes every tier and adapter counter.
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tiers = make(map[int]*TierCounters)
	c.adapters = make(map[string]*AdapterCounters)
}
