// Package engine provides the memory manager, the façade over the tiered
// cache and the registered storage adapters. The manager routes writes to the
// durable layer that owns each memory type, keeps the cache write-through
// consistent with durable state, and fans searches out across adapters with
// per-adapter failure isolation.
package engine

import (
	"fmt"

	"github.com/stratamem/strata/internal/storage"
)

// ErrInvalidID rejects lookups and deletes called with an empty id. It is an
// invalid argument, not a miss.
var ErrInvalidID = fmt.Errorf("%w: empty id", storage.ErrInvalidInput)

// Config holds construction-time settings for the manager.
type Config struct {
	// TierCapacities sizes the cache tiers, fastest first. A capacity of 0
	// disables its tier; an empty slice disables caching entirely.
	TierCapacities []int

	// QueryCacheSize bounds the memoized search results (default in
	// DefaultConfig: 128). 0 disables search memoization.
	QueryCacheSize int

	// HistorySize bounds the ring of recently fruitful store names that
	// biases the context_aware search order (default in DefaultConfig: 32).
	// 0 disables the bias.
	HistorySize int
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		TierCapacities: []int{64, 512},
		QueryCacheSize: 128,
		HistorySize:    32,
	}
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	for i, capacity := range c.TierCapacities {
		if capacity < 0 {
			return fmt.Errorf("TierCapacities[%d] must be >= 0, got %d", i, capacity)
		}
	}

	if c.QueryCacheSize < 0 {
		return fmt.Errorf("QueryCacheSize must be >= 0, got %d", c.QueryCacheSize)
	}

	if c.HistorySize < 0 {
		return fmt.Errorf("HistorySize must be >= 0, got %d", c.HistorySize)
	}

	return nil
}
