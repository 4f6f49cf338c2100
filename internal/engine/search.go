package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// Strategy selects how a search visits the registered adapters.
type Strategy string

const (
	// StrategyDirect queries exactly the adapter named in SearchOptions.Store.
	StrategyDirect Strategy = "direct"

	// StrategyCross queries every adapter sequentially in registration order
	// and merges all results.
	StrategyCross Strategy = "cross"

	// StrategyCascading queries adapters in registration order and stops at
	// the first one returning a non-empty result.
	StrategyCascading Strategy = "cascading"

	// StrategyFederated queries every adapter concurrently and merges the
	// results in registration order.
	StrategyFederated Strategy = "federated"

	// StrategyContextAware is cross with the visit order biased toward the
	// stores that most recently produced retrieval or search hits.
	StrategyContextAware Strategy = "context_aware"
)

// SearchOptions selects the fan-out behavior for a search. The query itself,
// including the result limit, travels in storage.Query.
type SearchOptions struct {
	// Strategy picks how adapters are visited (default StrategyCascading).
	Strategy Strategy

	// Store names the single adapter queried by StrategyDirect. The other
	// strategies ignore it.
	Store string
}

// ParseStrategy validates a strategy name from config or CLI input. An empty
// name selects the default.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyCascading, nil
	case StrategyDirect, StrategyCross, StrategyCascading, StrategyFederated, StrategyContextAware:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("engine: %w: unknown search strategy %q", storage.ErrInvalidInput, s)
}

// Search runs the query under the chosen strategy and groups the results per
// store. Every record is annotated with its source store and, when the store
// is mapped, its layer. Adapter failures during a multi-store strategy are
// isolated: healthy results are returned alongside the failed store names,
// and only a search that failed on every store is an error. Completed
// results are memoized until the next Store, Delete or Clear.
func (m *Manager) Search(ctx context.Context, q storage.Query, opts SearchOptions) (*types.GroupedResults, error) {
	strategy := opts.Strategy
	if strategy == "" {
		strategy = StrategyCascading
	}
	switch strategy {
	case StrategyDirect, StrategyCross, StrategyCascading, StrategyFederated, StrategyContextAware:
	default:
		return nil, fmt.Errorf("engine: %w: unknown search strategy %q", storage.ErrInvalidInput, strategy)
	}

	var direct storage.Adapter
	if strategy == StrategyDirect {
		if opts.Store == "" {
			return nil, fmt.Errorf("engine: %w: direct search requires a store name", storage.ErrInvalidInput)
		}
		a, ok := m.registry.Get(opts.Store)
		if !ok {
			return nil, fmt.Errorf("engine: %w: unknown store %q", storage.ErrInvalidInput, opts.Store)
		}
		direct = a
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	q.Normalize()
	key := queryKey(strategy, opts.Store, q)
	if cached, ok := m.queries.get(key); ok {
		return cached, nil
	}

	var (
		grouped *types.GroupedResults
		err     error
	)
	switch strategy {
	case StrategyDirect:
		grouped, err = m.searchDirect(ctx, q, direct)
	case StrategyCross:
		grouped, err = m.searchSequential(ctx, q, m.registry.Adapters(), false)
	case StrategyCascading:
		grouped, err = m.searchSequential(ctx, q, m.registry.Adapters(), true)
	case StrategyFederated:
		grouped, err = m.searchFederated(ctx, q)
	case StrategyContextAware:
		grouped, err = m.searchSequential(ctx, q, m.adaptersByRecency(), false)
	}
	if err != nil {
		return nil, err
	}

	// A cancelled search never reaches here, so only complete result sets
	// are memoized.
	m.queries.put(key, grouped)
	return grouped, nil
}

// searchDirect queries one adapter and surfaces its error verbatim; with a
// single store there is nothing to isolate.
func (m *Manager) searchDirect(ctx context.Context, q storage.Query, adapter storage.Adapter) (*types.GroupedResults, error) {
	records, err := m.searchAdapter(ctx, adapter, q)
	if err != nil {
		return nil, err
	}
	grouped := newGroupedResults()
	grouped.ByStore[adapter.Name()] = records
	grouped.Combined = records
	return grouped, nil
}

// searchSequential visits the adapters in the given order. With stopAtFirst
// it returns at the first non-empty result, skipping past failed or empty
// stores; otherwise it visits all of them and merges.
func (m *Manager) searchSequential(ctx context.Context, q storage.Query, adapters []storage.Adapter, stopAtFirst bool) (*types.GroupedResults, error) {
	grouped := newGroupedResults()
	var errs []error
	attempted := 0

	for _, adapter := range adapters {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		attempted++
		records, err := m.searchAdapter(ctx, adapter, q)
		if err != nil {
			log.Printf("engine: search %s: %v", adapter.Name(), err)
			grouped.Failed = append(grouped.Failed, types.AdapterFailure{Store: adapter.Name(), Err: err.Error()})
			errs = append(errs, err)
			continue
		}
		grouped.ByStore[adapter.Name()] = records
		grouped.Combined = append(grouped.Combined, records...)
		if stopAtFirst && len(records) > 0 {
			break
		}
	}

	if attempted > 0 && len(errs) == attempted {
		return nil, fmt.Errorf("engine: search failed on every store: %w", errors.Join(errs...))
	}
	return grouped, nil
}

// searchFederated fans out one goroutine per adapter and merges the results
// in registration order, so equal outcomes produce equal groupings no matter
// which store answered first. Cancellation abandons the merge; the in-flight
// calls finish on their own and their results are dropped.
func (m *Manager) searchFederated(ctx context.Context, q storage.Query) (*types.GroupedResults, error) {
	adapters := m.registry.Adapters()

	type outcome struct {
		store   string
		records []types.MemoryRecord
		err     error
	}

	results := make(chan outcome, len(adapters))
	var wg sync.WaitGroup
	for _, adapter := range adapters {
		wg.Add(1)
		go func(a storage.Adapter) {
			defer wg.Done()
			records, err := m.searchAdapter(ctx, a, q)
			results <- outcome{store: a.Name(), records: records, err: err}
		}(adapter)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(results)
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	byStore := make(map[string]outcome, len(adapters))
	for out := range results {
		byStore[out.store] = out
	}

	grouped := newGroupedResults()
	var errs []error
	for _, adapter := range adapters {
		out := byStore[adapter.Name()]
		if out.err != nil {
			log.Printf("engine: federated search %s: %v", out.store, out.err)
			grouped.Failed = append(grouped.Failed, types.AdapterFailure{Store: out.store, Err: out.err.Error()})
			errs = append(errs, out.err)
			continue
		}
		grouped.ByStore[out.store] = out.records
		grouped.Combined = append(grouped.Combined, out.records...)
	}

	if len(adapters) > 0 && len(errs) == len(adapters) {
		return nil, fmt.Errorf("engine: search failed on every store: %w", errors.Join(errs...))
	}
	return grouped, nil
}

// searchAdapter runs one adapter's search and stamps the annotations. A
// store that produced results is remembered as recently fruitful.
func (m *Manager) searchAdapter(ctx context.Context, adapter storage.Adapter, q storage.Query) ([]types.MemoryRecord, error) {
	name := adapter.Name()
	m.collector.RecordAdapterSearch(name)
	records, err := adapter.Search(ctx, q)
	if err != nil {
		m.collector.RecordAdapterFailure(name)
		return nil, err
	}

	layer, _ := m.registry.LayerOf(name)
	for i := range records {
		records[i].Source = name
		if layer != "" {
			records[i].Layer = layer
		}
	}

	if len(records) > 0 {
		m.history.record(name)
	}
	return records, nil
}

// adaptersByRecency orders the adapters so the stores that most recently
// produced hits come first; the remainder keep registration order.
func (m *Manager) adaptersByRecency() []storage.Adapter {
	adapters := m.registry.Adapters()
	recent := m.history.recentStores()
	if len(recent) == 0 {
		return adapters
	}

	seen := make(map[string]bool, len(recent))
	out := make([]storage.Adapter, 0, len(adapters))
	for _, name := range recent {
		if seen[name] {
			continue
		}
		seen[name] = true
		if a, ok := m.registry.Get(name); ok {
			out = append(out, a)
		}
	}
	for _, a := range adapters {
		if !seen[a.Name()] {
			out = append(out, a)
		}
	}
	return out
}

func newGroupedResults() *types.GroupedResults {
	return &types.GroupedResults{ByStore: make(map[string][]types.MemoryRecord)}
}

// queryKey builds the memoization key. Everything that shapes the result set
// participates, so two searches share an entry only when they would return
// the same records.
func queryKey(strategy Strategy, store string, q storage.Query) string {
	parts := make([]string, 0, 4+len(q.Types))
	parts = append(parts, string(strategy), store, q.Text, strconv.Itoa(q.Limit))
	for _, t := range q.Types {
		parts = append(parts, string(t))
	}
	return strings.Join(parts, "\x00")
}

// queryCache memoizes completed search results between mutations. Entries
// are cloned on the way in and out, so callers and the cache never share
// records.
type queryCache struct {
	entries *lru.Cache[string, *types.GroupedResults] // nil when disabled
}

func newQueryCache(size int) (*queryCache, error) {
	qc := &queryCache{}
	if size > 0 {
		entries, err := lru.New[string, *types.GroupedResults](size)
		if err != nil {
			return nil, err
		}
		qc.entries = entries
	}
	return qc, nil
}

func (qc *queryCache) get(key string) (*types.GroupedResults, bool) {
	if qc.entries == nil {
		return nil, false
	}
	cached, ok := qc.entries.Get(key)
	if !ok {
		return nil, false
	}
	return cached.Clone(), true
}

func (qc *queryCache) put(key string, grouped *types.GroupedResults) {
	if qc.entries == nil || grouped == nil {
		return
	}
	qc.entries.Add(key, grouped.Clone())
}

func (qc *queryCache) flush() {
	if qc.entries != nil {
		qc.entries.Purge()
	}
}

// sourceHistory is a fixed-size ring of store names that recently produced
// hits. It is manager state, separate from the cache, and only biases the
// context_aware visit order.
type sourceHistory struct {
	mu   sync.Mutex
	ring []string
	next int
	used int
}

func newSourceHistory(n int) *sourceHistory {
	h := &sourceHistory{}
	if n > 0 {
		h.ring = make([]string, n)
	}
	return h
}

func (h *sourceHistory) record(store string) {
	if store == "" || len(h.ring) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ring[h.next] = store
	h.next = (h.next + 1) % len(h.ring)
	if h.used < len(h.ring) {
		h.used++
	}
}

// recentStores returns the recorded names, most recent first.
func (h *sourceHistory) recentStores() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, h.used)
	for i := 1; i <= h.used; i++ {
		out = append(out, h.ring[(h.next-i+len(h.ring))%len(h.ring)])
	}
	return out
}
