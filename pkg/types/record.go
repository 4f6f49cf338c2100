package types

// MemoryRecord wraps a MemoryItem with its origin annotations. Every search
// result carries the name of the store it came from; presentation layers must
// not strip this annotation.
type MemoryRecord struct {
	Item   MemoryItem `json:"item"`
	Source string     `json:"source"`          // Logical name of the adapter that produced the record
	Layer  Layer      `json:"layer,omitempty"` // Durable layer of the source adapter, when mapped

	// Similarity is set only when the backend scores matches (vector
	// backends); nil means the backend ranks without exposing a score.
	Similarity *float64 `json:"similarity,omitempty"`
}

// Clone returns a deep copy of the record.
func (r MemoryRecord) Clone() MemoryRecord {
	cp := r
	cp.Item = *r.Item.Clone()
	if r.Similarity != nil {
		sim := *r.Similarity
		cp.Similarity = &sim
	}
	return cp
}

// AdapterFailure names an adapter that errored during a multi-store
// operation, alongside the error text for reporting.
type AdapterFailure struct {
	Store string `json:"store"`
	Err   string `json:"error"`
}

// GroupedResults is the shape returned by multi-store searches: results
// grouped per store, a combined list across stores, and the adapters that
// failed. Partial results with a non-empty Failed list are a normal outcome.
type GroupedResults struct {
	ByStore  map[string][]MemoryRecord `json:"by_store"`
	Combined []MemoryRecord            `json:"combined"`
	Failed   []AdapterFailure          `json:"failed,omitempty"`
}

// Clone returns a deep copy of the grouped results, so cached result sets
// stay intact when a caller mutates what it was handed.
func (g *GroupedResults) Clone() *GroupedResults {
	if g == nil {
		return nil
	}
	cp := &GroupedResults{
		ByStore:  make(map[string][]MemoryRecord, len(g.ByStore)),
		Combined: cloneRecords(g.Combined),
	}
	for store, records := range g.ByStore {
		cp.ByStore[store] = cloneRecords(records)
	}
	if g.Failed != nil {
		cp.Failed = make([]AdapterFailure, len(g.Failed))
		copy(cp.Failed, g.Failed)
	}
	return cp
}

func cloneRecords(records []MemoryRecord) []MemoryRecord {
	if records == nil {
		return nil
	}
	out := make([]MemoryRecord, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}
