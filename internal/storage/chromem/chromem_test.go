package chromem_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stratamem/strata/internal/storage"
	chromemstore "github.com/stratamem/strata/internal/storage/chromem"
	"github.com/stratamem/strata/pkg/types"
)

func newTestStore(t *testing.T) *chromemstore.Store {
	t.Helper()
	s, err := chromemstore.New(chromemstore.Config{})
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("close: %v", err)
		}
	})
	return s
}

func item(id, content string, mt types.MemoryType, version int64, updated time.Time) *types.MemoryItem {
	return &types.MemoryItem{
		ID:         id,
		Content:    content,
		MemoryType: mt,
		Version:    version,
		CreatedAt:  updated,
		UpdatedAt:  updated,
	}
}

func seedStore(t *testing.T, s *chromemstore.Store) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC)

	seed := []*types.MemoryItem{
		item("a1", "deploying the staging cluster", types.MemoryTypeTaskHistory, 1, base.Add(1*time.Minute)),
		item("a2", "rotated the staging credentials", types.MemoryTypeKnowledge, 1, base.Add(2*time.Minute)),
		item("a3", "picked up groceries after work", types.MemoryTypeConversation, 1, base.Add(3*time.Minute)),
	}
	for _, it := range seed {
		if _, err := s.Store(ctx, it); err != nil {
			t.Fatalf("store %s: %v", it.ID, err)
		}
	}
}

func TestStoreSearchRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	original := item("a1", "deploying the staging cluster", types.MemoryTypeTaskHistory, 1, time.Date(2025, 4, 1, 9, 0, 0, 0, time.UTC))
	original.Metadata = map[string]string{"agent": "alpha"}
	if _, err := s.Store(ctx, original); err != nil {
		t.Fatalf("store: %v", err)
	}
	if _, err := s.Store(ctx, item("a3", "picked up groceries after work", types.MemoryTypeConversation, 1, time.Date(2025, 4, 1, 9, 5, 0, 0, time.UTC))); err != nil {
		t.Fatalf("store: %v", err)
	}

	// The default limit exceeds the document count, so the query only
	// succeeds when the adapter shrinks it to fit.
	records, err := s.Search(ctx, storage.Query{Text: "deploying the staging cluster"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected every document scored, got %d records", len(records))
	}

	top := records[0]
	if top.Item.ID != "a1" {
		t.Fatalf("expected the exact-content match first, got %q", top.Item.ID)
	}
	if top.Source != "chromem" {
		t.Fatalf("record missing source annotation: %+v", top)
	}
	if top.Similarity == nil || *top.Similarity < 0.99 {
		t.Fatalf("identical text should score near 1.0, got %v", top.Similarity)
	}
	if top.Item.Metadata["agent"] != "alpha" {
		t.Fatalf("metadata did not round-trip: %+v", top.Item.Metadata)
	}
	if top.Item.MemoryType != types.MemoryTypeTaskHistory || top.Item.Version != 1 {
		t.Fatalf("item fields did not round-trip: %+v", top.Item)
	}
}

func TestStoreValidation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name string
		item *types.MemoryItem
	}{
		{"nil item", nil},
		{"empty id", item("", "content", types.MemoryTypeContext, 1, time.Now())},
		{"empty content", item("a", "", types.MemoryTypeContext, 1, time.Now())},
		{"unknown type", item("a", "content", types.MemoryType("MOOD"), 1, time.Now())},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := s.Store(ctx, tc.item); !errors.Is(err, storage.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
		})
	}
}

func TestHigherVersionWins(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Store(ctx, item("a", "second draft", types.MemoryTypeContext, 2, time.Now())); err != nil {
		t.Fatalf("store v2: %v", err)
	}
	if _, err := s.Store(ctx, item("a", "first draft", types.MemoryTypeContext, 1, time.Now())); err != nil {
		t.Fatalf("store v1: %v", err)
	}

	got, err := s.Retrieve(ctx, "a")
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if got.Version != 2 || got.Content != "second draft" {
		t.Fatalf("stale write clobbered the newer version: %+v", got)
	}

	// The stale document must not resurface through search either.
	records, err := s.Search(ctx, storage.Query{Text: "second draft"})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 1 || records[0].Item.Content != "second draft" {
		t.Fatalf("search returned the stale document: %+v", records)
	}
}

func TestRetrieveMissing(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Retrieve(context.Background(), "nope")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDeleteHidesFromSearch(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	seedStore(t, s)

	records, err := s.Search(ctx, storage.Query{Text: "deploying the staging cluster", Limit: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 1 || records[0].Item.ID != "a1" {
		t.Fatalf("expected a1 before deletion, got %+v", records)
	}

	deleted, err := s.Delete(ctx, "a1")
	if err != nil || !deleted {
		t.Fatalf("expected deleted=true, got %v %v", deleted, err)
	}

	records, err = s.Search(ctx, storage.Query{Text: "deploying the staging cluster"})
	if err != nil {
		t.Fatalf("search after delete: %v", err)
	}
	for _, r := range records {
		if r.Item.ID == "a1" {
			t.Fatalf("deleted document resurfaced in search: %+v", r)
		}
	}

	if _, err := s.Retrieve(ctx, "a1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	deleted, err = s.Delete(ctx, "a1")
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if deleted {
		t.Fatal("expected deleted=false for an already removed id")
	}
}

func TestSearchTypeFilter(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)

	records, err := s.Search(context.Background(), storage.Query{
		Text:  "staging credentials",
		Types: []types.MemoryType{types.MemoryTypeKnowledge},
	})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 1 || records[0].Item.ID != "a2" {
		t.Fatalf("type filter failed: %+v", records)
	}
}

func TestSearchEmptyQueryReturnsRecent(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)

	records, err := s.Search(context.Background(), storage.Query{Limit: 2})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(records) != 2 || records[0].Item.ID != "a3" || records[1].Item.ID != "a2" {
		t.Fatalf("expected the two newest items, got %+v", records)
	}
	if records[0].Similarity != nil {
		t.Fatalf("recency fallback should not fabricate similarity scores: %+v", records[0])
	}
}

func TestListByType(t *testing.T) {
	s := newTestStore(t)
	seedStore(t, s)

	items, err := s.ListByType(context.Background(), []types.MemoryType{types.MemoryTypeKnowledge}, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(items) != 1 || items[0].ID != "a2" {
		t.Fatalf("unexpected listing: %+v", items)
	}

	all, err := s.ListByType(context.Background(), nil, 10)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("empty filter should admit every type, got %d", len(all))
	}
}

func TestHashEmbedder(t *testing.T) {
	if got := chromemstore.NewHashEmbedder(0).Dimensions(); got != chromemstore.DefaultDimensions {
		t.Fatalf("expected default width %d, got %d", chromemstore.DefaultDimensions, got)
	}

	e := chromemstore.NewHashEmbedder(2)
	ctx := context.Background()

	empty, err := e.Embed(ctx, "")
	if err != nil {
		t.Fatalf("embed empty: %v", err)
	}
	if len(empty) != 2 || empty[0] != 0 || empty[1] != 0 {
		t.Fatalf("empty text should map to the zero vector, got %v", empty)
	}

	// 'a' is 97 and 'b' is 98; both normalised by the two-rune length.
	got, err := e.Embed(ctx, "ab")
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if got[0] != 48.5 || got[1] != 49 {
		t.Fatalf("unexpected folding: %v", got)
	}

	again, err := e.Embed(ctx, "ab")
	if err != nil {
		t.Fatalf("embed again: %v", err)
	}
	if got[0] != again[0] || got[1] != again[1] {
		t.Fatalf("embedding is not deterministic: %v vs %v", got, again)
	}

	other, err := e.Embed(ctx, "ba")
	if err != nil {
		t.Fatalf("embed other: %v", err)
	}
	if other[0] == got[0] && other[1] == got[1] {
		t.Fatalf("distinct text should not collide: %v vs %v", got, other)
	}
}
