// Package chromem implements the storage adapter on chromem-go, an embedded
// pure-Go vector database. Items are embedded on write and searched by
// cosine similarity; the full item round-trips through document content and
// metadata so results need no second lookup.
//
// chromem exposes no point lookup or delete by id, so the adapter keeps a
// sidecar id index for Retrieve and a tombstone set that hides deleted
// documents from search results.
package chromem

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// Document metadata keys used to round-trip item fields. Caller metadata is
// carried under metaPrefix to keep it out of the reserved namespace.
const (
	metaKeyType    = "memory_type"
	metaKeyVersion = "version"
	metaKeyCreated = "created_at"
	metaKeyUpdated = "updated_at"
	metaPrefix     = "meta:"
)

// Config holds the settings for the chromem adapter.
type Config struct {
	// Name overrides the default registry name "chromem".
	Name string

	// Path enables on-disk persistence. Empty keeps the database in memory.
	Path string

	// Collection names the chromem collection. Default: "memories".
	Collection string

	// Embedder converts content to vectors. Nil falls back to the
	// deterministic hash embedder.
	Embedder storage.Embedder
}

// Store implements storage.Adapter on a chromem collection.
type Store struct {
	name       string
	db         *chromem.DB
	collection *chromem.Collection
	embedder   storage.Embedder

	mu      sync.RWMutex
	items   map[string]*types.MemoryItem
	deleted map[string]struct{}
}

var (
	_ storage.Adapter = (*Store)(nil)
	_ storage.Lister  = (*Store)(nil)
)

// New creates a chromem-backed store. With Config.Path set the database
// persists to disk and vectors survive restarts; the id index refills as
// items are stored and searched.
func New(cfg Config) (*Store, error) {
	name := cfg.Name
	if name == "" {
		name = "chromem"
	}
	collectionName := cfg.Collection
	if collectionName == "" {
		collectionName = "memories"
	}
	embedder := cfg.Embedder
	if embedder == nil {
		embedder = NewHashEmbedder(0)
	}

	var db *chromem.DB
	if cfg.Path != "" {
		var err error
		db, err = chromem.NewPersistentDB(cfg.Path, false)
		if err != nil {
			return nil, storage.Unavailable(name, "open", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// The embedding func stays nil: the adapter always supplies embeddings
	// itself so failures surface with the right error kind.
	collection, err := db.GetOrCreateCollection(collectionName, nil, nil)
	if err != nil {
		return nil, storage.Unavailable(name, "open", err)
	}

	return &Store{
		name:       name,
		db:         db,
		collection: collection,
		embedder:   embedder,
		items:      make(map[string]*types.MemoryItem),
		deleted:    make(map[string]struct{}),
	}, nil
}

// Store embeds the content and upserts the document. When versions collide
// the higher version wins.
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
	if !types.IsValidMemoryType(item.MemoryType) {
		return "", fmt.Errorf("%w: unknown memory type %q", storage.ErrInvalidInput, item.MemoryType)
	}

	v := item.Clone()
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.UpdatedAt.IsZero() {
		v.UpdatedAt = v.CreatedAt
	}
	if v.Version < 1 {
		v.Version = 1
	}

	embedding, err := s.embedder.Embed(ctx, v.Content)
	if err != nil {
		return "", storage.Unavailable(s.name, "store", fmt.Errorf("embed: %w", err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.items[v.ID]; ok && existing.Version > v.Version {
		return v.ID, nil
	}

	if err := s.collection.AddDocument(ctx, toDocument(v, embedding)); err != nil {
		return "", storage.Unavailable(s.name, "store", err)
	}

	s.items[v.ID] = v
	delete(s.deleted, v.ID)
	return v.ID, nil
}

// Retrieve performs a point lookup against the id index.
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

// Search embeds the query text and ranks documents by cosine similarity,
// best match first. Every record carries the similarity score. An empty
// query falls back to the most recently updated items from the id index.
func (s *Store) Search(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	q.Normalize()

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return s.recent(q), nil
	}

	embedding, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return nil, storage.Unavailable(s.name, "search", fmt.Errorf("embed: %w", err))
	}

	// Over-fetch when a type filter applies, since filtering happens after
	// the vector lookup.
	fetch := q.Limit
	if len(q.Types) > 0 {
		fetch *= 4
		if fetch > storage.MaxSearchLimit {
			fetch = storage.MaxSearchLimit
		}
	}

	results, err := s.queryEmbedding(ctx, embedding, fetch)
	if err != nil {
		return nil, storage.Unavailable(s.name, "search", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []types.MemoryRecord
	for _, result := range results {
		if _, gone := s.deleted[result.ID]; gone {
			continue
		}

		item, err := fromResult(result)
		if err != nil {
			return nil, storage.Corrupt(s.name, "search", err)
		}
		// The index copy wins when it is newer than the stored document.
		if indexed, ok := s.items[item.ID]; ok && indexed.Version > item.Version {
			item = indexed.Clone()
		}

		if !q.WantsType(item.MemoryType) {
			continue
		}

		similarity := float64(result.Similarity)
		records = append(records, types.MemoryRecord{
			Item:       *item,
			Source:     s.name,
			Similarity: &similarity,
		})
		if len(records) == q.Limit {
			break
		}
	}
	return records, nil
}

// Delete removes the item from the id index and tombstones the document so
// search no longer returns it.
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
	s.deleted[id] = struct{}{}
	return true, nil
}

// ListByType enumerates indexed items by memory type, newest first.
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

// Close drops the id index. chromem itself persists on write and holds no
// connection to release.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*types.MemoryItem)
	s.deleted = make(map[string]struct{})
	return nil
}

// queryEmbedding wraps chromem's nResults <= document-count requirement:
// the requested limit shrinks until the query succeeds or the collection
// turns out to be empty.
func (s *Store) queryEmbedding(ctx context.Context, embedding []float32, n int) ([]chromem.Result, error) {
	for limit := n; limit >= 1; limit-- {
		results, err := s.collection.QueryEmbedding(ctx, embedding, limit, nil, nil)
		if err == nil {
			return results, nil
		}
		if !isInsufficientDocsError(err) {
			return nil, err
		}
	}
	return nil, nil
}

// recent serves empty-text queries from the id index, newest first.
func (s *Store) recent(q storage.Query) []types.MemoryRecord {
	s.mu.RLock()
	matched := make([]*types.MemoryItem, 0, len(s.items))
	for _, item := range s.items {
		if q.WantsType(item.MemoryType) {
			matched = append(matched, item)
		}
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
	return records
}

// toDocument serialises an item into a chromem document. Item fields ride in
// reserved metadata keys; caller metadata is prefixed.
func toDocument(item *types.MemoryItem, embedding []float32) chromem.Document {
	metadata := map[string]string{
		metaKeyType:    string(item.MemoryType),
		metaKeyVersion: strconv.FormatInt(item.Version, 10),
		metaKeyCreated: item.CreatedAt.UTC().Format(time.RFC3339Nano),
		metaKeyUpdated: item.UpdatedAt.UTC().Format(time.RFC3339Nano),
	}
	for k, v := range item.Metadata {
		metadata[metaPrefix+k] = v
	}
	return chromem.Document{
		ID:        item.ID,
		Content:   item.Content,
		Embedding: embedding,
		Metadata:  metadata,
	}
}

// fromResult rebuilds an item from a query result. Damaged reserved
// metadata is reported as corruption.
func fromResult(result chromem.Result) (*types.MemoryItem, error) {
	memoryType := types.MemoryType(result.Metadata[metaKeyType])
	if !types.IsValidMemoryType(memoryType) {
		return nil, fmt.Errorf("document %s: unknown memory type %q", result.ID, result.Metadata[metaKeyType])
	}

	version, err := strconv.ParseInt(result.Metadata[metaKeyVersion], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("document %s: version: %w", result.ID, err)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, result.Metadata[metaKeyCreated])
	if err != nil {
		return nil, fmt.Errorf("document %s: created_at: %w", result.ID, err)
	}
	updatedAt, err := time.Parse(time.RFC3339Nano, result.Metadata[metaKeyUpdated])
	if err != nil {
		return nil, fmt.Errorf("document %s: updated_at: %w", result.ID, err)
	}

	item := &types.MemoryItem{
		ID:         result.ID,
		Content:    result.Content,
		MemoryType: memoryType,
		Version:    version,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
	for k, v := range result.Metadata {
		if strings.HasPrefix(k, metaPrefix) {
			if item.Metadata == nil {
				item.Metadata = make(map[string]string)
			}
			item.Metadata[strings.TrimPrefix(k, metaPrefix)] = v
		}
	}
	return item, nil
}

// isInsufficientDocsError reports whether the query failed only because
// nResults exceeded the number of stored documents.
func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "nResults must be") || strings.Contains(msg, "number of documents")
}

// sortNewestFirst orders items by update time descending, ties by id.
func sortNewestFirst(items []*types.MemoryItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].UpdatedAt.Equal(items[j].UpdatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].UpdatedAt.After(items[j].UpdatedAt)
	})
}
