package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// Search ranks items against the query text. With vector search enabled the
// ordering is cosine distance and every record carries a similarity score;
// otherwise the ordering is tsvector ts_rank. An empty query returns the
// most recently updated items.
func (s *Store) Search(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	q.Normalize()

	if strings.TrimSpace(q.Text) == "" {
		return s.recent(ctx, q)
	}

	if s.VectorEnabled() {
		records, err := s.vectorSearch(ctx, q)
		if err == nil {
			return records, nil
		}
		if errors.Is(err, errDecode) {
			return nil, storage.Corrupt(s.name, "search", err)
		}
		if ctx.Err() != nil {
			return nil, storage.Unavailable(s.name, "search", err)
		}
		log.Printf("postgres: vector search failed, falling back to full-text: %v", err)
	}

	return s.fullTextSearch(ctx, q)
}

// vectorSearch orders rows by cosine distance to the embedded query text.
// Rows without an embedding (stored before the embedder was configured) are
// not visible to this path; they still surface through full-text search.
func (s *Store) vectorSearch(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	embedding, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	args := []interface{}{pgvector.NewVector(embedding)}
	query := `
		SELECT id, content, memory_type, metadata, version, created_at, updated_at,
		       embedding_vec <=> $1::vector AS distance
		FROM memories
		WHERE embedding_vec IS NOT NULL
	`
	if len(q.Types) > 0 {
		parts := make([]string, len(q.Types))
		for i, mt := range q.Types {
			args = append(args, string(mt))
			parts[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND memory_type IN (" + strings.Join(parts, ",") + ")"
	}
	query += fmt.Sprintf(" ORDER BY embedding_vec <=> $1::vector, id LIMIT $%d", len(args)+1)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []types.MemoryRecord
	for rows.Next() {
		var item types.MemoryItem
		var memoryType string
		var metadataJSON sql.NullString
		var distance float64

		err := rows.Scan(
			&item.ID,
			&item.Content,
			&memoryType,
			&metadataJSON,
			&item.Version,
			&item.CreatedAt,
			&item.UpdatedAt,
			&distance,
		)
		if err != nil {
			return nil, err
		}
		if err := decodeItem(&item, memoryType, metadataJSON); err != nil {
			return nil, err
		}

		// The <=> operator yields cosine distance; 1-distance restores
		// cosine similarity.
		similarity := 1 - distance
		records = append(records, types.MemoryRecord{
			Item:       item,
			Source:     s.name,
			Similarity: &similarity,
		})
	}
	return records, rows.Err()
}

// fullTextSearch matches the query via plainto_tsquery against the tsvector
// column and orders by ts_rank, best match first.
func (s *Store) fullTextSearch(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	args := []interface{}{q.Text}
	query := `
		SELECT id, content, memory_type, metadata, version, created_at, updated_at
		FROM memories
		WHERE content_tsv @@ plainto_tsquery('english', $1)
	`
	if len(q.Types) > 0 {
		parts := make([]string, len(q.Types))
		for i, mt := range q.Types {
			args = append(args, string(mt))
			parts[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " AND memory_type IN (" + strings.Join(parts, ",") + ")"
	}
	query += fmt.Sprintf(" ORDER BY ts_rank(content_tsv, plainto_tsquery('english', $1)) DESC, id LIMIT $%d", len(args)+1)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Unavailable(s.name, "search", fmt.Errorf("full-text %q: %w", q.Text, err))
	}
	defer rows.Close()

	return s.collectRecords(rows, "search")
}

// recent serves empty-text queries ordered by update time.
func (s *Store) recent(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	query := `
		SELECT id, content, memory_type, metadata, version, created_at, updated_at
		FROM memories
	`
	var args []interface{}
	if len(q.Types) > 0 {
		parts := make([]string, len(q.Types))
		for i, mt := range q.Types {
			args = append(args, string(mt))
			parts[i] = fmt.Sprintf("$%d", len(args))
		}
		query += " WHERE memory_type IN (" + strings.Join(parts, ",") + ")"
	}
	query += fmt.Sprintf(" ORDER BY updated_at DESC, id LIMIT $%d", len(args)+1)
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Unavailable(s.name, "search", err)
	}
	defer rows.Close()

	return s.collectRecords(rows, "search")
}

// collectRecords drains rows into source-annotated records, classifying
// decode failures as corruption.
func (s *Store) collectRecords(rows *sql.Rows, op string) ([]types.MemoryRecord, error) {
	var records []types.MemoryRecord
	for rows.Next() {
		item, err := scanItem(rows)
		if errors.Is(err, errDecode) {
			return nil, storage.Corrupt(s.name, op, err)
		}
		if err != nil {
			return nil, storage.Unavailable(s.name, op, err)
		}
		records = append(records, types.MemoryRecord{Item: *item, Source: s.name})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable(s.name, op, err)
	}
	return records, nil
}
