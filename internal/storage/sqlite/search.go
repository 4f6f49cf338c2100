package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// Search runs an FTS5 match over item content, best match first. FTS5 rank
// values are negative (more negative == better match), so ordering by rank
// ASC gives the best results first.
//
// Empty queries, and queries reduced to nothing by sanitisation, fall back
// to the most recently updated items so the caller still receives a useful
// result set.
func (s *Store) Search(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	q.Normalize()

	match := sanitiseMatchQuery(q.Text)
	if match == "" {
		return s.recent(ctx, q)
	}

	query := `
		SELECT m.id, m.content, m.memory_type, m.metadata, m.version, m.created_at, m.updated_at
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ?
	`
	args := []interface{}{match}
	if len(q.Types) > 0 {
		query += " AND m.memory_type IN (" + placeholders(len(q.Types)) + ")"
		for _, mt := range q.Types {
			args = append(args, string(mt))
		}
	}
	query += " ORDER BY rank LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		// FTS5 can still reject input that slipped past sanitisation.
		return nil, storage.Unavailable(s.name, "search", fmt.Errorf("MATCH %q: %w", q.Text, err))
	}
	defer rows.Close()

	return s.collectRecords(rows)
}

// recent returns the most recently updated items matching the type filter.
func (s *Store) recent(ctx context.Context, q storage.Query) ([]types.MemoryRecord, error) {
	query := `
		SELECT id, content, memory_type, metadata, version, created_at, updated_at
		FROM memories
	`
	var args []interface{}
	if len(q.Types) > 0 {
		query += " WHERE memory_type IN (" + placeholders(len(q.Types)) + ")"
		for _, mt := range q.Types {
			args = append(args, string(mt))
		}
	}
	query += " ORDER BY updated_at DESC, id LIMIT ?"
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Unavailable(s.name, "search", err)
	}
	defer rows.Close()

	return s.collectRecords(rows)
}

// collectRecords drains rows into source-annotated records.
func (s *Store) collectRecords(rows *sql.Rows) ([]types.MemoryRecord, error) {
	var records []types.MemoryRecord
	for rows.Next() {
		item, err := scanItem(rows)
		if errors.Is(err, errDecode) {
			return nil, storage.Corrupt(s.name, "search", err)
		}
		if err != nil {
			return nil, storage.Unavailable(s.name, "search", err)
		}
		records = append(records, types.MemoryRecord{Item: *item, Source: s.name})
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable(s.name, "search", err)
	}
	return records, nil
}

// sanitiseMatchQuery converts a free-form query into a safe FTS5 MATCH
// expression. It strips FTS5-special characters, removes common stop words,
// and uses prefix matching (term*) for better recall. Returns "" when
// nothing searchable remains, which callers treat as an empty query.
//
// Example: "What is Strata?" → "strata*"
// Example: "agent task history" → "agent* OR task* OR history*"
func sanitiseMatchQuery(query string) string {
	// Strip FTS5 special characters. An unbalanced quote or stray operator
	// keyword makes SQLite return "fts5: syntax error".
	replacer := strings.NewReplacer(
		`"`, ` `,
		`'`, ` `,
		`(`, ` `,
		`)`, ` `,
		`*`, ` `,
		`-`, ` `,
		`^`, ` `,
		`?`, ` `,
		`:`, ` `,
	)
	cleaned := replacer.Replace(query)

	words := strings.Fields(strings.ToLower(cleaned))

	var terms []string
	for _, w := range words {
		if !stopWords[w] && len(w) >= 2 {
			terms = append(terms, w+"*")
		}
	}

	return strings.Join(terms, " OR ")
}

// stopWords carry no discriminative value and are dropped from MATCH
// expressions.
var stopWords = map[string]bool{
	"a": true, "an": true, "the": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true, "being": true,
	"have": true, "has": true, "had": true,
	"do": true, "does": true, "did": true,
	"will": true, "would": true, "could": true, "should": true,
	"may": true, "might": true, "shall": true, "can": true,
	"to": true, "of": true, "in": true, "on": true, "at": true,
	"by": true, "for": true, "with": true, "from": true, "as": true,
	"about": true, "into": true, "through": true, "during": true,
	"before": true, "after": true, "above": true, "below": true,
	"between": true, "out": true, "off": true, "over": true, "under": true,
	"what": true, "how": true, "when": true, "where": true, "why": true,
	"who": true, "which": true,
	"this": true, "that": true, "these": true, "those": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true, "they": true,
	"and": true, "or": true, "but": true, "if": true, "not": true,
	"s": true, "t": true, // post-apostrophe fragments e.g. "agent's" → "agent" + "s"
}
