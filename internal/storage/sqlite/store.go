// Package sqlite implements the storage adapter for embedded SQLite with an
// FTS5 index over item content.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"os/exec"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// Store implements storage.Adapter on a single SQLite database.
type Store struct {
	name string
	db   *sql.DB
}

var (
	_ storage.Adapter = (*Store)(nil)
	_ storage.Lister  = (*Store)(nil)
)

// errDecode marks stored rows that failed to decode, so callers can report
// them as corruption instead of backend unavailability.
var errDecode = errors.New("decode stored item")

// New opens a SQLite-backed store under the default registry name.
func New(dsn string) (*Store, error) {
	return NewNamed("sqlite", dsn)
}

// NewNamed opens a SQLite-backed store registered under name, with WAL
// self-healing: if the initial open fails due to stale WAL files left behind
// by a crashed process, it verifies no other process holds them and retries
// once after removing the stale -shm/-wal files.
func NewNamed(name, dsn string) (*Store, error) {
	if name == "" || dsn == "" {
		return nil, fmt.Errorf("%w: store name and dsn are required", storage.ErrInvalidInput)
	}

	store, err := open(name, dsn)
	if err == nil {
		return store, nil
	}

	if !isRecoverableWALError(err) {
		return nil, err
	}

	dbPath := dbPathFromDSN(dsn)
	if dbPath == "" || !isWALStale(dbPath) {
		return nil, err
	}

	removeStaleWAL(dbPath)

	store, retryErr := open(name, dsn)
	if retryErr != nil {
		return nil, fmt.Errorf("failed after WAL recovery: %w (original: %v)", retryErr, err)
	}

	log.Printf("sqlite: recovered from stale WAL files for %s", dbPath)
	return store, nil
}

// open opens the database, configures WAL mode, and creates the schema.
func open(name, dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite only supports one concurrent writer. A single open connection
	// serialises writes and avoids SQLITE_BUSY under concurrent load, while
	// WAL mode lets readers proceed without blocking the writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &Store{name: name, db: db}, nil
}

// Store creates or updates an item (upsert semantics). The version guard in
// the conflict clause keeps the row with the higher version, so replaying a
// stale write is a no-op. created_at is never overwritten.
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

	var metadataJSON []byte
	if len(item.Metadata) > 0 {
		var err error
		metadataJSON, err = json.Marshal(item.Metadata)
		if err != nil {
			return "", fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	updatedAt := item.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = createdAt
	}
	version := item.Version
	if version < 1 {
		version = 1
	}

	const query = `
		INSERT INTO memories (id, content, memory_type, metadata, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content     = excluded.content,
			memory_type = excluded.memory_type,
			metadata    = excluded.metadata,
			version     = excluded.version,
			updated_at  = excluded.updated_at
		WHERE excluded.version >= memories.version
	`

	_, err := s.db.ExecContext(ctx, query,
		item.ID,
		item.Content,
		string(item.MemoryType),
		nullableBytes(metadataJSON),
		version,
		createdAt,
		updatedAt,
	)
	if err != nil {
		return "", storage.Unavailable(s.name, "store", err)
	}

	return item.ID, nil
}

// Retrieve performs a point lookup by id.
func (s *Store) Retrieve(ctx context.Context, id string) (*types.MemoryItem, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}

	const query = `
		SELECT id, content, memory_type, metadata, version, created_at, updated_at
		FROM memories
		WHERE id = ?
	`

	item, err := scanItem(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if errors.Is(err, errDecode) {
		return nil, storage.Corrupt(s.name, "retrieve", err)
	}
	if err != nil {
		return nil, storage.Unavailable(s.name, "retrieve", err)
	}
	return item, nil
}

// Delete removes an item and reports whether a row was removed. Deleting an
// absent id is not an error.
func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, fmt.Errorf("%w: item ID is required", storage.ErrInvalidInput)
	}

	result, err := s.db.ExecContext(ctx, "DELETE FROM memories WHERE id = ?", id)
	if err != nil {
		return false, storage.Unavailable(s.name, "delete", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, storage.Unavailable(s.name, "delete", err)
	}
	return rowsAffected > 0, nil
}

// ListByType enumerates items by memory type, newest first. An empty filter
// admits every type.
func (s *Store) ListByType(ctx context.Context, filter []types.MemoryType, limit int) ([]types.MemoryItem, error) {
	if limit <= 0 {
		limit = storage.DefaultListLimit
	}

	query := `
		SELECT id, content, memory_type, metadata, version, created_at, updated_at
		FROM memories
	`
	var args []interface{}
	if len(filter) > 0 {
		query += " WHERE memory_type IN (" + placeholders(len(filter)) + ")"
		for _, mt := range filter {
			args = append(args, string(mt))
		}
	}
	query += " ORDER BY updated_at DESC, id LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storage.Unavailable(s.name, "list", err)
	}
	defer rows.Close()

	var items []types.MemoryItem
	for rows.Next() {
		item, err := scanItem(rows)
		if errors.Is(err, errDecode) {
			return nil, storage.Corrupt(s.name, "list", err)
		}
		if err != nil {
			return nil, storage.Unavailable(s.name, "list", err)
		}
		items = append(items, *item)
	}
	if err := rows.Err(); err != nil {
		return nil, storage.Unavailable(s.name, "list", err)
	}
	return items, nil
}

// Name returns the logical store name.
func (s *Store) Name() string { return s.name }

// Close flushes the WAL into the main database file and releases resources.
// The TRUNCATE checkpoint removes the -shm and -wal files so other processes
// can open the database without encountering stale WAL state.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		log.Printf("sqlite: WAL checkpoint on close failed (non-fatal): %v", err)
	}

	return s.db.Close()
}

// scanItem decodes one memories row. Decode failures are wrapped in
// errDecode so callers can classify them as corruption.
func scanItem(row interface{ Scan(dest ...interface{}) error }) (*types.MemoryItem, error) {
	var item types.MemoryItem
	var memoryType string
	var metadataJSON sql.NullString

	err := row.Scan(
		&item.ID,
		&item.Content,
		&memoryType,
		&metadataJSON,
		&item.Version,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	item.MemoryType = types.MemoryType(memoryType)
	if !types.IsValidMemoryType(item.MemoryType) {
		return nil, fmt.Errorf("%w: unknown memory type %q for id %s", errDecode, memoryType, item.ID)
	}

	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("%w: metadata for id %s: %v", errDecode, item.ID, err)
		}
	}

	return &item, nil
}

// placeholders returns n comma-joined "?" markers for an IN clause.
func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// nullableBytes converts a byte slice to sql.NullString, treating empty as NULL.
func nullableBytes(b []byte) sql.NullString {
	if len(b) == 0 {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(b), Valid: true}
}

// dbPathFromDSN extracts the filesystem path from a SQLite DSN. Handles bare
// paths ("/path/to/db.sqlite") and file: URIs ("file:/path/to/db.sqlite?mode=rwc").
// Returns empty string for in-memory databases or unparseable DSNs.
func dbPathFromDSN(dsn string) string {
	if dsn == ":memory:" || dsn == "" {
		return ""
	}

	if strings.HasPrefix(dsn, "file:") {
		u, err := url.Parse(dsn)
		if err != nil {
			return ""
		}
		path := u.Path
		if path == "" {
			path = u.Opaque
		}
		if path == ":memory:" || path == "" {
			return ""
		}
		return path
	}

	return dsn
}

// isRecoverableWALError returns true if the error matches patterns caused by
// stale WAL files left behind after a crash (SIGKILL, OOM, etc.).
func isRecoverableWALError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "disk I/O error") ||
		strings.Contains(msg, "database is locked")
}

// isWALStale checks whether -shm/-wal files exist for the given database path
// AND no other process currently holds them open (via lsof).
// Returns false if lsof is unavailable (conservative: no deletion).
func isWALStale(dbPath string) bool {
	shmPath := dbPath + "-shm"
	walPath := dbPath + "-wal"

	if !fileExists(shmPath) && !fileExists(walPath) {
		return false
	}

	lsofPath, err := exec.LookPath("lsof")
	if err != nil {
		return false
	}

	cmd := exec.Command(lsofPath, "-t", dbPath, shmPath, walPath)
	output, err := cmd.Output()
	if err != nil {
		// lsof exits 1 when no process has the files open, so the files
		// are stale.
		return true
	}

	return strings.TrimSpace(string(output)) == ""
}

// removeStaleWAL removes -shm and -wal files for the given database path.
func removeStaleWAL(dbPath string) {
	for _, suffix := range []string{"-shm", "-wal"} {
		path := dbPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.Printf("sqlite: failed to remove stale %s: %v", path, err)
		}
	}
}

// fileExists returns true if the path exists on disk.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
