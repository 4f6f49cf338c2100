// Package postgres implements the storage adapter for PostgreSQL with
// tsvector full-text search and optional pgvector similarity search.
package postgres

// Schema contains the base DDL for the PostgreSQL adapter. Every statement
// is idempotent so the schema can be applied on each startup.
const Schema = `
CREATE TABLE IF NOT EXISTS memories (
    id TEXT PRIMARY KEY,
    content TEXT NOT NULL,
    memory_type TEXT NOT NULL,
    metadata JSONB,
    version BIGINT NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_type ON memories(memory_type);
CREATE INDEX IF NOT EXISTS idx_memories_updated_at ON memories(updated_at);
`

// MigrationFTS adds the tsvector column, its GIN index and the trigger that
// keeps it in sync with content. Safe to run multiple times.
const MigrationFTS = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'memories' AND column_name = 'content_tsv'
    ) THEN
        ALTER TABLE memories ADD COLUMN content_tsv tsvector;
    END IF;
END
$$;

UPDATE memories SET content_tsv = to_tsvector('english', content) WHERE content_tsv IS NULL;

CREATE INDEX IF NOT EXISTS idx_memories_content_tsv ON memories USING GIN(content_tsv);

CREATE OR REPLACE FUNCTION memories_tsv_update()
RETURNS TRIGGER AS $$
BEGIN
    NEW.content_tsv := to_tsvector('english', COALESCE(NEW.content, ''));
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS memories_tsv_trigger ON memories;
CREATE TRIGGER memories_tsv_trigger
    BEFORE INSERT OR UPDATE OF content
    ON memories
    FOR EACH ROW
    EXECUTE FUNCTION memories_tsv_update();
`

// MigrationVector adds the pgvector embedding column. Applied only when the
// vector extension is available. The ivfflat index needs at least one row
// and a consistent dimension, so its creation is guarded and deferred until
// data exists.
const MigrationVector = `
DO $$
BEGIN
    IF NOT EXISTS (
        SELECT 1 FROM information_schema.columns
        WHERE table_name = 'memories' AND column_name = 'embedding_vec'
    ) THEN
        ALTER TABLE memories ADD COLUMN embedding_vec vector;
    END IF;
END
$$;

DO $$
BEGIN
  IF NOT EXISTS (
    SELECT 1 FROM pg_indexes WHERE indexname = 'idx_memories_vec_cosine'
  ) THEN
    IF EXISTS (SELECT 1 FROM memories WHERE embedding_vec IS NOT NULL LIMIT 1) THEN
      EXECUTE 'CREATE INDEX idx_memories_vec_cosine ON memories USING ivfflat (embedding_vec vector_cosine_ops) WITH (lists = 100)';
    END IF;
  END IF;
END$$;
`
