package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratamem/strata/internal/engine"
	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/internal/storage/memstore"
	"github.com/stratamem/strata/pkg/types"
)

func newTestManager(t *testing.T) *engine.Manager {
	t.Helper()

	registry, err := storage.NewRegistry(
		[]storage.Adapter{
			memstore.New("short"),
			memstore.New("episodic"),
			memstore.New("semantic"),
		},
		map[types.Layer]string{
			types.LayerShortTerm: "short",
			types.LayerEpisodic:  "episodic",
			types.LayerSemantic:  "semantic",
		},
	)
	require.NoError(t, err)

	m, err := engine.NewManager(registry, engine.Config{
		TierCapacities: []int{8, 64},
		QueryCacheSize: 16,
		HistorySize:    8,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close() })
	return m
}

// storeLine runs the store subcommand and returns the printed id.
func storeLine(t *testing.T, m *engine.Manager, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	require.NoError(t, runStore(context.Background(), m, args, &out))
	return strings.TrimSpace(out.String())
}

func TestRunStoreAndGet(t *testing.T) {
	m := newTestManager(t)

	id := storeLine(t, m, "-type", "knowledge", "-meta", "topic=auth", "auth", "design", "notes")
	require.NotEmpty(t, id)

	var out bytes.Buffer
	require.NoError(t, runGet(context.Background(), m, []string{id}, &out))
	text := out.String()
	assert.Contains(t, text, "Type:    KNOWLEDGE")
	assert.Contains(t, text, "Version: 1")
	assert.Contains(t, text, "Meta:    topic=auth")
	assert.Contains(t, text, "auth design notes")

	out.Reset()
	require.NoError(t, runGet(context.Background(), m, []string{"-json", id}, &out))
	var item types.MemoryItem
	require.NoError(t, json.Unmarshal(out.Bytes(), &item))
	assert.Equal(t, id, item.ID)
	assert.Equal(t, types.MemoryTypeKnowledge, item.MemoryType)
	assert.Equal(t, "auth design notes", item.Content)
}

func TestRunStore_RequiresContent(t *testing.T) {
	m := newTestManager(t)

	var out bytes.Buffer
	err := runStore(context.Background(), m, nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "content is required")
}

func TestRunGet_UnknownID(t *testing.T) {
	m := newTestManager(t)

	var out bytes.Buffer
	err := runGet(context.Background(), m, []string{"ghost"}, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func TestRunSearch_PlainAndJSON(t *testing.T) {
	m := newTestManager(t)
	storeLine(t, m, "-type", "error_log", "deploy", "failed", "with", "timeout")
	storeLine(t, m, "-type", "knowledge", "deploy", "design", "notes")

	var out bytes.Buffer
	require.NoError(t, runSearch(context.Background(), m,
		[]string{"-strategy", "cross", "deploy"}, &out))
	text := out.String()
	assert.Contains(t, text, "episodic")
	assert.Contains(t, text, "semantic")
	assert.Contains(t, text, "deploy failed with timeout")

	out.Reset()
	require.NoError(t, runSearch(context.Background(), m,
		[]string{"-json", "-strategy", "federated", "deploy"}, &out))
	var res types.GroupedResults
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Len(t, res.Combined, 2)
	assert.NotEmpty(t, res.ByStore["episodic"])
	assert.NotEmpty(t, res.ByStore["semantic"])
}

func TestRunSearch_TypeFilterAndLimit(t *testing.T) {
	m := newTestManager(t)
	storeLine(t, m, "-type", "error_log", "deploy", "failed")
	storeLine(t, m, "-type", "knowledge", "deploy", "design")

	var out bytes.Buffer
	require.NoError(t, runSearch(context.Background(), m,
		[]string{"-json", "-strategy", "cross", "-type", "knowledge", "-limit", "5", "deploy"}, &out))
	var res types.GroupedResults
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	require.Len(t, res.Combined, 1)
	assert.Equal(t, types.MemoryTypeKnowledge, res.Combined[0].Item.MemoryType)
}

func TestRunSearch_DirectNeedsStore(t *testing.T) {
	m := newTestManager(t)

	var out bytes.Buffer
	err := runSearch(context.Background(), m, []string{"-strategy", "direct", "x"}, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput), "got %v", err)
}

func TestRunDelete(t *testing.T) {
	m := newTestManager(t)
	id := storeLine(t, m, "-type", "context", "short", "lived")

	var out bytes.Buffer
	require.NoError(t, runDelete(context.Background(), m, []string{id}, &out))
	assert.Contains(t, out.String(), "deleted "+id)

	out.Reset()
	err := runDelete(context.Background(), m, []string{id}, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrNotFound), "got %v", err)
}

func TestRunImport(t *testing.T) {
	m := newTestManager(t)

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "notes"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes", "postmortem.md"),
		[]byte("---\nmemory_type: error_log\ntags: [incident]\n---\n# Outage\n\nRedis ran out of memory."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "handbook.md"),
		[]byte("# Handbook\n\nHow we deploy."), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.md"),
		[]byte("---\ntags: [unclosed\n---\nBody."), 0o644))

	var out bytes.Buffer
	require.NoError(t, runImport(context.Background(), m, []string{dir}, &out))
	text := out.String()
	assert.Contains(t, text, "stored 2 of 3")
	assert.Contains(t, text, "broken.md")

	// The typed note lands in the episodic layer, the untyped one falls
	// back to DOCUMENTATION and lands in semantic.
	episodic, err := m.GetItemsByLayer(context.Background(), types.LayerEpisodic)
	require.NoError(t, err)
	require.Len(t, episodic, 1)
	assert.Equal(t, types.MemoryTypeErrorLog, episodic[0].MemoryType)
	assert.Equal(t, "incident", episodic[0].Metadata["tags"])

	semantic, err := m.GetItemsByLayer(context.Background(), types.LayerSemantic)
	require.NoError(t, err)
	require.Len(t, semantic, 1)
	assert.Equal(t, types.MemoryTypeDocumentation, semantic[0].MemoryType)

	out.Reset()
	err = runImport(context.Background(), m, nil, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "at least one file or directory")

	out.Reset()
	err = runImport(context.Background(), m, []string{"-type", "mood", dir}, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput), "got %v", err)
}

func TestRunLayer(t *testing.T) {
	m := newTestManager(t)
	storeLine(t, m, "-type", "context", "current", "focus")
	storeLine(t, m, "-type", "conversation", "standup", "notes")
	storeLine(t, m, "-type", "knowledge", "design", "decision")

	var out bytes.Buffer
	require.NoError(t, runLayer(context.Background(), m, []string{"short_term"}, &out))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	assert.Len(t, lines, 2)

	out.Reset()
	err := runLayer(context.Background(), m, []string{"warm"}, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, storage.ErrInvalidInput), "got %v", err)
}

func TestRunStats(t *testing.T) {
	m := newTestManager(t)
	id := storeLine(t, m, "-type", "context", "counted")
	var sink bytes.Buffer
	require.NoError(t, runGet(context.Background(), m, []string{id}, &sink))

	var out bytes.Buffer
	require.NoError(t, runStats(m, nil, &out))
	text := out.String()
	assert.Contains(t, text, "Cache hit ratio:")
	assert.Contains(t, text, "L1:")
	assert.Contains(t, text, "L2:")
	assert.Contains(t, text, "short")

	out.Reset()
	require.NoError(t, runStats(m, []string{"-json"}, &out))
	var payload map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &payload))
	assert.Contains(t, payload, "cache")
	assert.Contains(t, payload, "adapters")
}

func TestRunStoresAndClear(t *testing.T) {
	m := newTestManager(t)

	var out bytes.Buffer
	require.NoError(t, runStores(m, &out))
	assert.Equal(t, "short\nepisodic\nsemantic", strings.TrimSpace(out.String()))

	out.Reset()
	require.NoError(t, runClear(context.Background(), m, &out))
	assert.Contains(t, out.String(), "cache cleared")
}

func TestDispatch_UnknownCommand(t *testing.T) {
	m := newTestManager(t)

	err := dispatch(context.Background(), m, "bogus", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown command "bogus"`)
}

func TestSnippet(t *testing.T) {
	assert.Equal(t, "first line", snippet("first line\nsecond line"))

	long := strings.Repeat("x", 100)
	got := snippet(long)
	assert.Len(t, got, 72)
	assert.True(t, strings.HasSuffix(got, "..."))
}

func TestFlagValueParsing(t *testing.T) {
	var l typeList
	require.NoError(t, l.Set("knowledge"))
	require.NoError(t, l.Set("ERROR_LOG"))
	assert.Equal(t, typeList{types.MemoryTypeKnowledge, types.MemoryTypeErrorLog}, l)
	assert.Error(t, l.Set("MOOD"))

	p := metaPairs{}
	require.NoError(t, p.Set("env=prod"))
	require.NoError(t, p.Set("note=a=b"))
	assert.Equal(t, "prod", p["env"])
	assert.Equal(t, "a=b", p["note"])
	assert.Error(t, p.Set("novalue"))
}
