package importer_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stratamem/strata/internal/importer"
	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// memorySink records stored items and can be told to reject some.
type memorySink struct {
	items  []*types.MemoryItem
	failOn string
}

func (s *memorySink) Store(_ context.Context, item *types.MemoryItem) (string, error) {
	if s.failOn != "" && strings.Contains(item.Content, s.failOn) {
		return "", errors.New("sink rejected item")
	}
	s.items = append(s.items, item)
	if item.ID != "" {
		return item.ID, nil
	}
	return fmt.Sprintf("generated-%d", len(s.items)), nil
}

func (s *memorySink) byID(id string) *types.MemoryItem {
	for _, item := range s.items {
		if item.ID == id {
			return item
		}
	}
	return nil
}

func writeNote(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestParseNote_Frontmatter(t *testing.T) {
	raw := `---
id: note-1
title: Release Checklist
memory_type: task_history
tags:
  - release
  - ops
date: 2024-03-05
project: apollo
reviewed: true
---

Steps for cutting a release. See [[Deploy Guide|the deploy guide]].
Tracked under #ops/release.
`

	note, err := importer.ParseNote([]byte(raw), "notes/release.md")
	if err != nil {
		t.Fatalf("ParseNote: %v", err)
	}

	if note.ID != "note-1" {
		t.Errorf("ID = %q, want note-1", note.ID)
	}
	if note.Title != "Release Checklist" {
		t.Errorf("Title = %q, want Release Checklist", note.Title)
	}
	if note.Type != types.MemoryTypeTaskHistory {
		t.Errorf("Type = %q, want %q", note.Type, types.MemoryTypeTaskHistory)
	}

	wantTags := []string{"release", "ops", "ops/release"}
	if len(note.Tags) != len(wantTags) {
		t.Fatalf("Tags = %v, want %v", note.Tags, wantTags)
	}
	for i, tag := range wantTags {
		if note.Tags[i] != tag {
			t.Errorf("Tags[%d] = %q, want %q", i, note.Tags[i], tag)
		}
	}

	wantDate := time.Date(2024, 3, 5, 0, 0, 0, 0, time.UTC)
	if !note.CreatedAt.Equal(wantDate) {
		t.Errorf("CreatedAt = %v, want %v", note.CreatedAt, wantDate)
	}

	if note.Extra["project"] != "apollo" {
		t.Errorf("Extra[project] = %q, want apollo", note.Extra["project"])
	}
	if note.Extra["reviewed"] != "true" {
		t.Errorf("Extra[reviewed] = %q, want true", note.Extra["reviewed"])
	}

	if !strings.HasPrefix(note.Content, "# Release Checklist") {
		t.Errorf("Content should open with the title heading, got %q", note.Content)
	}
	if strings.Contains(note.Content, "[[") {
		t.Errorf("wiki links should be flattened, got %q", note.Content)
	}
	if !strings.Contains(note.Content, "the deploy guide") {
		t.Errorf("wiki link alias missing from content: %q", note.Content)
	}
}

func TestParseNote_TitleFallbacks(t *testing.T) {
	note, err := importer.ParseNote([]byte("# Weekly Sync\n\nAgenda items."), "sync.md")
	if err != nil {
		t.Fatalf("ParseNote with heading: %v", err)
	}
	if note.Title != "Weekly Sync" {
		t.Errorf("Title = %q, want Weekly Sync", note.Title)
	}
	if !strings.HasPrefix(note.Content, "# Weekly Sync") {
		t.Errorf("heading should not be duplicated, got %q", note.Content)
	}
	if strings.Count(note.Content, "# Weekly Sync") != 1 {
		t.Errorf("heading appears more than once: %q", note.Content)
	}

	note, err = importer.ParseNote([]byte("Just prose."), "meeting-notes_2024.md")
	if err != nil {
		t.Fatalf("ParseNote without heading: %v", err)
	}
	if note.Title != "meeting notes 2024" {
		t.Errorf("Title = %q, want meeting notes 2024", note.Title)
	}
}

func TestParseNote_TypeVariants(t *testing.T) {
	note, err := importer.ParseNote([]byte("---\ntype: knowledge\n---\nBody."), "k.md")
	if err != nil {
		t.Fatalf("ParseNote: %v", err)
	}
	if note.Type != types.MemoryTypeKnowledge {
		t.Errorf("Type = %q, want %q", note.Type, types.MemoryTypeKnowledge)
	}

	note, err = importer.ParseNote([]byte("No frontmatter here."), "plain.md")
	if err != nil {
		t.Fatalf("ParseNote: %v", err)
	}
	if note.Type != "" {
		t.Errorf("Type = %q, want empty for untyped note", note.Type)
	}

	_, err = importer.ParseNote([]byte("---\nmemory_type: MOOD\n---\nBody."), "bad.md")
	if err == nil || !strings.Contains(err.Error(), `unknown memory type "MOOD"`) {
		t.Errorf("expected unknown memory type error, got %v", err)
	}
}

func TestParseNote_InvalidYAML(t *testing.T) {
	_, err := importer.ParseNote([]byte("---\ntags: [unclosed\n---\nBody."), "broken.md")
	if err == nil || !strings.Contains(err.Error(), "invalid YAML") {
		t.Errorf("expected invalid YAML error, got %v", err)
	}
}

func TestParseNote_UnclosedFrontmatter(t *testing.T) {
	note, err := importer.ParseNote([]byte("---\ntitle: Dangling\nno closing fence"), "dangling.md")
	if err != nil {
		t.Fatalf("ParseNote: %v", err)
	}
	// Without a closing fence the whole file is body text.
	if note.Title != "dangling" {
		t.Errorf("Title = %q, want dangling", note.Title)
	}
	if !strings.Contains(note.Content, "no closing fence") {
		t.Errorf("body lost: %q", note.Content)
	}
}

func TestNoteItem_Defaults(t *testing.T) {
	note, err := importer.ParseNote([]byte("---\ntags: [a, b]\ndate: 2023-11-02\n---\n# Titled\n\nBody."), "dir/n.md")
	if err != nil {
		t.Fatalf("ParseNote: %v", err)
	}

	item := note.Item(types.MemoryTypeKnowledge)
	if item.MemoryType != types.MemoryTypeKnowledge {
		t.Errorf("MemoryType = %q, want default %q", item.MemoryType, types.MemoryTypeKnowledge)
	}
	if item.ID != "" {
		t.Errorf("ID = %q, want empty so the engine assigns one", item.ID)
	}
	if item.Metadata["title"] != "Titled" {
		t.Errorf("Metadata[title] = %q, want Titled", item.Metadata["title"])
	}
	if item.Metadata["tags"] != "a,b" {
		t.Errorf("Metadata[tags] = %q, want a,b", item.Metadata["tags"])
	}
	if item.Metadata["import_path"] != "dir/n.md" {
		t.Errorf("Metadata[import_path] = %q, want dir/n.md", item.Metadata["import_path"])
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should carry the frontmatter date")
	}
}

func TestImport_Vault(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "notes/release.md", "---\nid: note-1\nmemory_type: task_history\n---\n# Release\n\nCut it.")
	writeNote(t, dir, "guide.md", "# Guide\n\nPlain note.")
	writeNote(t, dir, ".obsidian/cache.md", "# Hidden\n\nMust be skipped.")
	writeNote(t, dir, "empty.md", "   \n\n")
	writeNote(t, dir, "broken.md", "---\ntags: [unclosed\n---\nBody.")
	writeNote(t, dir, "data.txt", "not markdown")

	sink := &memorySink{}
	res, err := importer.Import(context.Background(), sink, dir, importer.Options{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if res.FilesFound != 4 {
		t.Errorf("FilesFound = %d, want 4", res.FilesFound)
	}
	if res.Stored != 2 {
		t.Errorf("Stored = %d, want 2", res.Stored)
	}
	if res.Skipped != 1 {
		t.Errorf("Skipped = %d, want 1", res.Skipped)
	}
	if res.Failed != 1 {
		t.Errorf("Failed = %d, want 1", res.Failed)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "broken.md") {
		t.Errorf("Errors = %v, want one entry naming broken.md", res.Errors)
	}

	if len(sink.items) != 2 {
		t.Fatalf("sink holds %d items, want 2", len(sink.items))
	}
	release := sink.byID("note-1")
	if release == nil {
		t.Fatal("typed note missing from sink")
	}
	if release.MemoryType != types.MemoryTypeTaskHistory {
		t.Errorf("typed note MemoryType = %q, want %q", release.MemoryType, types.MemoryTypeTaskHistory)
	}
	if release.Metadata["import_path"] != "notes/release.md" {
		t.Errorf("import_path = %q, want notes/release.md", release.Metadata["import_path"])
	}

	for _, item := range sink.items {
		if item.ID == "" && item.MemoryType != types.MemoryTypeDocumentation {
			t.Errorf("untyped note MemoryType = %q, want default %q", item.MemoryType, types.MemoryTypeDocumentation)
		}
		if strings.Contains(item.Content, "Hidden") {
			t.Error("file under a hidden directory was imported")
		}
	}
}

func TestImport_SingleFile(t *testing.T) {
	dir := t.TempDir()
	path := writeNote(t, dir, "notes/release.md", "# Release\n\nCut it.")

	sink := &memorySink{}
	res, err := importer.Import(context.Background(), sink, path, importer.Options{DefaultType: types.MemoryTypeKnowledge})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.FilesFound != 1 || res.Stored != 1 {
		t.Fatalf("result = %+v, want one file stored", res)
	}
	if sink.items[0].MemoryType != types.MemoryTypeKnowledge {
		t.Errorf("MemoryType = %q, want %q", sink.items[0].MemoryType, types.MemoryTypeKnowledge)
	}
	if sink.items[0].Metadata["import_path"] != "release.md" {
		t.Errorf("import_path = %q, want release.md", sink.items[0].Metadata["import_path"])
	}
}

func TestImport_SinkFailureDoesNotAbort(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "ok.md", "# OK\n\nKeep this.")
	writeNote(t, dir, "reject.md", "# Reject\n\nPOISON pill.")

	sink := &memorySink{failOn: "POISON"}
	res, err := importer.Import(context.Background(), sink, dir, importer.Options{})
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if res.Stored != 1 || res.Failed != 1 {
		t.Errorf("result = %+v, want one stored and one failed", res)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "reject.md") {
		t.Errorf("Errors = %v, want one entry naming reject.md", res.Errors)
	}
}

func TestImport_BadDefaultType(t *testing.T) {
	_, err := importer.Import(context.Background(), &memorySink{}, t.TempDir(), importer.Options{DefaultType: "MOOD"})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestImport_MissingPath(t *testing.T) {
	_, err := importer.Import(context.Background(), &memorySink{}, filepath.Join(t.TempDir(), "nope"), importer.Options{})
	if err == nil {
		t.Error("expected an error for a missing path")
	}
}

func TestImport_ContextCancelled(t *testing.T) {
	dir := t.TempDir()
	writeNote(t, dir, "a.md", "# A\n\nBody.")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := importer.Import(ctx, &memorySink{}, dir, importer.Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if res == nil || res.Stored != 0 {
		t.Errorf("result = %+v, want nothing stored", res)
	}
}
