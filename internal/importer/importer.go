package importer

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/stratamem/strata/internal/storage"
	"github.com/stratamem/strata/pkg/types"
)

// Sink receives imported items. *engine.Manager satisfies it.
type Sink interface {
	Store(ctx context.Context, item *types.MemoryItem) (string, error)
}

// Options tune an import run.
type Options struct {
	// DefaultType is assigned to notes whose frontmatter names no memory
	// type. Zero value means DOCUMENTATION.
	DefaultType types.MemoryType
}

// Result summarizes an import run. One file failing does not abort the
// run, so a result can carry both stored counts and errors.
type Result struct {
	FilesFound int           `json:"files_found"`
	Stored     int           `json:"stored"`
	Skipped    int           `json:"skipped"`
	Failed     int           `json:"failed"`
	Errors     []string      `json:"errors,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// Import loads the Markdown file or directory tree at path into sink.
// Unreadable, empty and unparsable files are counted in the result and do
// not stop the run. The error return covers bad options, the initial walk
// and context cancellation.
func Import(ctx context.Context, sink Sink, path string, opts Options) (*Result, error) {
	defaultType := opts.DefaultType
	if defaultType == "" {
		defaultType = types.MemoryTypeDocumentation
	}
	if !types.IsValidMemoryType(defaultType) {
		return nil, fmt.Errorf("importer: %w: unknown memory type %q", storage.ErrInvalidInput, string(opts.DefaultType))
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("importer: %w", err)
	}

	root := filepath.Dir(path)
	files := []string{path}
	if info.IsDir() {
		root = path
		files, err = collectMarkdown(path)
		if err != nil {
			return nil, fmt.Errorf("importer: walk %s: %w", path, err)
		}
	}

	start := time.Now()
	result := &Result{FilesFound: len(files)}
	for _, file := range files {
		if err := ctx.Err(); err != nil {
			result.Duration = time.Since(start)
			return result, err
		}

		rel, relErr := filepath.Rel(root, file)
		if relErr != nil {
			rel = file
		}

		data, err := os.ReadFile(file)
		if err != nil {
			result.Skipped++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		if len(bytes.TrimSpace(data)) == 0 {
			result.Skipped++
			continue
		}

		note, err := ParseNote(data, rel)
		if err != nil {
			result.Failed++
			result.Errors = append(result.Errors, err.Error())
			continue
		}

		if _, err := sink.Store(ctx, note.Item(defaultType)); err != nil {
			log.Printf("importer: store %s: %v", rel, err)
			result.Failed++
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rel, err))
			continue
		}
		result.Stored++
	}
	result.Duration = time.Since(start)
	return result, nil
}

// collectMarkdown walks root and returns every Markdown file in it,
// skipping hidden directories.
func collectMarkdown(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != root {
				return filepath.SkipDir
			}
			return nil
		}
		switch strings.ToLower(filepath.Ext(d.Name())) {
		case ".md", ".markdown":
			files = append(files, path)
		}
		return nil
	})
	return files, err
}
