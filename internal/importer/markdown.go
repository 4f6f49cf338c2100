// Package importer loads Markdown notes into the memory engine. YAML
// frontmatter can carry the memory type, id, tags and timestamps; inline
// #tags are collected and [[wiki links]] are flattened to plain text.
package importer

import (
	"bufio"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stratamem/strata/pkg/types"
)

// Note is a parsed Markdown file ready to become a memory item.
type Note struct {
	// ID comes from the frontmatter "id" field. Empty lets the engine
	// generate one.
	ID string

	// Path names the file relative to the import root.
	Path string

	// Title is taken from frontmatter, the first H1 heading, or the file
	// name, in that order.
	Title string

	// Content is the title heading plus the body, with wiki links
	// flattened to their display text.
	Content string

	// Type is the frontmatter "memory_type" (or "type") field, validated.
	// Zero when the note names none.
	Type types.MemoryType

	// Tags merges frontmatter tags with inline #tags in first-appearance
	// order, deduplicated case-insensitively.
	Tags []string

	// CreatedAt is the frontmatter date, or zero when absent.
	CreatedAt time.Time

	// Extra holds the remaining scalar frontmatter fields.
	Extra map[string]string
}

// ParseNote parses one Markdown file. rel names the file in errors and
// becomes the import_path metadata entry.
func ParseNote(data []byte, rel string) (*Note, error) {
	fm, body, err := splitFrontmatter(string(data))
	if err != nil {
		return nil, fmt.Errorf("importer: parse %s: %w", rel, err)
	}

	mt, err := frontmatterType(fm)
	if err != nil {
		return nil, fmt.Errorf("importer: parse %s: %w", rel, err)
	}

	title := frontmatterString(fm, "title")
	if title == "" {
		title = firstHeading(body)
	}
	if title == "" {
		title = titleFromPath(rel)
	}

	return &Note{
		ID:        frontmatterString(fm, "id"),
		Path:      rel,
		Title:     title,
		Content:   buildContent(title, flattenWikiLinks(body)),
		Type:      mt,
		Tags:      mergeTags(frontmatterTags(fm), inlineTags(body)),
		CreatedAt: frontmatterTime(fm),
		Extra:     extraFields(fm),
	}, nil
}

// Item converts the note to a memory item. defaultType applies when the
// frontmatter named no type; title, tags and provenance land in metadata.
func (n *Note) Item(defaultType types.MemoryType) *types.MemoryItem {
	mt := n.Type
	if mt == "" {
		mt = defaultType
	}

	meta := make(map[string]string, len(n.Extra)+3)
	for k, v := range n.Extra {
		meta[k] = v
	}
	if n.Title != "" {
		meta["title"] = n.Title
	}
	if len(n.Tags) > 0 {
		meta["tags"] = strings.Join(n.Tags, ",")
	}
	meta["import_path"] = n.Path

	return &types.MemoryItem{
		ID:         n.ID,
		Content:    n.Content,
		MemoryType: mt,
		Metadata:   meta,
		CreatedAt:  n.CreatedAt,
	}
}

// splitFrontmatter separates YAML frontmatter (between --- delimiters) from
// the Markdown body. Returns an empty map and the full text when no
// frontmatter is found.
func splitFrontmatter(text string) (map[string]any, string, error) {
	scanner := bufio.NewScanner(strings.NewReader(text))

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}

	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return map[string]any{}, text, nil
	}

	closeIdx := -1
	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == "---" {
			closeIdx = i
			break
		}
	}
	if closeIdx == -1 {
		// No closing delimiter, treat the entire file as body.
		return map[string]any{}, text, nil
	}

	fm := make(map[string]any)
	fmText := strings.Join(lines[1:closeIdx], "\n")
	if err := yaml.Unmarshal([]byte(fmText), &fm); err != nil {
		return nil, "", fmt.Errorf("invalid YAML: %w", err)
	}

	return fm, strings.Join(lines[closeIdx+1:], "\n"), nil
}

// reservedKeys are the frontmatter fields consumed by named Note fields.
// Everything else lands in Extra.
var reservedKeys = map[string]bool{
	"id": true, "title": true, "tags": true, "memory_type": true,
	"type": true, "date": true, "created": true, "created_at": true,
	"updated": true, "updated_at": true,
}

func frontmatterType(fm map[string]any) (types.MemoryType, error) {
	raw := frontmatterString(fm, "memory_type")
	if raw == "" {
		raw = frontmatterString(fm, "type")
	}
	if raw == "" {
		return "", nil
	}
	mt := types.MemoryType(strings.ToUpper(strings.TrimSpace(raw)))
	if !types.IsValidMemoryType(mt) {
		return "", fmt.Errorf("unknown memory type %q", raw)
	}
	return mt, nil
}

// frontmatterString pulls a string value from frontmatter by key.
func frontmatterString(fm map[string]any, key string) string {
	if v, ok := fm[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

// frontmatterTags reads tags from frontmatter. Handles both list and
// comma-separated string forms.
func frontmatterTags(fm map[string]any) []string {
	switch v := fm["tags"].(type) {
	case []any:
		var tags []string
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				tags = append(tags, s)
			}
		}
		return tags
	case string:
		var tags []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tags = append(tags, t)
			}
		}
		return tags
	}
	return nil
}

// frontmatterTime reads a date field from frontmatter and attempts several
// common layouts.
func frontmatterTime(fm map[string]any) time.Time {
	layouts := []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006-01-02",
		"January 2, 2006",
		"Jan 2, 2006",
	}

	for _, key := range []string{"date", "created", "created_at"} {
		raw, ok := fm[key]
		if !ok {
			continue
		}
		var s string
		switch v := raw.(type) {
		case time.Time:
			return v
		case string:
			s = v
		default:
			s = fmt.Sprintf("%v", v)
		}
		for _, layout := range layouts {
			if t, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
				return t
			}
		}
	}
	return time.Time{}
}

// extraFields keeps the scalar frontmatter values not consumed elsewhere.
func extraFields(fm map[string]any) map[string]string {
	extra := make(map[string]string)
	for key, raw := range fm {
		if reservedKeys[key] {
			continue
		}
		switch v := raw.(type) {
		case string:
			extra[key] = v
		case bool, int, int64, float64:
			extra[key] = fmt.Sprintf("%v", v)
		}
	}
	if len(extra) == 0 {
		return nil
	}
	return extra
}

// titleFromPath derives a human-readable title from the file name.
func titleFromPath(rel string) string {
	base := filepath.Base(rel)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.ReplaceAll(name, "-", " ")
	name = strings.ReplaceAll(name, "_", " ")
	return strings.TrimSpace(name)
}

// firstHeading returns the text of the first ATX heading (# ...) in the body.
func firstHeading(body string) string {
	for _, line := range strings.Split(body, "\n") {
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(line[2:])
		}
	}
	return ""
}

// inlineTagPattern finds #hashtag markers in body text.
var inlineTagPattern = regexp.MustCompile(`(?:^|\s)#([A-Za-z][A-Za-z0-9_/-]*)`)

func inlineTags(body string) []string {
	matches := inlineTagPattern.FindAllStringSubmatch(body, -1)
	var tags []string
	for _, m := range matches {
		tags = append(tags, m[1])
	}
	return tags
}

// mergeTags combines tag slices, deduplicating by lowercase value.
func mergeTags(a, b []string) []string {
	seen := make(map[string]bool)
	var merged []string
	for _, tag := range append(a, b...) {
		lower := strings.ToLower(tag)
		if !seen[lower] {
			seen[lower] = true
			merged = append(merged, tag)
		}
	}
	return merged
}

// wikilinkPattern matches [[target]] and [[target|alias]].
var wikilinkPattern = regexp.MustCompile(`\[\[([^\[\]|]+?)(?:\|([^\[\]]+?))?\]\]`)

// flattenWikiLinks replaces [[wiki links]] with their display text: the
// alias when one is given, the target otherwise.
func flattenWikiLinks(body string) string {
	return wikilinkPattern.ReplaceAllStringFunc(body, func(match string) string {
		parts := wikilinkPattern.FindStringSubmatch(match)
		if len(parts) >= 3 && strings.TrimSpace(parts[2]) != "" {
			return strings.TrimSpace(parts[2])
		}
		if len(parts) >= 2 {
			return strings.TrimSpace(parts[1])
		}
		return match
	})
}

// buildContent prefixes the body with a title heading unless it already
// opens with one.
func buildContent(title, body string) string {
	body = strings.TrimSpace(body)
	if title == "" || strings.HasPrefix(body, "# ") {
		return body
	}
	if body == "" {
		return "# " + title
	}
	return "# " + title + "\n\n" + body
}
