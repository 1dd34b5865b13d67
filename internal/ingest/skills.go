// Package ingest maintains the agent's skill library: markdown files
// under <data>/skills that hold self-authored knowledge, patterns, and
// instructions. Each skill is parsed for a title and summary and
// mirrored into vector memory as a permanent entry, so retrieval can
// surface "you already wrote a skill for this" during planning.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gmtext "github.com/yuin/goldmark/text"

	"github.com/jarvis-agent/jarvis/internal/vector"
)

// SkillSource tags vector entries seeded from the skill library.
const SkillSource = "skill"

const (
	skillImportance = 0.7
	summaryMaxChars = 200
)

// Skill is the parsed metadata of one library file.
type Skill struct {
	Name     string    `json:"name"`
	Title    string    `json:"title"`
	Summary  string    `json:"summary"`
	File     string    `json:"file"`
	Size     int       `json:"size"`
	Modified time.Time `json:"modified"`
}

// Library manages the skills directory and its vector-memory mirror.
// The vector store may be nil (file operations only; no seeding).
type Library struct {
	dir    string
	store  *vector.Store
	logger *slog.Logger
	md     goldmark.Markdown
}

// NewLibrary creates a library over dir, creating it if needed.
func NewLibrary(dir string, store *vector.Store, logger *slog.Logger) (*Library, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir == "" {
		return nil, fmt.Errorf("skills directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create skills dir: %w", err)
	}
	return &Library{
		dir:    dir,
		store:  store,
		logger: logger.With("component", "skills"),
		md:     goldmark.New(),
	}, nil
}

// Dir returns the skills directory.
func (l *Library) Dir() string { return l.dir }

// List returns every skill, sorted by name.
func (l *Library) List() ([]Skill, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read skills dir: %w", err)
	}

	var skills []Skill
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		path := filepath.Join(l.dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			l.logger.Warn("unreadable skill file", "file", e.Name(), "error", err)
			continue
		}
		info, _ := e.Info()
		s := l.parse(e.Name(), data)
		if info != nil {
			s.Modified = info.ModTime().UTC()
		}
		skills = append(skills, s)
	}
	sort.Slice(skills, func(i, j int) bool { return skills[i].Name < skills[j].Name })
	return skills, nil
}

// Read returns a skill's full markdown content. Lookup is forgiving:
// the normalized name is tried first, then the literal name with and
// without the .md suffix.
func (l *Library) Read(name string) (string, error) {
	for _, candidate := range []string{
		l.path(name),
		filepath.Join(l.dir, filepath.Base(name)),
		filepath.Join(l.dir, filepath.Base(name)+".md"),
	} {
		data, err := os.ReadFile(candidate)
		if err == nil {
			return string(data), nil
		}
	}
	return "", fmt.Errorf("skill %q not found", name)
}

// Write creates or updates a skill and refreshes the vector mirror.
// Returns the normalized skill name.
func (l *Library) Write(ctx context.Context, name, content string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("skill name required")
	}
	if content == "" {
		return "", fmt.Errorf("skill content required")
	}
	path := l.path(name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write skill: %w", err)
	}
	normalized := strings.TrimSuffix(filepath.Base(path), ".md")
	l.logger.Info("skill written", "name", normalized, "bytes", len(content))

	if _, err := l.IngestAll(ctx); err != nil {
		l.logger.Error("skill reingest failed", "error", err)
	}
	return normalized, nil
}

// Delete removes a skill and refreshes the vector mirror.
func (l *Library) Delete(ctx context.Context, name string) error {
	path := l.path(name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("skill %q not found", name)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("delete skill: %w", err)
	}
	l.logger.Info("skill deleted", "name", name)

	if _, err := l.IngestAll(ctx); err != nil {
		l.logger.Error("skill reingest failed", "error", err)
	}
	return nil
}

// IngestAll rebuilds the vector mirror from the current library: all
// prior skill entries are purged and one permanent entry per skill is
// seeded. Returns the number of skills ingested. A nil vector store
// makes this a no-op.
func (l *Library) IngestAll(ctx context.Context) (int, error) {
	if l.store == nil {
		return 0, nil
	}
	skills, err := l.List()
	if err != nil {
		return 0, err
	}

	l.store.ForgetBySource(ctx, SkillSource)

	count := 0
	for _, s := range skills {
		text := fmt.Sprintf("Skill available: %s - %s. Load the full text with skill_read name=%q.",
			s.Title, s.Summary, s.Name)
		if s.Summary == "" {
			text = fmt.Sprintf("Skill available: %s. Load the full text with skill_read name=%q.",
				s.Title, s.Name)
		}
		if _, _, err := l.store.Add(ctx, text, SkillSource, skillImportance, true, -1); err != nil {
			l.logger.Warn("skill entry not seeded", "name", s.Name, "error", err)
			continue
		}
		count++
	}
	l.logger.Info("skills ingested", "count", count)
	return count, nil
}

// path normalizes a skill name to its file location: lowercased,
// spaces and slashes to dashes, .md appended.
func (l *Library) path(name string) string {
	safe := strings.TrimSpace(strings.ToLower(name))
	safe = strings.ReplaceAll(safe, " ", "-")
	safe = strings.ReplaceAll(safe, "/", "-")
	safe = strings.ReplaceAll(safe, string(filepath.Separator), "-")
	safe = strings.Trim(filepath.Base(safe), ".-")
	if safe == "" {
		safe = "unnamed"
	}
	if !strings.HasSuffix(safe, ".md") {
		safe += ".md"
	}
	return filepath.Join(l.dir, safe)
}

// parse extracts title and summary: title is the first level-1
// heading, the summary the first paragraph after it.
func (l *Library) parse(filename string, src []byte) Skill {
	s := Skill{
		Name:  strings.TrimSuffix(filename, ".md"),
		File:  filename,
		Size:  len(src),
		Title: humanize(strings.TrimSuffix(filename, ".md")),
	}

	doc := l.md.Parser().Parse(gmtext.NewReader(src))
	sawTitle := false
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			if node.Level == 1 && !sawTitle {
				if t := strings.TrimSpace(string(node.Text(src))); t != "" {
					s.Title = t
				}
				sawTitle = true
			}
		case *ast.Paragraph:
			if sawTitle && s.Summary == "" {
				text := strings.TrimSpace(string(node.Text(src)))
				if text != "" {
					if len(text) > summaryMaxChars {
						text = text[:summaryMaxChars]
					}
					s.Summary = text
					return ast.WalkStop, nil
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return s
}

// humanize turns a-file-name into "A File Name".
func humanize(name string) string {
	words := strings.FieldsFunc(name, func(r rune) bool { return r == '-' || r == '_' })
	for i, w := range words {
		r := []rune(w)
		r[0] = unicode.ToUpper(r[0])
		words[i] = string(r)
	}
	return strings.Join(words, " ")
}
