// Package playbook loads the marketing playbooks the agent and the
// dashboard surface: short markdown documents describing how this team
// runs launches, audits, and copy reviews. Shipped playbooks are
// embedded; a configured directory overlays them so teams can edit or
// add their own without rebuilding.
package playbook

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	defaultplaybooks "github.com/skaldhq/skald/playbooks"
)

// Playbook is one parsed playbook document.
type Playbook struct {
	Name    string // filename without .md extension
	Title   string // from frontmatter; falls back to the name
	Content string // markdown content, frontmatter stripped
}

// Library holds the loaded playbooks, keyed by name.
type Library struct {
	byName map[string]Playbook
}

// Load builds a library from the embedded defaults, then overlays .md
// files from dir when it exists. A dir file with the same name as a
// shipped playbook replaces it.
func Load(dir string) (*Library, error) {
	lib := &Library{byName: make(map[string]Playbook)}

	if err := lib.addFS(defaultplaybooks.FS); err != nil {
		return nil, fmt.Errorf("load embedded playbooks: %w", err)
	}

	if dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				return lib, nil // no override dir is fine
			}
			return nil, fmt.Errorf("read playbooks dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, e.Name()))
			if err != nil {
				return nil, fmt.Errorf("read playbook %s: %w", e.Name(), err)
			}
			lib.add(e.Name(), string(data))
		}
	}

	return lib, nil
}

func (l *Library) addFS(fsys fs.FS) error {
	return fs.WalkDir(fsys, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasSuffix(path, ".md") {
			return err
		}
		data, err := fs.ReadFile(fsys, path)
		if err != nil {
			return err
		}
		l.add(filepath.Base(path), string(data))
		return nil
	})
}

func (l *Library) add(filename, raw string) {
	name := strings.TrimSuffix(filename, ".md")
	title, content := parseFrontmatter(raw)
	if title == "" {
		title = name
	}
	l.byName[name] = Playbook{Name: name, Title: title, Content: content}
}

// List returns all playbooks sorted by name.
func (l *Library) List() []Playbook {
	out := make([]Playbook, 0, len(l.byName))
	for _, p := range l.byName {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns the named playbook.
func (l *Library) Get(name string) (Playbook, bool) {
	p, ok := l.byName[name]
	return p, ok
}

// parseFrontmatter extracts the title from YAML frontmatter delimited
// by "---" lines. Returns (title, content) where content has the
// frontmatter stripped. If no frontmatter is found, returns ("", raw).
//
// Supported frontmatter format:
//
//	---
//	title: Campaign Audit
//	---
func parseFrontmatter(raw string) (string, string) {
	if !strings.HasPrefix(raw, "---") {
		return "", raw
	}

	rest := raw[3:]
	rest = strings.TrimLeft(rest, " \t")
	if len(rest) > 0 && rest[0] == '\n' {
		rest = rest[1:]
	} else if len(rest) > 1 && rest[0] == '\r' && rest[1] == '\n' {
		rest = rest[2:]
	} else {
		return "", raw // no newline after opening ---
	}

	closeIdx := strings.Index(rest, "\n---")
	if closeIdx < 0 {
		return "", raw // no closing ---
	}

	frontmatter := rest[:closeIdx]
	content := rest[closeIdx+4:]
	content = strings.TrimLeft(content, "\r\n")

	return parseTitleLine(frontmatter), content
}

// parseTitleLine extracts the value of a "title:" line within
// frontmatter. Returns "" if no title line is found.
func parseTitleLine(frontmatter string) string {
	for _, line := range strings.Split(frontmatter, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "title:") {
			continue
		}
		title := strings.TrimSpace(strings.TrimPrefix(line, "title:"))
		return strings.Trim(title, `"'`)
	}
	return ""
}
