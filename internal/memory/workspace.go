package memory

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

const (
	maxReadBytes  = 1 << 20
	maxSearchHits = 100
)

// SearchHit is one line matched by Workspace.Search.
type SearchHit struct {
	Path    string `json:"path"`
	Line    int    `json:"line"`
	Content string `json:"content"`
}

// Workspace confines file access to one directory. Memory section files,
// archived originals and the read-only tools all go through it.
type Workspace struct {
	root string
}

// NewWorkspace creates root if needed and resolves its symlinks.
func NewWorkspace(root string) (*Workspace, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("memory: resolve root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("memory: create root: %w", err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("memory: eval root symlinks: %w", err)
	}
	return &Workspace{root: resolved}, nil
}

// Root returns the resolved workspace directory.
func (w *Workspace) Root() string { return w.root }

// Resolve maps a workspace-relative path to an absolute one, rejecting any
// path (including through symlinks) that escapes the root.
func (w *Workspace) Resolve(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("memory: empty path")
	}
	full := filepath.Clean(path)
	if !filepath.IsAbs(full) {
		full = filepath.Join(w.root, full)
	}
	resolved, err := filepath.EvalSymlinks(full)
	if err != nil {
		resolved, err = resolveMissing(full)
		if err != nil {
			return "", fmt.Errorf("memory: resolve %s: %w", path, err)
		}
	}
	if resolved != w.root && !strings.HasPrefix(resolved, w.root+string(filepath.Separator)) {
		return "", fmt.Errorf("memory: path escapes workspace: %s", path)
	}
	return resolved, nil
}

// resolveMissing resolves the deepest existing ancestor of p and re-appends
// the segments that do not exist yet.
func resolveMissing(p string) (string, error) {
	var tail []string
	cur := p
	for {
		resolved, err := filepath.EvalSymlinks(cur)
		if err == nil {
			for i := len(tail) - 1; i >= 0; i-- {
				resolved = filepath.Join(resolved, tail[i])
			}
			return resolved, nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return "", fmt.Errorf("no existing ancestor for %s", p)
		}
		tail = append(tail, filepath.Base(cur))
		cur = parent
	}
}

// ReadFile returns the content of a workspace file (max 1 MB).
func (w *Workspace) ReadFile(path string) ([]byte, error) {
	resolved, err := w.Resolve(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(resolved)
	if err != nil {
		return nil, fmt.Errorf("memory: stat: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("memory: %s is a directory", path)
	}
	if info.Size() > maxReadBytes {
		return nil, fmt.Errorf("memory: %s too large: %d bytes (max %d)", path, info.Size(), maxReadBytes)
	}
	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("memory: read: %w", err)
	}
	return data, nil
}

// WriteFile replaces a file atomically via temp file and rename.
func (w *Workspace) WriteFile(path string, data []byte) error {
	resolved, err := w.Resolve(path)
	if err != nil {
		return err
	}
	dir := filepath.Dir(resolved)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("memory: mkdir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".mem-*.tmp")
	if err != nil {
		return fmt.Errorf("memory: create temp: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("memory: write temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("memory: close temp: %w", err)
	}
	if err := os.Rename(name, resolved); err != nil {
		os.Remove(name)
		return fmt.Errorf("memory: rename: %w", err)
	}
	return nil
}

// AppendFile appends to a file, creating it when missing.
func (w *Workspace) AppendFile(path string, data []byte) error {
	resolved, err := w.Resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(resolved), 0o755); err != nil {
		return fmt.Errorf("memory: mkdir: %w", err)
	}
	f, err := os.OpenFile(resolved, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("memory: open append: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("memory: append: %w", err)
	}
	return nil
}

// Search does a case-insensitive substring scan of text files under the
// workspace, skipping binary files, and returns at most 100 hits.
func (w *Workspace) Search(query string) ([]SearchHit, error) {
	if query == "" {
		return nil, fmt.Errorf("memory: empty search query")
	}
	needle := strings.ToLower(query)
	var hits []SearchHit
	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if len(hits) >= maxSearchHits {
			return fs.SkipAll
		}
		info, err := d.Info()
		if err != nil || info.Size() > maxReadBytes {
			return nil
		}
		rel, err := filepath.Rel(w.root, path)
		if err != nil {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()
		sc := bufio.NewScanner(f)
		n := 0
		for sc.Scan() {
			n++
			line := sc.Text()
			if !utf8.ValidString(line) {
				return nil
			}
			if strings.Contains(strings.ToLower(line), needle) {
				hits = append(hits, SearchHit{Path: rel, Line: n, Content: clip(line, 200)})
				if len(hits) >= maxSearchHits {
					return fs.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("memory: search: %w", err)
	}
	return hits, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
