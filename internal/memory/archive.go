package memory

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

const memArchivePrefix = "mem://"

// Archive keeps the original text of everything the compactor rewrites.
// With a workspace the originals land under archive/; without one they are
// held in process.
type Archive struct {
	ws *Workspace

	mu  sync.Mutex
	seq int
	mem map[string]string
}

// NewArchive returns an archive rooted in ws (nil keeps originals in memory).
func NewArchive(ws *Workspace) *Archive {
	return &Archive{ws: ws, mem: make(map[string]string)}
}

// Put stores content and returns the pointer that replaces it in context.
func (a *Archive) Put(name, content, description string, at time.Time) (Pointer, error) {
	a.mu.Lock()
	a.seq++
	rel := fmt.Sprintf("archive/%s-%d-%d.txt", sanitize(name), at.UnixNano(), a.seq)
	a.mu.Unlock()

	source := rel
	if a.ws != nil {
		if err := a.ws.WriteFile(rel, []byte(content)); err != nil {
			return Pointer{}, fmt.Errorf("memory: archive %s: %w", name, err)
		}
	} else {
		source = memArchivePrefix + rel
		a.mu.Lock()
		a.mem[source] = content
		a.mu.Unlock()
	}
	return Pointer{
		Source:        source,
		OriginalSize:  len(content),
		Description:   description,
		RetrievalHint: "read_file " + source,
		At:            at.UTC(),
	}, nil
}

// Fetch returns the original content behind a pointer source.
func (a *Archive) Fetch(source string) (string, error) {
	if strings.HasPrefix(source, memArchivePrefix) {
		a.mu.Lock()
		defer a.mu.Unlock()
		content, ok := a.mem[source]
		if !ok {
			return "", fmt.Errorf("memory: archive entry %s not found", source)
		}
		return content, nil
	}
	if a.ws == nil {
		return "", fmt.Errorf("memory: archive has no workspace for %s", source)
	}
	data, err := a.ws.ReadFile(source)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func sanitize(name string) string {
	var sb strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			sb.WriteRune(r)
		default:
			sb.WriteByte('_')
		}
	}
	if sb.Len() == 0 {
		return "item"
	}
	return sb.String()
}
