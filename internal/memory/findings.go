package memory

import (
	"fmt"
	"strings"
	"sync"
)

type lookup struct {
	taskID  string
	source  string
	content string
}

// FindingsGate enforces the "every N lookups, one write" rule: lookups are
// buffered and every Nth one flushes the whole buffer as a single finding.
type FindingsGate struct {
	store *Store
	every int

	mu  sync.Mutex
	buf []lookup
}

// NewFindingsGate returns a gate writing to store's findings section.
// every <= 0 means 2.
func NewFindingsGate(store *Store, every int) *FindingsGate {
	if every <= 0 {
		every = 2
	}
	return &FindingsGate{store: store, every: every}
}

// RecordLookup buffers one information lookup. It reports whether a finding was written.
func (g *FindingsGate) RecordLookup(taskID, source, content string) (bool, error) {
	g.mu.Lock()
	g.buf = append(g.buf, lookup{taskID: taskID, source: source, content: content})
	if len(g.buf) < g.every {
		g.mu.Unlock()
		return false, nil
	}
	pending := g.buf
	g.buf = nil
	g.mu.Unlock()
	return true, g.write(pending)
}

// Pending returns the number of buffered lookups.
func (g *FindingsGate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buf)
}

// Flush writes any buffered lookups, used at task boundaries and before checkpoints.
func (g *FindingsGate) Flush() error {
	g.mu.Lock()
	pending := g.buf
	g.buf = nil
	g.mu.Unlock()
	if len(pending) == 0 {
		return nil
	}
	return g.write(pending)
}

func (g *FindingsGate) write(pending []lookup) error {
	var sb strings.Builder
	refs := make([]string, 0, len(pending))
	for i, l := range pending {
		if i > 0 {
			sb.WriteString("\n")
		}
		fmt.Fprintf(&sb, "%s: %s", l.source, clip(strings.TrimSpace(l.content), 400))
		refs = append(refs, l.source)
	}
	_, err := g.store.Append(SectionFindings, Entry{
		Kind:    KindFinding,
		TaskID:  pending[len(pending)-1].taskID,
		Content: sb.String(),
		Refs:    refs,
	})
	return err
}
