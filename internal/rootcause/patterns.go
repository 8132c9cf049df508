package rootcause

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"
)

// StrategyStat counts how often a strategy resolved a pattern.
type StrategyStat struct {
	Name      string `json:"name"`
	Successes int    `json:"successes"`
}

// Pattern is the cross-run record for one failure signature.
type Pattern struct {
	Signature   string         `json:"signature"`
	Category    Category       `json:"category"`
	Tool        string         `json:"tool"`
	Occurrences int            `json:"occurrences"`
	RootCauses  []Category     `json:"root_causes,omitempty"`
	Strategies  []StrategyStat `json:"strategies,omitempty"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
}

// Best returns the strategy with the most successes; ties go to the one
// recorded first.
func (p Pattern) Best() (string, bool) {
	best := -1
	for i, s := range p.Strategies {
		if s.Successes <= 0 {
			continue
		}
		if best < 0 || s.Successes > p.Strategies[best].Successes {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return p.Strategies[best].Name, true
}

// PatternStore persists failure patterns. Patterns are never deleted.
type PatternStore interface {
	// RecordPattern counts one failure with signature, creating the pattern
	// on first sight, and notes the root cause it was attributed to.
	// Strategies only become part of a pattern through RecordSuccess.
	RecordPattern(ctx context.Context, signature string, category Category) (Pattern, error)
	// RecordSuccess marks strategy as having resolved signature.
	RecordSuccess(ctx context.Context, signature, strategy string) error
	// GetSolution returns the most successful strategy for signature.
	GetSolution(ctx context.Context, signature string) (string, bool, error)
	Get(ctx context.Context, signature string) (Pattern, bool, error)
	List(ctx context.Context) ([]Pattern, error)
}

// SplitSignature returns the category and tool parts of a signature.
func SplitSignature(sig string) (Category, string) {
	c, tool, _ := strings.Cut(sig, ":")
	return Category(c), tool
}

// MemoryStore is an in-process PatternStore.
type MemoryStore struct {
	mu       sync.Mutex
	patterns map[string]*Pattern
	now      func() time.Time
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{patterns: make(map[string]*Pattern), now: time.Now}
}

func (m *MemoryStore) RecordPattern(_ context.Context, signature string, category Category) (Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	p, ok := m.patterns[signature]
	if !ok {
		cat, tool := SplitSignature(signature)
		p = &Pattern{Signature: signature, Category: cat, Tool: tool, FirstSeen: now}
		m.patterns[signature] = p
	}
	p.Occurrences++
	p.LastSeen = now
	if category != "" && !slices.Contains(p.RootCauses, category) {
		p.RootCauses = append(p.RootCauses, category)
	}
	return clonePattern(*p), nil
}

func (m *MemoryStore) RecordSuccess(_ context.Context, signature, strategy string) error {
	if strategy == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[signature]
	if !ok {
		cat, tool := SplitSignature(signature)
		now := m.now().UTC()
		p = &Pattern{Signature: signature, Category: cat, Tool: tool, FirstSeen: now, LastSeen: now}
		m.patterns[signature] = p
	}
	for i := range p.Strategies {
		if p.Strategies[i].Name == strategy {
			p.Strategies[i].Successes++
			return nil
		}
	}
	p.Strategies = append(p.Strategies, StrategyStat{Name: strategy, Successes: 1})
	return nil
}

func (m *MemoryStore) GetSolution(_ context.Context, signature string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[signature]
	if !ok {
		return "", false, nil
	}
	s, ok := p.Best()
	return s, ok, nil
}

func (m *MemoryStore) Get(_ context.Context, signature string) (Pattern, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.patterns[signature]
	if !ok {
		return Pattern{}, false, nil
	}
	return clonePattern(*p), true, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Pattern, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Pattern, 0, len(m.patterns))
	for _, p := range m.patterns {
		out = append(out, clonePattern(*p))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Occurrences != out[j].Occurrences {
			return out[i].Occurrences > out[j].Occurrences
		}
		return out[i].Signature < out[j].Signature
	})
	return out, nil
}

func clonePattern(p Pattern) Pattern {
	p.RootCauses = slices.Clone(p.RootCauses)
	p.Strategies = slices.Clone(p.Strategies)
	return p
}

var _ PatternStore = (*MemoryStore)(nil)
