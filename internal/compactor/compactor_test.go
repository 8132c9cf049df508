package compactor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/basket/taskpilot/internal/memory"
)

type failingSummarizer struct{}

func (failingSummarizer) Summarize(context.Context, []memory.Turn) (string, error) {
	return "", errors.New("model unavailable")
}

func seed(t *testing.T, now time.Time) *memory.Store {
	t.Helper()
	old := now.Add(-2 * time.Hour)
	s := memory.NewStore(memory.WithClock(func() time.Time { return now }))
	for i := 0; i < 9; i++ {
		s.Conversation().Add("assistant", "A", strings.Repeat("turn ", 50))
	}
	mustAppend(t, s, memory.SectionFindings, memory.Entry{At: old, Kind: memory.KindFinding, Source: "https://stale", Content: strings.Repeat("stale ", 40)})
	mustAppend(t, s, memory.SectionFindings, memory.Entry{At: old, Kind: memory.KindFinding, Source: "https://cited", Content: "still used"})
	mustAppend(t, s, memory.SectionFindings, memory.Entry{At: now, Kind: memory.KindFinding, Content: "fresh"})
	mustAppend(t, s, memory.SectionProgress, memory.Entry{Kind: memory.KindResult, TaskID: "A", Content: "ok\n" + strings.Repeat("v", 5000)})
	mustAppend(t, s, memory.SectionProgress, memory.Entry{Kind: memory.KindError, TaskID: "A", Content: "timeout: " + strings.Repeat("e", 5000)})
	mustAppend(t, s, memory.SectionProgress, memory.Entry{Kind: memory.KindAction, TaskID: "B", Content: "fetch", Refs: []string{"https://cited"}})
	return s
}

func mustAppend(t *testing.T, s *memory.Store, sec memory.Section, e memory.Entry) {
	t.Helper()
	if _, err := s.Append(sec, e); err != nil {
		t.Fatal(err)
	}
}

func TestCompactIfNeeded_BelowThresholdNoop(t *testing.T) {
	s := memory.NewStore()
	mustAppend(t, s, memory.SectionProgress, memory.Entry{Content: "small"})
	c := New(s, DefaultConfig(), nil, nil)
	rep, err := c.CompactIfNeeded(context.Background(), time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Triggered {
		t.Fatalf("should not compact at usage %.3f", rep.UsageBefore)
	}
}

func TestCompactIfNeeded_AllPassesKeepFailures(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := seed(t, now)
	failuresBefore := errorEntries(s)

	cfg := DefaultConfig()
	cfg.CeilingTokens = 100 // keeps usage above threshold so every pass runs
	c := New(s, cfg, failingSummarizer{}, nil)
	rep, err := c.CompactIfNeeded(context.Background(), now)
	if err != nil {
		t.Fatalf("CompactIfNeeded: %v", err)
	}
	if !rep.Triggered {
		t.Fatal("expected compaction")
	}
	if rep.TurnsDigested != 4 {
		t.Fatalf("turns digested = %d, want 4", rep.TurnsDigested)
	}
	if rep.FindingsArchived != 1 {
		t.Fatalf("findings archived = %d, want 1 (only the unreferenced stale one)", rep.FindingsArchived)
	}
	if rep.OutputsCollapsed != 1 {
		t.Fatalf("outputs collapsed = %d, want 1", rep.OutputsCollapsed)
	}

	failuresAfter := errorEntries(s)
	if len(failuresAfter) != len(failuresBefore) || failuresAfter[0].Content != failuresBefore[0].Content {
		t.Fatal("failure entries must survive compaction verbatim")
	}

	turns := s.Conversation().Turns()
	if len(turns) != 6 || !turns[0].Digest() {
		t.Fatalf("expected digest + 5 recent turns, got %d", len(turns))
	}
	if !strings.Contains(turns[0].Content, "Summary of 4 earlier turns") {
		t.Fatalf("fallback digest missing: %q", turns[0].Content)
	}

	for _, p := range rep.Pointers {
		if p.Source == "" || p.OriginalSize == 0 || p.Description == "" || p.RetrievalHint == "" {
			t.Fatalf("incomplete pointer %+v", p)
		}
		if _, err := s.Archive().Fetch(p.Source); err != nil {
			t.Fatalf("pointer %s not recoverable: %v", p.Source, err)
		}
	}

	progress := s.Entries(memory.SectionProgress)
	if progress[0].Content != "ok" || progress[0].Pointer == nil {
		t.Fatalf("verbose result should collapse to one line, got %+v", progress[0])
	}
	orig, _ := s.Archive().Fetch(progress[0].Pointer.Source)
	if !strings.HasPrefix(orig, "ok\nvvv") {
		t.Fatal("archived original lost")
	}
}

func TestCompactIfNeeded_Repeatable(t *testing.T) {
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s := seed(t, now)
	cfg := DefaultConfig()
	cfg.CeilingTokens = 100
	c := New(s, cfg, nil, nil)
	for i := 0; i < 3; i++ {
		if _, err := c.CompactIfNeeded(context.Background(), now.Add(time.Duration(i)*time.Minute)); err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if got := errorEntries(s); len(got) != 1 {
			t.Fatalf("pass %d lost failure entries", i)
		}
	}
}

func errorEntries(s *memory.Store) []memory.Entry {
	var out []memory.Entry
	for _, e := range s.Entries(memory.SectionProgress) {
		if e.Kind == memory.KindError {
			out = append(out, e)
		}
	}
	return out
}

func TestCompactIfNeeded_CollapsedLineKeepsRunesWhole(t *testing.T) {
	s := memory.NewStore()
	// "x" shifts every two-byte rune so the 160-byte cut lands mid-rune.
	mustAppend(t, s, memory.SectionProgress, memory.Entry{Kind: memory.KindResult, TaskID: "A", Content: "x" + strings.Repeat("é", 3000)})
	cfg := DefaultConfig()
	cfg.CeilingTokens = 100
	c := New(s, cfg, nil, nil)
	if _, err := c.CompactIfNeeded(context.Background(), time.Now()); err != nil {
		t.Fatal(err)
	}
	got := s.Entries(memory.SectionProgress)[0]
	if got.Pointer == nil {
		t.Fatal("result was not collapsed")
	}
	if !utf8.ValidString(got.Content) || !strings.HasPrefix(got.Content, "xé") || len(got.Content) > 160+len("…[truncated]") {
		t.Fatalf("collapsed line = %q", got.Content)
	}
}
