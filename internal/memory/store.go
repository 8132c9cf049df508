package memory

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ErrFailureEntryRemoved is returned when a rewrite would drop or alter an
// error entry of the progress section. Failures are kept verbatim.
var ErrFailureEntryRemoved = errors.New("memory: failure entries must be preserved")

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithClock overrides time.Now for entry timestamps.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Store holds the three working memory sections and the conversation. When
// backed by a Workspace every section is persisted as JSONL under memory/
// and mirrored to a markdown file at the workspace root.
type Store struct {
	mu      sync.RWMutex
	ws      *Workspace
	entries map[Section][]Entry
	seq     int64

	conv    *Conversation
	archive *Archive
	now     func() time.Time
	logger  *slog.Logger
}

// NewStore returns a store that lives only in process memory. Exploration
// candidates use it as their isolated context.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		entries: make(map[Section][]Entry, len(Sections)),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.conv = newConversation(s.now)
	s.archive = NewArchive(nil)
	return s
}

// OpenStore loads (or starts) a workspace-backed store.
func OpenStore(ws *Workspace, opts ...StoreOption) (*Store, error) {
	s := NewStore(opts...)
	s.ws = ws
	s.archive = NewArchive(ws)
	for _, sec := range Sections {
		data, err := ws.ReadFile(jsonlPath(sec))
		if err != nil {
			continue
		}
		entries, err := decodeEntries(data)
		if err != nil {
			return nil, fmt.Errorf("memory: load %s: %w", sec, err)
		}
		s.entries[sec] = entries
		for _, e := range entries {
			if e.Seq > s.seq {
				s.seq = e.Seq
			}
		}
	}
	return s, nil
}

func jsonlPath(sec Section) string { return "memory/" + string(sec) + ".jsonl" }

func decodeEntries(data []byte) ([]Entry, error) {
	var out []Entry
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxReadBytes)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, sc.Err()
}

// Conversation returns the oracle-facing turn log.
func (s *Store) Conversation() *Conversation { return s.conv }

// Archive returns where compacted originals are kept.
func (s *Store) Archive() *Archive { return s.archive }

// Append stamps e with the next sequence number and the current time and
// adds it to its section.
func (s *Store) Append(sec Section, e Entry) (Entry, error) {
	if !sec.valid() {
		return Entry{}, fmt.Errorf("memory: unknown section %q", sec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.Seq = s.seq
	e.Section = sec
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}
	if e.Kind == "" {
		e.Kind = KindNote
	}
	s.entries[sec] = append(s.entries[sec], e.clone())
	if s.ws != nil {
		line, err := json.Marshal(e)
		if err != nil {
			return e, fmt.Errorf("memory: encode entry: %w", err)
		}
		if err := s.ws.AppendFile(jsonlPath(sec), append(line, '\n')); err != nil {
			return e, err
		}
		if err := s.ws.AppendFile(sec.fileName(), []byte(renderEntry(e))); err != nil {
			return e, err
		}
	}
	return e, nil
}

// Entries returns copies of a section's entries in write order.
func (s *Store) Entries(sec Section) []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.entries[sec]
	out := make([]Entry, len(src))
	for i, e := range src {
		out[i] = e.clone()
	}
	return out
}

// Text renders a section as markdown, in write order.
func (s *Store) Text(sec Section) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return renderSection(s.entries[sec])
}

// LatestRoadmap returns the content of the newest roadmap entry in the plan section.
func (s *Store) LatestRoadmap() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	plan := s.entries[SectionPlan]
	for i := len(plan) - 1; i >= 0; i-- {
		if plan[i].Kind == KindRoadmap {
			return plan[i].Content
		}
	}
	return ""
}

// Replace rewrites a section wholesale. Only the compactor and restore use it.
func (s *Store) Replace(sec Section, entries []Entry) error {
	if !sec.valid() {
		return fmt.Errorf("memory: unknown section %q", sec)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sec == SectionProgress {
		if err := failuresPreserved(s.entries[sec], entries); err != nil {
			return err
		}
	}
	return s.replaceLocked(sec, entries)
}

func (s *Store) replaceLocked(sec Section, entries []Entry) error {
	next := make([]Entry, len(entries))
	for i, e := range entries {
		e.Section = sec
		next[i] = e.clone()
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
	s.entries[sec] = next
	return s.flushLocked(sec)
}

func failuresPreserved(old, next []Entry) error {
	kept := make(map[int64]Entry, len(next))
	for _, e := range next {
		kept[e.Seq] = e
	}
	for _, e := range old {
		if e.Kind != KindError {
			continue
		}
		n, ok := kept[e.Seq]
		if !ok || n.Kind != KindError || n.Content != e.Content {
			return fmt.Errorf("%w: entry %d", ErrFailureEntryRemoved, e.Seq)
		}
	}
	return nil
}

func (s *Store) flushLocked(sec Section) error {
	if s.ws == nil {
		return nil
	}
	var buf bytes.Buffer
	for _, e := range s.entries[sec] {
		line, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("memory: encode entry: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if err := s.ws.WriteFile(jsonlPath(sec), buf.Bytes()); err != nil {
		return err
	}
	return s.ws.WriteFile(sec.fileName(), []byte(renderSection(s.entries[sec])))
}

// Tokens estimates the context cost of every section plus the conversation.
func (s *Store) Tokens() int {
	s.mu.RLock()
	total := 0
	for _, sec := range Sections {
		total += EstimateTokens(renderSection(s.entries[sec]))
	}
	s.mu.RUnlock()
	return total + s.conv.Tokens()
}

// Budget reports usage against a token ceiling.
func (s *Store) Budget(ceiling int) ContextBudget {
	return ContextBudget{Ceiling: ceiling, Used: s.Tokens()}
}

// Snapshot is the serializable state of a store, embedded in checkpoints.
type Snapshot struct {
	Seq      int64               `json:"seq"`
	Sections map[Section][]Entry `json:"sections"`
	Turns    []Turn              `json:"turns,omitempty"`
}

// Snapshot returns a deep copy of all sections and turns.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	snap := Snapshot{Seq: s.seq, Sections: make(map[Section][]Entry, len(Sections))}
	for _, sec := range Sections {
		list := make([]Entry, len(s.entries[sec]))
		for i, e := range s.entries[sec] {
			list[i] = e.clone()
		}
		snap.Sections[sec] = list
	}
	s.mu.RUnlock()
	snap.Turns = s.conv.Turns()
	return snap
}

// Restore replaces the store contents with snap and rewrites the backing files.
func (s *Store) Restore(snap Snapshot) error {
	s.mu.Lock()
	for _, sec := range Sections {
		if err := s.replaceLocked(sec, snap.Sections[sec]); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("memory: restore %s: %w", sec, err)
		}
	}
	if snap.Seq > s.seq {
		s.seq = snap.Seq
	}
	s.mu.Unlock()
	s.conv.restore(snap.Turns)
	s.logger.Debug("working memory restored", "seq", snap.Seq, "turns", len(snap.Turns))
	return nil
}

// Fork returns an in-process copy of the store. Writes to the fork never
// reach the original or its files.
func (s *Store) Fork() *Store {
	snap := s.Snapshot()
	f := NewStore(WithClock(s.now), WithLogger(s.logger))
	_ = f.Restore(snap)
	return f
}

func renderSection(entries []Entry) string {
	var sb strings.Builder
	for _, e := range entries {
		sb.WriteString(renderEntry(e))
	}
	return sb.String()
}

func renderEntry(e Entry) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "- %s [%s]", e.At.Format(time.RFC3339), e.Kind)
	if e.TaskID != "" {
		fmt.Fprintf(&sb, " (%s)", e.TaskID)
	}
	if e.Source != "" {
		fmt.Fprintf(&sb, " <%s>", e.Source)
	}
	if strings.Contains(e.Content, "\n") {
		sb.WriteString("\n")
		for _, line := range strings.Split(strings.TrimRight(e.Content, "\n"), "\n") {
			sb.WriteString("  ")
			sb.WriteString(line)
			sb.WriteString("\n")
		}
	} else {
		sb.WriteString(" ")
		sb.WriteString(e.Content)
		sb.WriteString("\n")
	}
	if e.Pointer != nil {
		sb.WriteString("  ")
		sb.WriteString(e.Pointer.String())
		sb.WriteString("\n")
	}
	return sb.String()
}
