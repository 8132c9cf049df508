package budget

import (
	"slices"
	"time"
)

// Warning kinds emitted as usage crosses thresholds.
const (
	WarnCompaction = "compaction"
	WarnSummary    = "summary_mode"
)

// State is the run-scoped counter set. It is serialized into checkpoints.
type State struct {
	Iteration     int            `json:"iteration"`
	TokensUsed    int            `json:"tokens_used"`
	TokenLimit    int            `json:"token_limit"`
	MaxIterations int            `json:"max_iterations"`
	StartedAt     time.Time      `json:"started_at"`
	ElapsedBefore time.Duration  `json:"elapsed_before"`
	SummaryMode   bool           `json:"summary_mode"`
	Warned        []string       `json:"warned,omitempty"`
	Reflections   map[string]int `json:"reflections,omitempty"`
}

// NewState starts counters at now.
func NewState(now time.Time, tokenLimit int) *State {
	return &State{StartedAt: now, TokenLimit: tokenLimit, Reflections: make(map[string]int)}
}

// Elapsed is wall time spent in this process plus time carried over from
// before a resume.
func (s *State) Elapsed(now time.Time) time.Duration {
	return s.ElapsedBefore + now.Sub(s.StartedAt)
}

// AddTokens records consumed tokens.
func (s *State) AddTokens(n int) {
	if n > 0 {
		s.TokensUsed += n
	}
}

// TokenRatio returns TokensUsed/TokenLimit.
func (s *State) TokenRatio() float64 {
	if s.TokenLimit <= 0 {
		return 0
	}
	return float64(s.TokensUsed) / float64(s.TokenLimit)
}

// CrossedWarnings returns warning kinds whose threshold ratio has reached for
// the first time. Each kind fires once per run.
func (s *State) CrossedWarnings(ratio, compactAt, summaryAt float64) []string {
	var out []string
	for _, w := range []struct {
		kind string
		at   float64
	}{{WarnCompaction, compactAt}, {WarnSummary, summaryAt}} {
		if w.at <= 0 || ratio < w.at || slices.Contains(s.Warned, w.kind) {
			continue
		}
		s.Warned = append(s.Warned, w.kind)
		out = append(out, w.kind)
	}
	return out
}

// Clone returns a deep copy.
func (s *State) Clone() State {
	c := *s
	c.Warned = slices.Clone(s.Warned)
	c.Reflections = make(map[string]int, len(s.Reflections))
	for k, v := range s.Reflections {
		c.Reflections[k] = v
	}
	return c
}

// Resume turns a checkpointed state into live counters at now: the time spent
// before the checkpoint carries over.
func (s State) Resume(now time.Time, savedAt time.Time) *State {
	c := s.Clone()
	c.ElapsedBefore = s.Elapsed(savedAt)
	c.StartedAt = now
	if c.Reflections == nil {
		c.Reflections = make(map[string]int)
	}
	return &c
}
