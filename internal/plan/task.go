package plan

import (
	"maps"
	"slices"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

// Satisfies reports whether a dependency in this state unblocks its dependents.
// Skip is not failure.
func (s Status) Satisfies() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	return s == StatusSuccess || s == StatusSkipped
}

// allowedTransitions mirrors the task state machine. error -> running is the
// retry edge used after REFLECT; error -> pending is used by plan revision.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning: {},
		StatusSkipped: {},
	},
	StatusRunning: {
		StatusSuccess: {},
		StatusError:   {},
		StatusSkipped: {},
	},
	StatusError: {
		StatusRunning: {},
		StatusSkipped: {},
		StatusPending: {},
	},
}

func canTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Metadata is the execution record of a task.
type Metadata struct {
	StartedAt  *time.Time    `json:"started_at,omitempty" yaml:"-"`
	EndedAt    *time.Time    `json:"ended_at,omitempty" yaml:"-"`
	Duration   time.Duration `json:"duration,omitempty" yaml:"-"`
	LastOutput string        `json:"last_output,omitempty" yaml:"-"`
	LastError  string        `json:"last_error,omitempty" yaml:"-"`
	Attempts   int           `json:"attempts,omitempty" yaml:"-"`
	Permanent  bool          `json:"permanent,omitempty" yaml:"-"`
	SkipReason string        `json:"skip_reason,omitempty" yaml:"-"`
}

// Task is an atomic unit of work inside a Plan.
type Task struct {
	ID          string         `json:"id" yaml:"id"`
	Title       string         `json:"title" yaml:"title"`
	Description string         `json:"description,omitempty" yaml:"description"`
	Status      Status         `json:"status" yaml:"-"`
	DependsOn   []string       `json:"depends_on,omitempty" yaml:"depends_on"`
	Acceptance  string         `json:"acceptance,omitempty" yaml:"acceptance"`
	ToolHints   []string       `json:"tool_hints,omitempty" yaml:"tool_hints"`
	Args        map[string]any `json:"args,omitempty" yaml:"args"`
	Answer      string         `json:"answer,omitempty" yaml:"answer"`
	Strategy    []string       `json:"strategy,omitempty" yaml:"-"`
	Meta        Metadata       `json:"meta" yaml:"-"`
}

// Clone returns a deep copy of t.
func (t Task) Clone() Task {
	c := t
	c.DependsOn = slices.Clone(t.DependsOn)
	c.ToolHints = slices.Clone(t.ToolHints)
	c.Strategy = slices.Clone(t.Strategy)
	c.Args = maps.Clone(t.Args)
	if t.Meta.StartedAt != nil {
		v := *t.Meta.StartedAt
		c.Meta.StartedAt = &v
	}
	if t.Meta.EndedAt != nil {
		v := *t.Meta.EndedAt
		c.Meta.EndedAt = &v
	}
	return c
}

// RetryCount is the number of attempts beyond the first.
func (t Task) RetryCount() int {
	if t.Meta.Attempts <= 1 {
		return 0
	}
	return t.Meta.Attempts - 1
}

// Progress holds aggregate counters for a plan.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Failed     int     `json:"failed"`
	Running    int     `json:"running"`
	Skipped    int     `json:"skipped"`
	Pending    int     `json:"pending"`
	Percentage float64 `json:"percentage"`
}
