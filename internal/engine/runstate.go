package engine

import (
	"log/slog"

	"github.com/basket/taskpilot/internal/budget"
	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/checkpoint"
	"github.com/basket/taskpilot/internal/compactor"
	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/basket/taskpilot/internal/rootcause"
)

// runState is the run-context object: everything one run mutates lives
// here, never in package globals.
type runState struct {
	id       string
	plan     *plan.Plan
	mem      *memory.Store
	budget   *budget.State
	policy   *budget.Policy
	ckpt     *checkpoint.Manager
	comp     *compactor.Compactor
	findings *memory.FindingsGate
	emitter  *bus.Emitter
	logger   *slog.Logger

	roadmap        string
	recite         bool
	recitedAt      int
	lastCheckpoint string
	reason         budget.Reason
	category       ErrorCategory
	tasks          map[string]*taskState
}

// taskState tracks failures of one task since its last REFLECT.
type taskState struct {
	signals []rootcause.Signal
	strikes map[string]int
	// applied is the strategy under trial; a success confirms it.
	applied *appliedStrategy
}

type appliedStrategy struct {
	signature string
	strategy  string
}

func (rs *runState) task(id string) *taskState {
	ts, ok := rs.tasks[id]
	if !ok {
		ts = &taskState{strikes: make(map[string]int)}
		rs.tasks[id] = ts
	}
	return ts
}

// resetStrikes forgets the failures that led to a REFLECT.
func (ts *taskState) resetStrikes() {
	ts.signals = nil
	ts.strikes = make(map[string]int)
}

// selectTask picks the first task, in insertion order, that is either
// eligible or errored and still retryable.
func (rs *runState) selectTask() (plan.Task, bool) {
	eligible := make(map[string]bool)
	for _, t := range rs.plan.NextEligible() {
		eligible[t.ID] = true
	}
	for _, t := range rs.plan.Tasks() {
		if eligible[t.ID] || (t.Status == plan.StatusError && !t.Meta.Permanent) {
			return t, true
		}
	}
	return plan.Task{}, false
}

func (rs *runState) permanentFailures() []string {
	var out []string
	for _, t := range rs.plan.Tasks() {
		if t.Status == plan.StatusError && t.Meta.Permanent {
			out = append(out, t.ID)
		}
	}
	return out
}

// note appends to the progress section. Write errors are logged; the run
// keeps going on its in-process copy.
func (rs *runState) note(kind, taskID, content string) {
	if _, err := rs.mem.Append(memory.SectionProgress, memory.Entry{Kind: kind, TaskID: taskID, Content: content}); err != nil {
		rs.logger.Warn("write progress failed", "task_id", taskID, "kind", kind, "error", err)
	}
}
