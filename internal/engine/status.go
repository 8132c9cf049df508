package engine

import (
	"context"
	"errors"
	"time"

	"github.com/basket/taskpilot/internal/checkpoint"
	"github.com/basket/taskpilot/internal/plan"
)

// Phase is the engine state machine position.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseInit       Phase = "init"
	PhaseSelect     Phase = "select"
	PhaseDispatch   Phase = "dispatch"
	PhaseApply      Phase = "apply"
	PhaseReflect    Phase = "reflect"
	PhaseCheckpoint Phase = "checkpoint"
	PhaseRollback   Phase = "rollback"
	PhaseDone       Phase = "done"
	PhaseFailed     Phase = "failed"
)

// Status is a point-in-time view of the engine for UIs.
type Status struct {
	RunID          string
	Goal           string
	Phase          Phase
	CurrentTask    string
	Iteration      int
	MaxIterations  int
	Progress       plan.Progress
	Tasks          []plan.Task
	TokenRatio     float64
	ContextUsage   float64
	SummaryMode    bool
	Elapsed        time.Duration
	LastCheckpoint string
	Category       ErrorCategory
	UpdatedAt      time.Time
}

// Status returns the latest snapshot. Safe for concurrent use.
func (e *Engine) Status() Status {
	e.statusMu.RLock()
	defer e.statusMu.RUnlock()
	s := e.status
	s.Tasks = append([]plan.Task(nil), e.status.Tasks...)
	return s
}

// publishStatus is called from the loop goroutine only.
func (e *Engine) publishStatus(rs *runState, phase Phase, taskID string) {
	now := e.now()
	s := Status{
		RunID:          rs.id,
		Goal:           rs.plan.Goal(),
		Phase:          phase,
		CurrentTask:    taskID,
		Progress:       rs.plan.Progress(),
		Tasks:          rs.plan.Tasks(),
		ContextUsage:   rs.comp.Usage(),
		LastCheckpoint: rs.lastCheckpoint,
		Category:       rs.category,
		UpdatedAt:      now,
	}
	if rs.budget != nil {
		s.Iteration = rs.budget.Iteration
		s.MaxIterations = rs.budget.MaxIterations
		s.TokenRatio = rs.budget.TokenRatio()
		s.SummaryMode = rs.budget.SummaryMode
		s.Elapsed = rs.budget.Elapsed(now)
	}
	e.statusMu.Lock()
	e.status = s
	e.statusMu.Unlock()
}

type rollbackRequest struct {
	reply chan rollbackResult
}

type rollbackResult struct {
	cp  checkpoint.Checkpoint
	err error
}

// RequestRollback restores the run's latest checkpoint. While a run is
// executing the rollback waits for the current phase to settle and is
// performed by the run loop before its next SELECT.
func (e *Engine) RequestRollback(ctx context.Context) (checkpoint.Checkpoint, error) {
	e.mu.Lock()
	rs, done := e.rs, e.done
	e.mu.Unlock()
	if rs == nil {
		return checkpoint.Checkpoint{}, errors.New("engine: no run loaded")
	}

	if e.active.Load() {
		req := rollbackRequest{reply: make(chan rollbackResult, 1)}
		select {
		case e.rollbackCh <- req:
			select {
			case r := <-req.reply:
				return r.cp, r.err
			case <-ctx.Done():
				return checkpoint.Checkpoint{}, ctx.Err()
			}
		case <-done:
			// The run ended; fall through and roll back the final state.
		case <-ctx.Done():
			return checkpoint.Checkpoint{}, ctx.Err()
		}
	}
	return e.rollback(ctx, rs, "requested")
}
