package engine

import (
	"errors"
	"fmt"

	"github.com/basket/taskpilot/internal/plan"
)

var (
	// ErrPlanStalled means no task is eligible while some are still pending.
	ErrPlanStalled = errors.New("plan stalled")

	// ErrBudgetExhausted means the budget policy stopped the run.
	ErrBudgetExhausted = errors.New("budget exhausted")

	// ErrFatalTool means a tool reported an unrecoverable failure.
	ErrFatalTool = errors.New("fatal tool error")

	// ErrCancelled means the run context was cancelled.
	ErrCancelled = errors.New("cancelled")

	// ErrTaskFailed means a task failed permanently and the plan could not be
	// revised around it.
	ErrTaskFailed = errors.New("task failed permanently")

	// ErrRunActive is returned when Run or Resume is called on an engine
	// that is already executing.
	ErrRunActive = errors.New("engine: run already active")
)

// ErrorCategory is the reason a run terminated FAILED.
type ErrorCategory string

const (
	CategoryInvalidGraph    ErrorCategory = "invalid_graph"
	CategoryPlanStalled     ErrorCategory = "plan_stalled"
	CategoryBudgetExhausted ErrorCategory = "budget_exhausted"
	CategoryFatalTool       ErrorCategory = "fatal_tool_error"
	CategoryCancelled       ErrorCategory = "cancelled"
	CategoryTaskFailed      ErrorCategory = "task_failed"
)

// TaskExecutionError is one failed attempt of a task. Retryable attempts are
// absorbed by the engine and drive REFLECT; a fatal one ends the run wrapped
// in ErrFatalTool.
type TaskExecutionError struct {
	TaskID    string
	Signature string
	Attempt   int
	Err       error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %s attempt %d (%s): %v", e.TaskID, e.Attempt, e.Signature, e.Err)
}

func (e *TaskExecutionError) Unwrap() error { return e.Err }

// RunError is returned by Run and Resume when the run ends FAILED. It
// carries the id of the last checkpoint so callers can resume or inspect.
type RunError struct {
	Category     ErrorCategory
	CheckpointID string
	Err          error
}

func (e *RunError) Error() string {
	if e.CheckpointID == "" {
		return fmt.Sprintf("run failed (%s): %v", e.Category, e.Err)
	}
	return fmt.Sprintf("run failed (%s, checkpoint %s): %v", e.Category, e.CheckpointID, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }

// categoryOf maps a terminal error to its category.
func categoryOf(err error) ErrorCategory {
	switch {
	case errors.Is(err, plan.ErrInvalidGraph):
		return CategoryInvalidGraph
	case errors.Is(err, ErrPlanStalled):
		return CategoryPlanStalled
	case errors.Is(err, ErrBudgetExhausted):
		return CategoryBudgetExhausted
	case errors.Is(err, ErrFatalTool):
		return CategoryFatalTool
	case errors.Is(err, ErrCancelled):
		return CategoryCancelled
	default:
		return CategoryTaskFailed
	}
}
