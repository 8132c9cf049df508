package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/basket/taskpilot/internal/rootcause"
)

// ActionType tags the variant of an Action.
type ActionType string

const (
	ActionToolCall ActionType = "tool_call"
	ActionAnswer   ActionType = "answer"
)

// Action is the oracle's decision for one DISPATCH.
type Action struct {
	Type   ActionType     `json:"type"`
	Tool   string         `json:"tool,omitempty"`
	Args   map[string]any `json:"args,omitempty"`
	Answer string         `json:"answer,omitempty"`
	// Confidence ranks exploration candidates; higher wins.
	Confidence float64 `json:"confidence"`
	// Tokens is what producing the action cost against the run's token budget.
	Tokens int `json:"tokens"`
}

// ActionRequest is everything the oracle sees for one task attempt.
type ActionRequest struct {
	RunID       string
	Iteration   int
	Task        plan.Task
	Roadmap     string
	Memory      string
	Patterns    []rootcause.Pattern
	SummaryMode bool
	// Candidate is the exploration branch index, or -1 for a normal dispatch.
	Candidate int
}

// Oracle decides the next action for a task. Implementations may call a
// language model; the engine treats them as opaque.
type Oracle interface {
	Propose(ctx context.Context, req ActionRequest) (Action, error)
}

// RevisionRequest asks for a plan revision around a permanently failed task.
type RevisionRequest struct {
	Goal   string
	Tasks  []plan.Task
	Failed plan.Task
	Cause  rootcause.RootCause
}

// Revision is a replacement task list and the reason recorded with it.
type Revision struct {
	Reason string
	Tasks  []plan.Task
}

// Reviser proposes plan revisions. ok=false declines.
type Reviser interface {
	Revise(ctx context.Context, req RevisionRequest) (rev Revision, ok bool, err error)
}

// OracleFunc adapts a function to Oracle.
type OracleFunc func(ctx context.Context, req ActionRequest) (Action, error)

func (f OracleFunc) Propose(ctx context.Context, req ActionRequest) (Action, error) {
	return f(ctx, req)
}

const (
	defaultBackoff   = 500 * time.Millisecond
	maxBackoff       = 8 * time.Second
	baseTimeoutSec   = 30
	narrowLimit      = 10
	narrowMaxChars   = 2000
	summaryModeChars = 1000
)

// HintOracle is the deterministic oracle the CLI runs with. A task with tool
// hints becomes a call of its first hint with the task's args; otherwise the
// task's scripted answer is returned. Strategy hints written by REFLECT
// reshape the call:
//
//	increase_timeout  doubles timeout_sec
//	backoff           waits before proposing, growing with each retry
//	narrow_scope      caps limit and max_chars
//	fix_input         trims string arguments
//	switch_tool       moves to the next tool hint
type HintOracle struct {
	// Backoff is the base delay of the backoff strategy (default 500ms).
	Backoff time.Duration
}

func (o HintOracle) Propose(ctx context.Context, req ActionRequest) (Action, error) {
	t := req.Task
	tokens := memory.EstimateTokens(req.Roadmap) + memory.EstimateTokens(req.Memory) + memory.EstimateTokens(t.Description)

	if len(t.ToolHints) == 0 {
		answer := t.Answer
		if answer == "" {
			answer = t.Description
		}
		if answer == "" {
			return Action{}, fmt.Errorf("invalid input: task %s has neither tool hints nor an answer", t.ID)
		}
		return Action{Type: ActionAnswer, Answer: answer, Confidence: 1, Tokens: tokens + memory.EstimateTokens(answer)}, nil
	}

	idx := 0
	if req.Candidate > 0 {
		idx = req.Candidate
	}
	if slices.Contains(t.Strategy, rootcause.StrategySwitchTool) {
		idx++
	}
	tool := t.ToolHints[idx%len(t.ToolHints)]

	args := maps.Clone(t.Args)
	if args == nil {
		args = make(map[string]any)
	}
	for _, s := range t.Strategy {
		switch s {
		case rootcause.StrategyIncreaseTimeout:
			sec := numArg(args, "timeout_sec")
			if sec <= 0 {
				sec = baseTimeoutSec
			}
			args["timeout_sec"] = sec * 2
		case rootcause.StrategyNarrowScope:
			args["limit"] = narrowLimit
			args["max_chars"] = narrowMaxChars
		case rootcause.StrategyFixInput:
			for k, v := range args {
				if str, ok := v.(string); ok {
					args[k] = strings.TrimSpace(str)
				}
			}
		case rootcause.StrategyBackoff:
			if err := o.wait(ctx, t.RetryCount()); err != nil {
				return Action{}, err
			}
		}
	}
	if req.SummaryMode {
		if n := numArg(args, "max_chars"); n <= 0 || n > summaryModeChars {
			args["max_chars"] = summaryModeChars
		}
	}

	return Action{
		Type:       ActionToolCall,
		Tool:       tool,
		Args:       args,
		Confidence: 1 / float64(idx+1),
		Tokens:     tokens,
	}, nil
}

func (o HintOracle) wait(ctx context.Context, retry int) error {
	d := o.Backoff
	if d <= 0 {
		d = defaultBackoff
	}
	d <<= min(retry, 4)
	d = min(d, maxBackoff)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func numArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case uint64:
		return int(v)
	}
	return 0
}
