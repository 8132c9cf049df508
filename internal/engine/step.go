package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/basket/taskpilot/internal/rootcause"
	"github.com/basket/taskpilot/internal/shared"
	"github.com/basket/taskpilot/internal/tools"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// oracleTool names the failure source when the oracle itself errs.
const oracleTool = "oracle"

// stepOutcome is what APPLY hands back to the loop.
type stepOutcome struct {
	signal    *rootcause.Signal
	err       *TaskExecutionError
	fatal     bool
	cancelled bool
}

// step runs DISPATCH and APPLY for one task while holding the phase gate.
func (e *Engine) step(ctx context.Context, rs *runState, task plan.Task) stepOutcome {
	e.gate.RLock()
	defer e.gate.RUnlock()

	ctx = shared.WithTaskID(ctx, task.ID)
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.dispatch",
		otel.AttrRunID.String(rs.id),
		otel.AttrTaskID.String(task.ID),
		otel.AttrIteration.Int(rs.budget.Iteration))
	defer span.End()

	if err := rs.plan.MarkRunning(task.ID); err != nil {
		rs.logger.Error("mark running failed", "task_id", task.ID, "error", err)
		return stepOutcome{}
	}
	task, _ = rs.plan.Task(task.ID)
	e.publishStatus(rs, PhaseDispatch, task.ID)
	started := e.now()

	var (
		act Action
		res tools.Result
		err error
	)
	if e.explores(task) {
		act, res, err = e.explore(ctx, rs, task)
	} else {
		req := e.actionRequest(ctx, rs, rs.mem, task, -1)
		rs.mem.Conversation().Add("user", task.ID, task.Title+"\n"+task.Description)
		act, res, err = e.dispatch(ctx, req)
	}

	e.publishStatus(rs, PhaseApply, task.ID)
	rs.budget.AddTokens(act.Tokens)
	out := e.apply(ctx, rs, task, act, res, err)
	e.metrics.TaskDuration.Record(ctx, e.now().Sub(started).Seconds(),
		metric.WithAttributes(attribute.Bool("success", out.signal == nil && !out.cancelled)))
	if out.signal != nil {
		span.SetAttributes(otel.AttrSignature.String(out.signal.Signature()))
	}
	return out
}

func (e *Engine) actionRequest(ctx context.Context, rs *runState, mem *memory.Store, task plan.Task, candidate int) ActionRequest {
	return ActionRequest{
		RunID:       rs.id,
		Iteration:   rs.budget.Iteration,
		Task:        task,
		Roadmap:     rs.roadmap,
		Memory:      memoryContext(mem),
		Patterns:    e.relevantPatterns(ctx, rs, task),
		SummaryMode: rs.budget.SummaryMode,
		Candidate:   candidate,
	}
}

// memoryContext renders findings and progress for the oracle. The compactor
// keeps both under the memory ceiling.
func memoryContext(mem *memory.Store) string {
	var sb strings.Builder
	sb.WriteString("## Findings\n")
	sb.WriteString(mem.Text(memory.SectionFindings))
	sb.WriteString("\n## Progress\n")
	sb.WriteString(mem.Text(memory.SectionProgress))
	return sb.String()
}

// relevantPatterns returns known failure patterns for the tools the task may use.
func (e *Engine) relevantPatterns(ctx context.Context, rs *runState, task plan.Task) []rootcause.Pattern {
	all, err := e.patterns.List(ctx)
	if err != nil {
		rs.logger.Warn("list failure patterns failed", "error", err)
		return nil
	}
	var out []rootcause.Pattern
	for _, p := range all {
		if slices.Contains(task.ToolHints, p.Tool) || p.Tool == oracleTool {
			out = append(out, p)
		}
	}
	return out
}

// dispatch asks the oracle for an action and carries it out.
func (e *Engine) dispatch(ctx context.Context, req ActionRequest) (Action, tools.Result, error) {
	act, err := e.oracle.Propose(ctx, req)
	if err != nil {
		return act, tools.Result{}, err
	}
	switch act.Type {
	case ActionAnswer:
		return act, tools.Result{Status: tools.StatusSuccess, Output: act.Answer}, nil
	case ActionToolCall:
		return act, e.invoke(ctx, act), nil
	default:
		return act, tools.Result{}, fmt.Errorf("invalid input: oracle returned unknown action type %q", act.Type)
	}
}

func (e *Engine) invoke(ctx context.Context, act Action) tools.Result {
	if e.tools == nil {
		return tools.Result{Status: tools.StatusError, ErrorDetail: fmt.Sprintf("%v: %s", tools.ErrUnknownTool, act.Tool)}
	}
	ctx, span := otel.StartClientSpan(ctx, e.tracer, "tool.invoke", otel.AttrToolName.String(act.Tool))
	defer span.End()
	res := e.tools.Invoke(ctx, act.Tool, act.Args)
	attrs := metric.WithAttributes(attribute.String("tool", act.Tool))
	e.metrics.ToolCallDuration.Record(ctx, float64(res.DurationMs)/1000, attrs)
	if !res.OK() {
		e.metrics.ToolCallErrors.Add(ctx, 1, attrs)
	}
	return res
}

// apply records the outcome of an attempt. Failures are written verbatim to
// progress before the task is marked error.
func (e *Engine) apply(ctx context.Context, rs *runState, task plan.Task, act Action, res tools.Result, dispatchErr error) stepOutcome {
	tool := act.Tool
	if act.Type != ActionToolCall || tool == "" {
		tool = oracleTool
	}

	if dispatchErr != nil {
		if ctx.Err() != nil || errors.Is(dispatchErr, context.Canceled) {
			return stepOutcome{cancelled: true}
		}
		return e.fail(rs, task, oracleTool, dispatchErr.Error(), false)
	}
	if act.Type == ActionToolCall {
		rs.note(memory.KindAction, task.ID, fmt.Sprintf("%s %s", act.Tool, encodeArgs(act.Args)))
	}
	if !res.OK() {
		if ctx.Err() != nil {
			return stepOutcome{cancelled: true}
		}
		return e.fail(rs, task, tool, res.ErrorDetail, res.Fatal)
	}
	if err := checkAcceptance(task.Acceptance, res.Output); err != nil {
		return e.fail(rs, task, tool, err.Error(), false)
	}

	if _, err := rs.mem.Append(memory.SectionProgress, memory.Entry{
		Kind:    memory.KindResult,
		TaskID:  task.ID,
		Content: res.Output,
		Source:  tool,
	}); err != nil {
		rs.logger.Warn("write result failed", "task_id", task.ID, "error", err)
	}
	rs.mem.Conversation().Add("assistant", task.ID, res.Output)
	if act.Type == ActionToolCall && e.tools != nil && e.tools.IsSideEffectFree(tool) {
		if _, err := rs.findings.RecordLookup(task.ID, tool, res.Output); err != nil {
			rs.logger.Warn("record finding failed", "task_id", task.ID, "error", err)
		}
	}
	if err := rs.plan.MarkSuccess(task.ID, res.Output); err != nil {
		rs.logger.Error("mark success failed", "task_id", task.ID, "error", err)
		return stepOutcome{}
	}

	ts := rs.task(task.ID)
	if ts.applied != nil {
		if err := e.patterns.RecordSuccess(ctx, ts.applied.signature, ts.applied.strategy); err != nil {
			rs.logger.Warn("record strategy success failed", "signature", ts.applied.signature, "error", err)
		} else {
			rs.logger.Info("strategy confirmed",
				"task_id", task.ID,
				"signature", ts.applied.signature,
				"strategy", ts.applied.strategy)
		}
	}
	delete(rs.tasks, task.ID)
	return stepOutcome{}
}

// fail keeps the failure, marks the task error and returns its signal along
// with the attempt's error.
func (e *Engine) fail(rs *runState, task plan.Task, tool, detail string, fatal bool) stepOutcome {
	if _, err := rs.mem.Append(memory.SectionProgress, memory.Entry{
		Kind:    memory.KindError,
		TaskID:  task.ID,
		Content: detail,
		Source:  tool,
	}); err != nil {
		rs.logger.Error("write failure entry failed", "task_id", task.ID, "error", err)
	}
	var opts []plan.ErrorOption
	if fatal {
		opts = append(opts, plan.Permanent())
	}
	if err := rs.plan.MarkError(task.ID, detail, opts...); err != nil {
		rs.logger.Error("mark error failed", "task_id", task.ID, "error", err)
	}
	sig := rootcause.NewSignal(task.ID, tool, detail, task.Meta.Attempts, e.now())
	execErr := &TaskExecutionError{
		TaskID:    task.ID,
		Signature: sig.Signature(),
		Attempt:   sig.Attempt,
		Err:       errors.New(detail),
	}
	rs.logger.Info("task attempt failed",
		"task_id", task.ID,
		"attempt", execErr.Attempt,
		"signature", execErr.Signature,
		"fatal", fatal,
		"error", execErr)
	return stepOutcome{signal: &sig, err: execErr, fatal: fatal}
}

func encodeArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	safe := make(map[string]any, len(args))
	for k, v := range args {
		if shared.IsSensitiveKey(k) {
			v = "[REDACTED]"
		}
		safe[k] = v
	}
	data, err := json.Marshal(safe)
	if err != nil {
		return "{unencodable}"
	}
	return shared.Redact(string(data))
}
