package engine

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/basket/taskpilot/internal/rootcause"
)

// afterFailure absorbs a failed attempt. A proven fix for the signature is
// applied at once; otherwise the third repeat of one signature triggers
// REFLECT.
func (e *Engine) afterFailure(ctx context.Context, rs *runState, sig rootcause.Signal) error {
	t, ok := rs.plan.Task(sig.TaskID)
	if !ok {
		return fmt.Errorf("%w: %s", plan.ErrUnknownTask, sig.TaskID)
	}
	ts := rs.task(t.ID)
	ts.signals = append(ts.signals, sig)
	key := sig.Signature()
	ts.strikes[key]++
	if _, err := e.patterns.RecordPattern(ctx, key, sig.Category); err != nil {
		rs.logger.Warn("record failure pattern failed", "signature", key, "error", err)
	}

	if ts.strikes[key] == 1 {
		strategy, known, err := e.patterns.GetSolution(ctx, key)
		if err != nil {
			rs.logger.Warn("lookup known solution failed", "signature", key, "error", err)
		}
		if known && !slices.Contains(t.Strategy, strategy) {
			return e.applyStrategy(ctx, rs, t, ts, rootcause.RootCause{
				Category:           sig.Category,
				Signature:          key,
				Evidence:           []string{"known solution for " + key},
				ProposedStrategies: []string{strategy},
				Known:              true,
			}, strategy)
		}
	}

	if t.Meta.Attempts >= e.cfg.MaxAttemptsPerTask {
		rs.note(memory.KindNote, t.ID, fmt.Sprintf("attempt limit %d reached", e.cfg.MaxAttemptsPerTask))
		return e.giveUp(ctx, rs, t, e.analyzer.Analyze(ctx, ts.signals))
	}
	if ts.strikes[key] < e.cfg.StrikeThreshold {
		return nil
	}
	return e.reflect(ctx, rs, t, ts)
}

// reflect pauses forward progress, attributes the repeated failure to a
// root cause and either rewrites the task's strategy or gives up on it.
func (e *Engine) reflect(ctx context.Context, rs *runState, t plan.Task, ts *taskState) error {
	e.saveCheckpoint(ctx, rs, "pre_reflect")
	e.publishStatus(rs, PhaseReflect, t.ID)

	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.reflect",
		otel.AttrRunID.String(rs.id),
		otel.AttrTaskID.String(t.ID))
	defer span.End()

	rc := e.analyzer.Analyze(ctx, ts.signals)
	span.SetAttributes(otel.AttrSignature.String(rc.Signature), otel.AttrCategory.String(string(rc.Category)))
	e.metrics.Reflections.Add(ctx, 1)
	rs.budget.Reflections[t.ID]++
	n := rs.budget.Reflections[t.ID]

	strategy := nextStrategy(rc.ProposedStrategies, t.Strategy)
	rs.logger.Info("reflect",
		"task_id", t.ID,
		"reflection", n,
		"signature", rc.Signature,
		"category", rc.Category,
		"strategy", strategy,
		"known", rc.Known)

	if n > e.cfg.MaxReflections || strategy == "" || strategy == rootcause.StrategyEscalate {
		rs.note(memory.KindReflect, t.ID, fmt.Sprintf("REFLECT %d on %s (%s): no strategy left; evidence: %s",
			n, rc.Signature, rc.Category, strings.Join(rc.Evidence, "; ")))
		rs.emitter.Emit(bus.TopicTaskReflect, t.ID, bus.TaskReflect{
			TaskID:    t.ID,
			Signature: rc.Signature,
			Category:  string(rc.Category),
			Evidence:  rc.Evidence,
		})
		ts.resetStrikes()
		return e.giveUp(ctx, rs, t, rc)
	}
	return e.applyStrategy(ctx, rs, t, ts, rc, strategy)
}

// applyStrategy rewrites the task's strategy hints for its next attempt.
func (e *Engine) applyStrategy(ctx context.Context, rs *runState, t plan.Task, ts *taskState, rc rootcause.RootCause, strategy string) error {
	if err := rs.plan.SetStrategy(t.ID, append(slices.Clone(t.Strategy), strategy)); err != nil {
		return fmt.Errorf("set strategy: %w", err)
	}
	ts.applied = &appliedStrategy{signature: rc.Signature, strategy: strategy}
	ts.resetStrikes()

	source := "analysis"
	if rc.Known {
		source = "known solution"
	}
	rs.note(memory.KindReflect, t.ID, fmt.Sprintf("REFLECT on %s (%s): retry with %s (%s); evidence: %s",
		rc.Signature, rc.Category, strategy, source, strings.Join(rc.Evidence, "; ")))
	rs.emitter.Emit(bus.TopicTaskReflect, t.ID, bus.TaskReflect{
		TaskID:    t.ID,
		Signature: rc.Signature,
		Category:  string(rc.Category),
		Strategy:  strategy,
		Evidence:  rc.Evidence,
	})
	rs.recite = true
	return nil
}

// giveUp marks t permanently failed, then asks the reviser for a new plan.
// Without a revision the task's dependents are skipped and, under the skip
// policy, the task itself too.
func (e *Engine) giveUp(ctx context.Context, rs *runState, t plan.Task, rc rootcause.RootCause) error {
	if err := rs.plan.MarkPermanent(t.ID); err != nil {
		return err
	}
	rs.note(memory.KindNote, t.ID, fmt.Sprintf("task %s failed permanently (%s)", t.ID, rc.Category))
	rs.recite = true

	if e.reviser != nil {
		current, _ := rs.plan.Task(t.ID)
		rev, ok, err := e.reviser.Revise(ctx, RevisionRequest{
			Goal:   rs.plan.Goal(),
			Tasks:  rs.plan.Tasks(),
			Failed: current,
			Cause:  rc,
		})
		switch {
		case err != nil:
			rs.logger.Warn("plan revision failed", "task_id", t.ID, "error", err)
		case ok:
			if err := rs.plan.Revise(rev.Reason, rev.Tasks); err != nil {
				rs.logger.Warn("plan revision rejected", "task_id", t.ID, "error", err)
				break
			}
			delete(rs.tasks, t.ID)
			delete(rs.budget.Reflections, t.ID)
			rs.note(memory.KindNote, "", fmt.Sprintf("plan revised to v%d: %s", rs.plan.Version(), rev.Reason))
			return nil
		}
	}

	reason := fmt.Sprintf("dependency %s failed", t.ID)
	skipped, err := rs.plan.CascadeSkip(t.ID, reason)
	if err != nil {
		return err
	}
	if len(skipped) > 0 {
		rs.note(memory.KindNote, t.ID, fmt.Sprintf("skipped dependents of %s: %s", t.ID, strings.Join(skipped, ", ")))
	}
	if e.cfg.OnTaskFailure == OnFailureSkip {
		return rs.plan.MarkSkipped(t.ID, fmt.Sprintf("failed permanently (%s)", rc.Category))
	}
	return nil
}

// nextStrategy returns the first proposal not yet tried on the task.
func nextStrategy(proposed, tried []string) string {
	for _, s := range proposed {
		if !slices.Contains(tried, s) {
			return s
		}
	}
	return ""
}
