package plan

import (
	"fmt"
	"slices"
	"strings"

	"github.com/basket/taskpilot/internal/bus"
)

// ErrorOption modifies how MarkError records a failure.
type ErrorOption func(*Task)

// Permanent flags the failure as final: the task will not be retried.
func Permanent() ErrorOption {
	return func(t *Task) { t.Meta.Permanent = true }
}

func (p *Plan) transition(id string, to Status) (*Task, error) {
	t, ok := p.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if !canTransition(t.Status, to) {
		return nil, fmt.Errorf("%w: task %s %s -> %s", ErrInvalidTransition, id, t.Status, to)
	}
	t.Status = to
	return t, nil
}

func (p *Plan) finish(t *Task) {
	end := p.now()
	t.Meta.EndedAt = &end
	if t.Meta.StartedAt != nil {
		t.Meta.Duration = end.Sub(*t.Meta.StartedAt)
	}
}

// MarkRunning moves a pending (or retried error) task to running and starts its clock.
func (p *Plan) MarkRunning(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.transition(id, StatusRunning)
	if err != nil {
		return err
	}
	start := p.now()
	t.Meta.StartedAt = &start
	t.Meta.EndedAt = nil
	t.Meta.Duration = 0
	t.Meta.Attempts++
	t.Meta.Permanent = false
	p.emitter.Emit(bus.TopicTaskStart, id, bus.TaskStart{TaskID: id, Attempt: t.Meta.Attempts})
	return nil
}

// MarkSuccess records output and completes the task.
func (p *Plan) MarkSuccess(id, output string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.transition(id, StatusSuccess)
	if err != nil {
		return err
	}
	p.finish(t)
	t.Meta.LastOutput = output
	p.emitter.Emit(bus.TopicTaskComplete, id, bus.TaskComplete{
		TaskID:     id,
		Output:     output,
		DurationMs: t.Meta.Duration.Milliseconds(),
	})
	return nil
}

// MarkError records the raw failure detail on a running task.
func (p *Plan) MarkError(id, detail string, opts ...ErrorOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, err := p.transition(id, StatusError)
	if err != nil {
		return err
	}
	p.finish(t)
	t.Meta.LastError = detail
	for _, opt := range opts {
		opt(t)
	}
	p.emitter.Emit(bus.TopicTaskFailed, id, bus.TaskFailed{
		TaskID:       id,
		ErrorMessage: detail,
		RetryCount:   t.RetryCount(),
		Permanent:    t.Meta.Permanent,
	})
	return nil
}

// MarkPermanent flags an errored task as permanently failed without a new attempt.
func (p *Plan) MarkPermanent(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	if t.Status != StatusError {
		return fmt.Errorf("%w: task %s is %s, not error", ErrInvalidTransition, id, t.Status)
	}
	t.Meta.Permanent = true
	p.emitter.Emit(bus.TopicTaskFailed, id, bus.TaskFailed{
		TaskID:       id,
		ErrorMessage: t.Meta.LastError,
		RetryCount:   t.RetryCount(),
		Permanent:    true,
	})
	return nil
}

// MarkSkipped skips a task. Dependents treat it as satisfied.
func (p *Plan) MarkSkipped(id, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.skipLocked(id, reason)
}

func (p *Plan) skipLocked(id, reason string) error {
	t, err := p.transition(id, StatusSkipped)
	if err != nil {
		return err
	}
	p.finish(t)
	t.Meta.SkipReason = reason
	p.emitter.Emit(bus.TopicTaskSkipped, id, bus.TaskSkipped{TaskID: id, Reason: reason})
	return nil
}

// SetStrategy replaces the strategy hints of a task. Used by REFLECT.
func (p *Plan) SetStrategy(id string, hints []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.index[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	t.Strategy = slices.Clone(hints)
	return nil
}

// CascadeSkip skips every not-yet-finished transitive dependent of id and
// returns their ids in insertion order. A skipped dependent would otherwise
// unblock its own dependents, so the whole downstream cone is skipped.
func (p *Plan) CascadeSkip(id, reason string) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.index[id]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTask, id)
	}
	cone := make(map[string]bool)
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, dep := range p.dependentsLocked(cur) {
			if !cone[dep] {
				cone[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	var skipped []string
	for _, t := range p.tasks {
		if !cone[t.ID] {
			continue
		}
		if t.Status != StatusPending && t.Status != StatusError {
			continue
		}
		if err := p.skipLocked(t.ID, reason); err != nil {
			return skipped, err
		}
		skipped = append(skipped, t.ID)
	}
	return skipped, nil
}

// Revise installs a new version of the plan. Tasks whose ids are reused keep
// their status and execution record; a reused task that had errored goes
// back to pending. Tasks absent from the revision are kept and skipped,
// since tasks are never deleted.
func (p *Plan) Revise(reason string, tasks []Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := make([]Task, 0, len(tasks)+len(p.tasks))
	inNew := make(map[string]bool, len(tasks))
	for _, nt := range tasks {
		c := nt.Clone()
		inNew[c.ID] = true
		if old, ok := p.index[c.ID]; ok {
			c.Status = old.Status
			c.Meta = old.Clone().Meta
			if len(c.Strategy) == 0 {
				c.Strategy = slices.Clone(old.Strategy)
			}
			switch {
			case c.Status == StatusError || c.Status == StatusRunning:
				c.Status = StatusPending
				c.Meta.Permanent = false
			case c.Status == StatusSkipped && !slices.Equal(c.DependsOn, old.DependsOn):
				// Rewired tasks get another chance; completed work is kept.
				c.Status = StatusPending
				c.Meta.SkipReason = ""
			}
		} else {
			c.Status = StatusPending
			c.Meta = Metadata{}
		}
		next = append(next, c)
	}
	var dropped []string
	for _, old := range p.tasks {
		if inNew[old.ID] {
			continue
		}
		c := old.Clone()
		if !c.Status.IsTerminal() {
			dropped = append(dropped, c.ID)
		}
		next = append(next, c)
	}
	if err := Validate(next); err != nil {
		return err
	}

	p.install(next)
	p.version++
	for _, id := range dropped {
		t := p.index[id]
		if t.Status == StatusRunning {
			t.Status = StatusError
		}
		if err := p.skipLocked(id, fmt.Sprintf("dropped in revision %d", p.version)); err != nil {
			return err
		}
	}
	p.emitter.Emit(bus.TopicPlanRevised, "", bus.PlanRevised{PlanID: p.id, Version: p.version, Reason: reason})
	return nil
}

// Roadmap renders the plan as the human-readable markdown mirrored into the
// plan section of working memory.
func (p *Plan) Roadmap() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Goal\n%s\n\n## Plan v%d\n", p.goal, p.version)
	for _, t := range p.tasks {
		mark := " "
		switch t.Status {
		case StatusSuccess:
			mark = "x"
		case StatusSkipped:
			mark = "-"
		case StatusError:
			mark = "!"
		case StatusRunning:
			mark = ">"
		}
		fmt.Fprintf(&sb, "- [%s] %s: %s", mark, t.ID, t.Title)
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(&sb, " (after %s)", strings.Join(t.DependsOn, ", "))
		}
		sb.WriteString("\n")
		if len(t.Strategy) > 0 {
			fmt.Fprintf(&sb, "  strategy: %s\n", strings.Join(t.Strategy, "; "))
		}
	}
	return sb.String()
}
