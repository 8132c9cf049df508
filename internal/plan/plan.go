// Package plan implements the versioned task graph a run executes.
//
// A Plan is a DAG of tasks. Only the Mark* methods and Revise mutate it, and
// every mutation is serialized by the plan's mutex and reported through the
// configured Emitter in the order it happened.
package plan

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/basket/taskpilot/internal/bus"
	"github.com/google/uuid"
)

// ErrInvalidGraph is returned for malformed plans: duplicate or empty ids,
// unknown dependencies, self-loops and cycles.
var ErrInvalidGraph = errors.New("invalid graph")

// ErrUnknownTask is returned when a mutator names a task the plan lacks.
var ErrUnknownTask = errors.New("unknown task")

// ErrInvalidTransition is returned for a state change the task state machine forbids.
var ErrInvalidTransition = errors.New("invalid transition")

// GraphError describes why a task list was rejected.
type GraphError struct {
	Reason string
	TaskID string
}

func (e *GraphError) Error() string {
	if e.TaskID == "" {
		return fmt.Sprintf("invalid graph: %s", e.Reason)
	}
	return fmt.Sprintf("invalid graph: task %s: %s", e.TaskID, e.Reason)
}

func (e *GraphError) Unwrap() error { return ErrInvalidGraph }

// Emitter receives plan and task transition events.
type Emitter interface {
	Emit(topic, taskID string, data any)
}

type nopEmitter struct{}

func (nopEmitter) Emit(string, string, any) {}

// Option configures a Plan.
type Option func(*Plan)

// WithEmitter routes transition events to e.
func WithEmitter(e Emitter) Option {
	return func(p *Plan) {
		if e != nil {
			p.emitter = e
		}
	}
}

// WithID fixes the plan id instead of generating one.
func WithID(id string) Option {
	return func(p *Plan) {
		if id != "" {
			p.id = id
		}
	}
}

// WithClock overrides time.Now for metadata timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Plan) {
		if now != nil {
			p.now = now
		}
	}
}

// Plan is a versioned DAG of tasks owned by exactly one run.
type Plan struct {
	mu      sync.Mutex
	id      string
	goal    string
	version int
	tasks   []*Task
	index   map[string]*Task

	emitter Emitter
	now     func() time.Time
}

// Create validates tasks and returns version 1 of a new plan. All tasks start pending.
func Create(goal string, tasks []Task, opts ...Option) (*Plan, error) {
	if err := Validate(tasks); err != nil {
		return nil, err
	}
	p := &Plan{
		id:      uuid.NewString(),
		goal:    goal,
		version: 1,
		emitter: nopEmitter{},
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	list := make([]Task, len(tasks))
	for i, t := range tasks {
		c := t.Clone()
		c.Status = StatusPending
		c.Meta = Metadata{}
		list[i] = c
	}
	p.install(list)
	p.emitter.Emit(bus.TopicPlanCreated, "", bus.PlanCreated{
		PlanID:    p.id,
		Goal:      goal,
		Version:   p.version,
		TaskCount: len(list),
	})
	return p, nil
}

func (p *Plan) install(list []Task) {
	p.tasks = make([]*Task, len(list))
	p.index = make(map[string]*Task, len(list))
	for i := range list {
		t := list[i]
		p.tasks[i] = &t
		p.index[t.ID] = &t
	}
}

// Validate checks that tasks form a well-formed DAG.
func Validate(tasks []Task) error {
	if len(tasks) == 0 {
		return &GraphError{Reason: "plan has no tasks"}
	}
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if strings.TrimSpace(t.ID) == "" {
			return &GraphError{Reason: "task has empty id"}
		}
		if seen[t.ID] {
			return &GraphError{Reason: "duplicate task id", TaskID: t.ID}
		}
		seen[t.ID] = true
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if dep == t.ID {
				return &GraphError{Reason: "task depends on itself", TaskID: t.ID}
			}
			if !seen[dep] {
				return &GraphError{Reason: fmt.Sprintf("depends on nonexistent task %s", dep), TaskID: t.ID}
			}
		}
	}
	if _, err := Waves(tasks); err != nil {
		return err
	}
	return nil
}

// Waves groups tasks into topological levels with Kahn's algorithm: level 0
// has no dependencies, level n depends only on earlier levels. Order inside a
// level follows insertion order.
func Waves(tasks []Task) ([][]Task, error) {
	processed := make(map[string]bool, len(tasks))
	var waves [][]Task
	for len(processed) < len(tasks) {
		var wave []Task
		for _, t := range tasks {
			if processed[t.ID] {
				continue
			}
			ready := true
			for _, dep := range t.DependsOn {
				if !processed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			}
		}
		if len(wave) == 0 {
			var stuck []string
			for _, t := range tasks {
				if !processed[t.ID] {
					stuck = append(stuck, t.ID)
				}
			}
			return nil, &GraphError{Reason: fmt.Sprintf("cycle detected among %s", strings.Join(stuck, ", "))}
		}
		for _, t := range wave {
			processed[t.ID] = true
		}
		waves = append(waves, wave)
	}
	return waves, nil
}

// ID returns the plan id, stable across revisions.
func (p *Plan) ID() string { return p.id }

// Goal returns the free-text goal.
func (p *Plan) Goal() string { return p.goal }

// Version returns the current revision number.
func (p *Plan) Version() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// SetEmitter swaps the event destination, used when a restored plan joins a new run.
func (p *Plan) SetEmitter(e Emitter) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e == nil {
		e = nopEmitter{}
	}
	p.emitter = e
}

// Task returns a copy of the task with the given id.
func (p *Plan) Task(id string) (Task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.index[id]
	if !ok {
		return Task{}, false
	}
	return t.Clone(), true
}

// Tasks returns copies of all tasks in insertion order.
func (p *Plan) Tasks() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Task, len(p.tasks))
	for i, t := range p.tasks {
		out[i] = t.Clone()
	}
	return out
}

// NextEligible returns every pending task whose dependencies are all success
// or skipped, in insertion order. It does not mutate the plan.
func (p *Plan) NextEligible() []Task {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Task
	for _, t := range p.tasks {
		if t.Status != StatusPending {
			continue
		}
		if p.depsSatisfied(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

func (p *Plan) depsSatisfied(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := p.index[dep]
		if !ok || !d.Status.Satisfies() {
			return false
		}
	}
	return true
}

// Pending returns the ids of pending tasks in insertion order.
func (p *Plan) Pending() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, t := range p.tasks {
		if t.Status == StatusPending {
			out = append(out, t.ID)
		}
	}
	return out
}

// Progress returns aggregate counters.
func (p *Plan) Progress() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()
	var pr Progress
	pr.Total = len(p.tasks)
	for _, t := range p.tasks {
		switch t.Status {
		case StatusSuccess:
			pr.Completed++
		case StatusError:
			pr.Failed++
		case StatusRunning:
			pr.Running++
		case StatusSkipped:
			pr.Skipped++
		case StatusPending:
			pr.Pending++
		}
	}
	if pr.Total > 0 {
		pr.Percentage = float64(pr.Completed+pr.Skipped) / float64(pr.Total) * 100
	}
	return pr
}

// Done reports whether every task is success or skipped.
func (p *Plan) Done() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.tasks {
		if !t.Status.Satisfies() {
			return false
		}
	}
	return true
}

// dependentsLocked returns the ids of tasks that list id as a direct
// dependency.
func (p *Plan) dependentsLocked(id string) []string {
	var out []string
	for _, t := range p.tasks {
		for _, dep := range t.DependsOn {
			if dep == id {
				out = append(out, t.ID)
				break
			}
		}
	}
	return out
}
