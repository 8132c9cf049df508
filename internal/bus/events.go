package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Run event topics. These are the stream exposed to UI collaborators.
const (
	TopicRunStarted      = "run.started"
	TopicRunFinished     = "run.finished"
	TopicPlanCreated     = "plan.created"
	TopicPlanRevised     = "plan.revised"
	TopicTaskStart       = "task.start"
	TopicTaskComplete    = "task.complete"
	TopicTaskFailed      = "task.failed"
	TopicTaskSkipped     = "task.skipped"
	TopicTaskReflect     = "task.reflect"
	TopicCheckpointSaved = "checkpoint.saved"
	TopicCheckpointRest  = "checkpoint.restored"
	TopicBudgetWarning   = "budget.warning"
	TopicMemoryCompacted = "memory.compacted"
)

// Store-level notifications, published outside any run's sequence.
const (
	TopicRunRecorded  = "store.run_recorded"
	TopicEventsPurged = "store.events_purged"
	TopicConfigReload = "config.reloaded"
)

// RunStarted is the payload of run.started.
type RunStarted struct {
	Goal     string `json:"goal"`
	PlanPath string `json:"plan_path,omitempty"`
	Resumed  bool   `json:"resumed,omitempty"`
}

// PlanCreated is the payload of plan.created.
type PlanCreated struct {
	PlanID    string `json:"plan_id"`
	Goal      string `json:"goal"`
	Version   int    `json:"version"`
	TaskCount int    `json:"task_count"`
}

// PlanRevised is the payload of plan.revised.
type PlanRevised struct {
	PlanID  string `json:"plan_id"`
	Version int    `json:"version"`
	Reason  string `json:"reason"`
}

// TaskStart is the payload of task.start.
type TaskStart struct {
	TaskID  string `json:"task_id"`
	Attempt int    `json:"attempt"`
}

// TaskComplete is the payload of task.complete.
type TaskComplete struct {
	TaskID     string `json:"task_id"`
	Output     string `json:"output"`
	DurationMs int64  `json:"duration_ms"`
}

// TaskFailed is the payload of task.failed.
type TaskFailed struct {
	TaskID       string `json:"task_id"`
	ErrorMessage string `json:"error_message"`
	RetryCount   int    `json:"retry_count"`
	Permanent    bool   `json:"permanent,omitempty"`
}

// TaskSkipped is the payload of task.skipped.
type TaskSkipped struct {
	TaskID string `json:"task_id"`
	Reason string `json:"reason"`
}

// TaskReflect is the payload of task.reflect.
type TaskReflect struct {
	TaskID    string   `json:"task_id"`
	Signature string   `json:"signature"`
	Category  string   `json:"category"`
	Strategy  string   `json:"strategy,omitempty"`
	Evidence  []string `json:"evidence,omitempty"`
}

// CheckpointSaved is the payload of checkpoint.saved and checkpoint.restored.
type CheckpointSaved struct {
	CheckpointID string `json:"checkpoint_id"`
	Iteration    int    `json:"iteration"`
}

// BudgetWarning is the payload of budget.warning.
type BudgetWarning struct {
	UsageRatio float64 `json:"usage_ratio"`
	Kind       string  `json:"kind"`
}

// MemoryCompacted is the payload of memory.compacted.
type MemoryCompacted struct {
	UsageBefore      float64 `json:"usage_before"`
	UsageAfter       float64 `json:"usage_after"`
	TurnsDigested    int     `json:"turns_digested"`
	FindingsArchived int     `json:"findings_archived"`
	OutputsCollapsed int     `json:"outputs_collapsed"`
}

// RunFinished is the payload of run.finished.
type RunFinished struct {
	Status       string `json:"status"`
	Category     string `json:"category,omitempty"`
	CheckpointID string `json:"checkpoint_id,omitempty"`
}

// RunEvent is the envelope published for every run-level transition.
// Seq is strictly increasing per run and mirrors publish order.
type RunEvent struct {
	Seq           int64     `json:"seq"`
	RunID         string    `json:"run_id"`
	Type          string    `json:"type"`
	TaskID        string    `json:"task_id,omitempty"`
	Iteration     int       `json:"iteration"`
	Discriminator string    `json:"discriminator,omitempty"`
	Data          any       `json:"data,omitempty"`
	At            time.Time `json:"at"`
}

// DedupKey identifies a transition for at-least-once consumers:
// task id + transition type + iteration (+ discriminator for task-less events).
func (e RunEvent) DedupKey() string {
	return fmt.Sprintf("%s|%s|%d|%s", e.TaskID, e.Type, e.Iteration, e.Discriminator)
}

// Deduper drops events whose DedupKey was already seen.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper returns an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// First reports whether ev is seen for the first time.
func (d *Deduper) First(ev RunEvent) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := ev.DedupKey()
	if _, ok := d.seen[key]; ok {
		return false
	}
	d.seen[key] = struct{}{}
	return true
}

// Sink persists run events so late or lagging consumers can replay them.
type Sink interface {
	AppendEvent(ctx context.Context, ev RunEvent) error
}

// Emitter stamps events for one run and hands them to the sink and the bus.
// A nil *Emitter is valid and discards everything.
type Emitter struct {
	bus    *Bus
	sink   Sink
	runID  string
	logger *slog.Logger

	mu        sync.Mutex
	seq       int64
	iteration int
}

// NewEmitter creates an Emitter for runID. bus and sink may be nil.
func NewEmitter(b *Bus, sink Sink, runID string, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{bus: b, sink: sink, runID: runID, logger: logger}
}

// RunID returns the run the emitter stamps events with.
func (e *Emitter) RunID() string {
	if e == nil {
		return ""
	}
	return e.runID
}

// SetIteration updates the iteration stamped on subsequent events.
func (e *Emitter) SetIteration(n int) {
	if e == nil {
		return
	}
	e.mu.Lock()
	e.iteration = n
	e.mu.Unlock()
}

// ResumeFrom continues sequence numbering after a restart.
func (e *Emitter) ResumeFrom(seq int64) {
	if e == nil {
		return
	}
	e.mu.Lock()
	if seq > e.seq {
		e.seq = seq
	}
	e.mu.Unlock()
}

// Emit publishes a task-scoped (or run-scoped when taskID is empty) event.
func (e *Emitter) Emit(topic, taskID string, data any) {
	e.EmitKeyed(topic, taskID, "", data)
}

// EmitKeyed is Emit with a discriminator that keeps task-less events of the
// same type in one iteration distinguishable.
func (e *Emitter) EmitKeyed(topic, taskID, discriminator string, data any) {
	if e == nil {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	ev := RunEvent{
		Seq:           e.seq,
		RunID:         e.runID,
		Type:          topic,
		TaskID:        taskID,
		Iteration:     e.iteration,
		Discriminator: discriminator,
		Data:          data,
		At:            time.Now().UTC(),
	}
	if e.sink != nil {
		if err := e.sink.AppendEvent(context.Background(), ev); err != nil {
			e.logger.Warn("persist run event failed", "run_id", e.runID, "type", topic, "seq", ev.Seq, "error", err)
		}
	}
	if e.bus != nil {
		e.bus.Publish(topic, ev)
	}
}
