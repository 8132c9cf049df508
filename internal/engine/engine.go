// Package engine drives a plan to completion: it selects eligible tasks,
// dispatches them through an oracle and the tool executor, applies the
// outcome, reflects on repeated failures and checkpoints the run so it can
// be rolled back or resumed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskpilot/internal/budget"
	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/checkpoint"
	"github.com/basket/taskpilot/internal/compactor"
	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/basket/taskpilot/internal/rootcause"
	"github.com/basket/taskpilot/internal/shared"
	"github.com/basket/taskpilot/internal/tools"
	"go.opentelemetry.io/otel/trace"
)

// Run statuses, matching the values persisted for run records.
const (
	RunStatusDone   = "done"
	RunStatusFailed = "failed"
)

// Task failure policies applied when a task fails permanently and no
// revision is available.
const (
	OnFailureFail = "fail"
	OnFailureSkip = "skip"
)

const maxCandidates = 3

// ExplorationConfig controls parallel exploration.
type ExplorationConfig struct {
	Enabled    bool
	Candidates int // at most 3
}

// Config holds the engine knobs.
type Config struct {
	CheckpointInterval int    // iterations between checkpoints (default 5)
	CheckpointKeep     int    // retained checkpoints per run (default 3)
	RecitationInterval int    // iterations between plan recitations (default 10)
	StrikeThreshold    int    // repeats of one failure signature before REFLECT (default 3)
	MaxReflections     int    // REFLECT phases per task before permanent failure (default 3)
	MaxAttemptsPerTask int    // hard cap on attempts of one task (default 12)
	OnTaskFailure      string // OnFailureFail or OnFailureSkip
	LookupsPerFinding  int    // read-only lookups merged into one finding (default 2)
	Exploration        ExplorationConfig
	Budget             budget.Config
	Compactor          compactor.Config
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		CheckpointInterval: 5,
		CheckpointKeep:     3,
		RecitationInterval: 10,
		StrikeThreshold:    3,
		MaxReflections:     3,
		MaxAttemptsPerTask: 12,
		OnTaskFailure:      OnFailureFail,
		LookupsPerFinding:  2,
		Exploration:        ExplorationConfig{Candidates: maxCandidates},
		Budget:             budget.DefaultConfig(),
		Compactor:          compactor.DefaultConfig(),
	}
}

func (c Config) normalized() Config {
	def := DefaultConfig()
	if c.CheckpointInterval <= 0 {
		c.CheckpointInterval = def.CheckpointInterval
	}
	if c.CheckpointKeep < 1 {
		c.CheckpointKeep = def.CheckpointKeep
	}
	if c.RecitationInterval <= 0 {
		c.RecitationInterval = def.RecitationInterval
	}
	if c.StrikeThreshold <= 0 {
		c.StrikeThreshold = def.StrikeThreshold
	}
	if c.MaxReflections <= 0 {
		c.MaxReflections = def.MaxReflections
	}
	if c.MaxAttemptsPerTask <= 0 {
		c.MaxAttemptsPerTask = def.MaxAttemptsPerTask
	}
	if c.OnTaskFailure != OnFailureSkip {
		c.OnTaskFailure = OnFailureFail
	}
	if c.LookupsPerFinding <= 0 {
		c.LookupsPerFinding = def.LookupsPerFinding
	}
	if c.Exploration.Candidates <= 0 || c.Exploration.Candidates > maxCandidates {
		c.Exploration.Candidates = maxCandidates
	}
	return c
}

// ToolExecutor invokes named tools and knows which are free of side effects.
type ToolExecutor interface {
	tools.Executor
	IsSideEffectFree(name string) bool
}

// Analyzer attributes a set of failure signals to a root cause.
type Analyzer interface {
	Analyze(ctx context.Context, signals []rootcause.Signal) rootcause.RootCause
}

// RunStore records run lifecycle and the event log. *persistence.Store
// implements it.
type RunStore interface {
	bus.Sink
	CreateRun(ctx context.Context, id, goal, planPath string, startedAt time.Time) error
	ReopenRun(ctx context.Context, id string) error
	FinishRun(ctx context.Context, id, status, category, checkpointID string, finishedAt time.Time) error
	LastEventSeq(ctx context.Context, runID string) (int64, error)
}

// Deps are the collaborators of an Engine. Oracle is required.
type Deps struct {
	Oracle      Oracle
	Tools       ToolExecutor
	Reviser     Reviser
	Analyzer    Analyzer
	Patterns    rootcause.PatternStore
	Checkpoints checkpoint.Store
	Runs        RunStore
	Bus         *bus.Bus
	// Memory opens the working memory of a run. Nil keeps memory in process.
	Memory     func(runID string) (*memory.Store, error)
	Summarizer compactor.Summarizer
	Logger     *slog.Logger
	Tracer     trace.Tracer
	Metrics    *otel.Metrics
	Clock      func() time.Time
}

// Result is the final state of a run.
type Result struct {
	RunID        string        `json:"run_id"`
	Status       string        `json:"status"`
	Category     ErrorCategory `json:"category,omitempty"`
	Reason       budget.Reason `json:"reason,omitempty"`
	CheckpointID string        `json:"checkpoint_id,omitempty"`
	Iterations   int           `json:"iterations"`
	Progress     plan.Progress `json:"progress"`
	Tasks        []plan.Task   `json:"tasks"`
}

// Engine executes one run at a time. The plan and working memory of a run
// are owned by the engine's loop goroutine.
type Engine struct {
	cfg        Config
	oracle     Oracle
	tools      ToolExecutor
	reviser    Reviser
	analyzer   Analyzer
	patterns   rootcause.PatternStore
	ckStore    checkpoint.Store
	runs       RunStore
	bus        *bus.Bus
	memFor     func(runID string) (*memory.Store, error)
	summarizer compactor.Summarizer
	logger     *slog.Logger
	tracer     trace.Tracer
	metrics    *otel.Metrics
	now        func() time.Time

	active atomic.Bool
	// gate is held shared by DISPATCH/APPLY and exclusively by checkpoint
	// saves and rollbacks.
	gate       sync.RWMutex
	rollbackCh chan rollbackRequest

	mu   sync.Mutex
	rs   *runState
	done chan struct{}

	statusMu sync.RWMutex
	status   Status
}

// New returns an Engine.
func New(cfg Config, deps Deps) (*Engine, error) {
	if deps.Oracle == nil {
		return nil, errors.New("engine: oracle is required")
	}
	e := &Engine{
		cfg:        cfg.normalized(),
		oracle:     deps.Oracle,
		tools:      deps.Tools,
		reviser:    deps.Reviser,
		analyzer:   deps.Analyzer,
		patterns:   deps.Patterns,
		ckStore:    deps.Checkpoints,
		runs:       deps.Runs,
		bus:        deps.Bus,
		memFor:     deps.Memory,
		summarizer: deps.Summarizer,
		logger:     deps.Logger,
		tracer:     deps.Tracer,
		metrics:    deps.Metrics,
		now:        deps.Clock,
		rollbackCh: make(chan rollbackRequest),
		status:     Status{Phase: PhaseIdle},
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	e.logger = e.logger.With("component", "engine")
	if e.patterns == nil {
		e.patterns = rootcause.NewMemoryStore()
	}
	if e.analyzer == nil {
		e.analyzer = rootcause.NewAnalyzer(e.patterns, e.logger)
	}
	if e.ckStore == nil {
		e.ckStore = checkpoint.NewMemoryStore()
	}
	if e.summarizer == nil {
		e.summarizer = compactor.StaticSummarizer{}
	}
	if e.tracer == nil {
		e.tracer = otel.NoopTracer()
	}
	if e.metrics == nil {
		e.metrics = otel.NoopMetrics()
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// RunOption configures a single Run.
type RunOption func(*runOptions)

type runOptions struct {
	id       string
	planPath string
}

// WithRunID fixes the run id instead of generating one.
func WithRunID(id string) RunOption {
	return func(o *runOptions) {
		if id != "" {
			o.id = id
		}
	}
}

// WithPlanPath records the plan file the run was started from.
func WithPlanPath(path string) RunOption {
	return func(o *runOptions) { o.planPath = path }
}

// Run executes p until it is DONE or FAILED. A FAILED run returns a
// *RunError alongside the result.
func (e *Engine) Run(ctx context.Context, p *plan.Plan, opts ...RunOption) (Result, error) {
	if !e.active.CompareAndSwap(false, true) {
		return Result{}, ErrRunActive
	}
	defer e.active.Store(false)

	o := runOptions{id: shared.NewRunID()}
	for _, opt := range opts {
		opt(&o)
	}
	rs, err := e.prepare(o.id, p)
	if err != nil {
		return Result{}, err
	}
	now := e.now()
	rs.budget = budget.NewState(now, rs.policy.TokenLimit())
	shape := budget.Shape{Goal: p.Goal()}
	for _, t := range p.Tasks() {
		shape.Tasks = append(shape.Tasks, t.Title+" "+t.Description)
		shape.Edges += len(t.DependsOn)
	}
	rs.budget.MaxIterations = rs.policy.Calibrate(shape, 0)

	if e.runs != nil {
		if err := e.runs.CreateRun(ctx, rs.id, p.Goal(), o.planPath, now); err != nil {
			return Result{}, fmt.Errorf("record run: %w", err)
		}
	}
	e.install(rs)

	rs.emitter.Emit(bus.TopicRunStarted, "", bus.RunStarted{Goal: p.Goal(), PlanPath: o.planPath})
	rs.emitter.Emit(bus.TopicPlanCreated, "", bus.PlanCreated{
		PlanID:    p.ID(),
		Goal:      p.Goal(),
		Version:   p.Version(),
		TaskCount: len(p.Tasks()),
	})
	if _, err := rs.mem.Append(memory.SectionPlan, memory.Entry{Kind: memory.KindRoadmap, Content: p.Roadmap()}); err != nil {
		return Result{}, fmt.Errorf("write roadmap: %w", err)
	}
	rs.logger.Info("run started",
		"goal", p.Goal(),
		"tasks", len(p.Tasks()),
		"max_iterations", rs.budget.MaxIterations,
		"token_limit", rs.budget.TokenLimit)
	return e.loop(ctx, rs)
}

// Resume continues runID from its latest checkpoint. Plan, memory and budget
// counters come back as saved; wall-clock time spent before the checkpoint
// still counts against the budget.
func (e *Engine) Resume(ctx context.Context, runID string) (Result, error) {
	if !e.active.CompareAndSwap(false, true) {
		return Result{}, ErrRunActive
	}
	defer e.active.Store(false)

	rs, cp, err := e.load(ctx, runID)
	if err != nil {
		return Result{}, err
	}
	if e.runs != nil {
		if err := e.runs.ReopenRun(ctx, runID); err != nil {
			return Result{}, fmt.Errorf("reopen run: %w", err)
		}
		seq, err := e.runs.LastEventSeq(ctx, runID)
		if err != nil {
			return Result{}, fmt.Errorf("resume events: %w", err)
		}
		rs.emitter.ResumeFrom(seq)
	}
	e.install(rs)

	rs.emitter.Emit(bus.TopicRunStarted, "", bus.RunStarted{Goal: rs.plan.Goal(), Resumed: true})
	rs.logger.Info("run resumed",
		"checkpoint_id", cp.ID,
		"iteration", cp.Iteration,
		"elapsed_before", rs.budget.ElapsedBefore.String())
	return e.loop(ctx, rs)
}

// Load restores runID from its latest checkpoint without executing it. The
// run's working memory files are rewritten to the checkpointed state with
// later failure entries carried forward.
func (e *Engine) Load(ctx context.Context, runID string) (checkpoint.Checkpoint, error) {
	if e.active.Load() {
		return checkpoint.Checkpoint{}, ErrRunActive
	}
	rs, cp, err := e.load(ctx, runID)
	if err != nil {
		return checkpoint.Checkpoint{}, err
	}
	e.install(rs)
	return cp, nil
}

func (e *Engine) load(ctx context.Context, runID string) (*runState, checkpoint.Checkpoint, error) {
	cp, ok, err := e.ckStore.Latest(ctx, runID)
	if err != nil {
		return nil, cp, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return nil, cp, fmt.Errorf("resume run %s: %w", runID, checkpoint.ErrNoCheckpoint)
	}
	p, err := plan.FromSnapshot(cp.Plan)
	if err != nil {
		return nil, cp, err
	}
	rs, err := e.prepare(runID, p)
	if err != nil {
		return nil, cp, err
	}
	if err := restoreKeepingFailures(rs.mem, cp.Memory); err != nil {
		return nil, cp, err
	}
	rs.budget = cp.Budget.Resume(e.now(), cp.CreatedAt)
	rs.policy.SetMaxIterations(rs.budget.MaxIterations)
	rs.budget.MaxIterations = rs.policy.MaxIterations()
	rs.emitter.SetIteration(rs.budget.Iteration)
	rs.lastCheckpoint = cp.ID
	return rs, cp, nil
}

func (e *Engine) prepare(runID string, p *plan.Plan) (*runState, error) {
	logger := e.logger.With("run_id", runID)
	var (
		mem *memory.Store
		err error
	)
	if e.memFor != nil {
		mem, err = e.memFor(runID)
		if err != nil {
			return nil, fmt.Errorf("open working memory: %w", err)
		}
	} else {
		mem = memory.NewStore(memory.WithClock(e.now), memory.WithLogger(logger))
	}

	var sink bus.Sink
	if e.runs != nil {
		sink = e.runs
	}
	emitter := bus.NewEmitter(e.bus, sink, runID, logger)
	p.SetEmitter(emitter)

	return &runState{
		id:       runID,
		plan:     p,
		mem:      mem,
		policy:   budget.NewPolicy(e.cfg.Budget),
		ckpt:     checkpoint.NewManager(e.ckStore, runID, checkpoint.Config{Interval: e.cfg.CheckpointInterval, Keep: e.cfg.CheckpointKeep}, logger),
		comp:     compactor.New(mem, e.cfg.Compactor, e.summarizer, logger),
		findings: memory.NewFindingsGate(mem, e.cfg.LookupsPerFinding),
		emitter:  emitter,
		logger:   logger,
		recite:   true,
		tasks:    make(map[string]*taskState),
	}, nil
}

func (e *Engine) install(rs *runState) {
	e.mu.Lock()
	e.rs = rs
	e.done = make(chan struct{})
	e.mu.Unlock()
	e.publishStatus(rs, PhaseInit, "")
}

// loop is the SELECT → DISPATCH → APPLY cycle.
func (e *Engine) loop(ctx context.Context, rs *runState) (Result, error) {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	defer close(done)

	ctx = shared.WithRunID(ctx, rs.id)
	ctx, span := otel.StartSpan(ctx, e.tracer, "engine.run", otel.AttrRunID.String(rs.id))
	defer span.End()
	e.metrics.ActiveRuns.Add(ctx, 1)
	defer e.metrics.ActiveRuns.Add(context.WithoutCancel(ctx), -1)

	for {
		select {
		case req := <-e.rollbackCh:
			cp, err := e.rollback(ctx, rs, "requested")
			req.reply <- rollbackResult{cp: cp, err: err}
		default:
		}

		if ctx.Err() != nil {
			return e.cancel(ctx, rs, "")
		}
		if rs.plan.Done() {
			return e.finish(ctx, rs, nil)
		}

		// Either the working memory or the consumed token budget can fill the
		// context window.
		usage := max(rs.comp.Usage(), rs.budget.TokenRatio())
		if ok, reason := rs.policy.ShouldContinue(rs.budget.Iteration, usage, false, rs.budget.Elapsed(e.now())); !ok {
			rs.reason = reason
			rs.note(memory.KindNote, "", fmt.Sprintf("budget exhausted after %d iterations: %s", rs.budget.Iteration, reason))
			e.saveCheckpoint(ctx, rs, "budget_exhausted")
			return e.finish(ctx, rs, fmt.Errorf("%w: %s", ErrBudgetExhausted, reason))
		}

		if rs.recite || rs.budget.Iteration-rs.recitedAt >= e.cfg.RecitationInterval {
			e.recite(rs)
		}

		e.publishStatus(rs, PhaseSelect, "")
		task, ok := rs.selectTask()
		if !ok {
			if pending := rs.plan.Pending(); len(pending) > 0 {
				rs.note(memory.KindNote, "", fmt.Sprintf("plan stalled: pending %v have unsatisfiable dependencies", pending))
				e.saveCheckpoint(ctx, rs, "plan_stalled")
				return e.finish(ctx, rs, fmt.Errorf("%w: pending %v", ErrPlanStalled, pending))
			}
			failed := rs.permanentFailures()
			e.saveCheckpoint(ctx, rs, "task_failed")
			return e.finish(ctx, rs, fmt.Errorf("%w: %v", ErrTaskFailed, failed))
		}

		rs.budget.Iteration++
		rs.emitter.SetIteration(rs.budget.Iteration)
		e.metrics.RunIterations.Add(ctx, 1)

		out := e.step(ctx, rs, task)
		switch {
		case out.cancelled:
			return e.cancel(ctx, rs, task.ID)
		case out.fatal:
			return e.fatal(ctx, rs, out.err)
		case out.signal != nil:
			if err := e.afterFailure(ctx, rs, *out.signal); err != nil {
				rs.logger.Error("failure handling failed", "task_id", task.ID, "error", err)
			}
		}

		if rs.ckpt.ShouldSave(rs.budget.Iteration) {
			e.saveCheckpoint(ctx, rs, "interval")
		}
		e.maintainContext(ctx, rs)
	}
}

// recite re-reads the plan section in full before the next SELECT,
// refreshing the roadmap first when task states moved.
func (e *Engine) recite(rs *runState) {
	roadmap := rs.plan.Roadmap()
	if roadmap != rs.mem.LatestRoadmap() {
		if _, err := rs.mem.Append(memory.SectionPlan, memory.Entry{Kind: memory.KindRoadmap, Content: roadmap}); err != nil {
			rs.logger.Warn("write roadmap failed", "error", err)
		}
	}
	rs.roadmap = rs.mem.Text(memory.SectionPlan)
	rs.recite = false
	rs.recitedAt = rs.budget.Iteration
	rs.logger.Debug("plan recited", "iteration", rs.budget.Iteration, "tokens", memory.EstimateTokens(rs.roadmap))
}

// maintainContext compacts working memory and raises budget signals.
func (e *Engine) maintainContext(ctx context.Context, rs *runState) {
	rep, err := rs.comp.CompactIfNeeded(ctx, e.now())
	if err != nil && ctx.Err() == nil {
		rs.logger.Warn("compaction failed", "error", err)
	}
	if rep.Triggered {
		e.metrics.Compactions.Add(ctx, 1)
		rs.emitter.EmitKeyed(bus.TopicMemoryCompacted, "", "compaction", bus.MemoryCompacted{
			UsageBefore:      rep.UsageBefore,
			UsageAfter:       rep.UsageAfter,
			TurnsDigested:    rep.TurnsDigested,
			FindingsArchived: rep.FindingsArchived,
			OutputsCollapsed: rep.OutputsCollapsed,
		})
		rs.recite = true
	}

	ratio := rs.budget.TokenRatio()
	cfg := rs.policy.Config()
	for _, kind := range rs.budget.CrossedWarnings(ratio, rs.comp.Config().Threshold, cfg.SummaryThreshold) {
		rs.logger.Warn("budget warning", "kind", kind, "usage_ratio", fmt.Sprintf("%.2f", ratio))
		rs.emitter.EmitKeyed(bus.TopicBudgetWarning, "", kind, bus.BudgetWarning{UsageRatio: ratio, Kind: kind})
		rs.recite = true
	}
	if !rs.budget.SummaryMode && rs.policy.ShouldSwitchToSummaryMode(rs.budget.TokensUsed, rs.budget.TokenLimit) {
		rs.budget.SummaryMode = true
		rs.note(memory.KindNote, "", "switched to summary mode: keep outputs short")
		rs.logger.Info("summary mode enabled", "tokens_used", rs.budget.TokensUsed, "token_limit", rs.budget.TokenLimit)
	}
}

// saveCheckpoint snapshots the run outside any in-flight phase. Failures
// are logged; the previous checkpoint id stays current.
func (e *Engine) saveCheckpoint(ctx context.Context, rs *runState, reason string) string {
	e.gate.Lock()
	defer e.gate.Unlock()
	e.publishStatus(rs, PhaseCheckpoint, "")

	ctx, span := otel.StartSpan(context.WithoutCancel(ctx), e.tracer, "checkpoint.save",
		otel.AttrRunID.String(rs.id),
		otel.AttrIteration.Int(rs.budget.Iteration))
	defer span.End()

	cp, err := rs.ckpt.Save(ctx, rs.budget.Iteration, reason, rs.plan, rs.mem, rs.budget)
	if err != nil {
		span.RecordError(err)
		rs.logger.Error("checkpoint save failed", "reason", reason, "error", err)
		return rs.lastCheckpoint
	}
	rs.lastCheckpoint = cp.ID
	e.metrics.Checkpoints.Add(ctx, 1)
	rs.emitter.EmitKeyed(bus.TopicCheckpointSaved, "", reason, bus.CheckpointSaved{CheckpointID: cp.ID, Iteration: cp.Iteration})
	return cp.ID
}

// rollback restores the newest checkpoint. The iteration counter is not
// rewound since it stamps events; failure entries written after the
// checkpoint are carried forward.
func (e *Engine) rollback(ctx context.Context, rs *runState, reason string) (checkpoint.Checkpoint, error) {
	e.gate.Lock()
	defer e.gate.Unlock()
	e.publishStatus(rs, PhaseRollback, "")

	cp, err := rs.ckpt.RollbackToLatest(context.WithoutCancel(ctx), checkpoint.Restorer{
		Plan: rs.plan.Restore,
		Memory: func(s memory.Snapshot) error {
			return restoreKeepingFailures(rs.mem, s)
		},
		Budget: func(st budget.State) error {
			next := st.Clone()
			next.Iteration = max(rs.budget.Iteration, st.Iteration)
			next.StartedAt = rs.budget.StartedAt
			next.ElapsedBefore = rs.budget.ElapsedBefore
			next.MaxIterations = rs.budget.MaxIterations
			rs.budget = &next
			return nil
		},
	})
	if err != nil {
		return cp, err
	}
	rs.lastCheckpoint = cp.ID
	rs.tasks = make(map[string]*taskState)
	rs.recite = true
	rs.note(memory.KindNote, "", fmt.Sprintf("rolled back to checkpoint %s (iteration %d): %s", cp.ID, cp.Iteration, reason))
	rs.emitter.EmitKeyed(bus.TopicCheckpointRest, "", reason, bus.CheckpointSaved{CheckpointID: cp.ID, Iteration: cp.Iteration})
	return cp, nil
}

// restoreKeepingFailures restores snap into mem and re-appends failure
// entries that were written after the snapshot was taken.
func restoreKeepingFailures(mem *memory.Store, snap memory.Snapshot) error {
	var later []memory.Entry
	for _, en := range mem.Entries(memory.SectionProgress) {
		if en.Kind == memory.KindError && en.Seq > snap.Seq {
			later = append(later, en)
		}
	}
	if err := mem.Restore(snap); err != nil {
		return err
	}
	for _, en := range later {
		if _, err := mem.Append(memory.SectionProgress, en); err != nil {
			return err
		}
	}
	return nil
}

// fatal handles a tool failure that cannot be retried: roll back to the last
// checkpoint and terminate.
func (e *Engine) fatal(ctx context.Context, rs *runState, execErr *TaskExecutionError) (Result, error) {
	if _, err := e.rollback(ctx, rs, "fatal tool error"); err != nil {
		rs.logger.Warn("rollback after fatal error failed", "error", err)
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			e.saveCheckpoint(ctx, rs, "fatal")
		}
	}
	return e.finish(ctx, rs, fmt.Errorf("%w: %w", ErrFatalTool, execErr))
}

// cancel ends the run after its context was cancelled. An interrupted task
// is marked error with reason cancelled so a resume retries it.
func (e *Engine) cancel(ctx context.Context, rs *runState, taskID string) (Result, error) {
	if taskID != "" {
		rs.note(memory.KindError, taskID, "cancelled")
		if err := rs.plan.MarkError(taskID, "cancelled"); err != nil {
			rs.logger.Warn("mark cancelled task failed", "task_id", taskID, "error", err)
		}
	}
	e.saveCheckpoint(ctx, rs, "cancelled")
	return e.finish(ctx, rs, fmt.Errorf("%w: %v", ErrCancelled, context.Cause(ctx)))
}

func (e *Engine) finish(ctx context.Context, rs *runState, runErr error) (Result, error) {
	ctx = context.WithoutCancel(ctx)
	if err := rs.findings.Flush(); err != nil {
		rs.logger.Warn("flush findings failed", "error", err)
	}

	res := Result{
		RunID:        rs.id,
		Status:       RunStatusDone,
		Reason:       rs.reason,
		CheckpointID: rs.lastCheckpoint,
		Iterations:   rs.budget.Iteration,
		Progress:     rs.plan.Progress(),
		Tasks:        rs.plan.Tasks(),
	}
	phase := PhaseDone
	if runErr != nil {
		res.Status = RunStatusFailed
		res.Category = categoryOf(runErr)
		phase = PhaseFailed
	}
	rs.category = res.Category
	e.publishStatus(rs, phase, "")

	if e.runs != nil {
		if err := e.runs.FinishRun(ctx, rs.id, res.Status, string(res.Category), res.CheckpointID, e.now()); err != nil {
			rs.logger.Error("record run finish failed", "error", err)
		}
	}
	rs.emitter.Emit(bus.TopicRunFinished, "", bus.RunFinished{
		Status:       res.Status,
		Category:     string(res.Category),
		CheckpointID: res.CheckpointID,
	})

	if runErr != nil {
		rs.logger.Warn("run failed",
			"category", res.Category,
			"checkpoint_id", res.CheckpointID,
			"iterations", res.Iterations,
			"error", runErr)
		return res, &RunError{Category: res.Category, CheckpointID: res.CheckpointID, Err: runErr}
	}
	rs.logger.Info("run finished",
		"iterations", res.Iterations,
		"completed", res.Progress.Completed,
		"skipped", res.Progress.Skipped)
	return res, nil
}
