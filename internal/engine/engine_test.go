package engine_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/taskpilot/internal/budget"
	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/checkpoint"
	"github.com/basket/taskpilot/internal/engine"
	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/persistence"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/basket/taskpilot/internal/rootcause"
	"github.com/basket/taskpilot/internal/tools"
)

type countingAnalyzer struct {
	inner engine.Analyzer
	calls atomic.Int32
}

func (a *countingAnalyzer) Analyze(ctx context.Context, signals []rootcause.Signal) rootcause.RootCause {
	a.calls.Add(1)
	return a.inner.Analyze(ctx, signals)
}

type harness struct {
	eng      *engine.Engine
	mem      *memory.Store
	patterns *rootcause.MemoryStore
	analyzer *countingAnalyzer
	ckpts    *checkpoint.MemoryStore
	sub      *bus.Subscription
}

func newHarness(t *testing.T, cfg engine.Config, deps engine.Deps) *harness {
	t.Helper()
	h := &harness{mem: memory.NewStore()}
	if deps.Patterns == nil {
		h.patterns = rootcause.NewMemoryStore()
		deps.Patterns = h.patterns
	}
	h.analyzer = &countingAnalyzer{inner: rootcause.NewAnalyzer(deps.Patterns, nil)}
	deps.Analyzer = h.analyzer
	if deps.Checkpoints == nil {
		h.ckpts = checkpoint.NewMemoryStore()
		deps.Checkpoints = h.ckpts
	}
	if deps.Oracle == nil {
		deps.Oracle = engine.HintOracle{Backoff: time.Millisecond}
	}
	if deps.Bus == nil {
		deps.Bus = bus.New()
	}
	h.sub = deps.Bus.SubscribeBuffered("", 1024)
	deps.Memory = func(string) (*memory.Store, error) { return h.mem, nil }

	eng, err := engine.New(cfg, deps)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.eng = eng
	return h
}

// topics drains the events published so far.
func (h *harness) topics() []string {
	var out []string
	for {
		select {
		case ev := <-h.sub.Ch():
			out = append(out, ev.Topic)
		default:
			return out
		}
	}
}

func (h *harness) errorEntries(taskID string) []memory.Entry {
	var out []memory.Entry
	for _, e := range h.mem.Entries(memory.SectionProgress) {
		if e.Kind == memory.KindError && e.TaskID == taskID {
			out = append(out, e)
		}
	}
	return out
}

func mustPlan(t *testing.T, tasks ...plan.Task) *plan.Plan {
	t.Helper()
	p, err := plan.Create("test goal", tasks)
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return p
}

func taskStatus(t *testing.T, res engine.Result, id string) plan.Task {
	t.Helper()
	for _, task := range res.Tasks {
		if task.ID == id {
			return task
		}
	}
	t.Fatalf("task %s missing from result", id)
	return plan.Task{}
}

func runErrorCategory(t *testing.T, err error) engine.ErrorCategory {
	t.Helper()
	var runErr *engine.RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected *RunError, got %v", err)
	}
	return runErr.Category
}

func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// flakySearch fails with a timeout unless given at least 60 seconds.
func flakySearch(calls *atomic.Int32) tools.Tool {
	return tools.Tool{
		Name:           "web_search",
		SideEffectFree: true,
		Run: func(_ context.Context, args map[string]any) (string, error) {
			calls.Add(1)
			if intArg(args, "timeout_sec") < 60 {
				return "", errors.New("web_search: request timed out after 30s")
			}
			return "3 results for golang", nil
		},
	}
}

func TestRun_DiamondCompletes(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), engine.Deps{})
	p := mustPlan(t,
		plan.Task{ID: "A", Title: "fetch a", Answer: "alpha"},
		plan.Task{ID: "B", Title: "fetch b", Answer: "beta"},
		plan.Task{ID: "C", Title: "merge", Answer: "alpha+beta", DependsOn: []string{"A", "B"}, Acceptance: "contains:+"},
	)

	res, err := h.eng.Run(context.Background(), p, engine.WithRunID("run-diamond"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != engine.RunStatusDone {
		t.Fatalf("status = %q, want done", res.Status)
	}
	if res.Progress.Completed != 3 || res.Progress.Percentage != 100 {
		t.Fatalf("progress = %+v, want 3 completed at 100%%", res.Progress)
	}
	if res.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", res.Iterations)
	}
	if got := taskStatus(t, res, "C").Meta.LastOutput; got != "alpha+beta" {
		t.Fatalf("C output = %q", got)
	}

	topics := h.topics()
	if len(topics) == 0 || topics[0] != bus.TopicRunStarted || topics[len(topics)-1] != bus.TopicRunFinished {
		t.Fatalf("unexpected event order: %v", topics)
	}
	if st := h.eng.Status(); st.Phase != engine.PhaseDone || st.RunID != "run-diamond" {
		t.Fatalf("status = %+v", st)
	}
}

func TestRun_RepeatedFailureTriggersSingleReflect(t *testing.T) {
	var calls atomic.Int32
	reg := tools.NewRegistry()
	reg.Register(flakySearch(&calls))

	h := newHarness(t, engine.DefaultConfig(), engine.Deps{Tools: reg})
	p := mustPlan(t, plan.Task{ID: "A", Title: "search", ToolHints: []string{"web_search"}})

	res, err := h.eng.Run(context.Background(), p)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("tool calls = %d, want 4", got)
	}
	if got := h.analyzer.calls.Load(); got != 1 {
		t.Fatalf("analyzer calls = %d, want 1", got)
	}
	a := taskStatus(t, res, "A")
	if a.Status != plan.StatusSuccess {
		t.Fatalf("A status = %s", a.Status)
	}
	if len(a.Strategy) != 1 || a.Strategy[0] != rootcause.StrategyIncreaseTimeout {
		t.Fatalf("strategy = %v", a.Strategy)
	}

	errs := h.errorEntries("A")
	if len(errs) != 3 {
		t.Fatalf("error entries = %d, want 3", len(errs))
	}
	for _, e := range errs {
		if e.Content != "web_search: request timed out after 30s" {
			t.Fatalf("failure not kept verbatim: %q", e.Content)
		}
	}

	sol, ok, err := h.patterns.GetSolution(context.Background(), "timeout:web_search")
	if err != nil || !ok || sol != rootcause.StrategyIncreaseTimeout {
		t.Fatalf("solution = %q ok=%v err=%v", sol, ok, err)
	}
	pat, ok, err := h.patterns.Get(context.Background(), "timeout:web_search")
	if err != nil || !ok {
		t.Fatalf("pattern missing: ok=%v err=%v", ok, err)
	}
	if pat.Occurrences != 3 {
		t.Fatalf("occurrences = %d, want one per failure", pat.Occurrences)
	}
}

func TestRun_KnownSolutionSkipsAnalysis(t *testing.T) {
	patterns := rootcause.NewMemoryStore()
	ctx := context.Background()
	if _, err := patterns.RecordPattern(ctx, "timeout:web_search", rootcause.CategoryTimeout); err != nil {
		t.Fatalf("record pattern: %v", err)
	}
	if err := patterns.RecordSuccess(ctx, "timeout:web_search", rootcause.StrategyIncreaseTimeout); err != nil {
		t.Fatalf("record success: %v", err)
	}

	var calls atomic.Int32
	reg := tools.NewRegistry()
	reg.Register(flakySearch(&calls))
	h := newHarness(t, engine.DefaultConfig(), engine.Deps{Tools: reg, Patterns: patterns})

	res, err := h.eng.Run(ctx, mustPlan(t, plan.Task{ID: "A", Title: "search", ToolHints: []string{"web_search"}}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Fatalf("tool calls = %d, want 2", got)
	}
	if got := h.analyzer.calls.Load(); got != 0 {
		t.Fatalf("analyzer calls = %d, want 0", got)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d, want 2", res.Iterations)
	}
}

func TestResume_StalledPlan(t *testing.T) {
	ctx := context.Background()
	p := mustPlan(t,
		plan.Task{ID: "A", Title: "a"},
		plan.Task{ID: "B", Title: "b", DependsOn: []string{"A"}},
	)
	if err := p.MarkRunning("A"); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkError("A", "gave up", plan.Permanent()); err != nil {
		t.Fatal(err)
	}
	store := checkpoint.NewMemoryStore()
	mgr := checkpoint.NewManager(store, "run-stalled", checkpoint.Config{}, nil)
	if _, err := mgr.Save(ctx, 1, "test", p, memory.NewStore(), budget.NewState(time.Now(), 0)); err != nil {
		t.Fatalf("save: %v", err)
	}

	h := newHarness(t, engine.DefaultConfig(), engine.Deps{Checkpoints: store})
	res, err := h.eng.Resume(ctx, "run-stalled")
	if !errors.Is(err, engine.ErrPlanStalled) {
		t.Fatalf("err = %v, want plan stalled", err)
	}
	if cat := runErrorCategory(t, err); cat != engine.CategoryPlanStalled {
		t.Fatalf("category = %s", cat)
	}
	if res.Status != engine.RunStatusFailed || res.CheckpointID == "" {
		t.Fatalf("result = %+v", res)
	}
	if b := taskStatus(t, res, "B"); b.Status != plan.StatusPending {
		t.Fatalf("B status = %s", b.Status)
	}
}

func TestResume_UnknownRun(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), engine.Deps{})
	_, err := h.eng.Resume(context.Background(), "nope")
	if !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Fatalf("err = %v, want ErrNoCheckpoint", err)
	}
}

func TestRun_CancelledThenResumed(t *testing.T) {
	started := make(chan struct{})
	blocking := engine.OracleFunc(func(ctx context.Context, req engine.ActionRequest) (engine.Action, error) {
		close(started)
		<-ctx.Done()
		return engine.Action{}, ctx.Err()
	})
	h := newHarness(t, engine.DefaultConfig(), engine.Deps{Oracle: blocking})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()
	res, err := h.eng.Run(ctx, mustPlan(t, plan.Task{ID: "A", Title: "a", Answer: "done"}), engine.WithRunID("run-cancel"))
	if !errors.Is(err, engine.ErrCancelled) {
		t.Fatalf("err = %v, want cancelled", err)
	}
	if res.CheckpointID == "" {
		t.Fatal("expected a checkpoint id")
	}
	a := taskStatus(t, res, "A")
	if a.Status != plan.StatusError || a.Meta.LastError != "cancelled" {
		t.Fatalf("A = %s %q", a.Status, a.Meta.LastError)
	}

	resumed := newHarness(t, engine.DefaultConfig(), engine.Deps{Checkpoints: h.ckpts})
	res, err = resumed.eng.Resume(context.Background(), "run-cancel")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if res.Status != engine.RunStatusDone {
		t.Fatalf("resumed status = %s", res.Status)
	}
	if res.Iterations < 2 {
		t.Fatalf("iteration counter went backwards: %d", res.Iterations)
	}
}

func TestRun_FatalToolRollsBack(t *testing.T) {
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{
		Name: "deploy",
		Run: func(context.Context, map[string]any) (string, error) {
			return "", fmt.Errorf("%w: disk full", tools.ErrFatal)
		},
	})
	cfg := engine.DefaultConfig()
	cfg.CheckpointInterval = 1
	h := newHarness(t, cfg, engine.Deps{Tools: reg})

	res, err := h.eng.Run(context.Background(), mustPlan(t,
		plan.Task{ID: "A", Title: "build", Answer: "built"},
		plan.Task{ID: "B", Title: "deploy", ToolHints: []string{"deploy"}, DependsOn: []string{"A"}},
	), engine.WithRunID("run-fatal"))
	if !errors.Is(err, engine.ErrFatalTool) {
		t.Fatalf("err = %v, want fatal tool error", err)
	}
	if cat := runErrorCategory(t, err); cat != engine.CategoryFatalTool {
		t.Fatalf("category = %s", cat)
	}
	var execErr *engine.TaskExecutionError
	if !errors.As(err, &execErr) {
		t.Fatalf("err = %v, want the failed attempt in its chain", err)
	}
	if execErr.TaskID != "B" || execErr.Attempt != 1 || execErr.Signature != "logic_error:deploy" {
		t.Fatalf("attempt error = %+v", execErr)
	}
	if !strings.Contains(execErr.Error(), "disk full") {
		t.Fatalf("attempt error = %q, want the tool detail", execErr.Error())
	}

	latest, ok, _ := h.ckpts.Latest(context.Background(), "run-fatal")
	if !ok || latest.ID != res.CheckpointID || latest.Iteration != 1 {
		t.Fatalf("checkpoint = %+v, result id %s", latest, res.CheckpointID)
	}
	if b := taskStatus(t, res, "B"); b.Status != plan.StatusPending {
		t.Fatalf("B status = %s, want pending after rollback", b.Status)
	}
	if a := taskStatus(t, res, "A"); a.Status != plan.StatusSuccess {
		t.Fatalf("A status = %s", a.Status)
	}
	errs := h.errorEntries("B")
	if len(errs) != 1 || !strings.Contains(errs[0].Content, "disk full") {
		t.Fatalf("failure entry not carried across rollback: %+v", errs)
	}
}

func TestRun_BudgetExhausted(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Budget.BaseSteps = 2
	cfg.Budget.MaxSteps = 2
	h := newHarness(t, cfg, engine.Deps{})

	res, err := h.eng.Run(context.Background(), mustPlan(t,
		plan.Task{ID: "A", Title: "a", Answer: "1"},
		plan.Task{ID: "B", Title: "b", Answer: "2", DependsOn: []string{"A"}},
		plan.Task{ID: "C", Title: "c", Answer: "3", DependsOn: []string{"B"}},
	))
	if !errors.Is(err, engine.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want budget exhausted", err)
	}
	if res.Reason != budget.ReasonMaxIterations {
		t.Fatalf("reason = %s", res.Reason)
	}
	if res.Iterations != 2 {
		t.Fatalf("iterations = %d", res.Iterations)
	}
	if c := taskStatus(t, res, "C"); c.Status != plan.StatusPending {
		t.Fatalf("C status = %s", c.Status)
	}
}

// costlyOracle answers like HintOracle but charges a fixed token cost.
type costlyOracle struct {
	tokens int
}

func (o costlyOracle) Propose(ctx context.Context, req engine.ActionRequest) (engine.Action, error) {
	act, err := engine.HintOracle{}.Propose(ctx, req)
	act.Tokens = o.tokens
	return act, err
}

func TestRun_TokenCeilingStopsRun(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.Budget.TokenLimit = 100
	h := newHarness(t, cfg, engine.Deps{Oracle: costlyOracle{tokens: 40}})

	res, err := h.eng.Run(context.Background(), mustPlan(t,
		plan.Task{ID: "A", Title: "a", Answer: "1"},
		plan.Task{ID: "B", Title: "b", Answer: "2", DependsOn: []string{"A"}},
		plan.Task{ID: "C", Title: "c", Answer: "3", DependsOn: []string{"B"}},
		plan.Task{ID: "D", Title: "d", Answer: "4", DependsOn: []string{"C"}},
	))
	if !errors.Is(err, engine.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want budget exhausted", err)
	}
	if res.Reason != budget.ReasonContextWindow {
		t.Fatalf("reason = %s", res.Reason)
	}
	if res.Iterations != 3 {
		t.Fatalf("iterations = %d, want 3", res.Iterations)
	}
	if d := taskStatus(t, res, "D"); d.Status != plan.StatusPending {
		t.Fatalf("D status = %s", d.Status)
	}
	if res.CheckpointID == "" {
		t.Fatal("budget stop left no checkpoint")
	}
}

func deniedTools() *tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{
		Name: "read_secret",
		Run: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("open /etc/shadow: permission denied")
		},
	})
	return reg
}

func deniedPlan(t *testing.T) *plan.Plan {
	return mustPlan(t,
		plan.Task{ID: "A", Title: "read secret", ToolHints: []string{"read_secret"}},
		plan.Task{ID: "B", Title: "use secret", Answer: "used", DependsOn: []string{"A"}},
		plan.Task{ID: "C", Title: "independent", Answer: "ok"},
	)
}

func TestRun_PermanentFailureSkipsDependents(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), engine.Deps{Tools: deniedTools()})

	res, err := h.eng.Run(context.Background(), deniedPlan(t))
	if !errors.Is(err, engine.ErrTaskFailed) {
		t.Fatalf("err = %v, want task failed", err)
	}
	if cat := runErrorCategory(t, err); cat != engine.CategoryTaskFailed {
		t.Fatalf("category = %s", cat)
	}
	a := taskStatus(t, res, "A")
	if a.Status != plan.StatusError || !a.Meta.Permanent {
		t.Fatalf("A = %s permanent=%v", a.Status, a.Meta.Permanent)
	}
	if b := taskStatus(t, res, "B"); b.Status != plan.StatusSkipped {
		t.Fatalf("B status = %s", b.Status)
	}
	if c := taskStatus(t, res, "C"); c.Status != plan.StatusSuccess {
		t.Fatalf("C status = %s", c.Status)
	}
	if got := h.analyzer.calls.Load(); got != 1 {
		t.Fatalf("analyzer calls = %d", got)
	}
	if len(h.errorEntries("A")) != 3 {
		t.Fatalf("error entries = %d", len(h.errorEntries("A")))
	}
}

func TestRun_SkipPolicyCompletes(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.OnTaskFailure = engine.OnFailureSkip
	h := newHarness(t, cfg, engine.Deps{Tools: deniedTools()})

	res, err := h.eng.Run(context.Background(), deniedPlan(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Status != engine.RunStatusDone {
		t.Fatalf("status = %s", res.Status)
	}
	if res.Progress.Completed != 1 || res.Progress.Skipped != 2 {
		t.Fatalf("progress = %+v", res.Progress)
	}
}

type stubReviser struct {
	calls atomic.Int32
	got   engine.RevisionRequest
}

func (r *stubReviser) Revise(_ context.Context, req engine.RevisionRequest) (engine.Revision, bool, error) {
	r.calls.Add(1)
	r.got = req
	return engine.Revision{
		Reason: "read the public copy instead",
		Tasks: []plan.Task{
			{ID: "A2", Title: "read public copy", Answer: "public"},
			{ID: "B", Title: "use secret", Answer: "used", DependsOn: []string{"A2"}},
			{ID: "C", Title: "independent", Answer: "ok"},
		},
	}, true, nil
}

func TestRun_ReviserReplacesFailedTask(t *testing.T) {
	rev := &stubReviser{}
	h := newHarness(t, engine.DefaultConfig(), engine.Deps{Tools: deniedTools(), Reviser: rev})

	res, err := h.eng.Run(context.Background(), deniedPlan(t))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rev.calls.Load() != 1 {
		t.Fatalf("reviser calls = %d", rev.calls.Load())
	}
	if rev.got.Failed.ID != "A" || rev.got.Cause.Category != rootcause.CategoryPermissionDenied {
		t.Fatalf("revision request = %+v", rev.got)
	}
	if a := taskStatus(t, res, "A"); a.Status != plan.StatusSkipped {
		t.Fatalf("A status = %s, want skipped", a.Status)
	}
	for _, id := range []string{"A2", "B", "C"} {
		if st := taskStatus(t, res, id).Status; st != plan.StatusSuccess {
			t.Fatalf("%s status = %s", id, st)
		}
	}
}

func TestRun_ExplorationCommitsBestCandidate(t *testing.T) {
	var writes atomic.Int32
	reg := tools.NewRegistry()
	reg.Register(tools.Tool{
		Name:           "fast_search",
		SideEffectFree: true,
		Run: func(context.Context, map[string]any) (string, error) {
			return "", errors.New("503 service unavailable")
		},
	})
	reg.Register(tools.Tool{
		Name:           "slow_search",
		SideEffectFree: true,
		Run: func(context.Context, map[string]any) (string, error) {
			return "found it", nil
		},
	})
	reg.Register(tools.Tool{
		Name: "write_db",
		Run: func(context.Context, map[string]any) (string, error) {
			writes.Add(1)
			return "written", nil
		},
	})
	cfg := engine.DefaultConfig()
	cfg.Exploration.Enabled = true
	h := newHarness(t, cfg, engine.Deps{Tools: reg})

	res, err := h.eng.Run(context.Background(), mustPlan(t, plan.Task{
		ID:        "A",
		Title:     "find it",
		ToolHints: []string{"fast_search", "slow_search", "write_db"},
	}))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if writes.Load() != 0 {
		t.Fatal("side-effecting tool ran during exploration")
	}
	if got := taskStatus(t, res, "A").Meta.LastOutput; got != "found it" {
		t.Fatalf("A output = %q", got)
	}
	if res.Iterations != 1 {
		t.Fatalf("iterations = %d", res.Iterations)
	}
	if n := len(h.errorEntries("A")); n != 0 {
		t.Fatalf("losing branch leaked %d failure entries", n)
	}
}

func TestRequestRollback_NoRun(t *testing.T) {
	h := newHarness(t, engine.DefaultConfig(), engine.Deps{})
	if _, err := h.eng.RequestRollback(context.Background()); err == nil {
		t.Fatal("expected error without a loaded run")
	}
}

func TestRequestRollback_WhileRunning(t *testing.T) {
	var (
		h       *harness
		results = make(chan error, 1)
		asked   atomic.Bool
	)
	oracle := engine.OracleFunc(func(ctx context.Context, req engine.ActionRequest) (engine.Action, error) {
		if req.Task.ID == "B" && asked.CompareAndSwap(false, true) {
			go func() {
				_, err := h.eng.RequestRollback(context.Background())
				results <- err
			}()
			time.Sleep(50 * time.Millisecond)
		}
		return engine.Action{Type: engine.ActionAnswer, Answer: req.Task.ID + " done"}, nil
	})
	cfg := engine.DefaultConfig()
	cfg.CheckpointInterval = 1
	h = newHarness(t, cfg, engine.Deps{Oracle: oracle})

	res, err := h.eng.Run(context.Background(), mustPlan(t,
		plan.Task{ID: "A", Title: "a"},
		plan.Task{ID: "B", Title: "b", DependsOn: []string{"A"}},
		plan.Task{ID: "C", Title: "c", DependsOn: []string{"B"}},
	))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	select {
	case err := <-results:
		if err != nil {
			t.Fatalf("rollback: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("rollback request never answered")
	}
	if res.Status != engine.RunStatusDone {
		t.Fatalf("status = %s", res.Status)
	}

	restored := false
	for _, topic := range h.topics() {
		if topic == bus.TopicCheckpointRest {
			restored = true
		}
	}
	if !restored {
		t.Fatal("expected a checkpoint.restored event")
	}
}

func TestLoad_ThenRollback(t *testing.T) {
	cfg := engine.DefaultConfig()
	cfg.CheckpointInterval = 1
	h := newHarness(t, cfg, engine.Deps{})
	if _, err := h.eng.Run(context.Background(), mustPlan(t, plan.Task{ID: "A", Title: "a", Answer: "x"}), engine.WithRunID("run-load")); err != nil {
		t.Fatalf("run: %v", err)
	}

	cp, err := h.eng.Load(context.Background(), "run-load")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	got, err := h.eng.RequestRollback(context.Background())
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got.ID != cp.ID {
		t.Fatalf("rolled back to %s, want %s", got.ID, cp.ID)
	}
}

func TestRun_PersistsRunAndEvents(t *testing.T) {
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskpilot.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, engine.DefaultConfig(), engine.Deps{
		Runs:        store,
		Checkpoints: store.Checkpoints(),
		Bus:         eventBus,
	})
	ctx := context.Background()
	if _, err := h.eng.Run(ctx, mustPlan(t, plan.Task{ID: "A", Title: "a", Answer: "x"}), engine.WithRunID("run-db")); err != nil {
		t.Fatalf("run: %v", err)
	}

	rec, err := store.GetRun(ctx, "run-db")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if rec.Status != persistence.RunDone || rec.FinishedAt == nil {
		t.Fatalf("run record = %+v", rec)
	}
	events, err := store.ListEventsFrom(ctx, "run-db", 0, 0)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) == 0 || events[0].Type != bus.TopicRunStarted || events[len(events)-1].Type != bus.TopicRunFinished {
		t.Fatalf("unexpected persisted events: %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Fatalf("seq not increasing at %d", i)
		}
	}
}

func TestRun_RejectsConcurrentRun(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	oracle := engine.OracleFunc(func(ctx context.Context, req engine.ActionRequest) (engine.Action, error) {
		close(started)
		<-release
		return engine.Action{Type: engine.ActionAnswer, Answer: "ok"}, nil
	})
	h := newHarness(t, engine.DefaultConfig(), engine.Deps{Oracle: oracle})

	first := mustPlan(t, plan.Task{ID: "A", Title: "a"})
	done := make(chan error, 1)
	go func() {
		_, err := h.eng.Run(context.Background(), first)
		done <- err
	}()
	<-started
	if _, err := h.eng.Run(context.Background(), mustPlan(t, plan.Task{ID: "X", Title: "x"})); !errors.Is(err, engine.ErrRunActive) {
		t.Fatalf("err = %v, want ErrRunActive", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Fatalf("first run: %v", err)
	}
}

func TestNew_RequiresOracle(t *testing.T) {
	if _, err := engine.New(engine.DefaultConfig(), engine.Deps{}); err == nil {
		t.Fatal("expected error without an oracle")
	}
}
