package plan

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/taskpilot/internal/bus"
)

type recordingEmitter struct {
	mu     sync.Mutex
	topics []string
}

func (r *recordingEmitter) Emit(topic, _ string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, topic)
}

func ids(tasks []Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func abc() []Task {
	return []Task{
		{ID: "A", Title: "fetch"},
		{ID: "B", Title: "parse"},
		{ID: "C", Title: "report", DependsOn: []string{"A", "B"}},
	}
}

func TestCreate_RunsToCompletion(t *testing.T) {
	rec := &recordingEmitter{}
	p, err := Create("ship it", abc(), WithEmitter(rec))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if p.Version() != 1 {
		t.Fatalf("version = %d, want 1", p.Version())
	}

	got := ids(p.NextEligible())
	if strings.Join(got, ",") != "A,B" {
		t.Fatalf("eligible = %v, want [A B]", got)
	}

	for _, id := range []string{"A", "B"} {
		if err := p.MarkRunning(id); err != nil {
			t.Fatalf("MarkRunning(%s): %v", id, err)
		}
		if err := p.MarkSuccess(id, id+" done"); err != nil {
			t.Fatalf("MarkSuccess(%s): %v", id, err)
		}
	}
	if got := ids(p.NextEligible()); len(got) != 1 || got[0] != "C" {
		t.Fatalf("eligible = %v, want [C]", got)
	}
	if err := p.MarkRunning("C"); err != nil {
		t.Fatal(err)
	}
	if err := p.MarkSuccess("C", "report"); err != nil {
		t.Fatal(err)
	}

	pr := p.Progress()
	if pr.Completed != 3 || pr.Percentage != 100 {
		t.Fatalf("progress = %+v, want 3 completed at 100%%", pr)
	}
	if !p.Done() {
		t.Fatal("plan should be done")
	}
	if rec.topics[0] != bus.TopicPlanCreated {
		t.Fatalf("first event = %s, want plan.created", rec.topics[0])
	}
	if len(rec.topics) != 7 {
		t.Fatalf("got %d events, want 7: %v", len(rec.topics), rec.topics)
	}
}

func TestNextEligible_Idempotent(t *testing.T) {
	p, err := Create("g", abc())
	if err != nil {
		t.Fatal(err)
	}
	first := ids(p.NextEligible())
	second := ids(p.NextEligible())
	if strings.Join(first, ",") != strings.Join(second, ",") {
		t.Fatalf("NextEligible changed between calls: %v vs %v", first, second)
	}
	if p.Progress().Pending != 3 {
		t.Fatal("NextEligible must not mutate the plan")
	}
}

func TestCreate_RejectsInvalidGraphs(t *testing.T) {
	cases := map[string][]Task{
		"empty":     nil,
		"empty id":  {{ID: ""}},
		"duplicate": {{ID: "A"}, {ID: "A"}},
		"self loop": {{ID: "A", DependsOn: []string{"A"}}},
		"missing":   {{ID: "A", DependsOn: []string{"Z"}}},
		"cycle": {
			{ID: "A", DependsOn: []string{"C"}},
			{ID: "B", DependsOn: []string{"A"}},
			{ID: "C", DependsOn: []string{"B"}},
		},
	}
	for name, tasks := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Create("g", tasks)
			if !errors.Is(err, ErrInvalidGraph) {
				t.Fatalf("err = %v, want ErrInvalidGraph", err)
			}
			var ge *GraphError
			if !errors.As(err, &ge) {
				t.Fatalf("err = %T, want *GraphError", err)
			}
		})
	}
}

func TestRevise_RejectsCycleAndKeepsOldVersion(t *testing.T) {
	p, err := Create("g", abc())
	if err != nil {
		t.Fatal(err)
	}
	bad := abc()
	bad[0].DependsOn = []string{"C"}
	if err := p.Revise("loop", bad); !errors.Is(err, ErrInvalidGraph) {
		t.Fatalf("Revise err = %v, want ErrInvalidGraph", err)
	}
	if p.Version() != 1 {
		t.Fatalf("version = %d after rejected revision, want 1", p.Version())
	}
}

func TestRevise_PreservesCompletedWork(t *testing.T) {
	rec := &recordingEmitter{}
	p, err := Create("g", abc(), WithEmitter(rec))
	if err != nil {
		t.Fatal(err)
	}
	_ = p.MarkRunning("A")
	_ = p.MarkSuccess("A", "fetched")
	_ = p.MarkRunning("B")
	_ = p.MarkError("B", "timeout")

	revised := []Task{
		{ID: "A", Title: "fetch"},
		{ID: "B2", Title: "parse differently"},
		{ID: "C", Title: "report", DependsOn: []string{"A", "B2"}},
	}
	if err := p.Revise("B keeps timing out", revised); err != nil {
		t.Fatalf("Revise: %v", err)
	}
	if p.Version() != 2 {
		t.Fatalf("version = %d, want 2", p.Version())
	}
	a, _ := p.Task("A")
	if a.Status != StatusSuccess || a.Meta.LastOutput != "fetched" {
		t.Fatalf("A = %+v, want success with output kept", a)
	}
	b, ok := p.Task("B")
	if !ok || b.Status != StatusSkipped {
		t.Fatalf("dropped task B should be kept and skipped, got %+v", b)
	}
	if got := ids(p.NextEligible()); len(got) != 1 || got[0] != "B2" {
		t.Fatalf("eligible = %v, want [B2]", got)
	}
	if rec.topics[len(rec.topics)-1] != bus.TopicPlanRevised {
		t.Fatalf("last event = %s, want plan.revised", rec.topics[len(rec.topics)-1])
	}
}

func TestRevise_ReusedErroredTaskGoesPending(t *testing.T) {
	p, _ := Create("g", abc())
	_ = p.MarkRunning("A")
	_ = p.MarkError("A", "boom")
	if err := p.Revise("retry A", abc()); err != nil {
		t.Fatal(err)
	}
	a, _ := p.Task("A")
	if a.Status != StatusPending {
		t.Fatalf("A status = %s, want pending", a.Status)
	}
	if a.Meta.Attempts != 1 {
		t.Fatalf("attempts = %d, want history kept", a.Meta.Attempts)
	}
}

func TestCascadeSkip(t *testing.T) {
	tasks := []Task{
		{ID: "A"},
		{ID: "B", DependsOn: []string{"A"}},
		{ID: "C", DependsOn: []string{"B"}},
		{ID: "D"},
	}
	p, _ := Create("g", tasks)
	_ = p.MarkRunning("A")
	_ = p.MarkError("A", "fatal", Permanent())

	skipped, err := p.CascadeSkip("A", "dependency A failed")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(skipped, ",") != "B,C" {
		t.Fatalf("skipped = %v, want [B C]", skipped)
	}
	d, _ := p.Task("D")
	if d.Status != StatusPending {
		t.Fatalf("unrelated task D = %s, want pending", d.Status)
	}
	c, _ := p.Task("C")
	if c.Meta.SkipReason != "dependency A failed" {
		t.Fatalf("skip reason = %q", c.Meta.SkipReason)
	}
}

func TestTransitions_Enforced(t *testing.T) {
	p, _ := Create("g", abc())
	if err := p.MarkSuccess("A", "x"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending -> success err = %v, want ErrInvalidTransition", err)
	}
	if err := p.MarkRunning("nope"); !errors.Is(err, ErrUnknownTask) {
		t.Fatalf("err = %v, want ErrUnknownTask", err)
	}
	_ = p.MarkSkipped("A", "not needed")
	if err := p.MarkRunning("A"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("skipped is terminal, got %v", err)
	}
}

func TestMarkRunning_RetryCountsAttempts(t *testing.T) {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	p, _ := Create("g", abc(), WithClock(func() time.Time { return now }))
	_ = p.MarkRunning("A")
	now = now.Add(2 * time.Second)
	_ = p.MarkError("A", "timeout")
	_ = p.MarkRunning("A")
	now = now.Add(time.Second)
	_ = p.MarkSuccess("A", "ok")

	a, _ := p.Task("A")
	if a.RetryCount() != 1 {
		t.Fatalf("retry count = %d, want 1", a.RetryCount())
	}
	if a.Meta.Duration != time.Second {
		t.Fatalf("duration = %v, want 1s", a.Meta.Duration)
	}
}

func TestSnapshotRestore(t *testing.T) {
	p, _ := Create("g", abc(), WithID("plan-1"))
	_ = p.MarkRunning("A")
	_ = p.MarkSuccess("A", "a")
	_ = p.MarkRunning("B")
	snap := p.Snapshot()

	_ = p.MarkSuccess("B", "b")
	if err := p.Restore(snap); err != nil {
		t.Fatal(err)
	}
	b, _ := p.Task("B")
	if b.Status != StatusPending {
		t.Fatalf("in-flight task should restore as pending, got %s", b.Status)
	}
	a, _ := p.Task("A")
	if a.Status != StatusSuccess {
		t.Fatalf("A = %s, want success", a.Status)
	}

	q, err := FromSnapshot(snap)
	if err != nil {
		t.Fatal(err)
	}
	if q.ID() != "plan-1" || q.Progress().Completed != 1 {
		t.Fatalf("FromSnapshot lost state: id=%s progress=%+v", q.ID(), q.Progress())
	}
}

func TestRoadmap(t *testing.T) {
	p, _ := Create("write report", abc())
	_ = p.MarkRunning("A")
	_ = p.MarkSuccess("A", "ok")
	out := p.Roadmap()
	for _, want := range []string{"# Goal", "write report", "- [x] A: fetch", "(after A, B)"} {
		if !strings.Contains(out, want) {
			t.Fatalf("roadmap missing %q:\n%s", want, out)
		}
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plan.yaml")
	doc := `goal: summarize repo
tasks:
  - id: A
    title: list files
    tool_hints: [shell]
    args:
      command: ls
  - id: B
    title: summarize
    depends_on: [A]
    acceptance: "nonempty"
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	f, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if f.Goal != "summarize repo" || len(f.Tasks) != 2 {
		t.Fatalf("parsed = %+v", f)
	}
	if f.Tasks[0].Args["command"] != "ls" {
		t.Fatalf("args = %v", f.Tasks[0].Args)
	}
	if _, err := Create(f.Goal, f.Tasks); err != nil {
		t.Fatalf("Create from file: %v", err)
	}
}

func TestParse_SchemaViolation(t *testing.T) {
	if _, err := Parse([]byte("goal: x\ntasks:\n  - title: no id\n")); err == nil {
		t.Fatal("expected schema error for task without id")
	}
	if _, err := Parse([]byte("goal: x\ntasks:\n  - id: A\n    title: t\n    bogus: 1\n")); err == nil {
		t.Fatal("expected schema error for unknown field")
	}
}
