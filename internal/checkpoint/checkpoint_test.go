package checkpoint

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/basket/taskpilot/internal/budget"
	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T) (*plan.Plan, *memory.Store, *budget.State) {
	t.Helper()
	clock := func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }
	p, err := plan.Create("g", []plan.Task{
		{ID: "A", Title: "a"},
		{ID: "B", Title: "b", DependsOn: []string{"A"}},
	}, plan.WithClock(clock))
	require.NoError(t, err)
	mem := memory.NewStore(memory.WithClock(clock))
	st := budget.NewState(clock(), 1000)
	return p, mem, st
}

func TestManager_RoundTrip(t *testing.T) {
	ctx := context.Background()
	p, mem, st := fixture(t)
	m := NewManager(NewMemoryStore(), "run-1", Config{}, nil)

	require.NoError(t, p.MarkRunning("A"))
	require.NoError(t, p.MarkSuccess("A", "done"))
	_, err := mem.Append(memory.SectionProgress, memory.Entry{Kind: memory.KindResult, TaskID: "A", Content: "done"})
	require.NoError(t, err)
	st.Iteration = 5
	st.TokensUsed = 120

	cp, err := m.Save(ctx, 5, "interval", p, mem, st)
	require.NoError(t, err)
	require.NotEmpty(t, cp.ID)

	// Diverge after the checkpoint.
	require.NoError(t, p.MarkRunning("B"))
	require.NoError(t, p.MarkError("B", "boom"))
	_, _ = mem.Append(memory.SectionProgress, memory.Entry{Kind: memory.KindError, TaskID: "B", Content: "boom"})
	st.Iteration = 7
	st.TokensUsed = 400

	var restored budget.State
	got, err := m.RollbackToLatest(ctx, Restorer{
		Plan:   p.Restore,
		Memory: mem.Restore,
		Budget: func(s budget.State) error { restored = s; return nil },
	})
	require.NoError(t, err)
	assert.Equal(t, cp.ID, got.ID)

	b, _ := p.Task("B")
	assert.Equal(t, plan.StatusPending, b.Status)
	a, _ := p.Task("A")
	assert.Equal(t, plan.StatusSuccess, a.Status)
	assert.Equal(t, "done", a.Meta.LastOutput)
	assert.Len(t, mem.Entries(memory.SectionProgress), 1)
	assert.Equal(t, 5, restored.Iteration)
	assert.Equal(t, 120, restored.TokensUsed)
	assert.Equal(t, cp.Plan, got.Plan)
}

func TestManager_RetainsNewestThree(t *testing.T) {
	ctx := context.Background()
	p, mem, st := fixture(t)
	m := NewManager(NewMemoryStore(), "run-1", Config{Keep: 3}, nil)
	for i := 1; i <= 5; i++ {
		_, err := m.Save(ctx, i*5, "interval", p, mem, st)
		require.NoError(t, err)
	}
	list, err := m.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, []int{25, 20, 15}, []int{list[0].Iteration, list[1].Iteration, list[2].Iteration})
}

func TestManager_ImmutableAfterSave(t *testing.T) {
	ctx := context.Background()
	p, mem, st := fixture(t)
	m := NewManager(NewMemoryStore(), "run-1", Config{}, nil)
	_, err := m.Save(ctx, 5, "interval", p, mem, st)
	require.NoError(t, err)

	latest, _, _ := m.Latest(ctx)
	latest.Plan.Tasks[0].Status = plan.StatusSkipped
	again, _, _ := m.Latest(ctx)
	assert.Equal(t, plan.StatusPending, again.Plan.Tasks[0].Status)
}

func TestManager_RollbackWithoutCheckpoint(t *testing.T) {
	m := NewManager(NewMemoryStore(), "run-x", Config{}, nil)
	_, err := m.RollbackToLatest(context.Background(), Restorer{})
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestManager_ShouldSave(t *testing.T) {
	m := NewManager(NewMemoryStore(), "r", Config{Interval: 5}, nil)
	assert.False(t, m.ShouldSave(0))
	assert.False(t, m.ShouldSave(4))
	assert.True(t, m.ShouldSave(5))
	assert.True(t, m.ShouldSave(10))
}

func TestManager_LogsRunIDOnce(t *testing.T) {
	ctx := context.Background()
	p, mem, st := fixture(t)
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil)).With("run_id", "run-1")
	m := NewManager(NewMemoryStore(), "run-1", Config{}, logger)

	_, err := m.Save(ctx, 5, "interval", p, mem, st)
	require.NoError(t, err)
	_, err = m.RollbackToLatest(ctx, Restorer{})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.Equal(t, 1, strings.Count(line, `"run_id"`), line)
	}
}
