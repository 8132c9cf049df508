package checkpoint

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/taskpilot/internal/budget"
	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/plan"
)

// Config controls checkpoint cadence and retention.
type Config struct {
	Interval int // save every Interval iterations (default 5)
	Keep     int // retained checkpoints per run (default 3)
}

// Restorer receives the parts of a checkpoint during rollback. Nil hooks are skipped.
type Restorer struct {
	Plan   func(plan.Snapshot) error
	Memory func(memory.Snapshot) error
	Budget func(budget.State) error
}

// Manager saves and restores checkpoints for one run.
type Manager struct {
	store  Store
	runID  string
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

// NewManager returns a manager for runID. Its log lines rely on logger
// already carrying the run id.
func NewManager(store Store, runID string, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = 5
	}
	if cfg.Keep < 1 {
		cfg.Keep = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, runID: runID, cfg: cfg, logger: logger, now: time.Now}
}

// RunID returns the run the manager serves.
func (m *Manager) RunID() string { return m.runID }

// ShouldSave reports whether iteration is on the save cadence.
func (m *Manager) ShouldSave(iteration int) bool {
	return iteration > 0 && iteration%m.cfg.Interval == 0
}

// Save snapshots the run and prunes old checkpoints.
func (m *Manager) Save(ctx context.Context, iteration int, reason string, p *plan.Plan, mem *memory.Store, st *budget.State) (Checkpoint, error) {
	cp := Checkpoint{
		ID:        newID(),
		RunID:     m.runID,
		Iteration: iteration,
		Reason:    reason,
		Plan:      p.Snapshot(),
		Memory:    mem.Snapshot(),
		Budget:    st.Clone(),
		CreatedAt: m.now().UTC(),
	}
	if err := m.store.Put(ctx, cp); err != nil {
		return Checkpoint{}, fmt.Errorf("save checkpoint: %w", err)
	}
	removed, err := m.store.Prune(ctx, m.runID, m.cfg.Keep)
	if err != nil {
		m.logger.Warn("checkpoint prune failed", "error", err)
	}
	m.logger.Info("checkpoint saved",
		"checkpoint_id", cp.ID,
		"iteration", iteration,
		"reason", reason,
		"pruned", removed)
	return cp, nil
}

// Latest returns the newest checkpoint of the run.
func (m *Manager) Latest(ctx context.Context) (Checkpoint, bool, error) {
	return m.store.Latest(ctx, m.runID)
}

// List returns the retained checkpoints, newest first.
func (m *Manager) List(ctx context.Context) ([]Checkpoint, error) {
	return m.store.List(ctx, m.runID)
}

// RollbackToLatest restores plan task states, memory sections and budget
// counters from the newest checkpoint.
func (m *Manager) RollbackToLatest(ctx context.Context, r Restorer) (Checkpoint, error) {
	cp, ok, err := m.store.Latest(ctx, m.runID)
	if err != nil {
		return Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	if !ok {
		return Checkpoint{}, fmt.Errorf("rollback run %s: %w", m.runID, ErrNoCheckpoint)
	}
	if r.Plan != nil {
		if err := r.Plan(cp.Plan); err != nil {
			return cp, fmt.Errorf("restore plan: %w", err)
		}
	}
	if r.Memory != nil {
		if err := r.Memory(cp.Memory); err != nil {
			return cp, fmt.Errorf("restore memory: %w", err)
		}
	}
	if r.Budget != nil {
		if err := r.Budget(cp.Budget); err != nil {
			return cp, fmt.Errorf("restore budget: %w", err)
		}
	}
	m.logger.Info("rolled back to checkpoint", "checkpoint_id", cp.ID, "iteration", cp.Iteration)
	return cp, nil
}
