// Package checkpoint snapshots run state and rolls it back.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/taskpilot/internal/budget"
	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/google/uuid"
)

// ErrNoCheckpoint is returned when a run has no checkpoint to roll back to.
var ErrNoCheckpoint = errors.New("no checkpoint")

// Checkpoint is an immutable snapshot of a run.
type Checkpoint struct {
	ID        string          `json:"id"`
	RunID     string          `json:"run_id"`
	Iteration int             `json:"iteration"`
	Reason    string          `json:"reason"`
	Plan      plan.Snapshot   `json:"plan"`
	Memory    memory.Snapshot `json:"memory"`
	Budget    budget.State    `json:"budget"`
	CreatedAt time.Time       `json:"created_at"`
}

// Store persists checkpoints. Implementations must hand out copies so a
// stored checkpoint cannot change after Put.
type Store interface {
	Put(ctx context.Context, cp Checkpoint) error
	Latest(ctx context.Context, runID string) (Checkpoint, bool, error)
	// List returns the run's checkpoints, newest first.
	List(ctx context.Context, runID string) ([]Checkpoint, error)
	// Prune keeps the newest keep checkpoints of the run and returns how many were removed.
	Prune(ctx context.Context, runID string, keep int) (int, error)
}

// MemoryStore keeps checkpoints in process as encoded JSON.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string][][]byte // oldest first
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][][]byte)}
}

func (m *MemoryStore) Put(_ context.Context, cp Checkpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[cp.RunID] = append(m.runs[cp.RunID], data)
	return nil
}

func (m *MemoryStore) Latest(_ context.Context, runID string) (Checkpoint, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.runs[runID]
	if len(list) == 0 {
		return Checkpoint{}, false, nil
	}
	cp, err := decode(list[len(list)-1])
	if err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (m *MemoryStore) List(_ context.Context, runID string) ([]Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.runs[runID]
	out := make([]Checkpoint, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		cp, err := decode(list[i])
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *MemoryStore) Prune(_ context.Context, runID string, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.runs[runID]
	if keep < 1 || len(list) <= keep {
		return 0, nil
	}
	removed := len(list) - keep
	m.runs[runID] = append([][]byte(nil), list[removed:]...)
	return removed, nil
}

func decode(data []byte) (Checkpoint, error) {
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

var _ Store = (*MemoryStore)(nil)

func newID() string { return uuid.NewString() }
