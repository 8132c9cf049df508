package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/basket/taskpilot/internal/checkpoint"
)

// CheckpointStore is the SQLite checkpoint.Store. Rows are written once and
// only ever deleted by Prune.
type CheckpointStore struct {
	s *Store
}

// Checkpoints returns the checkpoint store view of s.
func (s *Store) Checkpoints() *CheckpointStore {
	return &CheckpointStore{s: s}
}

func (c *CheckpointStore) Put(ctx context.Context, cp checkpoint.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := c.s.db.ExecContext(ctx, `
			INSERT INTO checkpoints (id, run_id, iteration, reason, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, cp.ID, cp.RunID, cp.Iteration, cp.Reason, string(payload), formatTime(cp.CreatedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	return nil
}

func (c *CheckpointStore) Latest(ctx context.Context, runID string) (checkpoint.Checkpoint, bool, error) {
	var payload string
	err := c.s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints WHERE run_id = ? ORDER BY pos DESC LIMIT 1;
	`, runID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return checkpoint.Checkpoint{}, false, nil
	}
	if err != nil {
		return checkpoint.Checkpoint{}, false, fmt.Errorf("latest checkpoint: %w", err)
	}
	cp, err := decodeCheckpoint(payload)
	if err != nil {
		return checkpoint.Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (c *CheckpointStore) List(ctx context.Context, runID string) ([]checkpoint.Checkpoint, error) {
	rows, err := c.s.db.QueryContext(ctx, `
		SELECT payload FROM checkpoints WHERE run_id = ? ORDER BY pos DESC;
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var out []checkpoint.Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp, err := decodeCheckpoint(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (c *CheckpointStore) Prune(ctx context.Context, runID string, keep int) (int, error) {
	if keep < 1 {
		return 0, nil
	}
	var removed int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := c.s.db.ExecContext(ctx, `
			DELETE FROM checkpoints
			WHERE run_id = ? AND pos NOT IN (
				SELECT pos FROM checkpoints WHERE run_id = ? ORDER BY pos DESC LIMIT ?
			);
		`, runID, runID, keep)
		if err != nil {
			return err
		}
		removed, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune checkpoints: %w", err)
	}
	return int(removed), nil
}

func decodeCheckpoint(payload string) (checkpoint.Checkpoint, error) {
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return checkpoint.Checkpoint{}, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, nil
}

var _ checkpoint.Store = (*CheckpointStore)(nil)
