package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/taskpilot/internal/bus"
)

// Run statuses.
const (
	RunRunning = "running"
	RunDone    = "done"
	RunFailed  = "failed"
)

// ErrRunNotFound is returned when a run id is unknown.
var ErrRunNotFound = errors.New("run not found")

// kvLastRun holds the id of the most recently created run.
const kvLastRun = "last_run_id"

// RunRecord is one row of the runs table.
type RunRecord struct {
	ID           string     `json:"id"`
	Goal         string     `json:"goal"`
	PlanPath     string     `json:"plan_path,omitempty"`
	Status       string     `json:"status"`
	Category     string     `json:"category,omitempty"`
	CheckpointID string     `json:"checkpoint_id,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

// CreateRun inserts a running run and remembers it as the latest.
func (s *Store) CreateRun(ctx context.Context, id, goal, planPath string, startedAt time.Time) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO runs (id, goal, plan_path, status, started_at)
			VALUES (?, ?, ?, ?, ?);
		`, id, goal, planPath, RunRunning, formatTime(startedAt))
		return err
	})
	if err != nil {
		return fmt.Errorf("create run: %w", err)
	}
	return s.KVSet(ctx, kvLastRun, id)
}

// ReopenRun flips a finished run back to running for a resume.
func (s *Store) ReopenRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, finished_at = NULL, category = '' WHERE id = ?;
	`, RunRunning, id)
	if err != nil {
		return fmt.Errorf("reopen run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("reopen run %s: %w", id, ErrRunNotFound)
	}
	return nil
}

// FinishRun records the terminal status, error category and last checkpoint id.
func (s *Store) FinishRun(ctx context.Context, id, status, category, checkpointID string, finishedAt time.Time) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, category = ?, checkpoint_id = ?, finished_at = ?
			WHERE id = ?;
		`, status, category, checkpointID, formatTime(finishedAt), id)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish run %s: %w", id, ErrRunNotFound)
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicRunRecorded, RunRecord{
			ID: id, Status: status, Category: category, CheckpointID: checkpointID,
		})
	}
	return nil
}

// GetRun loads one run.
func (s *Store) GetRun(ctx context.Context, id string) (RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, plan_path, status, category, checkpoint_id, started_at, finished_at
		FROM runs WHERE id = ?;
	`, id)
	rec, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RunRecord{}, fmt.Errorf("get run %s: %w", id, ErrRunNotFound)
	}
	if err != nil {
		return RunRecord{}, fmt.Errorf("get run: %w", err)
	}
	return rec, nil
}

// LastRunID returns the most recently created run, or "" when there is none.
func (s *Store) LastRunID(ctx context.Context) (string, error) {
	return s.KVGet(ctx, kvLastRun)
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, plan_path, status, category, checkpoint_id, started_at, finished_at
		FROM runs ORDER BY started_at DESC, id ASC LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		rec, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(r rowScanner) (RunRecord, error) {
	var (
		rec      RunRecord
		started  string
		finished sql.NullString
	)
	if err := r.Scan(&rec.ID, &rec.Goal, &rec.PlanPath, &rec.Status, &rec.Category, &rec.CheckpointID, &started, &finished); err != nil {
		return RunRecord{}, err
	}
	rec.StartedAt = parseTime(started)
	if finished.Valid {
		t := parseTime(finished.String)
		rec.FinishedAt = &t
	}
	return rec, nil
}
