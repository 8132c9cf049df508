package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/taskpilot/internal/bus"
)

// AppendEvent persists a run event. Re-appending the same (run, seq) is a
// no-op so redelivery stays idempotent.
func (s *Store) AppendEvent(ctx context.Context, ev bus.RunEvent) error {
	payload, err := json.Marshal(ev.Data)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT OR IGNORE INTO run_events (run_id, seq, type, task_id, iteration, discriminator, payload, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?);
		`, ev.RunID, ev.Seq, ev.Type, ev.TaskID, ev.Iteration, ev.Discriminator, string(payload), formatTime(at))
		return err
	})
	if err != nil {
		return fmt.Errorf("append run event: %w", err)
	}
	return nil
}

// ListEventsFrom returns events of runID with seq > fromSeq in sequence
// order. Data is the raw JSON payload.
func (s *Store) ListEventsFrom(ctx context.Context, runID string, fromSeq int64, limit int) ([]bus.RunEvent, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, seq, type, task_id, iteration, discriminator, payload, created_at
		FROM run_events
		WHERE run_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, runID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list run events: %w", err)
	}
	defer rows.Close()

	var out []bus.RunEvent
	for rows.Next() {
		var (
			ev      bus.RunEvent
			payload string
			at      string
		)
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &ev.TaskID, &ev.Iteration, &ev.Discriminator, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan run event: %w", err)
		}
		ev.Data = json.RawMessage(payload)
		ev.At = parseTime(at)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// LastEventSeq returns the highest persisted seq for runID (0 when none).
func (s *Store) LastEventSeq(ctx context.Context, runID string) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM run_events WHERE run_id = ?;`, runID).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last event seq: %w", err)
	}
	return seq.Int64, nil
}

// PurgeEventsBefore deletes events older than cutoff and returns how many
// rows went.
func (s *Store) PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	var purged int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM run_events WHERE created_at < ?;`, formatTime(cutoff))
		if err != nil {
			return err
		}
		purged, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purge run events: %w", err)
	}
	if s.bus != nil && purged > 0 {
		s.bus.Publish(bus.TopicEventsPurged, map[string]any{
			"purged": purged,
			"cutoff": cutoff.UTC(),
		})
	}
	return purged, nil
}

var _ bus.Sink = (*Store)(nil)
