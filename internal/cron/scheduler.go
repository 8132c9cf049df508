// Package cron runs periodic maintenance on the run store: events older
// than the retention window are purged on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// nextRunKey is the kv_store key holding the next due purge.
const nextRunKey = "maintenance.next_run_at"

// Store is the subset of the persistence store the scheduler needs.
type Store interface {
	PurgeEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store     Store
	Logger    *slog.Logger
	Schedule  string        // cron expression; defaults to "0 3 * * *"
	Retention time.Duration // events older than this are purged
	Interval  time.Duration // tick interval; defaults to 1 minute if zero
	Now       func() time.Time
}

// Scheduler checks once per interval whether the purge is due and runs it.
type Scheduler struct {
	store     Store
	logger    *slog.Logger
	schedule  cronlib.Schedule
	expr      string
	retention time.Duration
	interval  time.Duration
	now       func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates the cron expression and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cron: store is required")
	}
	if cfg.Retention <= 0 {
		return nil, fmt.Errorf("cron: retention must be positive")
	}
	expr := cfg.Schedule
	if expr == "" {
		expr = "0 3 * * *"
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("cron: parse schedule %q: %w", expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:     cfg.Store,
		logger:    logger,
		schedule:  sched,
		expr:      expr,
		retention: cfg.Retention,
		interval:  interval,
		now:       now,
	}, nil
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "schedule", s.expr, "retention", s.retention, "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick purges when the stored next-run time has passed. The first tick after
// a fresh install only records the next run.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	next, ok, err := s.nextRun(ctx)
	if err != nil {
		s.logger.Error("cron: failed to read next run", "error", err)
		return
	}
	if !ok {
		s.setNextRun(ctx, s.schedule.Next(now))
		return
	}
	if now.Before(next) {
		return
	}
	if _, err := s.PurgeNow(ctx); err != nil {
		return
	}
	s.setNextRun(ctx, s.schedule.Next(now))
}

// PurgeNow deletes events older than the retention window immediately.
func (s *Scheduler) PurgeNow(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.retention)
	purged, err := s.store.PurgeEventsBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("cron: purge failed", "cutoff", cutoff, "error", err)
		return 0, err
	}
	s.logger.Info("cron: purged run events", "purged", purged, "cutoff", cutoff)
	return purged, nil
}

func (s *Scheduler) nextRun(ctx context.Context) (time.Time, bool, error) {
	raw, err := s.store.KVGet(ctx, nextRunKey)
	if err != nil || raw == "" {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		// Unreadable value: treat as never scheduled.
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (s *Scheduler) setNextRun(ctx context.Context, next time.Time) {
	if err := s.store.KVSet(ctx, nextRunKey, next.UTC().Format(time.RFC3339)); err != nil {
		s.logger.Error("cron: failed to store next run", "next_run_at", next, "error", err)
		return
	}
	s.logger.Debug("cron: next purge scheduled", "next_run_at", next)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
