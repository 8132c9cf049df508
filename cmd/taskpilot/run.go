package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mattn/go-isatty"

	"github.com/basket/taskpilot/internal/engine"
	"github.com/basket/taskpilot/internal/plan"
	"github.com/basket/taskpilot/internal/tui"
)

type runFlags struct {
	planPath string
	runID    string
	explore  bool
	noTUI    bool
	jsonOut  bool
}

func parseRunArgs(args []string) (runFlags, error) {
	var f runFlags
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&f.planPath, "plan", "", "plan document (YAML or JSON)")
	fs.StringVar(&f.runID, "id", "", "run id (default: generated)")
	fs.BoolVar(&f.explore, "explore", false, "try up to three candidate actions per step")
	fs.BoolVar(&f.noTUI, "no-tui", false, "disable the live view")
	fs.BoolVar(&f.jsonOut, "json", false, "print the result as JSON")
	pos, err := parseInterspersed(fs, args)
	if err != nil {
		return f, err
	}
	if f.planPath == "" && len(pos) == 1 {
		f.planPath = pos[0]
		pos = nil
	}
	if len(pos) != 0 {
		return f, fmt.Errorf("unexpected arguments: %s", strings.Join(pos, " "))
	}
	if f.planPath == "" {
		return f, errors.New("-plan is required")
	}
	return f, nil
}

func runRunCommand(ctx context.Context, args []string) int {
	f, err := parseRunArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\nusage: taskpilot run -plan FILE [-explore] [-no-tui] [-json]\n", err)
		return 2
	}

	// The plan is checked before anything is opened so a bad document costs
	// nothing.
	doc, err := plan.LoadFile(f.planPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	p, err := plan.Create(doc.Goal, doc.Tasks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	planPath, _ := filepath.Abs(f.planPath)

	live := wantLiveView(f.noTUI || f.jsonOut)
	a := bootstrap(ctx, live)
	defer a.Close()

	eng, err := a.newEngine(f.explore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "run: %v\n", err)
		return 1
	}
	res, err := execute(ctx, a, eng, live, func(ctx context.Context) (engine.Result, error) {
		return eng.Run(ctx, p, engine.WithRunID(f.runID), engine.WithPlanPath(planPath))
	})
	a.logRunMetrics(ctx, res.RunID)
	return report(os.Stdout, res, err, f.jsonOut)
}

func runResumeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	explore := fs.Bool("explore", false, "try up to three candidate actions per step")
	noTUI := fs.Bool("no-tui", false, "disable the live view")
	jsonOut := fs.Bool("json", false, "print the result as JSON")
	pos, err := parseInterspersed(fs, args)
	if err != nil || len(pos) > 1 {
		fmt.Fprintln(os.Stderr, "usage: taskpilot resume [RUN_ID] [-explore] [-no-tui] [-json]")
		return 2
	}

	live := wantLiveView(*noTUI || *jsonOut)
	a := bootstrap(ctx, live)
	defer a.Close()

	runID := ""
	if len(pos) == 1 {
		runID = pos[0]
	} else if runID, err = a.store.LastRunID(ctx); err != nil || runID == "" {
		fmt.Fprintln(os.Stderr, "resume: no previous run")
		return 1
	}

	eng, err := a.newEngine(*explore)
	if err != nil {
		fmt.Fprintf(os.Stderr, "resume: %v\n", err)
		return 1
	}
	res, err := execute(ctx, a, eng, live, func(ctx context.Context) (engine.Result, error) {
		return eng.Resume(ctx, runID)
	})
	a.logRunMetrics(ctx, res.RunID)
	return report(os.Stdout, res, err, *jsonOut)
}

type outcome struct {
	res engine.Result
	err error
}

// execute runs fn, showing the live view when requested. Quitting the view
// cancels the run; the engine checkpoints it so it can be resumed.
func execute(ctx context.Context, a *app, eng *engine.Engine, live bool, fn func(context.Context) (engine.Result, error)) (engine.Result, error) {
	if !live {
		return fn(ctx)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan error, 1)
	results := make(chan outcome, 1)
	go func() {
		res, err := fn(runCtx)
		done <- err
		results <- outcome{res: res, err: err}
	}()

	if err := tui.Run(runCtx, tui.Options{Status: eng.Status, Bus: a.bus, Done: done}); err != nil && !errors.Is(err, context.Canceled) {
		a.logger.Warn("live view ended with error", "error", err)
	}
	cancel()
	out := <-results
	return out.res, out.err
}

// logRunMetrics writes the collected engine counters when telemetry is on.
func (a *app) logRunMetrics(ctx context.Context, runID string) {
	if runID == "" || !a.cfg.OTel.Enabled {
		return
	}
	snap, err := a.otel.Snapshot(context.WithoutCancel(ctx))
	if err != nil {
		a.logger.Warn("collect run metrics", "run_id", runID, "error", err)
		return
	}
	args := []any{"run_id", runID}
	for _, name := range slices.Sorted(maps.Keys(snap)) {
		args = append(args, name, snap[name])
	}
	a.logger.Info("run metrics", args...)
}

// report prints the run outcome and maps it to an exit code.
func report(w io.Writer, res engine.Result, runErr error, asJSON bool) int {
	if res.RunID == "" {
		// The run never started.
		fmt.Fprintf(os.Stderr, "error: %v\n", runErr)
		return 1
	}
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(res)
	} else {
		fmt.Fprintf(w, "run %s %s after %d iterations\n", res.RunID, res.Status, res.Iterations)
		fmt.Fprintf(w, "  tasks: %d/%d done, %d failed, %d skipped\n",
			res.Progress.Completed, res.Progress.Total, res.Progress.Failed, res.Progress.Skipped)
		if runErr != nil {
			fmt.Fprintf(w, "  error: %v\n", runErr)
		}
		if res.Reason != "" {
			fmt.Fprintf(w, "  budget: %s\n", res.Reason)
		}
		if res.CheckpointID != "" {
			fmt.Fprintf(w, "  checkpoint: %s\n", res.CheckpointID)
		}
		if res.Status == engine.RunStatusFailed && res.CheckpointID != "" {
			fmt.Fprintf(w, "  resume with: taskpilot resume %s\n", res.RunID)
		}
	}
	if runErr != nil || res.Status != engine.RunStatusDone {
		return 1
	}
	return 0
}

// wantLiveView reports whether the TUI should own the terminal.
func wantLiveView(disabled bool) bool {
	if disabled || os.Getenv("TASKPILOT_NO_TUI") == "1" {
		return false
	}
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}

// parseInterspersed parses flags that may appear before or after positional
// arguments and returns the positionals in order.
func parseInterspersed(fs *flag.FlagSet, args []string) ([]string, error) {
	var pos []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return pos, nil
		}
		pos = append(pos, args[0])
		args = args[1:]
	}
}
