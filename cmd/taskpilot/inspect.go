package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/taskpilot/internal/checkpoint"
	"github.com/basket/taskpilot/internal/persistence"
	"github.com/basket/taskpilot/internal/rootcause"
)

func runRunsCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	limit := fs.Int("n", 20, "number of runs to list")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskpilot runs [-n N]")
		return 2
	}

	a := bootstrap(ctx, true)
	defer a.Close()

	runs, err := a.store.ListRuns(ctx, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "runs: %v\n", err)
		return 1
	}
	printRuns(os.Stdout, runs)
	return 0
}

func printRuns(w io.Writer, runs []persistence.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, "no runs")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RUN\tSTATUS\tCATEGORY\tSTARTED\tGOAL")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Status, dash(r.Category), r.StartedAt.Local().Format(time.DateTime), clipText(r.Goal, 50))
	}
	_ = tw.Flush()
}

func runCheckpointsCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskpilot checkpoints RUN_ID")
		return 2
	}

	a := bootstrap(ctx, true)
	defer a.Close()

	runID := args[0]
	if _, err := a.store.GetRun(ctx, runID); err != nil {
		fmt.Fprintf(os.Stderr, "checkpoints: %v\n", err)
		return 1
	}
	cps, err := a.store.Checkpoints().List(ctx, runID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "checkpoints: %v\n", err)
		return 1
	}
	printCheckpoints(os.Stdout, cps)
	return 0
}

func printCheckpoints(w io.Writer, cps []checkpoint.Checkpoint) {
	if len(cps) == 0 {
		fmt.Fprintln(w, "no checkpoints")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHECKPOINT\tITERATION\tREASON\tDONE\tCREATED")
	for _, cp := range cps {
		done := 0
		for _, t := range cp.Plan.Tasks {
			if t.Status.Satisfies() {
				done++
			}
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%d/%d\t%s\n",
			cp.ID, cp.Iteration, dash(cp.Reason), done, len(cp.Plan.Tasks), cp.CreatedAt.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

func runPatternsCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskpilot patterns")
		return 2
	}

	a := bootstrap(ctx, true)
	defer a.Close()

	patterns, err := a.store.Patterns().List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "patterns: %v\n", err)
		return 1
	}
	printPatterns(os.Stdout, patterns)
	return 0
}

func printPatterns(w io.Writer, patterns []rootcause.Pattern) {
	if len(patterns) == 0 {
		fmt.Fprintln(w, "no patterns recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SIGNATURE\tCATEGORY\tSEEN\tSOLUTION\tLAST SEEN")
	for _, p := range patterns {
		best, _ := p.Best()
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%s\n",
			p.Signature, p.Category, p.Occurrences, dash(best), p.LastSeen.Local().Format(time.DateTime))
	}
	_ = tw.Flush()
}

// runRollbackCommand restores an idle run to its latest checkpoint. The
// working memory files are rewritten; the next resume starts from there.
func runRollbackCommand(ctx context.Context, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: taskpilot rollback RUN_ID")
		return 2
	}

	a := bootstrap(ctx, true)
	defer a.Close()

	runID := args[0]
	eng, err := a.newEngine(false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
		return 1
	}
	cp, err := eng.Load(ctx, runID)
	if err != nil {
		if errors.Is(err, checkpoint.ErrNoCheckpoint) {
			fmt.Fprintf(os.Stderr, "rollback: run %s has no checkpoint\n", runID)
		} else {
			fmt.Fprintf(os.Stderr, "rollback: %v\n", err)
		}
		return 1
	}
	a.logger.Info("run rolled back", "run_id", runID, "checkpoint_id", cp.ID, "iteration", cp.Iteration)
	fmt.Printf("restored %s to checkpoint %s (iteration %d)\n", runID, cp.ID, cp.Iteration)
	fmt.Printf("resume with: taskpilot resume %s\n", runID)
	return 0
}

func dash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func clipText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
