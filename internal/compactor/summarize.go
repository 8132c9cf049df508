package compactor

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/taskpilot/internal/memory"
)

// Summarizer compresses conversation turns into one digest.
type Summarizer interface {
	Summarize(ctx context.Context, turns []memory.Turn) (string, error)
}

// StaticSummarizer builds a digest without a model: a header plus the first
// line of each turn.
type StaticSummarizer struct{}

func (StaticSummarizer) Summarize(_ context.Context, turns []memory.Turn) (string, error) {
	if len(turns) == 0 {
		return "", nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[Summary of %d earlier turns]", len(turns))
	for _, t := range turns {
		line, _, _ := strings.Cut(strings.TrimSpace(t.Content), "\n")
		if len(line) > 80 {
			line = line[:80] + "..."
		}
		fmt.Fprintf(&sb, "\n- %s", t.Role)
		if t.TaskID != "" {
			fmt.Fprintf(&sb, " (%s)", t.TaskID)
		}
		fmt.Fprintf(&sb, ": %s", line)
	}
	return sb.String(), nil
}

var _ Summarizer = StaticSummarizer{}
