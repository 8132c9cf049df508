// Package compactor keeps working memory under its token ceiling by
// rewriting old content into pointers to archived originals.
package compactor

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskpilot/internal/memory"
	"github.com/basket/taskpilot/internal/shared"
)

// Config holds the compaction knobs.
type Config struct {
	Threshold          float64       // compact when usage > Threshold × CeilingTokens (default 0.7)
	KeepRecentTurns    int           // turns never digested (default 5)
	FindingsMaxAge     time.Duration // unreferenced findings older than this are archived (default 1h)
	VerboseOutputBytes int           // progress results longer than this are collapsed (default 2048)
	CeilingTokens      int           // working memory ceiling (default 32000)
}

// DefaultConfig returns the default compaction settings.
func DefaultConfig() Config {
	return Config{
		Threshold:          0.7,
		KeepRecentTurns:    5,
		FindingsMaxAge:     time.Hour,
		VerboseOutputBytes: 2048,
		CeilingTokens:      32000,
	}
}

// Report describes one compaction.
type Report struct {
	Triggered        bool             `json:"triggered"`
	UsageBefore      float64          `json:"usage_before"`
	UsageAfter       float64          `json:"usage_after"`
	TurnsDigested    int              `json:"turns_digested"`
	FindingsArchived int              `json:"findings_archived"`
	OutputsCollapsed int              `json:"outputs_collapsed"`
	Pointers         []memory.Pointer `json:"pointers,omitempty"`
}

// Compactor runs the ordered compaction passes over one store.
type Compactor struct {
	store      *memory.Store
	cfg        Config
	summarizer Summarizer
	logger     *slog.Logger
}

// New returns a Compactor. A nil summarizer uses StaticSummarizer.
func New(store *memory.Store, cfg Config, summarizer Summarizer, logger *slog.Logger) *Compactor {
	def := DefaultConfig()
	if cfg.Threshold <= 0 || cfg.Threshold > 1 {
		cfg.Threshold = def.Threshold
	}
	if cfg.KeepRecentTurns <= 0 {
		cfg.KeepRecentTurns = def.KeepRecentTurns
	}
	if cfg.FindingsMaxAge <= 0 {
		cfg.FindingsMaxAge = def.FindingsMaxAge
	}
	if cfg.VerboseOutputBytes <= 0 {
		cfg.VerboseOutputBytes = def.VerboseOutputBytes
	}
	if cfg.CeilingTokens <= 0 {
		cfg.CeilingTokens = def.CeilingTokens
	}
	if summarizer == nil {
		summarizer = StaticSummarizer{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{store: store, cfg: cfg, summarizer: summarizer, logger: logger}
}

// Config returns the effective configuration.
func (c *Compactor) Config() Config { return c.cfg }

// Usage returns the current memory usage ratio against the ceiling.
func (c *Compactor) Usage() float64 {
	return c.store.Budget(c.cfg.CeilingTokens).Ratio()
}

// CompactIfNeeded runs the passes when usage is above the threshold. Passes
// run in order (turn digest, stale findings, verbose outputs) and stop as
// soon as usage is back under the threshold.
func (c *Compactor) CompactIfNeeded(ctx context.Context, now time.Time) (Report, error) {
	rep := Report{UsageBefore: c.Usage()}
	rep.UsageAfter = rep.UsageBefore
	if rep.UsageBefore <= c.cfg.Threshold {
		return rep, nil
	}
	rep.Triggered = true
	c.logger.Info("working memory over threshold, compacting",
		"usage", fmt.Sprintf("%.2f", rep.UsageBefore),
		"ceiling_tokens", c.cfg.CeilingTokens)

	passes := []func(context.Context, time.Time, *Report) error{
		c.digestTurns,
		c.archiveStaleFindings,
		c.collapseVerboseOutputs,
	}
	for _, pass := range passes {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		if err := pass(ctx, now, &rep); err != nil {
			return rep, err
		}
		rep.UsageAfter = c.Usage()
		if rep.UsageAfter <= c.cfg.Threshold {
			break
		}
	}
	c.logger.Info("compaction finished",
		"usage_after", fmt.Sprintf("%.2f", rep.UsageAfter),
		"turns_digested", rep.TurnsDigested,
		"findings_archived", rep.FindingsArchived,
		"outputs_collapsed", rep.OutputsCollapsed)
	return rep, nil
}

func (c *Compactor) digestTurns(ctx context.Context, now time.Time, rep *Report) error {
	conv := c.store.Conversation()
	turns := conv.Turns()
	cut := len(turns) - c.cfg.KeepRecentTurns
	if cut <= 0 || (cut == 1 && turns[0].Digest()) {
		return nil
	}
	old := turns[:cut]

	var raw strings.Builder
	for _, t := range old {
		fmt.Fprintf(&raw, "%s [%s] %s: %s\n", t.At.Format(time.RFC3339), t.TaskID, t.Role, t.Content)
	}
	ptr, err := c.store.Archive().Put("turns", raw.String(), fmt.Sprintf("%d conversation turns", len(old)), now)
	if err != nil {
		return err
	}
	summary, err := c.summarizer.Summarize(ctx, old)
	if err != nil {
		c.logger.Warn("turn summarization failed, using static digest", "error", err)
		summary, _ = StaticSummarizer{}.Summarize(ctx, old)
	}
	digest := memory.Turn{
		Role:    "system",
		Content: summary + "\n" + ptr.String(),
		At:      now.UTC(),
		Pointer: &ptr,
	}
	if replaced := conv.Collapse(c.cfg.KeepRecentTurns, digest); replaced != nil {
		rep.TurnsDigested += len(replaced)
		rep.Pointers = append(rep.Pointers, ptr)
	}
	return nil
}

func (c *Compactor) archiveStaleFindings(_ context.Context, now time.Time, rep *Report) error {
	findings := c.store.Entries(memory.SectionFindings)
	if len(findings) == 0 {
		return nil
	}
	referenced := c.recentReferences(now)
	changed := false
	for i, f := range findings {
		if f.Compacted() || now.Sub(f.At) <= c.cfg.FindingsMaxAge {
			continue
		}
		if isReferenced(f, referenced) {
			continue
		}
		ptr, err := c.store.Archive().Put("finding-"+strconv.FormatInt(f.Seq, 10), f.Content, "stale finding", now)
		if err != nil {
			return err
		}
		findings[i].Kind = memory.KindCompacted
		findings[i].Content = "finding archived (unreferenced)"
		findings[i].Pointer = &ptr
		rep.FindingsArchived++
		rep.Pointers = append(rep.Pointers, ptr)
		changed = true
	}
	if !changed {
		return nil
	}
	return c.store.Replace(memory.SectionFindings, findings)
}

// recentReferences collects what progress entries inside the findings age
// window point at: explicit refs, sources and content.
func (c *Compactor) recentReferences(now time.Time) []memory.Entry {
	var recent []memory.Entry
	for _, e := range c.store.Entries(memory.SectionProgress) {
		if now.Sub(e.At) <= c.cfg.FindingsMaxAge {
			recent = append(recent, e)
		}
	}
	return recent
}

func isReferenced(f memory.Entry, recent []memory.Entry) bool {
	tag := "finding:" + strconv.FormatInt(f.Seq, 10)
	keys := append([]string{tag}, f.Refs...)
	if f.Source != "" {
		keys = append(keys, f.Source)
	}
	for _, e := range recent {
		for _, k := range keys {
			if k == "" {
				continue
			}
			for _, r := range e.Refs {
				if r == k {
					return true
				}
			}
			if e.Source == k || strings.Contains(e.Content, k) {
				return true
			}
		}
	}
	return false
}

func (c *Compactor) collapseVerboseOutputs(_ context.Context, now time.Time, rep *Report) error {
	progress := c.store.Entries(memory.SectionProgress)
	changed := false
	for i, e := range progress {
		if e.Kind == memory.KindError || e.Compacted() {
			continue
		}
		if e.Kind != memory.KindResult && e.Kind != memory.KindAction {
			continue
		}
		if len(e.Content) <= c.cfg.VerboseOutputBytes {
			continue
		}
		ptr, err := c.store.Archive().Put("progress-"+strconv.FormatInt(e.Seq, 10), e.Content, e.Kind+" output", now)
		if err != nil {
			return err
		}
		line, _, _ := strings.Cut(strings.TrimSpace(e.Content), "\n")
		progress[i].Content = shared.Truncate(line, 160)
		progress[i].Pointer = &ptr
		rep.OutputsCollapsed++
		rep.Pointers = append(rep.Pointers, ptr)
		changed = true
	}
	if !changed {
		return nil
	}
	return c.store.Replace(memory.SectionProgress, progress)
}
