package rootcause

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
)

// RootCause is the analyzer's verdict on a cluster of failures.
type RootCause struct {
	Category           Category `json:"category"`
	Signature          string   `json:"signature"`
	Evidence           []string `json:"evidence"`
	ProposedStrategies []string `json:"proposed_strategies"`
	// Known is true when the first proposed strategy already worked for this signature.
	Known bool `json:"known"`
}

// Analyzer clusters failure signals and proposes mitigations, preferring
// strategies the pattern store has seen succeed.
type Analyzer struct {
	patterns PatternStore
	logger   *slog.Logger
}

// NewAnalyzer returns an analyzer. patterns may be nil.
func NewAnalyzer(patterns PatternStore, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{patterns: patterns, logger: logger}
}

// Analyze groups signals by category and picks the largest cluster that
// shares at least one symptom. Without such a cluster the failure is a
// logic error and the proposal is to retry with a narrower task.
func (a *Analyzer) Analyze(ctx context.Context, signals []Signal) RootCause {
	if len(signals) == 0 {
		return RootCause{
			Category:           CategoryLogicError,
			Signature:          Signature(CategoryLogicError, ""),
			Evidence:           []string{"no failure signals"},
			ProposedStrategies: DefaultStrategies(CategoryLogicError),
		}
	}

	clusters := make(map[Category][]Signal)
	var order []Category
	for _, s := range signals {
		c := s.Category
		if c == "" {
			c = Classify(s.Message)
		}
		if _, ok := clusters[c]; !ok {
			order = append(order, c)
		}
		clusters[c] = append(clusters[c], s)
	}

	cat := CategoryLogicError
	var evidence []string
	best := 0
	for _, c := range order {
		members := clusters[c]
		if c == CategoryLogicError || len(members) <= best {
			continue
		}
		common := commonSymptoms(members)
		if len(common) == 0 {
			continue
		}
		cat, evidence, best = c, common, len(members)
	}

	tool := signals[len(signals)-1].Tool
	members := clusters[cat]
	if len(members) > 0 {
		tool = members[len(members)-1].Tool
	}
	if cat == CategoryLogicError {
		evidence = logicEvidence(signals)
	}
	rc := RootCause{
		Category:  cat,
		Signature: Signature(cat, tool),
		Evidence:  evidence,
	}

	if a.patterns != nil {
		if sol, ok, err := a.patterns.GetSolution(ctx, rc.Signature); err != nil {
			a.logger.Warn("pattern lookup failed", "signature", rc.Signature, "error", err)
		} else if ok {
			rc.ProposedStrategies = append(rc.ProposedStrategies, sol)
			rc.Known = true
		}
	}
	for _, s := range DefaultStrategies(cat) {
		if !slices.Contains(rc.ProposedStrategies, s) {
			rc.ProposedStrategies = append(rc.ProposedStrategies, s)
		}
	}
	return rc
}

// commonSymptoms returns the phrases present in every member's message.
func commonSymptoms(members []Signal) []string {
	common := symptomsOf(members[0].Message)
	for _, m := range members[1:] {
		have := symptomsOf(m.Message)
		common = slices.DeleteFunc(common, func(p string) bool { return !slices.Contains(have, p) })
		if len(common) == 0 {
			return nil
		}
	}
	return common
}

// logicEvidence reports the normalized message that repeats most often.
func logicEvidence(signals []Signal) []string {
	counts := make(map[string]int)
	top, topN := "", 0
	for _, s := range signals {
		n := normalize(s.Message)
		counts[n]++
		if counts[n] > topN {
			top, topN = n, counts[n]
		}
	}
	return []string{fmt.Sprintf("%dx %q", topN, top)}
}
