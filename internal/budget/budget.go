// Package budget decides how long a run may keep iterating.
package budget

import (
	"math"
	"strings"
	"time"
)

// Reason explains a ShouldContinue verdict.
type Reason string

const (
	ReasonOK            Reason = "ok"
	ReasonMaxIterations Reason = "max_iterations_reached"
	ReasonContextWindow Reason = "context_window_usage_exceeded"
	ReasonFatalError    Reason = "fatal_error"
	ReasonWallClock     Reason = "wall_clock_exceeded"
)

const (
	hardMaxSteps            = 100
	defaultBaseSteps        = 30
	defaultContextThreshold = 0.9
	defaultSummaryThreshold = 0.85
)

// Config holds the budget knobs.
type Config struct {
	BaseSteps        int
	MaxSteps         int
	ContextThreshold float64
	SummaryThreshold float64
	WallClock        time.Duration
	TokenLimit       int
	Model            string
	ContextLimits    map[string]int
}

// DefaultConfig returns base 30, max 100, 90% context, 85% summary, 30 minutes.
func DefaultConfig() Config {
	return Config{
		BaseSteps:        defaultBaseSteps,
		MaxSteps:         hardMaxSteps,
		ContextThreshold: defaultContextThreshold,
		SummaryThreshold: defaultSummaryThreshold,
		WallClock:        30 * time.Minute,
	}
}

func (c Config) normalized() Config {
	if c.BaseSteps <= 0 {
		c.BaseSteps = defaultBaseSteps
	}
	if c.MaxSteps <= 0 || c.MaxSteps > hardMaxSteps {
		c.MaxSteps = hardMaxSteps
	}
	if c.BaseSteps > c.MaxSteps {
		c.BaseSteps = c.MaxSteps
	}
	if c.ContextThreshold <= 0 || c.ContextThreshold > 1 {
		c.ContextThreshold = defaultContextThreshold
	}
	if c.SummaryThreshold <= 0 || c.SummaryThreshold > 1 {
		c.SummaryThreshold = defaultSummaryThreshold
	}
	return c
}

// Policy evaluates continuation for one run. Calibrate fixes the step
// budget once the plan shape is known; until then it is BaseSteps.
type Policy struct {
	cfg   Config
	limit int
}

// NewPolicy normalizes cfg and returns a policy.
func NewPolicy(cfg Config) *Policy {
	cfg = cfg.normalized()
	return &Policy{cfg: cfg, limit: cfg.BaseSteps}
}

// Config returns the normalized configuration.
func (p *Policy) Config() Config { return p.cfg }

// MaxIterations returns the calibrated step budget.
func (p *Policy) MaxIterations() int { return p.limit }

// Calibrate sets the step budget from the plan shape and the time already spent.
func (p *Policy) Calibrate(shape Shape, elapsed time.Duration) int {
	p.limit = p.StepBudget(ComplexityMultiplier(shape), elapsed)
	return p.limit
}

// SetMaxIterations restores a step budget saved in a checkpoint.
func (p *Policy) SetMaxIterations(n int) {
	if n <= 0 {
		n = p.cfg.BaseSteps
	}
	if n > p.cfg.MaxSteps {
		n = p.cfg.MaxSteps
	}
	p.limit = n
}

// Shape is the part of a plan the step budget looks at.
type Shape struct {
	Goal string
	// Tasks holds one text per task, usually title and description.
	Tasks []string
	Edges int
}

const wordsPerStep = 20

// hardStems mark work that tends to take several attempts.
var hardStems = []string{
	"analy", "compar", "debug", "design", "diagnos", "integrat",
	"investigat", "migrat", "optimi", "refactor", "research",
}

// ComplexityMultiplier grows with the number of tasks, dependency edges and
// the wording of the goal and tasks. A single short task gets 1.0; the
// multiplier never exceeds 100/30.
func ComplexityMultiplier(s Shape) float64 {
	taskCount := max(len(s.Tasks), 1)
	m := 1.0 + 0.15*float64(taskCount-1) + 0.05*float64(s.Edges)
	m += textWeight(s.Goal)
	for _, t := range s.Tasks {
		m += textWeight(t)
	}
	return math.Min(m, float64(hardMaxSteps)/float64(defaultBaseSteps))
}

// textWeight adds 0.05 for every full wordsPerStep words past the first and
// 0.1 when the text names hard work.
func textWeight(text string) float64 {
	words := strings.Fields(strings.ToLower(text))
	w := 0.05 * float64(max(len(words)-wordsPerStep, 0)/wordsPerStep)
	for _, word := range words {
		if isHard(word) {
			return w + 0.1
		}
	}
	return w
}

func isHard(word string) bool {
	word = strings.TrimLeft(word, "\"'([")
	for _, stem := range hardStems {
		if strings.HasPrefix(word, stem) {
			return true
		}
	}
	return false
}

// StepBudget is base × multiplier × fraction of wall clock remaining, clamped
// to [1, MaxSteps].
func (p *Policy) StepBudget(multiplier float64, elapsed time.Duration) int {
	frac := 1.0
	if p.cfg.WallClock > 0 {
		frac = float64(p.cfg.WallClock-elapsed) / float64(p.cfg.WallClock)
		frac = math.Max(0, math.Min(1, frac))
	}
	n := int(math.Ceil(float64(p.cfg.BaseSteps) * multiplier * frac))
	if n < 1 {
		n = 1
	}
	if n > p.cfg.MaxSteps {
		n = p.cfg.MaxSteps
	}
	return n
}

// ShouldContinue returns false once any stop condition holds. Conditions are
// checked in order: fatal error, iteration budget, context usage, wall clock.
func (p *Policy) ShouldContinue(iteration int, contextUsage float64, hasFatalError bool, elapsed time.Duration) (bool, Reason) {
	switch {
	case hasFatalError:
		return false, ReasonFatalError
	case iteration >= p.limit:
		return false, ReasonMaxIterations
	case contextUsage >= p.cfg.ContextThreshold:
		return false, ReasonContextWindow
	case p.cfg.WallClock > 0 && elapsed > p.cfg.WallClock:
		return false, ReasonWallClock
	}
	return true, ReasonOK
}

// ShouldSwitchToSummaryMode reports whether consumed tokens passed the summary threshold.
func (p *Policy) ShouldSwitchToSummaryMode(tokensUsed, tokenLimit int) bool {
	if tokenLimit <= 0 {
		return false
	}
	return float64(tokensUsed)/float64(tokenLimit) > p.cfg.SummaryThreshold
}

// TokenLimit returns the configured token budget, falling back to the model's context window.
func (p *Policy) TokenLimit() int {
	if p.cfg.TokenLimit > 0 {
		return p.cfg.TokenLimit
	}
	return ContextLimitForModel(p.cfg.Model, p.cfg.ContextLimits)
}
