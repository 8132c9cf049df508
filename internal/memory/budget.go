package memory

import "fmt"

// ContextBudget is working memory usage measured against a token ceiling.
type ContextBudget struct {
	Ceiling int
	Used    int
}

// Ratio returns Used/Ceiling, or 0 without a ceiling.
func (b ContextBudget) Ratio() float64 {
	if b.Ceiling <= 0 {
		return 0
	}
	return float64(b.Used) / float64(b.Ceiling)
}

// Remaining returns the tokens left before the ceiling.
func (b ContextBudget) Remaining() int {
	if b.Used >= b.Ceiling {
		return 0
	}
	return b.Ceiling - b.Used
}

// Over reports whether usage is strictly above threshold (a ratio).
func (b ContextBudget) Over(threshold float64) bool {
	return b.Ratio() > threshold
}

func (b ContextBudget) String() string {
	return fmt.Sprintf("%d/%d tokens (%.0f%%)", b.Used, b.Ceiling, b.Ratio()*100)
}
