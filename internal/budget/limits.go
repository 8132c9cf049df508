package budget

import "strings"

// ContextLimitForModel returns the context window for model. Overrides are
// checked first; unknown models get a conservative 128k.
func ContextLimitForModel(model string, overrides map[string]int) int {
	model = strings.ToLower(strings.TrimSpace(model))
	if v, ok := overrides[model]; ok && v > 0 {
		return v
	}

	switch model {
	case "gemini-2.5-flash", "gemini-2.5-pro", "gemini-1.5-flash", "gemini-1.5-pro":
		return 1_048_576
	case "gpt-4o", "gpt-4o-mini", "o1", "o3-mini", "mistral-large-latest":
		return 128_000
	case "llama-3.1-70b-versatile":
		return 131_072
	}

	switch {
	case strings.HasPrefix(model, "gemini-"):
		return 1_048_576
	case strings.HasPrefix(model, "claude-"):
		return 200_000
	case strings.HasPrefix(model, "gpt-4"):
		return 128_000
	}
	return 128_000
}
