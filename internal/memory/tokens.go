package memory

// EstimateTokens approximates the token count of text at ~4 bytes per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
