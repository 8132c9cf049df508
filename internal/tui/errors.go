package tui

import "strings"

// humanError renders a run error for the status line.
// "engine: run already active" → "Run already active"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := strings.TrimPrefix(err.Error(), "engine: ")
	if msg == "" {
		return msg
	}
	return strings.ToUpper(msg[:1]) + msg[1:]
}
