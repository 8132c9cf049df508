// Package safety screens tool output for leaked credentials before it is
// written to working memory, checkpoints or the dedup store.
package safety

import (
	"regexp"
)

const maskText = "[REDACTED]"

// LeakWarning describes a detected secret in tool output.
type LeakWarning struct {
	Pattern string
	Sample  string // first few chars of the match, for logs
}

// LeakDetector scans strings for leaked secrets.
type LeakDetector struct{}

func NewLeakDetector() *LeakDetector {
	return &LeakDetector{}
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`(?i)(api[_-]?key|apikey|secret[_-]?key|access[_-]?token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`AKIA[0-9A-Z]{16}`),
		desc: "AWS access key",
	},
	{
		re:   regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{30,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9]{20,}`),
		desc: "secret key",
	},
	{
		re:   regexp.MustCompile(`(?s)-----BEGIN\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----.*?(-----END\s+(RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----|\z)`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`(?i)(password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
}

// Scan checks output for leaked secrets without modifying it.
func (d *LeakDetector) Scan(output string) []LeakWarning {
	if output == "" {
		return nil
	}

	var warnings []LeakWarning
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(output, 3) {
			sample := match
			if len(sample) > 20 {
				sample = sample[:17] + "..."
			}
			warnings = append(warnings, LeakWarning{Pattern: pat.desc, Sample: sample})
		}
	}
	return warnings
}

// Mask replaces every detected secret with [REDACTED] and reports which
// kinds were found.
func (d *LeakDetector) Mask(output string) (string, []string) {
	if output == "" {
		return output, nil
	}
	var kinds []string
	for _, pat := range leakPatterns {
		if !pat.re.MatchString(output) {
			continue
		}
		kinds = append(kinds, pat.desc)
		output = pat.re.ReplaceAllString(output, maskText)
	}
	return output, kinds
}
