// Package rootcause classifies task failures and remembers which
// mitigations worked for them across runs.
package rootcause

import (
	"regexp"
	"strings"
	"time"
)

// Category is a root-cause class.
type Category string

const (
	CategoryTimeout            Category = "timeout" // includes rate limiting
	CategoryPermissionDenied   Category = "permission_denied"
	CategoryInputValidation    Category = "input_validation"
	CategoryExternalDependency Category = "external_dependency"
	CategoryLogicError         Category = "logic_error"
)

// Mitigation strategies. The engine's oracle understands the first three;
// the rest steer REFLECT.
const (
	StrategyIncreaseTimeout = "increase_timeout"
	StrategyBackoff         = "backoff"
	StrategyNarrowScope     = "narrow_scope"
	StrategyFixInput        = "fix_input"
	StrategySwitchTool      = "switch_tool"
	StrategyEscalate        = "escalate"
)

// symptom is a recognizable fragment of failure text.
type symptom struct {
	category Category
	phrase   string
	re       *regexp.Regexp
}

func phrase(c Category, p string) symptom {
	return symptom{category: c, phrase: p}
}

// status matches an HTTP status code as a whole word.
func status(c Category, code string) symptom {
	return symptom{category: c, phrase: code, re: regexp.MustCompile(`\b` + code + `\b`)}
}

func (s symptom) in(msg string) bool {
	if s.re != nil {
		return s.re.MatchString(msg)
	}
	return strings.Contains(msg, s.phrase)
}

// symptoms are checked in order; the first category with a hit wins in Classify.
var symptoms = []symptom{
	phrase(CategoryPermissionDenied, "permission denied"),
	phrase(CategoryPermissionDenied, "access denied"),
	phrase(CategoryPermissionDenied, "unauthorized"),
	phrase(CategoryPermissionDenied, "forbidden"),
	status(CategoryPermissionDenied, "401"),
	status(CategoryPermissionDenied, "403"),
	phrase(CategoryPermissionDenied, "not permitted"),
	phrase(CategoryTimeout, "timeout"),
	phrase(CategoryTimeout, "timed out"),
	phrase(CategoryTimeout, "deadline exceeded"),
	phrase(CategoryTimeout, "rate limit"),
	phrase(CategoryTimeout, "rate_limit"),
	phrase(CategoryTimeout, "too many requests"),
	status(CategoryTimeout, "429"),
	phrase(CategoryTimeout, "quota"),
	phrase(CategoryInputValidation, "invalid argument"),
	phrase(CategoryInputValidation, "invalid input"),
	phrase(CategoryInputValidation, "validation"),
	phrase(CategoryInputValidation, "missing required"),
	phrase(CategoryInputValidation, "malformed"),
	phrase(CategoryInputValidation, "parse error"),
	status(CategoryInputValidation, "400"),
	phrase(CategoryExternalDependency, "connection refused"),
	phrase(CategoryExternalDependency, "connection reset"),
	phrase(CategoryExternalDependency, "no such host"),
	phrase(CategoryExternalDependency, "service unavailable"),
	phrase(CategoryExternalDependency, "bad gateway"),
	status(CategoryExternalDependency, "502"),
	status(CategoryExternalDependency, "503"),
	phrase(CategoryExternalDependency, "unreachable"),
	phrase(CategoryExternalDependency, "not found"),
}

// defaultStrategies are proposed when no proven solution exists.
var defaultStrategies = map[Category][]string{
	CategoryTimeout:            {StrategyIncreaseTimeout, StrategyBackoff},
	CategoryPermissionDenied:   {StrategyEscalate},
	CategoryInputValidation:    {StrategyFixInput, StrategyNarrowScope},
	CategoryExternalDependency: {StrategyBackoff, StrategySwitchTool},
	CategoryLogicError:         {StrategyNarrowScope},
}

// DefaultStrategies returns the fallback strategies for c.
func DefaultStrategies(c Category) []string {
	return append([]string(nil), defaultStrategies[c]...)
}

// Classify maps failure text to a category by pattern. Unrecognized text is a logic error.
func Classify(text string) Category {
	msg := strings.ToLower(text)
	for _, s := range symptoms {
		if s.in(msg) {
			return s.category
		}
	}
	return CategoryLogicError
}

// symptomsOf returns every known phrase present in text.
func symptomsOf(text string) []string {
	msg := strings.ToLower(text)
	var out []string
	for _, s := range symptoms {
		if s.in(msg) {
			out = append(out, s.phrase)
		}
	}
	return out
}

// Signature keys a failure pattern: "<category>:<tool>".
func Signature(c Category, tool string) string {
	if tool == "" {
		tool = "oracle"
	}
	return string(c) + ":" + tool
}

// Signal is one observed failure.
type Signal struct {
	TaskID   string    `json:"task_id"`
	Tool     string    `json:"tool"`
	Category Category  `json:"category"`
	Message  string    `json:"message"`
	Attempt  int       `json:"attempt"`
	At       time.Time `json:"at"`
}

// NewSignal classifies message and returns a signal for it.
func NewSignal(taskID, tool, message string, attempt int, at time.Time) Signal {
	return Signal{
		TaskID:   taskID,
		Tool:     tool,
		Category: Classify(message),
		Message:  message,
		Attempt:  attempt,
		At:       at,
	}
}

// Signature returns the signal's pattern key.
func (s Signal) Signature() string { return Signature(s.Category, s.Tool) }

var volatile = regexp.MustCompile(`[0-9a-f]{8,}|\d+(\.\d+)?(ms|s|m)?`)

// normalize strips numbers, ids and durations so repeated failures with
// different timings compare equal.
func normalize(msg string) string {
	msg = strings.ToLower(strings.TrimSpace(msg))
	msg = volatile.ReplaceAllString(msg, "#")
	return strings.Join(strings.Fields(msg), " ")
}
