// Package tools is the tool executor boundary: a registry of named tools,
// each invocation timed, deduplicated when it has side effects, and written
// to the audit trail.
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/basket/taskpilot/internal/audit"
	"github.com/basket/taskpilot/internal/policy"
	"github.com/basket/taskpilot/internal/safety"
	"github.com/basket/taskpilot/internal/shared"
)

// Status is the outcome of one invocation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

var (
	// ErrUnknownTool is returned for names missing from the registry.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrFatal marks tool failures that must stop the run.
	ErrFatal = errors.New("fatal tool error")
	// ErrSideEffect rejects side-effecting tools during exploration.
	ErrSideEffect = errors.New("tool has side effects")
	// ErrDenied means the tool policy refused the call.
	ErrDenied = errors.New("denied by policy")
)

// Result is what the engine sees of an invocation. ErrorDetail carries the
// raw failure text verbatim.
type Result struct {
	Status      Status `json:"status"`
	Output      string `json:"output,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
	Fatal       bool   `json:"fatal,omitempty"`
	Deduped     bool   `json:"deduped,omitempty"`
	// Redacted is set when secrets were masked out of Output.
	Redacted bool `json:"redacted,omitempty"`
}

// OK reports whether the invocation succeeded.
func (r Result) OK() bool { return r.Status == StatusSuccess }

// Executor runs named tools.
type Executor interface {
	Invoke(ctx context.Context, name string, args map[string]any) Result
}

// Func is a tool body.
type Func func(ctx context.Context, args map[string]any) (string, error)

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	// SideEffectFree tools may run inside exploration branches.
	SideEffectFree bool
	Run            Func
}

// KV is the persistence the registry uses to remember side effects already
// performed. *persistence.Store satisfies it.
type KV interface {
	KVGet(ctx context.Context, key string) (string, error)
	KVSet(ctx context.Context, key, val string) error
}

// Registry is the default Executor.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	dedup  KV
	policy policy.Checker
	leaks  *safety.LeakDetector
	logger *slog.Logger
	now    func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithDedupStore makes side-effecting calls at-most-once per task, tool and
// arguments.
func WithDedupStore(kv KV) Option {
	return func(r *Registry) { r.dedup = kv }
}

// WithPolicy checks every call against p before the tool runs.
func WithPolicy(p policy.Checker) Option {
	return func(r *Registry) { r.policy = p }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry returns an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		tools:  make(map[string]Tool),
		leaks:  safety.NewLeakDetector(),
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds or replaces a tool.
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name] = t
}

// Remove drops a tool. Unknown names are ignored.
func (r *Registry) Remove(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
}

// Lookup returns the named tool.
func (r *Registry) Lookup(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tools in name order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for n := range r.tools {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// IsSideEffectFree reports whether name may run during exploration.
func (r *Registry) IsSideEffectFree(name string) bool {
	t, ok := r.Lookup(name)
	return ok && t.SideEffectFree
}

// Invoke runs name with args. Failures are reported in the Result, never as
// a Go error, so the caller can record them verbatim.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) Result {
	start := r.now()
	exploring := shared.Branch(ctx) >= 0
	res := r.invoke(ctx, name, args, exploring)
	res.DurationMs = r.now().Sub(start).Milliseconds()

	rawArgs, _ := json.Marshal(args)
	audit.Record(audit.Entry{
		RunID:      shared.RunID(ctx),
		TaskID:     shared.TaskID(ctx),
		Tool:       name,
		Args:       string(rawArgs),
		Status:     string(res.Status),
		Output:     shared.Truncate(res.Output, 2048),
		Error:      res.ErrorDetail,
		DurationMs: res.DurationMs,
		Exploring:  exploring,
	})
	if !res.OK() {
		r.logger.Warn("tool invocation failed",
			"tool", name,
			"task_id", shared.TaskID(ctx),
			"fatal", res.Fatal,
			"error", res.ErrorDetail)
	}
	return res
}

func (r *Registry) invoke(ctx context.Context, name string, args map[string]any, exploring bool) Result {
	t, ok := r.Lookup(name)
	if !ok {
		return Result{Status: StatusError, ErrorDetail: fmt.Sprintf("%v: %s", ErrUnknownTool, name)}
	}
	if err := r.checkPolicy(name, args); err != nil {
		return Result{Status: StatusError, ErrorDetail: err.Error()}
	}
	if exploring && !t.SideEffectFree {
		return Result{Status: StatusError, ErrorDetail: fmt.Sprintf("%v: %s cannot run during exploration", ErrSideEffect, name)}
	}

	var key string
	if !t.SideEffectFree && r.dedup != nil && shared.TaskID(ctx) != "" {
		key = idempotencyKey(shared.RunID(ctx), shared.TaskID(ctx), name, args)
		if prior, err := r.dedup.KVGet(ctx, key); err == nil && prior != "" {
			return Result{Status: StatusSuccess, Output: prior, Deduped: true}
		}
	}

	out, err := t.Run(ctx, args)
	out, redacted := r.mask(name, out)
	if err != nil {
		return Result{Status: StatusError, Output: out, ErrorDetail: err.Error(), Fatal: errors.Is(err, ErrFatal), Redacted: redacted}
	}
	if key != "" {
		record := out
		if record == "" {
			record = "ok"
		}
		if err := r.dedup.KVSet(ctx, key, record); err != nil {
			r.logger.Warn("record side effect failed", "tool", name, "error", err)
		}
	}
	return Result{Status: StatusSuccess, Output: out, Redacted: redacted}
}

// checkPolicy applies the tool policy. A "url" argument is checked as a
// network target whatever the tool.
func (r *Registry) checkPolicy(name string, args map[string]any) error {
	if r.policy == nil {
		return nil
	}
	if !r.policy.AllowTool(name) {
		return fmt.Errorf("%w: tool %s", ErrDenied, name)
	}
	if raw, ok := args["url"].(string); ok && !r.policy.AllowHTTPURL(raw) {
		return fmt.Errorf("%w: url %s", ErrDenied, raw)
	}
	return nil
}

// mask strips credentials from tool output before anything stores it.
func (r *Registry) mask(tool, out string) (string, bool) {
	masked, kinds := r.leaks.Mask(out)
	if len(kinds) == 0 {
		return out, false
	}
	r.logger.Warn("secrets masked in tool output", "tool", tool, "kinds", kinds)
	return masked, true
}

var _ Executor = (*Registry)(nil)
