// Package audit keeps an append-only JSONL trail of tool invocations.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/taskpilot/internal/shared"
)

// Entry is one tool invocation and its outcome.
type Entry struct {
	Timestamp  string `json:"timestamp"`
	RunID      string `json:"run_id,omitempty"`
	TaskID     string `json:"task_id,omitempty"`
	Tool       string `json:"tool"`
	Args       string `json:"args,omitempty"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
	Exploring  bool   `json:"exploring,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	callCount  atomic.Int64
	errorCount atomic.Int64
)

// Init opens <homeDir>/logs/audit.jsonl for appending. Calling it twice is a no-op.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// CallCount returns the number of recorded invocations since startup.
func CallCount() int64 {
	return callCount.Load()
}

// ErrorCount returns the number of recorded failed invocations since startup.
func ErrorCount() int64 {
	return errorCount.Load()
}

// Record appends e. Secrets are redacted before anything touches disk.
// Without Init only the counters move.
func Record(e Entry) {
	callCount.Add(1)
	if e.Status != "success" {
		errorCount.Add(1)
	}
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	e.Args = shared.Redact(e.Args)
	e.Output = shared.Redact(e.Output)
	e.Error = shared.Redact(e.Error)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	b, err := json.Marshal(e)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
