package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Entry{RunID: "run-1", TaskID: "A", Tool: "shell", Args: `{"command":"ls"}`, Status: "success", Output: "a.txt", DurationMs: 3})
	Record(Entry{RunID: "run-1", TaskID: "B", Tool: "fetch_url", Status: "error", Error: "HTTP 503 for https://x"})

	path := filepath.Join(home, "logs", "audit.jsonl")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(lines))
	}
	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("unmarshal first audit entry: %v", err)
	}
	if first["tool"] != "shell" || first["status"] != "success" || first["task_id"] != "A" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if _, ok := first["timestamp"]; !ok {
		t.Fatal("missing timestamp")
	}
	var second Entry
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatal(err)
	}
	if second.Error != "HTTP 503 for https://x" {
		t.Fatalf("error detail must be recorded verbatim, got %q", second.Error)
	}
}

func TestRecordRedactsSecrets(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Entry{Tool: "shell", Status: "error", Error: "auth failed: api_key=abcdefghijklmnopqrstuvwxyz"})

	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("secret leaked into audit trail: %s", raw)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(Entry{Tool: "echo", Status: "success"})
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file: %v", err)
	}

	before := CallCount()
	Record(Entry{Tool: "echo", Status: "error"})
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat audit file after append: %v", err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow (append-only), size before=%d after=%d", info1.Size(), info2.Size())
	}
	if CallCount() != before+1 {
		t.Fatal("call counter did not advance")
	}
}
