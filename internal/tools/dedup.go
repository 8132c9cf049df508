package tools

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// idempotencyKey is stable for the same run, task, tool and arguments.
// encoding/json sorts map keys, so argument order does not matter.
func idempotencyKey(runID, taskID, toolName string, args map[string]any) string {
	raw, _ := json.Marshal(args)
	h := sha256.Sum256(raw)
	return fmt.Sprintf("tool_dedup:%s:%s:%s:%x", runID, taskID, toolName, h[:16])
}
