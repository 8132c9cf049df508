package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/basket/taskpilot/internal/memory"
)

const maxSearchResults = 50

// ReadFileTool reads a workspace file. It never escapes the workspace root.
func ReadFileTool(ws *memory.Workspace) Tool {
	return Tool{
		Name:           "read_file",
		Description:    "Read a file inside the workspace.",
		SideEffectFree: true,
		Run: func(_ context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if path == "" {
				return "", fmt.Errorf("invalid input: path is required")
			}
			data, err := ws.ReadFile(path)
			if err != nil {
				return "", err
			}
			return string(data), nil
		},
	}
}

// WriteFileTool writes a workspace file atomically.
func WriteFileTool(ws *memory.Workspace) Tool {
	return Tool{
		Name:        "write_file",
		Description: "Write a file inside the workspace, replacing it atomically.",
		Run: func(_ context.Context, args map[string]any) (string, error) {
			path := stringArg(args, "path")
			if path == "" {
				return "", fmt.Errorf("invalid input: path is required")
			}
			content := stringArg(args, "content")
			if err := ws.WriteFile(path, []byte(content)); err != nil {
				return "", err
			}
			return fmt.Sprintf("wrote %d bytes to %s", len(content), path), nil
		},
	}
}

// SearchWorkspaceTool greps workspace text files. The limit argument narrows
// the number of reported hits.
func SearchWorkspaceTool(ws *memory.Workspace) Tool {
	return Tool{
		Name:           "search_workspace",
		Description:    "Case-insensitive text search over workspace files.",
		SideEffectFree: true,
		Run: func(_ context.Context, args map[string]any) (string, error) {
			query := stringArg(args, "query")
			if query == "" {
				return "", fmt.Errorf("invalid input: query is required")
			}
			hits, err := ws.Search(query)
			if err != nil {
				return "", err
			}
			limit := intArg(args, "limit")
			if limit <= 0 || limit > maxSearchResults {
				limit = maxSearchResults
			}
			if len(hits) > limit {
				hits = hits[:limit]
			}
			var b strings.Builder
			for _, h := range hits {
				fmt.Fprintf(&b, "%s:%d: %s\n", h.Path, h.Line, h.Content)
			}
			if b.Len() == 0 {
				return "no matches", nil
			}
			return strings.TrimRight(b.String(), "\n"), nil
		},
	}
}

// EchoTool returns its text argument.
func EchoTool() Tool {
	return Tool{
		Name:           "echo",
		Description:    "Return the text argument unchanged.",
		SideEffectFree: true,
		Run: func(_ context.Context, args map[string]any) (string, error) {
			return stringArg(args, "text"), nil
		},
	}
}

// Builtins registers the standard tool set rooted at ws.
func Builtins(r *Registry, ws *memory.Workspace, runner CommandRunner) {
	r.Register(EchoTool())
	r.Register(ReadFileTool(ws))
	r.Register(WriteFileTool(ws))
	r.Register(SearchWorkspaceTool(ws))
	r.Register(ShellTool(runner, ws.Root()))
	r.Register(FetchURLTool(nil))
}

func stringArg(args map[string]any, key string) string {
	v, ok := args[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// intArg accepts the numeric shapes YAML and JSON decoding produce.
func intArg(args map[string]any, key string) int {
	switch v := args[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case uint64:
		return int(v)
	}
	return 0
}
