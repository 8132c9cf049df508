package tools

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/basket/taskpilot/internal/shared"
)

const (
	defaultShellTimeout = 30 * time.Second
	maxShellTimeout     = 120 * time.Second
	maxShellOutput      = 8 * 1024 // 8KB
)

// CommandRunner runs shell commands.
type CommandRunner interface {
	Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error)
}

// HostRunner runs commands locally.
type HostRunner struct{}

func (HostRunner) Exec(ctx context.Context, cmd, workDir string) (stdout, stderr string, exitCode int, err error) {
	execCmd := exec.CommandContext(ctx, "sh", "-c", cmd)
	if workDir != "" {
		execCmd.Dir = workDir
	}

	var outBuf, errBuf bytes.Buffer
	execCmd.Stdout = &outBuf
	execCmd.Stderr = &errBuf

	runErr := execCmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Other errors (e.g. not found, killed)
			exitCode = -1
			err = runErr
		}
	}
	return outBuf.String(), errBuf.String(), exitCode, err
}

// denyList contains commands that should never be executed.
var denyList = map[string]struct{}{
	"rm":       {},
	"rmdir":    {},
	"mkfs":     {},
	"dd":       {},
	"shutdown": {},
	"reboot":   {},
	"halt":     {},
	"poweroff": {},
	"kill":     {},
	"killall":  {},
	"pkill":    {},
	"sudo":     {},
	"su":       {},
	"chmod":    {},
	"chown":    {},
}

// ShellTool returns the "shell" tool. Commands run in workDir with a
// timeout taken from the timeout_sec argument (capped at two minutes).
func ShellTool(runner CommandRunner, workDir string) Tool {
	if runner == nil {
		runner = HostRunner{}
	}
	return Tool{
		Name:        "shell",
		Description: "Execute a shell command. Commands on the deny list (rm, sudo, kill, etc.) are blocked. Output is truncated to 8KB and secrets are redacted.",
		Run: func(ctx context.Context, args map[string]any) (string, error) {
			command := strings.TrimSpace(stringArg(args, "command"))
			if err := checkCommand(command); err != nil {
				return "", err
			}

			timeout := defaultShellTimeout
			if sec := intArg(args, "timeout_sec"); sec > 0 {
				timeout = time.Duration(sec) * time.Second
				if timeout > maxShellTimeout {
					timeout = maxShellTimeout
				}
			}
			execCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			stdout, stderr, exitCode, err := runner.Exec(execCtx, command, workDir)
			if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("command timed out after %s", timeout)
			}
			if err != nil {
				return "", fmt.Errorf("exec: %w", err)
			}

			outStr := shared.Redact(truncateOutput(stdout, maxShellOutput))
			errStr := shared.Redact(truncateOutput(stderr, maxShellOutput))
			if exitCode != 0 {
				return outStr, fmt.Errorf("exit status %d: %s", exitCode, strings.TrimSpace(errStr))
			}
			return outStr, nil
		},
	}
}

// checkCommand rejects empty commands, injection operators and any segment
// naming a denied binary.
func checkCommand(command string) error {
	if command == "" {
		return fmt.Errorf("empty command")
	}
	for _, op := range []string{";", "$(", "`"} {
		if strings.Contains(command, op) {
			return fmt.Errorf("permission denied: command contains disallowed operator %q", op)
		}
	}
	for _, seg := range splitCommandSegments(command) {
		for _, tok := range strings.Fields(seg) {
			if _, blocked := denyList[tok]; blocked {
				return fmt.Errorf("permission denied: command %q is on the deny list", tok)
			}
		}
	}
	return nil
}

func truncateOutput(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "\n... (truncated)"
}

// splitCommandSegments splits a command at pipe and logical operators,
// returning the individual command segments for deny-list checking.
func splitCommandSegments(cmd string) []string {
	var segments []string
	current := cmd
	for current != "" {
		minIdx := len(current)
		matchLen := 0
		for _, op := range []string{"||", "&&", "|"} {
			if idx := strings.Index(current, op); idx >= 0 && idx < minIdx {
				minIdx = idx
				matchLen = len(op)
			}
		}
		if matchLen == 0 {
			if seg := strings.TrimSpace(current); seg != "" {
				segments = append(segments, seg)
			}
			break
		}
		if seg := strings.TrimSpace(current[:minIdx]); seg != "" {
			segments = append(segments, seg)
		}
		current = current[minIdx+matchLen:]
	}
	return segments
}
