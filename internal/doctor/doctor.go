// Package doctor diagnoses a taskpilot installation.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/taskpilot/internal/config"
	"github.com/basket/taskpilot/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

// Failed reports whether any check failed.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks. cfg may be nil when config.yaml
// could not be loaded.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkDatabase,
		checkPermissions,
		checkBudget,
		checkShell,
		checkGateway,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if !cfg.FromFile {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config.yaml; using defaults",
			Detail:  "Run `taskpilot config init` to write one",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Connection failed: %v", err)}
	}
	defer store.Close()

	runs, err := store.ListRuns(ctx, 1)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}
	msg := "Connection and schema valid"
	if len(runs) > 0 {
		msg += fmt.Sprintf("; last run %s (%s)", runs[0].ID, runs[0].Status)
	}
	return CheckResult{Name: "Database", Status: "PASS", Message: msg, Detail: cfg.DBPath}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	for _, dir := range []string{cfg.HomeDir, cfg.WorkspaceDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Cannot create %s: %v", dir, err)}
		}
		testFile := filepath.Join(dir, ".write_test")
		if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
			return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("%s unwritable: %v", dir, err)}
		}
		os.Remove(testFile)
	}

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home and workspace writable"}
}

func checkBudget(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Budget", Status: "SKIP", Message: "Config missing"}
	}
	b := cfg.Budget
	detail := fmt.Sprintf("base=%d max=%d wall_clock=%s context=%.0f%% summary=%.0f%%",
		b.BaseSteps, b.MaxSteps, cfg.WallClock(), b.ContextThreshold*100, b.SummaryThreshold*100)

	if b.SummaryThreshold >= b.ContextThreshold {
		return CheckResult{
			Name:    "Budget",
			Status:  "WARN",
			Message: "summary_threshold is not below context_threshold; summary mode will never engage",
			Detail:  detail,
		}
	}
	if b.TokenLimit > 0 && b.Model == "" {
		return CheckResult{
			Name:    "Budget",
			Status:  "WARN",
			Message: "token_limit set without a model; context usage uses the 128k fallback",
			Detail:  detail,
		}
	}
	return CheckResult{Name: "Budget", Status: "PASS", Message: "Limits consistent", Detail: detail}
}

func checkShell(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Shell Tool", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Tools.Shell.Enabled {
		return CheckResult{Name: "Shell Tool", Status: "SKIP", Message: "Disabled"}
	}
	if _, err := exec.LookPath("sh"); err != nil {
		return CheckResult{Name: "Shell Tool", Status: "FAIL", Message: "sh not found on PATH"}
	}
	if dir := cfg.Tools.Shell.WorkDir; dir != "" {
		if fi, err := os.Stat(dir); err != nil || !fi.IsDir() {
			return CheckResult{Name: "Shell Tool", Status: "FAIL", Message: fmt.Sprintf("work_dir %s is not a directory", dir)}
		}
	}
	return CheckResult{Name: "Shell Tool", Status: "PASS", Message: "Enabled"}
}

func checkGateway(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}
	addr := strings.TrimSpace(cfg.Gateway.BindAddr)
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return CheckResult{Name: "Gateway", Status: "FAIL", Message: fmt.Sprintf("bind_addr %q: %v", addr, err)}
	}
	ip := net.ParseIP(host)
	loopback := host == "localhost" || (ip != nil && ip.IsLoopback())
	if !loopback && cfg.Gateway.AuthToken == "" {
		return CheckResult{
			Name:    "Gateway",
			Status:  "WARN",
			Message: fmt.Sprintf("%s is reachable beyond loopback without auth_token", addr),
			Detail:  "Set gateway.auth_token or TASKPILOT_GATEWAY_TOKEN",
		}
	}
	return CheckResult{Name: "Gateway", Status: "PASS", Message: fmt.Sprintf("Binds %s", addr)}
}
