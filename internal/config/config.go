// Package config loads taskpilot settings from <home>/config.yaml with
// environment overrides.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/taskpilot/internal/policy"
)

const (
	hardMaxSteps      = 100
	maxCandidates     = 3
	defaultBindAddr   = "127.0.0.1:18790"
	defaultSchedule   = "0 3 * * *"
	defaultWallClock  = "30m"
	defaultFindingAge = "1h"
)

type BudgetConfig struct {
	BaseSteps        int     `yaml:"base_steps"`
	MaxSteps         int     `yaml:"max_steps"`
	ContextThreshold float64 `yaml:"context_threshold"`
	SummaryThreshold float64 `yaml:"summary_threshold"`
	WallClock        string  `yaml:"wall_clock"`
	TokenLimit       int     `yaml:"token_limit"`
	Model            string  `yaml:"model"`
}

type CompactorConfig struct {
	Threshold           float64 `yaml:"threshold"`
	KeepRecentTurns     int     `yaml:"keep_recent_turns"`
	FindingsMaxAge      string  `yaml:"findings_max_age"`
	VerboseOutputBytes  int     `yaml:"verbose_output_bytes"`
	MemoryCeilingTokens int     `yaml:"memory_ceiling_tokens"`
}

type EngineConfig struct {
	CheckpointInterval int    `yaml:"checkpoint_interval"`
	RecitationInterval int    `yaml:"recitation_interval"`
	StrikeThreshold    int    `yaml:"strike_threshold"`
	MaxReflections     int    `yaml:"max_reflections"`
	MaxAttemptsPerTask int    `yaml:"max_attempts_per_task"`
	OnTaskFailure      string `yaml:"on_task_failure"` // "fail" or "skip"
}

type ExplorationConfig struct {
	Enabled    bool `yaml:"enabled"`
	Candidates int  `yaml:"candidates"`
}

type CheckpointConfig struct {
	Keep int `yaml:"keep"`
}

type FindingsConfig struct {
	LookupsPerWrite int `yaml:"lookups_per_write"`
}

type OTelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type GatewayConfig struct {
	BindAddr     string   `yaml:"bind_addr"`
	AllowOrigins []string `yaml:"allow_origins"`
	// AuthToken, when set, is required as a Bearer token on every endpoint but /healthz.
	AuthToken string `yaml:"auth_token"`
}

type MaintenanceConfig struct {
	// Schedule is a standard five-field cron expression.
	Schedule           string `yaml:"schedule"`
	EventRetentionDays int    `yaml:"event_retention_days"`
}

type ShellConfig struct {
	Enabled bool   `yaml:"enabled"`
	WorkDir string `yaml:"work_dir"`
}

type ToolsConfig struct {
	Shell ShellConfig `yaml:"shell"`
	// FetchTimeoutSeconds bounds the fetch_url tool.
	FetchTimeoutSeconds int `yaml:"fetch_timeout_seconds"`
	// Policy limits which tools run and which hosts they may reach.
	Policy policy.Policy `yaml:"policy"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel     string `yaml:"log_level"`
	DBPath       string `yaml:"db_path"`
	WorkspaceDir string `yaml:"workspace_dir"`

	Budget      BudgetConfig      `yaml:"budget"`
	Compactor   CompactorConfig   `yaml:"compactor"`
	Engine      EngineConfig      `yaml:"engine"`
	Exploration ExplorationConfig `yaml:"exploration"`
	Checkpoint  CheckpointConfig  `yaml:"checkpoint"`
	Findings    FindingsConfig    `yaml:"findings"`
	OTel        OTelConfig        `yaml:"otel"`
	Gateway     GatewayConfig     `yaml:"gateway"`
	Maintenance MaintenanceConfig `yaml:"maintenance"`
	Tools       ToolsConfig       `yaml:"tools"`

	// ContextLimits maps model names to context windows in tokens.
	ContextLimits map[string]int `yaml:"context_limits"`

	// FromFile is false when no config.yaml existed and defaults were used.
	FromFile bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// WallClock returns the parsed run wall-clock limit.
func (c Config) WallClock() time.Duration {
	d, _ := time.ParseDuration(c.Budget.WallClock)
	return d
}

// FindingsMaxAge returns the parsed age after which unreferenced findings are archived.
func (c Config) FindingsMaxAge() time.Duration {
	d, _ := time.ParseDuration(c.Compactor.FindingsMaxAge)
	return d
}

// EventRetention returns the event retention window, or 0 to keep events forever.
func (c Config) EventRetention() time.Duration {
	return time.Duration(c.Maintenance.EventRetentionDays) * 24 * time.Hour
}

// Fingerprint returns a stable hash of the settings that shape a run.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "log=%s|db=%s|ws=%s|budget=%+v|compactor=%+v|engine=%+v|explore=%+v|keep=%d|findings=%d",
		c.LogLevel, c.DBPath, c.WorkspaceDir, c.Budget, c.Compactor, c.Engine, c.Exploration,
		c.Checkpoint.Keep, c.Findings.LookupsPerWrite)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig(home string) Config {
	return Config{
		HomeDir:      home,
		LogLevel:     "info",
		DBPath:       filepath.Join(home, "taskpilot.db"),
		WorkspaceDir: filepath.Join(home, "workspace"),
		Budget: BudgetConfig{
			BaseSteps:        30,
			MaxSteps:         hardMaxSteps,
			ContextThreshold: 0.9,
			SummaryThreshold: 0.85,
			WallClock:        defaultWallClock,
		},
		Compactor: CompactorConfig{
			Threshold:           0.7,
			KeepRecentTurns:     5,
			FindingsMaxAge:      defaultFindingAge,
			VerboseOutputBytes:  2048,
			MemoryCeilingTokens: 32000,
		},
		Engine: EngineConfig{
			CheckpointInterval: 5,
			RecitationInterval: 10,
			StrikeThreshold:    3,
			MaxReflections:     3,
			MaxAttemptsPerTask: 12,
			OnTaskFailure:      "fail",
		},
		Exploration: ExplorationConfig{Candidates: maxCandidates},
		Checkpoint:  CheckpointConfig{Keep: 3},
		Findings:    FindingsConfig{LookupsPerWrite: 2},
		OTel: OTelConfig{
			Exporter:    "otlp",
			ServiceName: "taskpilot",
			SampleRate:  1.0,
		},
		Gateway: GatewayConfig{BindAddr: defaultBindAddr},
		Maintenance: MaintenanceConfig{
			Schedule:           defaultSchedule,
			EventRetentionDays: 30,
		},
		Tools: ToolsConfig{FetchTimeoutSeconds: 30},
	}
}

// Default returns the built-in configuration rooted at HomeDir().
func Default() Config {
	return defaultConfig(HomeDir())
}

// HomeDir returns $TASKPILOT_HOME, falling back to ~/.taskpilot.
func HomeDir() string {
	if override := os.Getenv("TASKPILOT_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskpilot")
}

// Load reads config.yaml from HomeDir(), applies environment overrides and
// normalizes the result.
func Load() (Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom is Load with an explicit home directory.
func LoadFrom(home string) (Config, error) {
	cfg := defaultConfig(home)

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskpilot home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else {
		cfg.FromFile = true
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config.yaml: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	def := defaultConfig(cfg.HomeDir)
	if cfg.LogLevel == "" {
		cfg.LogLevel = def.LogLevel
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = def.DBPath
	}
	if strings.TrimSpace(cfg.WorkspaceDir) == "" {
		cfg.WorkspaceDir = def.WorkspaceDir
	}

	b := &cfg.Budget
	if b.MaxSteps <= 0 || b.MaxSteps > hardMaxSteps {
		b.MaxSteps = hardMaxSteps
	}
	if b.BaseSteps <= 0 {
		b.BaseSteps = def.Budget.BaseSteps
	}
	b.BaseSteps = min(b.BaseSteps, b.MaxSteps)
	b.ContextThreshold = clampRatio(b.ContextThreshold, def.Budget.ContextThreshold)
	b.SummaryThreshold = clampRatio(b.SummaryThreshold, def.Budget.SummaryThreshold)
	if strings.TrimSpace(b.WallClock) == "" {
		b.WallClock = def.Budget.WallClock
	}
	if b.TokenLimit < 0 {
		b.TokenLimit = 0
	}

	c := &cfg.Compactor
	c.Threshold = clampRatio(c.Threshold, def.Compactor.Threshold)
	if c.KeepRecentTurns <= 0 {
		c.KeepRecentTurns = def.Compactor.KeepRecentTurns
	}
	if strings.TrimSpace(c.FindingsMaxAge) == "" {
		c.FindingsMaxAge = def.Compactor.FindingsMaxAge
	}
	if c.VerboseOutputBytes <= 0 {
		c.VerboseOutputBytes = def.Compactor.VerboseOutputBytes
	}
	if c.MemoryCeilingTokens <= 0 {
		c.MemoryCeilingTokens = def.Compactor.MemoryCeilingTokens
	}

	e := &cfg.Engine
	if e.CheckpointInterval <= 0 {
		e.CheckpointInterval = def.Engine.CheckpointInterval
	}
	if e.RecitationInterval <= 0 {
		e.RecitationInterval = def.Engine.RecitationInterval
	}
	if e.StrikeThreshold <= 0 {
		e.StrikeThreshold = def.Engine.StrikeThreshold
	}
	if e.MaxReflections <= 0 {
		e.MaxReflections = def.Engine.MaxReflections
	}
	if e.MaxAttemptsPerTask <= 0 {
		e.MaxAttemptsPerTask = def.Engine.MaxAttemptsPerTask
	}
	e.OnTaskFailure = strings.ToLower(strings.TrimSpace(e.OnTaskFailure))
	if e.OnTaskFailure == "" {
		e.OnTaskFailure = def.Engine.OnTaskFailure
	}

	if cfg.Exploration.Candidates <= 0 || cfg.Exploration.Candidates > maxCandidates {
		cfg.Exploration.Candidates = maxCandidates
	}
	if cfg.Checkpoint.Keep < 1 {
		cfg.Checkpoint.Keep = def.Checkpoint.Keep
	}
	if cfg.Findings.LookupsPerWrite <= 0 {
		cfg.Findings.LookupsPerWrite = def.Findings.LookupsPerWrite
	}
	if cfg.OTel.ServiceName == "" {
		cfg.OTel.ServiceName = def.OTel.ServiceName
	}
	if cfg.OTel.SampleRate <= 0 || cfg.OTel.SampleRate > 1 {
		cfg.OTel.SampleRate = def.OTel.SampleRate
	}
	if cfg.Gateway.BindAddr == "" {
		cfg.Gateway.BindAddr = def.Gateway.BindAddr
	}
	if strings.TrimSpace(cfg.Maintenance.Schedule) == "" {
		cfg.Maintenance.Schedule = def.Maintenance.Schedule
	}
	if cfg.Maintenance.EventRetentionDays < 0 {
		cfg.Maintenance.EventRetentionDays = 0
	}
	if cfg.Tools.FetchTimeoutSeconds <= 0 {
		cfg.Tools.FetchTimeoutSeconds = def.Tools.FetchTimeoutSeconds
	}
}

func clampRatio(v, def float64) float64 {
	if v <= 0 || v > 1 {
		return def
	}
	return v
}

func validate(cfg Config) error {
	if d, err := time.ParseDuration(cfg.Budget.WallClock); err != nil || d < 0 {
		return fmt.Errorf("budget.wall_clock %q: invalid duration", cfg.Budget.WallClock)
	}
	if d, err := time.ParseDuration(cfg.Compactor.FindingsMaxAge); err != nil || d <= 0 {
		return fmt.Errorf("compactor.findings_max_age %q: invalid duration", cfg.Compactor.FindingsMaxAge)
	}
	switch cfg.Engine.OnTaskFailure {
	case "fail", "skip":
	default:
		return fmt.Errorf("engine.on_task_failure %q: want fail or skip", cfg.Engine.OnTaskFailure)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKPILOT_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKPILOT_DB"); raw != "" {
		cfg.DBPath = raw
	}
	if raw := os.Getenv("TASKPILOT_WORKSPACE"); raw != "" {
		cfg.WorkspaceDir = raw
	}
	if raw := os.Getenv("TASKPILOT_MAX_STEPS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Budget.MaxSteps = v
		}
	}
	if raw := os.Getenv("TASKPILOT_WALL_CLOCK"); raw != "" {
		cfg.Budget.WallClock = raw
	}
	if raw := os.Getenv("TASKPILOT_BIND_ADDR"); raw != "" {
		cfg.Gateway.BindAddr = raw
	}
	if raw := os.Getenv("TASKPILOT_GATEWAY_TOKEN"); raw != "" {
		cfg.Gateway.AuthToken = raw
	}
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]any, error) {
	raw := make(map[string]any)
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]any) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// Set updates one dotted key (for example "budget.max_steps") in config.yaml,
// preserving other settings. The value is parsed as YAML so numbers and
// booleans keep their type. The resulting file must still load.
func Set(homeDir, key, value string) error {
	parts := strings.Split(strings.TrimSpace(key), ".")
	for _, p := range parts {
		if p == "" {
			return fmt.Errorf("invalid config key %q", key)
		}
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create taskpilot home: %w", err)
	}
	path := ConfigPath(homeDir)
	raw, err := loadRawConfig(path)
	if err != nil {
		return err
	}

	var parsed any
	if err := yaml.Unmarshal([]byte(value), &parsed); err != nil || parsed == nil {
		parsed = value
	}

	node := raw
	for _, p := range parts[:len(parts)-1] {
		child, ok := node[p].(map[string]any)
		if !ok {
			child = make(map[string]any)
			node[p] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = parsed

	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	var probe Config
	if err := yaml.Unmarshal(out, &probe); err != nil {
		return fmt.Errorf("config key %s: %w", key, err)
	}
	return saveRawConfig(path, raw)
}

// WriteDefault writes the built-in configuration to config.yaml unless one
// already exists. It reports whether a file was written.
func WriteDefault(homeDir string) (bool, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return false, fmt.Errorf("create taskpilot home: %w", err)
	}
	out, err := yaml.Marshal(defaultConfig(homeDir))
	if err != nil {
		return false, fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return false, err
	}
	return true, nil
}
