package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/basket/taskpilot/internal/audit"
	"github.com/basket/taskpilot/internal/budget"
	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/compactor"
	"github.com/basket/taskpilot/internal/config"
	"github.com/basket/taskpilot/internal/engine"
	"github.com/basket/taskpilot/internal/memory"
	otelPkg "github.com/basket/taskpilot/internal/otel"
	"github.com/basket/taskpilot/internal/persistence"
	"github.com/basket/taskpilot/internal/policy"
	"github.com/basket/taskpilot/internal/rootcause"
	"github.com/basket/taskpilot/internal/telemetry"
	"github.com/basket/taskpilot/internal/tools"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage(w io.Writer) {
	name := filepath.Base(os.Args[0])
	fmt.Fprintf(w, `Usage of %[1]s:

RUNS:
  %[1]s run -plan FILE [-explore] [-no-tui]   Execute a plan document
  %[1]s resume [RUN_ID] [-no-tui]             Resume a run from its latest checkpoint
  %[1]s rollback RUN_ID                       Restore a run's latest checkpoint
  %[1]s runs [-n N]                           List recent runs

INSPECTION:
  %[1]s checkpoints RUN_ID                    List checkpoints of a run
  %[1]s patterns                              List learned failure patterns
  %[1]s status                                Query a running gateway (/healthz)
  %[1]s doctor [-json]                        Diagnose the installation

SERVICE:
  %[1]s serve                                 Serve the event stream and run maintenance

CONFIGURATION:
  %[1]s config show                           Print the effective configuration
  %[1]s config set KEY VALUE                  Set a dotted key in config.yaml
  %[1]s config init                           Write a default config.yaml

ENVIRONMENT VARIABLES:
  TASKPILOT_HOME            Data directory (default: ~/.taskpilot)
  TASKPILOT_NO_TUI          Set to 1 to disable the live view
  TASKPILOT_LOG_LEVEL       debug, info, warn or error
  TASKPILOT_GATEWAY_TOKEN   Bearer token required by the gateway

`, name)
}

func main() {
	flag.Usage = func() { printUsage(os.Stderr) }
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := flag.Args()
	if len(args) == 0 {
		printUsage(os.Stderr)
		os.Exit(2)
	}
	os.Exit(dispatch(ctx, args))
}

func dispatch(ctx context.Context, args []string) int {
	rest := args[1:]
	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage(os.Stdout)
		return 0
	case "version":
		fmt.Println(Version)
		return 0
	case "run":
		return runRunCommand(ctx, rest)
	case "resume":
		return runResumeCommand(ctx, rest)
	case "rollback":
		return runRollbackCommand(ctx, rest)
	case "runs":
		return runRunsCommand(ctx, rest)
	case "checkpoints":
		return runCheckpointsCommand(ctx, rest)
	case "patterns":
		return runPatternsCommand(ctx, rest)
	case "status":
		return runStatusCommand(ctx, rest)
	case "serve":
		return runServeCommand(ctx, rest)
	case "doctor":
		return runDoctorCommand(ctx, rest)
	case "config":
		return runConfigCommand(rest, os.Stdout)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage(os.Stderr)
		return 2
	}
}

// app is the process-wide wiring shared by every subcommand that touches
// the store.
type app struct {
	cfg     config.Config
	logger  *slog.Logger
	bus     *bus.Bus
	store   *persistence.Store
	otel    *otelPkg.Provider
	metrics *otelPkg.Metrics
	policy  *policy.LivePolicy
	closers []func()
}

// bootstrap loads config, opens the audit trail, logger, telemetry and store.
// quietLogs keeps log records off stdout (the live view owns the terminal).
func bootstrap(ctx context.Context, quietLogs bool) *app {
	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	// Audit only needs homeDir, so it comes up before the logger and records
	// logger failures too.
	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	a := &app{cfg: cfg, bus: bus.New()}
	a.closers = append(a.closers, func() { _ = audit.Close() })

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	a.closers = append(a.closers, func() { _ = closer.Close() })
	slog.SetDefault(logger)
	a.logger = logger
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "from_file", cfg.FromFile, "fingerprint", cfg.Fingerprint())

	provider, err := otelPkg.Init(ctx, otelConfig(cfg))
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	a.otel = provider
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Warn("otel shutdown", "error", err)
		}
	})
	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		logger.Warn("metrics unavailable, using no-op instruments", "error", err)
		metrics = otelPkg.NoopMetrics()
	}
	a.metrics = metrics

	store, err := persistence.Open(cfg.DBPath, a.bus)
	if err != nil {
		fatalStartup(logger, "E_DB_OPEN", err)
	}
	a.store = store
	a.closers = append(a.closers, func() { _ = store.Close() })
	logger.Info("startup phase", "phase", "store_opened", "db", cfg.DBPath)
	return a
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

// newEngine wires an engine against the app's store, tools and telemetry.
func (a *app) newEngine(explore bool) (*engine.Engine, error) {
	ws, err := memory.NewWorkspace(a.cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("open workspace: %w", err)
	}
	if a.policy == nil {
		a.policy = policy.NewLivePolicy(a.cfg.Tools.Policy)
	}
	registry := tools.NewRegistry(
		tools.WithDedupStore(a.store),
		tools.WithPolicy(a.policy),
		tools.WithLogger(a.logger),
	)
	registerTools(registry, ws, a.cfg)
	a.logger.Info("tools registered", "tools", registry.Names())

	workspaceDir := a.cfg.WorkspaceDir
	logger := a.logger
	patterns := a.store.Patterns()
	return engine.New(engineConfig(a.cfg, explore), engine.Deps{
		Oracle:      engine.HintOracle{},
		Tools:       registry,
		Analyzer:    rootcause.NewAnalyzer(patterns, logger),
		Patterns:    patterns,
		Checkpoints: a.store.Checkpoints(),
		Runs:        a.store,
		Bus:         a.bus,
		Memory: func(runID string) (*memory.Store, error) {
			runWS, err := memory.NewWorkspace(filepath.Join(workspaceDir, "runs", runID))
			if err != nil {
				return nil, err
			}
			return memory.OpenStore(runWS, memory.WithLogger(logger))
		},
		Summarizer: compactor.StaticSummarizer{},
		Logger:     a.logger,
		Tracer:     a.otel.Tracer,
		Metrics:    a.metrics,
	})
}

// registerTools installs the built-in tools. The shell tool is opt-in.
func registerTools(r *tools.Registry, ws *memory.Workspace, cfg config.Config) {
	tools.Builtins(r, ws, tools.HostRunner{})
	if cfg.Tools.FetchTimeoutSeconds > 0 {
		r.Register(tools.FetchURLTool(&http.Client{
			Timeout: time.Duration(cfg.Tools.FetchTimeoutSeconds) * time.Second,
		}))
	}
	switch {
	case !cfg.Tools.Shell.Enabled:
		r.Remove("shell")
	case cfg.Tools.Shell.WorkDir != "":
		r.Register(tools.ShellTool(tools.HostRunner{}, cfg.Tools.Shell.WorkDir))
	}
}

func engineConfig(cfg config.Config, explore bool) engine.Config {
	ec := engine.DefaultConfig()
	ec.CheckpointInterval = cfg.Engine.CheckpointInterval
	ec.CheckpointKeep = cfg.Checkpoint.Keep
	ec.RecitationInterval = cfg.Engine.RecitationInterval
	ec.StrikeThreshold = cfg.Engine.StrikeThreshold
	ec.MaxReflections = cfg.Engine.MaxReflections
	ec.MaxAttemptsPerTask = cfg.Engine.MaxAttemptsPerTask
	ec.OnTaskFailure = cfg.Engine.OnTaskFailure
	ec.LookupsPerFinding = cfg.Findings.LookupsPerWrite
	ec.Exploration = engine.ExplorationConfig{
		Enabled:    cfg.Exploration.Enabled || explore,
		Candidates: cfg.Exploration.Candidates,
	}
	ec.Budget = budget.Config{
		BaseSteps:        cfg.Budget.BaseSteps,
		MaxSteps:         cfg.Budget.MaxSteps,
		ContextThreshold: cfg.Budget.ContextThreshold,
		SummaryThreshold: cfg.Budget.SummaryThreshold,
		WallClock:        cfg.WallClock(),
		TokenLimit:       cfg.Budget.TokenLimit,
		Model:            cfg.Budget.Model,
		ContextLimits:    cfg.ContextLimits,
	}
	ec.Compactor = compactor.Config{
		Threshold:          cfg.Compactor.Threshold,
		KeepRecentTurns:    cfg.Compactor.KeepRecentTurns,
		FindingsMaxAge:     cfg.FindingsMaxAge(),
		VerboseOutputBytes: cfg.Compactor.VerboseOutputBytes,
		CeilingTokens:      cfg.Compactor.MemoryCeilingTokens,
	}
	return ec
}

func otelConfig(cfg config.Config) otelPkg.Config {
	return otelPkg.Config{
		Enabled:     cfg.OTel.Enabled,
		Exporter:    cfg.OTel.Exporter,
		Endpoint:    cfg.OTel.Endpoint,
		ServiceName: cfg.OTel.ServiceName,
		SampleRate:  cfg.OTel.SampleRate,
	}
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record(audit.Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Tool:      "runtime.startup",
		Status:    "fatal",
		Error:     reasonCode + ": " + message,
	})

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
