package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"

	"github.com/basket/taskpilot/internal/config"
	"github.com/basket/taskpilot/internal/cron"
	"github.com/basket/taskpilot/internal/engine"
	"github.com/basket/taskpilot/internal/gateway"
	"github.com/basket/taskpilot/internal/plan"
)

// runServeCommand serves the gateway and runs store maintenance until the
// process is signalled. With -plan it also executes that plan, so clients
// can follow the run live.
func runServeCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	planPath := fs.String("plan", "", "plan document to execute while serving")
	explore := fs.Bool("explore", false, "try up to three candidate actions per step")
	addr := fs.String("addr", "", "listen address (default: gateway.bind_addr)")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: taskpilot serve [-addr HOST:PORT] [-plan FILE] [-explore]")
		return 2
	}

	var p *plan.Plan
	if *planPath != "" {
		doc, err := plan.LoadFile(*planPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			return 1
		}
		if p, err = plan.Create(doc.Goal, doc.Tasks); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			return 1
		}
	}

	a := bootstrap(ctx, false)
	defer a.Close()
	logger := a.logger

	listenAddr := a.cfg.Gateway.BindAddr
	if *addr != "" {
		listenAddr = *addr
	}
	if a.cfg.Gateway.AuthToken == "" && !isLoopback(listenAddr) {
		logger.Warn("gateway is reachable beyond loopback without an auth token", "addr", listenAddr)
	}

	gwCfg := gateway.Config{
		Store:             a.store,
		Bus:               a.bus,
		AuthToken:         a.cfg.Gateway.AuthToken,
		AllowOrigins:      a.cfg.Gateway.AllowOrigins,
		ConfigFingerprint: a.cfg.Fingerprint(),
		Logger:            logger.With("component", "gateway"),
	}
	var eng *engine.Engine
	if p != nil {
		var err error
		if eng, err = a.newEngine(*explore); err != nil {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
			return 1
		}
		gwCfg.Status = eng.Status
	}

	if retention := a.cfg.EventRetention(); retention > 0 {
		sched, err := cron.NewScheduler(cron.Config{
			Store:     a.store,
			Logger:    logger.With("component", "maintenance"),
			Schedule:  a.cfg.Maintenance.Schedule,
			Retention: retention,
		})
		if err != nil {
			fatalStartup(logger, "E_MAINTENANCE_SCHEDULE", err)
		}
		sched.Start(ctx)
		defer sched.Stop()
	} else {
		logger.Info("event retention disabled; maintenance not scheduled")
	}

	watcher := config.NewWatcher(a.cfg.HomeDir, a.bus, logger.With("component", "config"))
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go watchConfig(ctx, a, watcher)
	}

	gwErr := make(chan error, 1)
	go func() {
		gwErr <- gateway.New(gwCfg).ListenAndServe(ctx, listenAddr)
	}()

	if eng != nil {
		abs, _ := filepath.Abs(*planPath)
		res, err := eng.Run(ctx, p, engine.WithPlanPath(abs))
		if res.RunID != "" {
			logger.Info("run finished", "run_id", res.RunID, "status", res.Status, "category", res.Category)
		}
		if err != nil && !errors.Is(err, engine.ErrCancelled) {
			logger.Error("run failed", "error", err)
		}
	}

	if err := <-gwErr; err != nil {
		logger.Error("gateway stopped", "error", err)
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// watchConfig logs config.yaml edits. The tool policy is swapped in place;
// other settings apply to the next run. A broken file is reported and the
// running config is kept.
func watchConfig(ctx context.Context, a *app, w *config.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.LoadFrom(a.cfg.HomeDir)
			if err != nil {
				a.logger.Warn("config reload rejected", "path", ev.Path, "error", err)
				continue
			}
			a.logger.Info("config changed",
				"path", ev.Path,
				"op", ev.Op.String(),
				"fingerprint", next.Fingerprint(),
				"previous", a.cfg.Fingerprint())
			if a.policy != nil && a.policy.Reload(next.Tools.Policy) {
				a.logger.Info("tool policy reloaded", "policy_version", a.policy.PolicyVersion())
			}
		}
	}
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
