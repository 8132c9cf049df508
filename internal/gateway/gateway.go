// Package gateway serves run status and the run event stream over HTTP.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/engine"
	"github.com/basket/taskpilot/internal/persistence"
)

const (
	// replayPageSize bounds one ListEventsFrom call during replay.
	replayPageSize = 256

	// liveBufferSize is the bus buffer per stream client. Events dropped on
	// overflow are re-read from the store.
	liveBufferSize = 256
)

type Config struct {
	Store *persistence.Store
	Bus   *bus.Bus

	// AuthToken, when non-empty, is required as a Bearer token (or ?token=
	// for browser WebSockets) on every endpoint except /healthz.
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser connections.
	// Empty list means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is reported by /healthz.
	ConfigFingerprint string

	// Status returns the live engine snapshot; nil when no engine is attached.
	Status func() engine.Status

	Logger *slog.Logger
}

type Server struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{cfg: cfg, logger: logger}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/api/status", s.handleAPIStatus)
	mux.HandleFunc("/api/runs", s.handleAPIRuns)
	mux.HandleFunc("/api/runs/", s.handleAPIRunByID)

	auth := NewAuthMiddleware(s.cfg.AuthToken)
	cors := NewCORSMiddleware(s.cfg.AllowOrigins)
	return cors(auth.Wrap(mux))
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	s.logger.Info("gateway listening", "addr", ln.Addr().String())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("gateway shutdown", "error", err)
		}
		s.logger.Info("gateway stopped")
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	var lastRun string
	if s.cfg.Store == nil {
		dbOK = false
	} else if id, err := s.cfg.Store.LastRunID(r.Context()); err != nil {
		dbOK = false
	} else {
		lastRun = id
	}

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"last_run_id":        lastRun,
		"engine_attached":    s.cfg.Status != nil,
	}
	if s.cfg.Bus != nil {
		payload["stream_clients"] = s.cfg.Bus.SubscriberCount()
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

// --- REST API handlers ---

func (s *Server) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.cfg.Status == nil {
		http.Error(w, "no engine attached", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, statusView(s.cfg.Status()))
}

func (s *Server) handleAPIRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.cfg.Store.ListRuns(r.Context(), limit)
	if err != nil {
		s.logger.Error("api: list runs", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []persistence.RunRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) handleAPIRunByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if id == "" {
		http.Error(w, "run id is required", http.StatusBadRequest)
		return
	}
	run, err := s.cfg.Store.GetRun(r.Context(), id)
	if errors.Is(err, persistence.ErrRunNotFound) {
		http.Error(w, "run not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("api: get run", "run_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	checkpoints, err := s.cfg.Store.Checkpoints().List(r.Context(), id)
	if err != nil {
		s.logger.Error("api: list checkpoints", "run_id", id, "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	cps := make([]map[string]any, 0, len(checkpoints))
	for _, cp := range checkpoints {
		cps = append(cps, map[string]any{
			"id":         cp.ID,
			"iteration":  cp.Iteration,
			"reason":     cp.Reason,
			"created_at": cp.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "checkpoints": cps})
}

// statusView flattens engine.Status for JSON clients.
func statusView(st engine.Status) map[string]any {
	tasks := make([]map[string]any, 0, len(st.Tasks))
	for _, t := range st.Tasks {
		tasks = append(tasks, map[string]any{
			"id":       t.ID,
			"title":    t.Title,
			"status":   string(t.Status),
			"attempts": t.Meta.Attempts,
		})
	}
	return map[string]any{
		"run_id":          st.RunID,
		"goal":            st.Goal,
		"phase":           string(st.Phase),
		"current_task":    st.CurrentTask,
		"iteration":       st.Iteration,
		"max_iterations":  st.MaxIterations,
		"progress":        st.Progress,
		"token_ratio":     st.TokenRatio,
		"context_usage":   st.ContextUsage,
		"summary_mode":    st.SummaryMode,
		"elapsed_ms":      st.Elapsed.Milliseconds(),
		"last_checkpoint": st.LastCheckpoint,
		"category":        string(st.Category),
		"tasks":           tasks,
		"updated_at":      st.UpdatedAt,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
