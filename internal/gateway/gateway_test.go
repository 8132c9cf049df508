package gateway_test

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/taskpilot/internal/bus"
	"github.com/basket/taskpilot/internal/checkpoint"
	"github.com/basket/taskpilot/internal/engine"
	"github.com/basket/taskpilot/internal/gateway"
	"github.com/basket/taskpilot/internal/persistence"
	"github.com/basket/taskpilot/internal/plan"
)

const gatewayTestAuthToken = "gateway-test-token"

func openStoreForGatewayTest(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "taskpilot.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func createRun(t *testing.T, store *persistence.Store, id string) {
	t.Helper()
	if err := store.CreateRun(context.Background(), id, "goal of "+id, "plan.yaml", time.Now()); err != nil {
		t.Fatalf("create run: %v", err)
	}
}

func getJSON(t *testing.T, url, token string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestHealthzEndpointContract(t *testing.T) {
	store := openStoreForGatewayTest(t, nil)
	createRun(t, store, "run-h")
	srv := gateway.New(gateway.Config{
		Store:             store,
		Bus:               bus.New(),
		AuthToken:         gatewayTestAuthToken,
		ConfigFingerprint: "cfg-abc",
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// No token: /healthz stays open.
	var body map[string]any
	if code := getJSON(t, ts.URL+"/healthz", "", &body); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	requiredFields := []string{"healthy", "db_ok", "config_fingerprint", "last_run_id", "engine_attached", "stream_clients"}
	for _, field := range requiredFields {
		if _, ok := body[field]; !ok {
			t.Errorf("healthz missing required field %q, got: %v", field, body)
		}
	}
	if body["healthy"] != true || body["last_run_id"] != "run-h" || body["config_fingerprint"] != "cfg-abc" {
		t.Errorf("unexpected healthz body: %v", body)
	}
	if body["engine_attached"] != false {
		t.Errorf("expected engine_attached=false, got %v", body["engine_attached"])
	}
}

func TestAPIRuns_ListAndGet(t *testing.T) {
	store := openStoreForGatewayTest(t, nil)
	createRun(t, store, "run-1")
	createRun(t, store, "run-2")
	err := store.Checkpoints().Put(context.Background(), checkpoint.Checkpoint{
		ID:        "cp-1",
		RunID:     "run-1",
		Iteration: 5,
		Reason:    "interval",
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("put checkpoint: %v", err)
	}

	srv := gateway.New(gateway.Config{Store: store})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	var list struct {
		Runs  []persistence.RunRecord `json:"runs"`
		Count int                     `json:"count"`
	}
	if code := getJSON(t, ts.URL+"/api/runs", "", &list); code != http.StatusOK {
		t.Fatalf("list status = %d", code)
	}
	if list.Count != 2 || len(list.Runs) != 2 {
		t.Fatalf("runs = %+v", list)
	}

	var one struct {
		Run         persistence.RunRecord `json:"run"`
		Checkpoints []struct {
			ID        string `json:"id"`
			Iteration int    `json:"iteration"`
			Reason    string `json:"reason"`
		} `json:"checkpoints"`
	}
	if code := getJSON(t, ts.URL+"/api/runs/run-1", "", &one); code != http.StatusOK {
		t.Fatalf("get status = %d", code)
	}
	if one.Run.ID != "run-1" || one.Run.Status != persistence.RunRunning {
		t.Fatalf("run = %+v", one.Run)
	}
	if len(one.Checkpoints) != 1 || one.Checkpoints[0].ID != "cp-1" || one.Checkpoints[0].Iteration != 5 {
		t.Fatalf("checkpoints = %+v", one.Checkpoints)
	}

	if code := getJSON(t, ts.URL+"/api/runs/missing", "", nil); code != http.StatusNotFound {
		t.Fatalf("missing run status = %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/runs?limit=zero", "", nil); code != http.StatusBadRequest {
		t.Fatalf("bad limit status = %d", code)
	}
}

func TestAPIStatus(t *testing.T) {
	store := openStoreForGatewayTest(t, nil)

	detached := httptest.NewServer(gateway.New(gateway.Config{Store: store}).Handler())
	defer detached.Close()
	if code := getJSON(t, detached.URL+"/api/status", "", nil); code != http.StatusServiceUnavailable {
		t.Fatalf("detached status = %d", code)
	}

	snapshot := engine.Status{
		RunID:         "run-s",
		Goal:          "ship it",
		Phase:         engine.PhaseDispatch,
		CurrentTask:   "B",
		Iteration:     4,
		MaxIterations: 30,
		Progress:      plan.Progress{Total: 3, Completed: 1, Pending: 1, Running: 1, Percentage: 33.3},
		Tasks: []plan.Task{
			{ID: "A", Title: "first", Status: plan.StatusSuccess},
			{ID: "B", Title: "second", Status: plan.StatusRunning},
		},
		Elapsed: 1500 * time.Millisecond,
	}
	srv := gateway.New(gateway.Config{
		Store:     store,
		AuthToken: gatewayTestAuthToken,
		Status:    func() engine.Status { return snapshot },
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	if code := getJSON(t, ts.URL+"/api/status", "", nil); code != http.StatusUnauthorized {
		t.Fatalf("missing token status = %d", code)
	}
	if code := getJSON(t, ts.URL+"/api/status", "wrong", nil); code != http.StatusForbidden {
		t.Fatalf("wrong token status = %d", code)
	}

	var body struct {
		RunID       string `json:"run_id"`
		Phase       string `json:"phase"`
		CurrentTask string `json:"current_task"`
		Iteration   int    `json:"iteration"`
		ElapsedMs   int64  `json:"elapsed_ms"`
		Progress    struct {
			Total     int `json:"total"`
			Completed int `json:"completed"`
		} `json:"progress"`
		Tasks []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"tasks"`
	}
	if code := getJSON(t, ts.URL+"/api/status", gatewayTestAuthToken, &body); code != http.StatusOK {
		t.Fatalf("status code = %d", code)
	}
	if body.RunID != "run-s" || body.Phase != "dispatch" || body.CurrentTask != "B" || body.Iteration != 4 {
		t.Fatalf("status body = %+v", body)
	}
	if body.ElapsedMs != 1500 || body.Progress.Total != 3 || body.Progress.Completed != 1 {
		t.Fatalf("status body = %+v", body)
	}
	if len(body.Tasks) != 2 || body.Tasks[1].Status != "running" {
		t.Fatalf("tasks = %+v", body.Tasks)
	}
}

func TestServe_StopsOnContextCancel(t *testing.T) {
	store := openStoreForGatewayTest(t, nil)
	srv := gateway.New(gateway.Config{Store: store})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/healthz"
	deadline := time.Now().Add(3 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop")
	}
}
