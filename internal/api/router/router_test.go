package router

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/api/handler"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline/registry"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline/runstore"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/scheduler"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink/keyed"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/sink/snapshot"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/transform"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/versioning"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

type gatedExtractor struct {
	gate chan struct{}
}

func (g *gatedExtractor) Fetch(ctx context.Context, date time.Time) (apod.RawRecord, error) {
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return apod.RawRecord{"date": apod.FormatDate(date), "title": "Nebula " + apod.FormatDate(date), "media_type": "image"}, nil
}

type nopVersioner struct{}

func (nopVersioner) Capture(context.Context) (versioning.CaptureResult, error) {
	return versioning.CaptureResult{Changed: true}, nil
}

func (nopVersioner) Commit(context.Context, versioning.CaptureResult) (versioning.CommitResult, error) {
	return versioning.CommitResult{Committed: true}, nil
}

type testServer struct {
	*httptest.Server
	gate chan struct{}
	reg  *registry.MemoryRegistry
}

// newTestServer wires the real handler, router, orchestrator and scheduler
// over in-memory collaborators. Runs block in extract until gate is closed.
func newTestServer(t *testing.T) *testServer {
	t.Helper()
	return newTestServerWith(t, Config{Timeout: 5 * time.Second})
}

func newTestServerWith(t *testing.T, cfg Config) *testServer {
	t.Helper()
	m := metrics.NewNop()
	ext := &gatedExtractor{gate: make(chan struct{})}
	reg := registry.NewMemoryRegistry()
	runs := runstore.NewMemoryStore(50)
	agg := analytics.NewAggregator(nil)

	orch, err := pipeline.New(pipeline.Deps{
		Extractor:   ext,
		Transformer: transform.New(nil),
		Keyed:       keyed.NewWriter(keyed.NewMemoryStore()),
		Snapshot:    snapshot.NewWriter(filepath.Join(t.TempDir(), "apod.csv"), m),
		Versioning:  nopVersioner{},
		Registry:    reg,
		Runs:        runs,
		Notifier:    pipeline.Notifiers{agg},
		Metrics:     m,
	}, pipeline.Options{StageTimeout: 5 * time.Second, RetryDelay: time.Millisecond})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	sched, err := scheduler.New("@daily", nil, orch)
	if err != nil {
		t.Fatal(err)
	}

	base, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	h := handler.New(base, orch, sched, runs, reg)
	checker := health.NewChecker()
	checker.Register("registry", health.Ping(func(ctx context.Context) error {
		_, _, err := reg.Active(ctx)
		return err
	}, true))

	srv := httptest.NewServer(New(h, analytics.NewHandler(agg), checker, m, cfg))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, gate: ext.gate, reg: reg}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, _ := http.NewRequest(method, s.URL+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out map[string]any
	json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

// waitForRuns polls the run list until n runs have finished.
func (s *testServer) waitForRuns(t *testing.T, n int) []any {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		_, body := s.do(t, http.MethodGet, "/api/v1/runs", nil)
		list, _ := body["runs"].([]any)
		finished := 0
		for _, r := range list {
			if r.(map[string]any)["status"] != string(pipeline.RunRunning) {
				finished++
			}
		}
		if finished >= n {
			return list
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d finished runs", n)
	return nil
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)
	for _, path := range []string{"/health/live", "/health/ready"} {
		resp, _ := srv.do(t, http.MethodGet, path, nil)
		if resp.StatusCode != http.StatusOK {
			t.Errorf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		if resp.Header.Get("X-Request-ID") == "" {
			t.Errorf("%s: missing X-Request-ID", path)
		}
	}
}

func TestTriggerRunLifecycle(t *testing.T) {
	srv := newTestServer(t)

	resp, body := srv.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"date": "2025-11-13"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, body)
	}
	runID, _ := body["run_id"].(string)
	if runID == "" {
		t.Fatal("missing run_id")
	}

	resp, body = srv.do(t, http.MethodPost, "/api/v1/runs", map[string]string{"date": "2025-11-14"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("overlapping trigger: expected 409, got %d: %v", resp.StatusCode, body)
	}
	_, body = srv.do(t, http.MethodGet, "/api/v1/runs/active", nil)
	if body["active"] != true || body["run_id"] != runID {
		t.Fatalf("active = %v", body)
	}
	resp, _ = srv.do(t, http.MethodPost, "/api/v1/backfill", map[string]string{"from": "2025-11-01", "to": "2025-11-02"})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("backfill while active: expected 409, got %d", resp.StatusCode)
	}

	close(srv.gate)
	srv.waitForRuns(t, 1)

	resp, body = srv.do(t, http.MethodGet, "/api/v1/runs/"+runID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get run: expected 200, got %d", resp.StatusCode)
	}
	if body["status"] != string(pipeline.RunSucceeded) || body["date"] != "2025-11-13" || body["trigger"] != "manual" {
		t.Fatalf("run = %v", body)
	}
	stages, _ := body["stages"].(map[string]any)
	if len(stages) != 6 {
		t.Fatalf("expected 6 stage records, got %v", stages)
	}

	// The run record is saved before notifiers see it.
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, body = srv.do(t, http.MethodGet, "/api/v1/stats", nil)
		if body["total_runs"] == float64(1) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stats never recorded the run: %v", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if body["last_success_date"] != "2025-11-13" {
		t.Fatalf("stats = %v", body)
	}
}

func TestBackfillEndpoint(t *testing.T) {
	srv := newTestServer(t)
	close(srv.gate)

	resp, body := srv.do(t, http.MethodPost, "/api/v1/backfill", map[string]string{"from": "2025-11-01", "to": "2025-11-03"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %v", resp.StatusCode, body)
	}
	if body["dates"] != float64(3) {
		t.Fatalf("dates = %v", body["dates"])
	}

	list := srv.waitForRuns(t, 3)
	var dates []string
	for _, r := range list {
		run := r.(map[string]any)
		if run["trigger"] != "backfill" {
			t.Fatalf("trigger = %v", run["trigger"])
		}
		dates = append(dates, run["date"].(string))
	}
	// Newest first: the backfill ran oldest to newest.
	want := []string{"2025-11-03", "2025-11-02", "2025-11-01"}
	for i := range want {
		if dates[i] != want[i] {
			t.Fatalf("dates = %v, want %v", dates, want)
		}
	}
}

func TestRequestValidation(t *testing.T) {
	srv := newTestServer(t)
	tests := []struct {
		name   string
		method string
		path   string
		body   any
		want   int
	}{
		{"bad run date", http.MethodPost, "/api/v1/runs", map[string]string{"date": "13/11/2025"}, http.StatusBadRequest},
		{"reversed backfill", http.MethodPost, "/api/v1/backfill", map[string]string{"from": "2025-11-03", "to": "2025-11-01"}, http.StatusBadRequest},
		{"backfill missing to", http.MethodPost, "/api/v1/backfill", map[string]string{"from": "2025-11-03"}, http.StatusBadRequest},
		{"unknown run", http.MethodGet, "/api/v1/runs/does-not-exist", nil, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := srv.do(t, tt.method, tt.path, tt.body)
			if resp.StatusCode != tt.want {
				t.Fatalf("expected %d, got %d: %v", tt.want, resp.StatusCode, body)
			}
			if body["error"] == "" || body["error"] == nil {
				t.Fatalf("expected error body, got %v", body)
			}
		})
	}
	if _, busy, _ := srv.reg.Active(context.Background()); busy {
		t.Fatal("rejected requests must not start runs")
	}
}

func TestMutatingRoutesRequireToken(t *testing.T) {
	srv := newTestServerWith(t, Config{Timeout: 5 * time.Second, APITokens: []string{"op-token"}, TriggerRateLimit: 1})
	close(srv.gate)

	resp, _ := srv.do(t, http.MethodPost, "/api/v1/runs", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp, _ = srv.do(t, http.MethodGet, "/api/v1/runs", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reads need no token, got %d", resp.StatusCode)
	}

	post := func() int {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/runs", bytes.NewBufferString(`{"date":"2025-11-13"}`))
		req.Header.Set("Authorization", "Bearer op-token")
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp.StatusCode
	}
	if code := post(); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	if code := post(); code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", code)
	}
}
