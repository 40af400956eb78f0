// Package router wires the control API routes and applies the middleware
// chain (RequestID → Timeout → Metrics → Auth → RateLimit).
package router

import (
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/analytics"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/api/handler"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/metrics"
	pkgmw "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/middleware"
)

// Config holds the router's middleware settings.
type Config struct {
	Timeout time.Duration
	// APITokens gate mutating routes. Empty disables auth.
	APITokens []string
	// TriggerRateLimit caps mutating requests per caller per minute.
	TriggerRateLimit int
}

// New builds the control API handler.
//
// Route table:
//
//	POST   /api/v1/runs          → start a manual run
//	GET    /api/v1/runs          → list recent runs
//	GET    /api/v1/runs/active   → run holding the lease
//	GET    /api/v1/runs/{id}     → one run record
//	POST   /api/v1/backfill      → sequential backfill over a date range
//	GET    /api/v1/stats         → aggregated run statistics
//	GET    /health/live          → liveness
//	GET    /health/ready         → readiness (collaborator checks)
//	GET    /metrics              → Prometheus
func New(h *handler.Handler, stats *analytics.Handler, checker *health.Checker, m *metrics.Metrics, cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/runs", h.TriggerRun)
	mux.HandleFunc("GET /api/v1/runs", h.ListRuns)
	mux.HandleFunc("GET /api/v1/runs/active", h.ActiveRun)
	mux.HandleFunc("GET /api/v1/runs/{id}", h.GetRun)
	mux.HandleFunc("POST /api/v1/backfill", h.Backfill)
	mux.HandleFunc("GET /api/v1/stats", stats.Stats)

	// request → RequestID → Timeout → Metrics → Auth → RateLimit → mux
	var chain http.Handler = mux
	chain = pkgmw.RateLimit(cfg.TriggerRateLimit, time.Minute)(chain)
	chain = pkgmw.Auth(cfg.APITokens)(chain)
	chain = pkgmw.Metrics(m)(chain)
	chain = pkgmw.Timeout(cfg.Timeout)(chain)
	chain = pkgmw.RequestID(chain)

	return chain
}
