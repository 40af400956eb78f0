// Package health runs the pipeline's readiness checks concurrently: one
// per collaborator plus a data-freshness check, folded into a Report whose
// status is the worst component status.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

type Status string

const (
	StatusUp       Status = "up"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// worse reports whether s outranks other for the overall status.
func (s Status) worse(other Status) bool {
	rank := map[Status]int{StatusUp: 0, StatusDegraded: 1, StatusDown: 2}
	return rank[s] > rank[other]
}

// Check probes one collaborator.
type Check func(ctx context.Context) ComponentHealth

type ComponentHealth struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

type Report struct {
	Status     Status                     `json:"status"`
	Components map[string]ComponentHealth `json:"components"`
	CheckedAt  time.Time                  `json:"checkedAt"`
}

// Ping adapts a connectivity probe into a Check. A failing probe reports
// StatusDown when required is true and StatusDegraded otherwise.
func Ping(probe func(ctx context.Context) error, required bool) Check {
	return func(ctx context.Context) ComponentHealth {
		if err := probe(ctx); err != nil {
			status := StatusDegraded
			if required {
				status = StatusDown
			}
			return ComponentHealth{Status: status, Message: err.Error()}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

// Freshness reports StatusDegraded when last has never succeeded or its most
// recent success is older than maxAge.
func Freshness(last func() (time.Time, bool), maxAge time.Duration, now func() time.Time) Check {
	if now == nil {
		now = time.Now
	}
	return func(context.Context) ComponentHealth {
		at, ok := last()
		if !ok {
			return ComponentHealth{Status: StatusDegraded, Message: "no successful run yet"}
		}
		if age := now().Sub(at); age > maxAge {
			return ComponentHealth{
				Status:  StatusDegraded,
				Message: "last success " + age.Round(time.Minute).String() + " ago",
			}
		}
		return ComponentHealth{Status: StatusUp}
	}
}

type namedCheck struct {
	name  string
	check Check
}

// Checker holds the registered checks. Register everything before the
// handlers start serving.
type Checker struct {
	checks []namedCheck
	logger *slog.Logger
}

func NewChecker() *Checker {
	return &Checker{logger: slog.Default().With("component", "health")}
}

// Register adds check under name, replacing an earlier check of that name.
func (c *Checker) Register(name string, check Check) {
	for i := range c.checks {
		if c.checks[i].name == name {
			c.checks[i].check = check
			return
		}
	}
	c.checks = append(c.checks, namedCheck{name: name, check: check})
}

// Run executes every check concurrently under ctx.
func (c *Checker) Run(ctx context.Context) Report {
	report := Report{
		Status:     StatusUp,
		Components: make(map[string]ComponentHealth, len(c.checks)),
		CheckedAt:  time.Now().UTC(),
	}
	var mu sync.Mutex
	var g errgroup.Group
	for _, nc := range c.checks {
		g.Go(func() error {
			start := time.Now()
			result := nc.check(ctx)
			result.Latency = time.Since(start).Round(time.Millisecond).String()
			mu.Lock()
			report.Components[nc.name] = result
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	for _, nc := range c.checks {
		comp := report.Components[nc.name]
		if comp.Status != StatusUp {
			c.logger.Warn("component not healthy", "check", nc.name, "status", comp.Status, "message", comp.Message)
		}
		if comp.Status.worse(report.Status) {
			report.Status = comp.Status
		}
	}
	return report
}

// LiveHandler answers liveness probes without running any checks.
func (c *Checker) LiveHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// ReadyHandler answers readiness probes. Only a down component fails the
// probe; degraded ones are reported with 200.
func (c *Checker) ReadyHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		report := c.Run(ctx)
		status := http.StatusOK
		if report.Status == StatusDown {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, report)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
