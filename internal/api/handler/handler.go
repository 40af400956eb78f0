// Package handler implements the pipeline's HTTP control API: manual and
// backfill triggers, and run record lookup.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/apod"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/pipeline"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/internal/scheduler"
	apperrors "github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/apod-pipeline/pkg/logger"
)

// Starter launches a run in the background once its lease is held.
type Starter interface {
	Start(ctx context.Context, date time.Time, trigger pipeline.Trigger) (string, <-chan *pipeline.Run, error)
}

// Backfiller runs a date range sequentially.
type Backfiller interface {
	Backfill(ctx context.Context, from, to time.Time) ([]*pipeline.Run, error)
}

// RunReader reads run records.
type RunReader interface {
	Get(ctx context.Context, id string) (*pipeline.Run, error)
	List(ctx context.Context, limit int) ([]*pipeline.Run, error)
}

// ActiveChecker reports the run currently holding the lease.
type ActiveChecker interface {
	Active(ctx context.Context) (string, bool, error)
}

// Handler serves the control API. Runs it starts live on base, not on the
// request context, so they survive the response.
type Handler struct {
	base     context.Context
	starter  Starter
	backfill Backfiller
	runs     RunReader
	active   ActiveChecker
	logger   *slog.Logger
}

func New(base context.Context, starter Starter, backfill Backfiller, runs RunReader, active ActiveChecker) *Handler {
	return &Handler{
		base:     base,
		starter:  starter,
		backfill: backfill,
		runs:     runs,
		active:   active,
		logger:   slog.Default().With("component", "api-handler"),
	}
}

type triggerRequest struct {
	Date string `json:"date"`
}

// TriggerRun starts a manual run for the requested date, or the upstream's
// current date when none is given. It answers 202 with the run ID, or 409
// when another run is active.
func (h *Handler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body"))
			return
		}
	}
	var date time.Time
	if req.Date != "" {
		d, err := apod.ParseDate(req.Date)
		if err != nil {
			h.writeError(w, r, apperrors.Newf(apperrors.ErrInvalidInput, http.StatusBadRequest, "date must be YYYY-MM-DD, got %q", req.Date))
			return
		}
		date = d
	}

	runID, _, err := h.starter.Start(h.base, date, pipeline.TriggerManual)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("manual run accepted", "run_id", runID, "date", req.Date)
	h.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id": runID,
		"date":   req.Date,
		"status": "accepted",
	})
}

type backfillRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Backfill starts a sequential backfill over an inclusive date range.
func (h *Handler) Backfill(w http.ResponseWriter, r *http.Request) {
	var req backfillRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "invalid JSON body"))
		return
	}
	from, errFrom := apod.ParseDate(req.From)
	to, errTo := apod.ParseDate(req.To)
	if err := errors.Join(errFrom, errTo); err != nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "from and to must be YYYY-MM-DD"))
		return
	}
	dates, err := scheduler.BackfillDates(from, to)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if runID, busy, err := h.active.Active(r.Context()); err != nil {
		h.writeError(w, r, err)
		return
	} else if busy {
		h.writeError(w, r, apperrors.Newf(apperrors.ErrRunActive, http.StatusConflict, "run %s is active", runID))
		return
	}

	go func() {
		runs, err := h.backfill.Backfill(h.base, from, to)
		if err != nil {
			h.logger.Error("backfill stopped", "from", req.From, "to", req.To, "completed", len(runs), "error", err)
			return
		}
		h.logger.Info("backfill finished", "from", req.From, "to", req.To, "runs", len(runs))
	}()

	h.writeJSON(w, http.StatusAccepted, map[string]any{
		"from":   req.From,
		"to":     req.To,
		"dates":  len(dates),
		"status": "accepted",
	})
}

// GetRun returns one run record.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, r, apperrors.New(apperrors.ErrInvalidInput, http.StatusBadRequest, "run id is required"))
		return
	}
	run, err := h.runs.Get(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, run)
}

// ListRuns returns the most recent runs, newest first.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	runs, err := h.runs.List(r.Context(), limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*pipeline.Run{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
		"limit": limit,
	})
}

// ActiveRun reports whether a run currently holds the lease.
func (h *Handler) ActiveRun(w http.ResponseWriter, r *http.Request) {
	runID, busy, err := h.active.Active(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"active": busy,
		"run_id": runID,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logger.FromContext(r.Context()).Error("request failed", "path", r.URL.Path, "error", err)
		message = "internal error"
	}
	h.writeJSON(w, status, map[string]string{"error": message})
}
