package analytics

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handler serves the aggregated run statistics.
type Handler struct {
	aggregator *Aggregator
	logger     *slog.Logger
}

func NewHandler(aggregator *Aggregator) *Handler {
	return &Handler{
		aggregator: aggregator,
		logger:     slog.Default().With("component", "run-stats-handler"),
	}
}

// Stats answers GET /api/v1/stats. The figures cover runs finished since the
// process started.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(h.aggregator.Stats())
	if err != nil {
		h.logger.Error("encoding run stats", "error", err)
		http.Error(w, `{"error":"internal error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(body); err != nil {
		h.logger.Debug("client went away before stats were written", "error", err)
	}
}
