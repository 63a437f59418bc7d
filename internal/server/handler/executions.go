package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ExecutionLister reads recent executions. *postgres.ExecutionStore
// satisfies it.
type ExecutionLister interface {
	ListRecent(ctx context.Context, limit int) ([]domain.Execution, error)
}

// ExecutionHandler serves execution history.
type ExecutionHandler struct {
	store  ExecutionLister // nil when Postgres is disabled
	logger *slog.Logger
}

// NewExecutionHandler creates an ExecutionHandler. store may be nil.
func NewExecutionHandler(store ExecutionLister, logger *slog.Logger) *ExecutionHandler {
	return &ExecutionHandler{store: store, logger: logger}
}

// ListRecent returns the newest executions.
// GET /api/executions?limit=50
func (h *ExecutionHandler) ListRecent(w http.ResponseWriter, r *http.Request) {
	if h.store == nil {
		writeError(w, http.StatusNotImplemented, "execution history not configured")
		return
	}

	list, err := h.store.ListRecent(r.Context(), queryLimit(r, 50, 500))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list executions failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list executions")
		return
	}
	if list == nil {
		list = []domain.Execution{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": list})
}
