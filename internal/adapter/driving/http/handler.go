// Package httphandler is the HTTP driving adapter serving the status API.
package httphandler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/medrelay/medrelay/internal/application"
)

// Handler serves the operational status surface: health, last poll cycle,
// and a manual refresh trigger.
type Handler struct {
	pollSvc *application.PollService
	logger  *slog.Logger
}

// NewHandler creates a Handler with all required dependencies.
func NewHandler(pollSvc *application.PollService, logger *slog.Logger) *Handler {
	return &Handler{
		pollSvc: pollSvc,
		logger:  logger,
	}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/status", h.Status)
	mux.HandleFunc("POST /api/v1/refresh", h.Refresh)

	// Recovery innermost so panics are caught before logging.
	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)

	return wrapped
}

// Health reports process liveness. Used by the container healthcheck.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status: "ok",
		Time:   time.Now().UTC().Format(time.RFC3339),
	})
}

// Status reports the outcome of the most recent poll cycle.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toCycleResponse(h.pollSvc.LastCycle()))
}

// Refresh triggers an immediate poll cycle and reports its outcome.
func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	if err := h.pollSvc.RefreshNow(r.Context()); err != nil {
		h.logger.Error("manual refresh failed", "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, toCycleResponse(h.pollSvc.LastCycle()))
}
