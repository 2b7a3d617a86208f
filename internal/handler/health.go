package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/user-accounts/internal/apperror"
)

// Pinger is satisfied by the database handle.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler answers liveness probes.
type HealthHandler struct {
	db     Pinger
	logger *slog.Logger
}

func NewHealthHandler(db Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{db: db, logger: logger}
}

// HandleHealth reports 200 when the database answers within two seconds.
//
// HTTP: GET /healthz
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		h.logger.Error("health check failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusServiceUnavailable, ErrorEnvelope{
			StatusCode: http.StatusServiceUnavailable,
			Message:    "database unavailable",
			Errors:     []FieldError{},
		})
		return
	}
	writeSuccess(w, http.StatusOK, map[string]string{"status": "ok"}, "healthy")
}

// HandleRateLimited renders the failure envelope for requests rejected by
// the rate limiter.
func HandleRateLimited(w http.ResponseWriter, _ *http.Request) {
	WriteError(w, apperror.TooManyRequests("Too many requests, please try again later"))
}
