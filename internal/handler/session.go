package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/python-executor/internal/apperror"
	"github.com/sakif/python-executor/internal/model"
)

// SessionDirectory is the registry surface the session endpoints need.
type SessionDirectory interface {
	Sessions() []model.SessionInfo
	Remove(ctx context.Context, userID string) error
	Count() int
	Capacity() int
	AtCapacity() bool
}

// SessionHandler exposes session inspection and teardown.
type SessionHandler struct {
	registry SessionDirectory
	logger   *slog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(registry SessionDirectory, logger *slog.Logger) *SessionHandler {
	return &SessionHandler{
		registry: registry,
		logger:   logger,
	}
}

// HandleList returns a snapshot of all live sessions.
func (h *SessionHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	infos := h.registry.Sessions()
	writeJSON(w, http.StatusOK, map[string]any{
		"count":    len(infos),
		"sessions": infos,
	})
}

// HandleRemove is the explicit teardown path (logout). The session is
// destroyed immediately, cancelling an in-flight call if one exists.
func (h *SessionHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	if userID == "" {
		writeError(w, apperror.ValidationFailed("userID", "user ID is required"))
		return
	}

	if err := h.registry.Remove(r.Context(), userID); err != nil {
		writeError(w, err)
		return
	}

	h.logger.Info("session removed on user request", slog.String("user", userID))
	w.WriteHeader(http.StatusNoContent)
}
