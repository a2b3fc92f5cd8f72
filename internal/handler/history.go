package handler

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sakif/python-executor/internal/apperror"
	"github.com/sakif/python-executor/internal/auth"
	"github.com/sakif/python-executor/internal/repository"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
)

// HistoryHandler serves the per-user execution audit trail.
type HistoryHandler struct {
	history repository.ExecutionHistory
	logger  *slog.Logger
}

// NewHistoryHandler creates a new HistoryHandler.
func NewHistoryHandler(history repository.ExecutionHistory, logger *slog.Logger) *HistoryHandler {
	return &HistoryHandler{
		history: history,
		logger:  logger,
	}
}

// HandleList returns recent execution records for a user, most recent
// first. The user comes from the token when auth is enabled, otherwise
// from the user_id query parameter.
func (h *HistoryHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		userID = r.URL.Query().Get("user_id")
	}
	if userID == "" {
		writeError(w, apperror.ValidationFailed("user_id", "user_id is required"))
		return
	}

	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, apperror.ValidationFailed("limit", "limit must be a positive integer"))
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	offset := 0
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, apperror.ValidationFailed("offset", "offset must be a non-negative integer"))
			return
		}
		offset = n
	}

	recs, err := h.history.ListByUser(r.Context(), userID, repository.ListOptions{
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		h.logger.Error("failed to list execution history",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(recs),
		"executions": recs,
	})
}
