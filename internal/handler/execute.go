package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/sakif/python-executor/internal/apperror"
	"github.com/sakif/python-executor/internal/auth"
	"github.com/sakif/python-executor/internal/executor"
	"github.com/sakif/python-executor/internal/staging"
)

// MaxCodeLength caps submitted code at ~100KB.
const MaxCodeLength = 100000

// Dispatcher is the execution entry point the handler drives.
type Dispatcher interface {
	Execute(ctx context.Context, req executor.Request) (*executor.Result, error)
}

// ExecuteHandler handles code execution requests.
type ExecuteHandler struct {
	dispatcher Dispatcher
	stager     staging.Stager
	logger     *slog.Logger
}

// NewExecuteHandler creates a new ExecuteHandler.
func NewExecuteHandler(dispatcher Dispatcher, stager staging.Stager, logger *slog.Logger) *ExecuteHandler {
	return &ExecuteHandler{
		dispatcher: dispatcher,
		stager:     stager,
		logger:     logger,
	}
}

// HandleExecute processes an incoming code execution request: validate,
// stage referenced files into the user's working directory, dispatch, and
// return the structured result. Ordinary execution failures come back as
// 200 with success=false; only infrastructure problems produce error
// statuses.
func (h *ExecuteHandler) HandleExecute(w http.ResponseWriter, r *http.Request) {
	var req executor.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("invalid execution request body", slog.String("error", err.Error()))
		writeError(w, apperror.ValidationFailed("body", "invalid request body"))
		return
	}

	userID, err := h.resolveUser(r, req.UserID)
	if err != nil {
		writeError(w, err)
		return
	}
	req.UserID = userID

	if len(req.Code) > MaxCodeLength {
		writeError(w, apperror.ValidationFailed("code", "code exceeds maximum length"))
		return
	}
	if err := executor.ValidateCode(req.Code); err != nil {
		writeError(w, apperror.ValidationFailed("code", err.Error()))
		return
	}

	// Staging is a precondition of dispatch: every referenced file must
	// exist in the working directory before the code runs. A missing file
	// is an ordinary failed outcome; anything else is the storage
	// collaborator misbehaving.
	for _, ref := range req.Files {
		if _, err := h.stager.CopyToUserDir(userID, ref); err != nil {
			h.logger.Warn("file staging failed",
				slog.String("user", userID),
				slog.String("file", ref),
				slog.String("error", err.Error()),
			)
			if errors.Is(err, os.ErrNotExist) {
				writeJSON(w, http.StatusOK, &executor.Result{
					Success:   false,
					Error:     "file not found: " + ref,
					ErrorKind: executor.ErrorKindRuntime,
				})
				return
			}
			writeError(w, fmt.Errorf("staging %s: %w", ref, err))
			return
		}
	}

	result, err := h.dispatcher.Execute(r.Context(), req)
	if err != nil {
		h.logger.Error("code execution failed",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// resolveUser determines the authoritative user ID. With auth enabled the
// token subject wins; a mismatching body user_id is rejected rather than
// silently ignored. With auth disabled the body user_id is trusted.
func (h *ExecuteHandler) resolveUser(r *http.Request, bodyUserID string) (string, error) {
	ctxUser := auth.UserID(r.Context())
	if ctxUser != "" {
		if bodyUserID != "" && bodyUserID != ctxUser {
			return "", apperror.Forbidden("user_id does not match authenticated user")
		}
		return ctxUser, nil
	}
	if bodyUserID == "" {
		return "", apperror.ValidationFailed("user_id", "user_id is required")
	}
	return bodyUserID, nil
}
