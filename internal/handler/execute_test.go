package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/python-executor/internal/auth"
	"github.com/sakif/python-executor/internal/executor"
	"github.com/sakif/python-executor/internal/handler"
)

// mockDispatcher records the request it received and returns a canned
// result or error.
type mockDispatcher struct {
	result *executor.Result
	err    error
	got    *executor.Request
}

func (m *mockDispatcher) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	m.got = &req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

// mockStager records staged files; missingOn simulates a nonexistent source
// file, brokenOn a storage-level failure.
type mockStager struct {
	staged    []string
	missingOn string
	brokenOn  string
}

func (m *mockStager) EnsureUserDir(userID string) (string, error) {
	return "/tmp/" + userID, nil
}

func (m *mockStager) CopyToUserDir(userID, src string) (string, error) {
	switch src {
	case m.missingOn:
		return "", fmt.Errorf("staging: opening %s: %w", src, os.ErrNotExist)
	case m.brokenOn:
		return "", errors.New("staging: disk on fire")
	}
	m.staged = append(m.staged, src)
	return src, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func execRequest(t *testing.T, body any) *http.Request {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	return httptest.NewRequest(http.MethodPost, "/api/execute", bytes.NewReader(b))
}

func TestExecuteHandler_HandleExecute(t *testing.T) {
	t.Run("dispatches and returns the result", func(t *testing.T) {
		disp := &mockDispatcher{result: &executor.Result{
			Success:       true,
			Output:        "hello",
			ExecutionTime: 0.01,
		}}
		h := handler.NewExecuteHandler(disp, &mockStager{}, testLogger())

		req := execRequest(t, map[string]any{"user_id": "alice", "code": "print('hello')"})
		rec := httptest.NewRecorder()
		h.HandleExecute(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		var res executor.Result
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.True(t, res.Success)
		assert.Equal(t, "hello", res.Output)
		assert.Equal(t, "alice", disp.got.UserID)
	})

	t.Run("execution failure is still a 200", func(t *testing.T) {
		disp := &mockDispatcher{result: &executor.Result{
			Success:   false,
			Error:     "NameError: name 'x' is not defined",
			ErrorKind: executor.ErrorKindRuntime,
		}}
		h := handler.NewExecuteHandler(disp, &mockStager{}, testLogger())

		rec := httptest.NewRecorder()
		h.HandleExecute(rec, execRequest(t, map[string]any{"user_id": "alice", "code": "x"}))

		assert.Equal(t, http.StatusOK, rec.Code)
		var res executor.Result
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "NameError")
	})

	t.Run("malformed body is a 400", func(t *testing.T) {
		h := handler.NewExecuteHandler(&mockDispatcher{}, &mockStager{}, testLogger())

		req := httptest.NewRequest(http.MethodPost, "/api/execute", strings.NewReader("{not json"))
		rec := httptest.NewRecorder()
		h.HandleExecute(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("empty code is a 400", func(t *testing.T) {
		h := handler.NewExecuteHandler(&mockDispatcher{}, &mockStager{}, testLogger())

		rec := httptest.NewRecorder()
		h.HandleExecute(rec, execRequest(t, map[string]any{"user_id": "alice", "code": "  \n "}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("oversized code is a 400", func(t *testing.T) {
		h := handler.NewExecuteHandler(&mockDispatcher{}, &mockStager{}, testLogger())

		rec := httptest.NewRecorder()
		h.HandleExecute(rec, execRequest(t, map[string]any{
			"user_id": "alice",
			"code":    strings.Repeat("a", handler.MaxCodeLength+1),
		}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("missing user_id without auth is a 400", func(t *testing.T) {
		h := handler.NewExecuteHandler(&mockDispatcher{}, &mockStager{}, testLogger())

		rec := httptest.NewRecorder()
		h.HandleExecute(rec, execRequest(t, map[string]any{"code": "pass"}))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("stages referenced files before dispatch", func(t *testing.T) {
		disp := &mockDispatcher{result: &executor.Result{Success: true}}
		stager := &mockStager{}
		h := handler.NewExecuteHandler(disp, stager, testLogger())

		rec := httptest.NewRecorder()
		h.HandleExecute(rec, execRequest(t, map[string]any{
			"user_id": "alice",
			"code":    "open('data.csv')",
			"files":   []string{"data.csv", "model.pkl"},
		}))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, []string{"data.csv", "model.pkl"}, stager.staged)
	})

	t.Run("dangerous code is a 400 before any session is touched", func(t *testing.T) {
		disp := &mockDispatcher{}
		h := handler.NewExecuteHandler(disp, &mockStager{}, testLogger())

		for _, code := range []string{
			"os.system('rm -rf /')",
			"import subprocess; subprocess.run(['ls'])",
			"eval('1+1')",
		} {
			rec := httptest.NewRecorder()
			h.HandleExecute(rec, execRequest(t, map[string]any{"user_id": "alice", "code": code}))

			assert.Equal(t, http.StatusBadRequest, rec.Code, "code %q", code)
		}
		assert.Nil(t, disp.got)
	})

	t.Run("missing referenced file is a failed result, not an error status", func(t *testing.T) {
		disp := &mockDispatcher{result: &executor.Result{Success: true}}
		h := handler.NewExecuteHandler(disp, &mockStager{missingOn: "missing.csv"}, testLogger())

		rec := httptest.NewRecorder()
		h.HandleExecute(rec, execRequest(t, map[string]any{
			"user_id": "alice",
			"code":    "open('missing.csv')",
			"files":   []string{"missing.csv"},
		}))

		assert.Equal(t, http.StatusOK, rec.Code)
		var res executor.Result
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "missing.csv")
		assert.Equal(t, executor.ErrorKindRuntime, res.ErrorKind)
		assert.Nil(t, disp.got)
	})

	t.Run("storage failure during staging is a 500", func(t *testing.T) {
		disp := &mockDispatcher{result: &executor.Result{Success: true}}
		h := handler.NewExecuteHandler(disp, &mockStager{brokenOn: "data.csv"}, testLogger())

		rec := httptest.NewRecorder()
		h.HandleExecute(rec, execRequest(t, map[string]any{
			"user_id": "alice",
			"code":    "open('data.csv')",
			"files":   []string{"data.csv"},
		}))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Nil(t, disp.got)
	})
}

func TestExecuteHandler_Auth(t *testing.T) {
	tokens, err := auth.NewTokenService("test-secret-0123456789abcdef")
	require.NoError(t, err)

	newAuthedHandler := func(disp *mockDispatcher) http.Handler {
		h := handler.NewExecuteHandler(disp, &mockStager{}, testLogger())
		return auth.RequireAuth(tokens)(http.HandlerFunc(h.HandleExecute))
	}

	t.Run("token subject is the authoritative user", func(t *testing.T) {
		disp := &mockDispatcher{result: &executor.Result{Success: true}}
		srv := newAuthedHandler(disp)

		token, err := tokens.Generate("alice", time.Minute)
		require.NoError(t, err)

		req := execRequest(t, map[string]any{"code": "pass"})
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "alice", disp.got.UserID)
	})

	t.Run("mismatching body user_id is forbidden", func(t *testing.T) {
		disp := &mockDispatcher{result: &executor.Result{Success: true}}
		srv := newAuthedHandler(disp)

		token, err := tokens.Generate("alice", time.Minute)
		require.NoError(t, err)

		req := execRequest(t, map[string]any{"user_id": "bob", "code": "pass"})
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusForbidden, rec.Code)
		assert.Nil(t, disp.got)
	})

	t.Run("missing token is a 401", func(t *testing.T) {
		srv := newAuthedHandler(&mockDispatcher{})

		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, execRequest(t, map[string]any{"user_id": "alice", "code": "pass"}))

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}
