package handler_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/python-executor/internal/handler"
	"github.com/sakif/python-executor/internal/model"
	"github.com/sakif/python-executor/internal/repository"
)

// mockHistory serves canned records and captures the query it received.
type mockHistory struct {
	records []model.ExecutionRecord
	user    string
	opts    repository.ListOptions
}

func (m *mockHistory) SaveExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	return nil
}

func (m *mockHistory) ListByUser(ctx context.Context, userID string, opts repository.ListOptions) ([]model.ExecutionRecord, error) {
	m.user = userID
	m.opts = opts
	return m.records, nil
}

func TestHistoryHandler_HandleList(t *testing.T) {
	t.Run("lists records for the requested user", func(t *testing.T) {
		hist := &mockHistory{records: []model.ExecutionRecord{
			{ID: "r2", UserID: "alice", Success: true, CreatedAt: time.Now()},
			{ID: "r1", UserID: "alice", Success: false, ErrorKind: "timeout", CreatedAt: time.Now().Add(-time.Minute)},
		}}
		h := handler.NewHistoryHandler(hist, testLogger())

		rec := httptest.NewRecorder()
		h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/history?user_id=alice", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		var body struct {
			Count      int                     `json:"count"`
			Executions []model.ExecutionRecord `json:"executions"`
		}
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, 2, body.Count)
		assert.Equal(t, "alice", hist.user)
		assert.Equal(t, 20, hist.opts.Limit)
	})

	t.Run("limit is clamped to the maximum", func(t *testing.T) {
		hist := &mockHistory{}
		h := handler.NewHistoryHandler(hist, testLogger())

		rec := httptest.NewRecorder()
		h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/history?user_id=alice&limit=5000&offset=10", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, 100, hist.opts.Limit)
		assert.Equal(t, 10, hist.opts.Offset)
	})

	t.Run("missing user is a 400", func(t *testing.T) {
		h := handler.NewHistoryHandler(&mockHistory{}, testLogger())

		rec := httptest.NewRecorder()
		h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/history", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("invalid limit is a 400", func(t *testing.T) {
		h := handler.NewHistoryHandler(&mockHistory{}, testLogger())

		rec := httptest.NewRecorder()
		h.HandleList(rec, httptest.NewRequest(http.MethodGet, "/api/history?user_id=alice&limit=banana", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
