package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/python-executor/internal/model"
	"github.com/sakif/python-executor/internal/repository"
)

// SaveExecution inserts one audit row. A zero ID or CreatedAt is filled in
// here so callers can leave bookkeeping to the repository.
func (db *DB) SaveExecution(ctx context.Context, rec *model.ExecutionRecord) error {
	if rec.ID == "" {
		rec.ID = xid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO executions (id, user_id, session_id, success, error_kind, duration_ms, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.SessionID, boolToInt(rec.Success),
		rec.ErrorKind, rec.DurationMS, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting execution record: %w", err)
	}
	return nil
}

// ListByUser returns a user's execution records, most recent first.
func (db *DB) ListByUser(ctx context.Context, userID string, opts repository.ListOptions) ([]model.ExecutionRecord, error) {
	if opts.Limit <= 0 {
		opts.Limit = 20
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, user_id, session_id, success, error_kind, duration_ms, created_at
		FROM executions
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?`,
		userID, opts.Limit, opts.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	var recs []model.ExecutionRecord
	for rows.Next() {
		var rec model.ExecutionRecord
		var success int
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.SessionID, &success,
			&rec.ErrorKind, &rec.DurationMS, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution record: %w", err)
		}
		rec.Success = success != 0
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating executions: %w", err)
	}
	return recs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
