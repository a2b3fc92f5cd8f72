// Package model defines the data structures shared across layers.
package model

import "time"

// SessionInfo is a point-in-time snapshot of one live session, as reported
// by the registry for the sessions listing endpoint.
type SessionInfo struct {
	SessionID    string    `json:"session_id"`
	UserID       string    `json:"user_id"`
	WorkDir      string    `json:"working_dir"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	Busy         bool      `json:"busy"`
	Alive        bool      `json:"alive"`
}

// ExecutionRecord is the persisted audit row for one completed execution
// call. The code itself is not stored, only the outcome.
type ExecutionRecord struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	SessionID  string    `json:"session_id"`
	Success    bool      `json:"success"`
	ErrorKind  string    `json:"error_kind,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
