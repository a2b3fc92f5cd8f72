// Package session owns the per-user execution sessions and their registry.
// A Session binds one user to one long-lived engine plus the mutable
// metadata the registry needs for lifecycle decisions (activity timestamps,
// busy state). The Registry is the single chokepoint where creation,
// lookup, eviction and teardown happen, so the concurrency invariants are
// enforced in one place instead of leaking across the codebase.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/python-executor/internal/executor"
)

// Session is one isolated, stateful execution context bound to exactly one
// user. Interpreter state (variables, imports) persists across calls until
// the session is destroyed.
type Session struct {
	ID        string
	UserID    string
	WorkDir   string
	CreatedAt time.Time

	engine executor.Engine

	// slot is the per-session execution slot: at most one in-flight call.
	// A channel rather than a mutex so acquisition can be abandoned when
	// the caller's context is cancelled.
	slot chan struct{}

	// done closes when the session is destroyed, waking any caller still
	// blocked in Acquire.
	done chan struct{}

	mu             sync.Mutex
	lastActivity   time.Time
	busy           bool
	closed         bool
	cancelInflight context.CancelFunc
}

func newSession(userID, workDir string, engine executor.Engine) *Session {
	now := time.Now()
	return &Session{
		ID:           xid.New().String(),
		UserID:       userID,
		WorkDir:      workDir,
		CreatedAt:    now,
		engine:       engine,
		slot:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		lastActivity: now,
	}
}

// ErrClosed is returned by Acquire when the session was destroyed while the
// caller waited for the execution slot. Callers should re-resolve a fresh
// session from the registry.
var ErrClosed = errors.New("session closed")

// Engine returns the engine handle. Callers must hold the execution slot
// before using it.
func (s *Session) Engine() executor.Engine {
	return s.engine
}

// Acquire takes the execution slot, blocking while another call for the
// same user is in flight. Blocking here is intentional backpressure, not an
// error: the interpreter state cannot be used concurrently.
func (s *Session) Acquire(ctx context.Context) error {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return ErrClosed
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.slot
		return ErrClosed
	}
	s.busy = true
	s.mu.Unlock()
	return nil
}

// TryAcquire takes the slot only if the session is idle right now. The
// eviction sweep uses this so it never observes a mid-execution session as
// eligible for removal.
func (s *Session) TryAcquire() bool {
	select {
	case s.slot <- struct{}{}:
	default:
		return false
	}
	s.mu.Lock()
	s.busy = true
	s.mu.Unlock()
	return true
}

// Release frees the execution slot after a call completes.
func (s *Session) Release() {
	s.mu.Lock()
	s.busy = false
	s.cancelInflight = nil
	s.mu.Unlock()
	<-s.slot
}

// Touch refreshes the last-activity timestamp.
func (s *Session) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// LastActivity returns when the session last completed a call.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Busy reports whether a call is in flight.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.busy
}

// Closed reports whether the session has been destroyed. A closed session
// must never be handed out by the registry again.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// markClosed transitions the session to its terminal state. Returns false
// if it was already closed, so a session is only ever destroyed once.
func (s *Session) markClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	return true
}

// SetInflightCancel registers the cancel function of the current call, so
// an explicit user-triggered teardown can abort it.
func (s *Session) SetInflightCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancelInflight = cancel
	s.mu.Unlock()
}

// CancelInflight aborts the in-flight call, if any.
func (s *Session) CancelInflight() {
	s.mu.Lock()
	cancel := s.cancelInflight
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}
