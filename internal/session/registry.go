package session

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/sakif/python-executor/internal/apperror"
	"github.com/sakif/python-executor/internal/executor"
	"github.com/sakif/python-executor/internal/metrics"
	"github.com/sakif/python-executor/internal/model"
)

// WorkdirProvider supplies the filesystem area a user's session runs in.
// The staging layer implements it; the registry only needs the directory to
// exist before an engine is launched into it.
type WorkdirProvider interface {
	EnsureUserDir(userID string) (string, error)
}

// Config holds the registry's lifecycle tuning.
type Config struct {
	// IdleTimeout is how long a session may sit unused before the sweep
	// destroys it.
	IdleTimeout time.Duration
	// SweepInterval is how often the background eviction sweep runs.
	SweepInterval time.Duration
	// MaxSessions caps the number of live sessions. Zero means unlimited.
	MaxSessions int
	// DestroyTimeout bounds engine teardown during destruction.
	DestroyTimeout time.Duration
}

// DefaultConfig returns the standard lifecycle tuning: a 30 minute idle
// timeout, swept every minute.
func DefaultConfig() Config {
	return Config{
		IdleTimeout:    30 * time.Minute,
		SweepInterval:  time.Minute,
		MaxSessions:    0,
		DestroyTimeout: 10 * time.Second,
	}
}

// Registry is the concurrency-safe mapping from user identity to Session.
// The map mutex is scoped to map mutations only; it is never held across an
// engine launch or an execution, so unrelated users are never serialized.
type Registry struct {
	config   Config
	launcher executor.Launcher
	dirs     WorkdirProvider
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu       sync.Mutex
	sessions map[string]*Session

	// creating deduplicates concurrent creation attempts per user: one
	// winner launches the engine, the rest wait for the winner's result.
	creating singleflight.Group

	sweeper *cron.Cron
}

// NewRegistry creates a Registry. Start must be called to begin the idle
// sweep.
func NewRegistry(cfg Config, launcher executor.Launcher, dirs WorkdirProvider, m *metrics.Metrics, logger *slog.Logger) *Registry {
	def := DefaultConfig()
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = def.IdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.DestroyTimeout <= 0 {
		cfg.DestroyTimeout = def.DestroyTimeout
	}
	return &Registry{
		config:   cfg,
		launcher: launcher,
		dirs:     dirs,
		logger:   logger,
		metrics:  m,
		sessions: make(map[string]*Session),
	}
}

// Start schedules the background eviction sweep.
func (r *Registry) Start() {
	r.sweeper = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, _ = r.sweeper.AddFunc(fmt.Sprintf("@every %s", r.config.SweepInterval), func() {
		evicted := r.EvictIdle(time.Now(), r.config.IdleTimeout)
		if evicted > 0 {
			r.logger.Info("idle sweep evicted sessions", slog.Int("count", evicted))
		}
	})
	r.sweeper.Start()
	r.logger.Info("session registry started",
		slog.Duration("idleTimeout", r.config.IdleTimeout),
		slog.Duration("sweepInterval", r.config.SweepInterval),
	)
}

// GetOrCreate returns the live session for userID, creating one if none
// exists. Callers for different users proceed fully in parallel; concurrent
// creation attempts for the same user are collapsed into one launch.
func (r *Registry) GetOrCreate(ctx context.Context, userID string) (*Session, error) {
	r.mu.Lock()
	if s, ok := r.sessions[userID]; ok && !s.Closed() {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	v, err, _ := r.creating.Do(userID, func() (any, error) {
		return r.create(ctx, userID)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

func (r *Registry) create(ctx context.Context, userID string) (*Session, error) {
	// Re-check under the lock: a racing caller may have won singleflight
	// for an earlier generation and already registered a session.
	r.mu.Lock()
	if s, ok := r.sessions[userID]; ok && !s.Closed() {
		r.mu.Unlock()
		return s, nil
	}
	if r.config.MaxSessions > 0 && len(r.sessions) >= r.config.MaxSessions {
		r.mu.Unlock()
		return nil, apperror.CapacityReached(r.config.MaxSessions)
	}
	r.mu.Unlock()

	dir, err := r.dirs.EnsureUserDir(userID)
	if err != nil {
		return nil, apperror.SessionCreation(userID, err)
	}

	engine, err := r.launcher.Launch(ctx, dir)
	if err != nil {
		return nil, apperror.SessionCreation(userID, err)
	}

	s := newSession(userID, dir, engine)

	// The capacity precheck ran before the launch, outside the lock;
	// concurrent first-time creations for distinct users may all have
	// passed it, so the limit is enforced again at insertion.
	r.mu.Lock()
	if r.config.MaxSessions > 0 && len(r.sessions) >= r.config.MaxSessions {
		r.mu.Unlock()
		closeCtx, cancel := context.WithTimeout(context.Background(), r.config.DestroyTimeout)
		_ = engine.Close(closeCtx)
		cancel()
		return nil, apperror.CapacityReached(r.config.MaxSessions)
	}
	r.sessions[userID] = s
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.SessionsCreated.Inc()
	r.metrics.ActiveSessions.Set(float64(count))
	r.logger.Info("session created",
		slog.String("user", userID),
		slog.String("session", s.ID),
		slog.String("workDir", dir),
	)
	return s, nil
}

// Touch refreshes a session's last-activity timestamp. A no-op for unknown
// users (the session may have been torn down while its last call drained).
func (r *Registry) Touch(userID string) {
	r.mu.Lock()
	s := r.sessions[userID]
	r.mu.Unlock()
	if s != nil {
		s.Touch()
	}
}

// EvictIdle removes and destroys every session idle longer than threshold.
// Busy sessions are skipped; a later sweep catches them once they go idle.
// Returns the number of sessions evicted; calling it when nothing has
// expired is a no-op.
func (r *Registry) EvictIdle(now time.Time, threshold time.Duration) int {
	r.mu.Lock()
	var expired []*Session
	for userID, s := range r.sessions {
		if now.Sub(s.LastActivity()) < threshold {
			continue
		}
		// Taking the slot guarantees no call is in flight; a busy
		// session is simply not eligible this round.
		if !s.TryAcquire() {
			continue
		}
		delete(r.sessions, userID)
		expired = append(expired, s)
	}
	r.mu.Unlock()

	for _, s := range expired {
		r.destroy(s, "idle")
	}
	return len(expired)
}

// Remove is the explicit, user-triggered teardown (logout). Unlike the idle
// sweep it does not wait for the session to go idle: an in-flight call is
// cancelled and the engine is destroyed immediately.
func (r *Registry) Remove(ctx context.Context, userID string) error {
	r.mu.Lock()
	s, ok := r.sessions[userID]
	if ok {
		delete(r.sessions, userID)
	}
	r.mu.Unlock()

	if !ok {
		return apperror.NotFound("session", userID)
	}

	if s.Busy() {
		r.logger.Warn("destroying busy session on user request",
			slog.String("user", userID),
			slog.String("session", s.ID),
		)
		s.CancelInflight()
	}
	r.destroy(s, "logout")
	return nil
}

// Discard removes a session whose engine state can no longer be trusted
// (unacknowledged interrupt after a timeout). The next request for the user
// starts fresh. The caller is expected to hold the session's slot.
func (r *Registry) Discard(s *Session, reason string) {
	r.mu.Lock()
	// Only drop it if this exact session is still registered; the user
	// may have logged out and back in while the call was draining.
	if cur, ok := r.sessions[s.UserID]; ok && cur == s {
		delete(r.sessions, s.UserID)
	}
	r.mu.Unlock()

	r.destroy(s, reason)
}

// Sessions returns a snapshot of all live sessions, ordered by user ID.
func (r *Registry) Sessions() []model.SessionInfo {
	r.mu.Lock()
	infos := make([]model.SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		infos = append(infos, model.SessionInfo{
			SessionID:    s.ID,
			UserID:       s.UserID,
			WorkDir:      s.WorkDir,
			CreatedAt:    s.CreatedAt,
			LastActivity: s.LastActivity(),
			Busy:         s.Busy(),
			Alive:        s.Engine().Alive(),
		})
	}
	r.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].UserID < infos[j].UserID })
	return infos
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Capacity returns the configured session limit, zero meaning unlimited.
func (r *Registry) Capacity() int {
	return r.config.MaxSessions
}

// AtCapacity reports whether the registry would refuse a new session.
func (r *Registry) AtCapacity() bool {
	if r.config.MaxSessions <= 0 {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions) >= r.config.MaxSessions
}

// Shutdown stops the sweep and destroys every session.
func (r *Registry) Shutdown(ctx context.Context) {
	if r.sweeper != nil {
		<-r.sweeper.Stop().Done()
	}

	r.mu.Lock()
	remaining := make([]*Session, 0, len(r.sessions))
	for userID, s := range r.sessions {
		delete(r.sessions, userID)
		remaining = append(remaining, s)
	}
	r.mu.Unlock()

	for _, s := range remaining {
		s.CancelInflight()
		r.destroy(s, "shutdown")
	}
	r.logger.Info("session registry stopped", slog.Int("destroyed", len(remaining)))
}

// destroy releases the engine handle and removes the working directory.
func (r *Registry) destroy(s *Session, reason string) {
	if !s.markClosed() {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.config.DestroyTimeout)
	defer cancel()

	if err := s.Engine().Close(ctx); err != nil {
		r.logger.Error("failed to close session engine",
			slog.String("user", s.UserID),
			slog.String("session", s.ID),
			slog.String("error", err.Error()),
		)
	}
	if err := os.RemoveAll(s.WorkDir); err != nil {
		r.logger.Error("failed to remove session working directory",
			slog.String("dir", s.WorkDir),
			slog.String("error", err.Error()),
		)
	}

	r.metrics.SessionsEvicted.WithLabelValues(reason).Inc()
	r.metrics.ActiveSessions.Set(float64(r.Count()))
	r.logger.Info("session destroyed",
		slog.String("user", s.UserID),
		slog.String("session", s.ID),
		slog.String("reason", reason),
	)
}
