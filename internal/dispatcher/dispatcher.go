// Package dispatcher accepts code-execution requests and schedules them
// into per-user sessions. It is the one place where the timeout policy,
// per-user serialization, and result normalization come together: the
// registry hands it a session, the engine streams events, and the caller
// gets back a single structured result.
//
// Ordinary execution outcomes (user errors, timeouts) are never returned as
// Go errors; they are encoded in the result so the chat layer can render
// them uniformly. Only infrastructure failures (no session, broken engine)
// surface as errors.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/python-executor/internal/apperror"
	"github.com/sakif/python-executor/internal/executor"
	"github.com/sakif/python-executor/internal/metrics"
	"github.com/sakif/python-executor/internal/model"
	"github.com/sakif/python-executor/internal/repository"
	"github.com/sakif/python-executor/internal/session"
)

// Config holds the dispatcher's execution policy.
type Config struct {
	// DefaultTimeout applies when a request does not override it.
	DefaultTimeout time.Duration
	// MaxTimeout caps the per-request override.
	MaxTimeout time.Duration
	// InterruptGrace is how long an interrupted engine gets to
	// acknowledge before the session is forcibly destroyed.
	InterruptGrace time.Duration
	// CreateRetries is how many extra session-creation attempts are made
	// after a failed launch. Engine startup is expensive, so this stays
	// small.
	CreateRetries int
	// RetryBackoff is the base delay between creation attempts.
	RetryBackoff time.Duration
}

// DefaultConfig returns the standard execution policy: a 60s default call
// budget capped at 300s.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: executor.DefaultTimeout,
		MaxTimeout:     300 * time.Second,
		InterruptGrace: 5 * time.Second,
		CreateRetries:  2,
		RetryBackoff:   500 * time.Millisecond,
	}
}

// Dispatcher schedules execution requests into sessions.
type Dispatcher struct {
	config   Config
	registry *session.Registry
	history  repository.ExecutionHistory // nil disables persistence
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates a Dispatcher. history may be nil to disable the audit trail.
func New(cfg Config, reg *session.Registry, history repository.ExecutionHistory, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	def := DefaultConfig()
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = def.DefaultTimeout
	}
	if cfg.MaxTimeout <= 0 {
		cfg.MaxTimeout = def.MaxTimeout
	}
	if cfg.InterruptGrace <= 0 {
		cfg.InterruptGrace = def.InterruptGrace
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}
	return &Dispatcher{
		config:   cfg,
		registry: reg,
		history:  history,
		metrics:  m,
		logger:   logger,
	}
}

// Execute runs one request to completion. Calls for the same user are
// executed in the order they acquire the session slot and never
// concurrently; calls across users proceed in parallel.
func (d *Dispatcher) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	// A session can be torn down between resolution and acquisition (idle
	// sweep, logout, dead engine), so resolution retries a few times
	// before declaring the user unservable.
	for attempt := 0; attempt < 3; attempt++ {
		sess, err := d.resolveSession(ctx, req.UserID)
		if err != nil {
			return nil, err
		}

		if err := sess.Acquire(ctx); err != nil {
			if errors.Is(err, session.ErrClosed) {
				continue
			}
			return nil, err
		}

		if !sess.Engine().Alive() {
			// Engine died while idle; discard and start over.
			d.registry.Discard(sess, "dead")
			continue
		}

		return d.run(ctx, sess, req)
	}
	return nil, fmt.Errorf("could not obtain a usable session for user %s", req.UserID)
}

// resolveSession obtains the user's session, retrying engine launch
// failures a bounded number of times with backoff.
func (d *Dispatcher) resolveSession(ctx context.Context, userID string) (*session.Session, error) {
	var lastErr error
	for attempt := 0; attempt <= d.config.CreateRetries; attempt++ {
		if attempt > 0 {
			d.logger.Warn("retrying session creation",
				slog.String("user", userID),
				slog.Int("attempt", attempt+1),
			)
			select {
			case <-time.After(d.config.RetryBackoff * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		sess, err := d.registry.GetOrCreate(ctx, userID)
		if err == nil {
			return sess, nil
		}
		lastErr = err

		// Only launch failures are worth retrying; capacity and
		// cancellation are not transient.
		if !errors.Is(err, apperror.ErrSessionCreation) {
			return nil, err
		}
	}
	return nil, lastErr
}

// run executes code in an acquired session. It owns the slot for the whole
// call and releases it on every path.
func (d *Dispatcher) run(ctx context.Context, sess *session.Session, req executor.Request) (*executor.Result, error) {
	released := false
	release := func() {
		if !released {
			released = true
			sess.Release()
		}
	}
	defer release()

	timeout := d.timeoutFor(req)
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	sess.SetInflightCancel(cancel)

	start := time.Now()
	events, err := sess.Engine().Execute(callCtx, req.Code)
	if err != nil {
		// The engine could not even accept the code; its state is
		// unknown, so it must not be reused.
		d.registry.Discard(sess, "broken")
		released = true
		return nil, fmt.Errorf("submitting code to session %s: %w", sess.ID, err)
	}

	var norm executor.Normalizer
	result, discarded := d.collect(callCtx, sess, events, &norm, timeout, start)

	// Artifact discovery runs on every completed call, including failed
	// and timed-out ones: plots written before the failure still count.
	if plots, err := executor.DiscoverArtifacts(sess.WorkDir, start); err == nil {
		norm.AddPlots(plots)
		result.Plots = norm.Plots()
	} else {
		d.logger.Warn("artifact discovery failed",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()),
		)
	}

	if discarded != "" {
		d.registry.Discard(sess, discarded)
		released = true
	} else {
		release()
		d.registry.Touch(req.UserID)
	}

	d.observe(req.UserID, sess.ID, result)
	return result, nil
}

// collect folds the event stream into a result, enforcing the deadline.
// The returned reason is non-empty when the session must be discarded
// because its interpreter state can no longer be trusted.
func (d *Dispatcher) collect(ctx context.Context, sess *session.Session, events <-chan executor.Event, norm *executor.Normalizer, timeout time.Duration, start time.Time) (*executor.Result, string) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Stream ended without a done event: the engine
				// died mid-call. Whatever output arrived first is
				// preserved.
				norm.Consume(executor.Event{
					Type: executor.EventError,
					Text: "execution engine terminated unexpectedly",
				})
				return norm.Finish(time.Since(start)), "crashed"
			}
			if ev.Type == executor.EventDone {
				return norm.Finish(time.Since(start)), ""
			}
			norm.Consume(ev)

		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return d.collectTimeout(sess, events, norm, timeout, start)
			}
			return d.collectCancelled(sess, events, norm, start)
		}
	}
}

// collectTimeout handles the deadline path: interrupt the engine, give it a
// short grace period to acknowledge, and destroy the session if it does
// not. Interruption of a stateful interpreter is treated as potentially
// unsafe: an unacknowledged interrupt means unknown state, and unknown
// state is never reused.
func (d *Dispatcher) collectTimeout(sess *session.Session, events <-chan executor.Event, norm *executor.Normalizer, timeout time.Duration, start time.Time) (*executor.Result, string) {
	graceCtx, cancel := context.WithTimeout(context.Background(), d.config.InterruptGrace)
	defer cancel()

	if err := sess.Engine().Interrupt(graceCtx); err != nil {
		d.logger.Warn("failed to interrupt engine",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()),
		)
		return norm.FinishTimeout(timeout, time.Since(start)), "timeout"
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Engine died under the interrupt.
				return norm.FinishTimeout(timeout, time.Since(start)), "timeout"
			}
			switch ev.Type {
			case executor.EventDone:
				// Interrupt acknowledged: the interpreter reported
				// the KeyboardInterrupt and is back at its loop, so
				// the session stays usable.
				return norm.FinishTimeout(timeout, time.Since(start)), ""
			case executor.EventStream:
				// Output that was in flight when the deadline hit.
				norm.Consume(ev)
			}
			// The interrupt traceback itself is dropped: the result
			// reports a timeout, not a KeyboardInterrupt.

		case <-graceCtx.Done():
			d.logger.Warn("engine ignored interrupt, destroying session",
				slog.String("session", sess.ID),
				slog.String("user", sess.UserID),
			)
			return norm.FinishTimeout(timeout, time.Since(start)), "timeout"
		}
	}
}

// collectCancelled handles caller-side cancellation (client disconnect,
// logout while running). The interpreter is still executing the abandoned
// call, so the slot must not be released until it acknowledges an interrupt:
// a session whose engine is mid-call would otherwise be handed to the next
// request, which would then consume this call's remaining events.
func (d *Dispatcher) collectCancelled(sess *session.Session, events <-chan executor.Event, norm *executor.Normalizer, start time.Time) (*executor.Result, string) {
	graceCtx, cancel := context.WithTimeout(context.Background(), d.config.InterruptGrace)
	defer cancel()

	finish := func() *executor.Result {
		norm.Consume(executor.Event{
			Type: executor.EventError,
			Text: "execution cancelled",
		})
		return norm.Finish(time.Since(start))
	}

	if err := sess.Engine().Interrupt(graceCtx); err != nil {
		d.logger.Warn("failed to interrupt engine",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()),
		)
		return finish(), "cancelled"
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				// Engine died under the interrupt.
				return finish(), "cancelled"
			}
			switch ev.Type {
			case executor.EventDone:
				// Interrupt acknowledged: the interpreter is back at
				// its loop and the session stays usable.
				return finish(), ""
			case executor.EventStream:
				norm.Consume(ev)
			}
			// The interrupt traceback is dropped; the result already
			// reports the cancellation.

		case <-graceCtx.Done():
			d.logger.Warn("engine ignored interrupt after cancellation, destroying session",
				slog.String("session", sess.ID),
				slog.String("user", sess.UserID),
			)
			return finish(), "cancelled"
		}
	}
}

// timeoutFor resolves a request's effective wall-clock budget.
func (d *Dispatcher) timeoutFor(req executor.Request) time.Duration {
	if req.Timeout <= 0 {
		return d.config.DefaultTimeout
	}
	t := time.Duration(req.Timeout) * time.Second
	if t > d.config.MaxTimeout {
		return d.config.MaxTimeout
	}
	return t
}

// observe records metrics and the best-effort audit row for one call.
func (d *Dispatcher) observe(userID, sessionID string, result *executor.Result) {
	status := "success"
	if !result.Success {
		status = string(result.ErrorKind)
		if status == "" {
			status = string(executor.ErrorKindRuntime)
		}
	}
	d.metrics.Executions.WithLabelValues(status).Inc()
	d.metrics.ExecutionDuration.Observe(result.ExecutionTime)

	d.logger.Info("execution completed",
		slog.String("user", userID),
		slog.String("session", sessionID),
		slog.Bool("success", result.Success),
		slog.Float64("seconds", result.ExecutionTime),
	)

	if d.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec := &model.ExecutionRecord{
		ID:         xid.New().String(),
		UserID:     userID,
		SessionID:  sessionID,
		Success:    result.Success,
		ErrorKind:  string(result.ErrorKind),
		DurationMS: int64(result.ExecutionTime * 1000),
		CreatedAt:  time.Now(),
	}
	if err := d.history.SaveExecution(ctx, rec); err != nil {
		d.logger.Error("failed to persist execution record",
			slog.String("user", userID),
			slog.String("error", err.Error()),
		)
	}
}
