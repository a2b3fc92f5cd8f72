package session_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/python-executor/internal/apperror"
	"github.com/sakif/python-executor/internal/executor"
	"github.com/sakif/python-executor/internal/metrics"
	"github.com/sakif/python-executor/internal/session"
)

// fakeEngine is an inert engine for registry lifecycle tests.
type fakeEngine struct {
	closed atomic.Bool
}

func (e *fakeEngine) Execute(ctx context.Context, code string) (<-chan executor.Event, error) {
	ch := make(chan executor.Event, 1)
	ch <- executor.Event{Type: executor.EventDone, OK: true}
	close(ch)
	return ch, nil
}

func (e *fakeEngine) Interrupt(ctx context.Context) error { return nil }
func (e *fakeEngine) Alive() bool                         { return !e.closed.Load() }
func (e *fakeEngine) Close(ctx context.Context) error {
	e.closed.Store(true)
	return nil
}

// fakeLauncher counts launches and can be made to fail, optionally slowly.
type fakeLauncher struct {
	mu       sync.Mutex
	launches int
	delay    time.Duration
	err      error
	engines  []*fakeEngine
}

func (l *fakeLauncher) Launch(ctx context.Context, workDir string) (executor.Engine, error) {
	if l.delay > 0 {
		time.Sleep(l.delay)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launches++
	if l.err != nil {
		return nil, l.err
	}
	e := &fakeEngine{}
	l.engines = append(l.engines, e)
	return e, nil
}

func (l *fakeLauncher) launchCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

// tmpDirs implements session.WorkdirProvider on a test temp dir.
type tmpDirs struct {
	root string
}

func (d *tmpDirs) EnsureUserDir(userID string) (string, error) {
	dir := filepath.Join(d.root, userID)
	return dir, os.MkdirAll(dir, 0o755)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestRegistry(t *testing.T, cfg session.Config, launcher *fakeLauncher) *session.Registry {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	return session.NewRegistry(cfg, launcher, &tmpDirs{root: t.TempDir()}, m, testLogger())
}

func TestRegistry_GetOrCreate(t *testing.T) {
	t.Run("creates on first request and reuses after", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		s1, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		s2, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)

		assert.Same(t, s1, s2)
		assert.Equal(t, 1, launcher.launchCount())
		assert.Equal(t, 1, reg.Count())
	})

	t.Run("distinct users get distinct sessions", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		alice, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		bob, err := reg.GetOrCreate(context.Background(), "bob")
		require.NoError(t, err)

		assert.NotSame(t, alice, bob)
		assert.NotEqual(t, alice.WorkDir, bob.WorkDir)
		assert.Equal(t, 2, reg.Count())
	})

	t.Run("concurrent creation for the same user launches one engine", func(t *testing.T) {
		launcher := &fakeLauncher{delay: 20 * time.Millisecond}
		reg := newTestRegistry(t, session.Config{}, launcher)

		const callers = 8
		sessions := make([]*session.Session, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				s, err := reg.GetOrCreate(context.Background(), "alice")
				assert.NoError(t, err)
				sessions[i] = s
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 1, launcher.launchCount())
		for i := 1; i < callers; i++ {
			assert.Same(t, sessions[0], sessions[i])
		}
	})

	t.Run("launch failure surfaces as SessionCreationFailed", func(t *testing.T) {
		launcher := &fakeLauncher{err: errors.New("no interpreter")}
		reg := newTestRegistry(t, session.Config{}, launcher)

		_, err := reg.GetOrCreate(context.Background(), "alice")
		require.Error(t, err)
		assert.ErrorIs(t, err, apperror.ErrSessionCreation)
		assert.Equal(t, 0, reg.Count())
	})

	t.Run("capacity limit refuses new users", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{MaxSessions: 1}, launcher)

		_, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		assert.True(t, reg.AtCapacity())

		_, err = reg.GetOrCreate(context.Background(), "bob")
		assert.ErrorIs(t, err, apperror.ErrCapacity)

		// The existing user is still served.
		_, err = reg.GetOrCreate(context.Background(), "alice")
		assert.NoError(t, err)
	})

	t.Run("concurrent first-time creations cannot exceed the limit", func(t *testing.T) {
		// The slow launcher lets every creation pass the precheck before
		// any of them registers, so the limit must hold at insertion.
		launcher := &fakeLauncher{delay: 20 * time.Millisecond}
		reg := newTestRegistry(t, session.Config{MaxSessions: 1}, launcher)

		users := []string{"alice", "bob", "carol"}
		errs := make([]error, len(users))
		var wg sync.WaitGroup
		for i, user := range users {
			wg.Add(1)
			go func(i int, user string) {
				defer wg.Done()
				_, errs[i] = reg.GetOrCreate(context.Background(), user)
			}(i, user)
		}
		wg.Wait()

		created, refused := 0, 0
		for _, err := range errs {
			switch {
			case err == nil:
				created++
			case errors.Is(err, apperror.ErrCapacity):
				refused++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, created)
		assert.Equal(t, 2, refused)
		assert.Equal(t, 1, reg.Count())

		// The losers' engines were launched and must not leak.
		closed := 0
		for _, e := range launcher.engines {
			if e.closed.Load() {
				closed++
			}
		}
		assert.Equal(t, len(launcher.engines)-1, closed)
	})
}

func TestRegistry_EvictIdle(t *testing.T) {
	t.Run("no-op when nothing has expired", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		_, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)

		evicted := reg.EvictIdle(time.Now(), 30*time.Minute)
		assert.Zero(t, evicted)
		assert.Equal(t, 1, reg.Count())
	})

	t.Run("evicts sessions idle past the threshold", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		s, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		workDir := s.WorkDir
		require.NoError(t, os.WriteFile(filepath.Join(workDir, "x.txt"), []byte("x"), 0o644))

		evicted := reg.EvictIdle(time.Now().Add(31*time.Minute), 30*time.Minute)
		assert.Equal(t, 1, evicted)
		assert.Zero(t, reg.Count())
		assert.True(t, launcher.engines[0].closed.Load())

		// Destruction removes the working directory.
		_, statErr := os.Stat(workDir)
		assert.True(t, os.IsNotExist(statErr))
	})

	t.Run("re-request after eviction yields a fresh session", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		s1, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		reg.EvictIdle(time.Now().Add(time.Hour), 30*time.Minute)

		s2, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		assert.NotSame(t, s1, s2)
		assert.NotEqual(t, s1.ID, s2.ID)
		assert.Equal(t, 2, launcher.launchCount())
	})

	t.Run("busy sessions are never evicted", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		s, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		require.NoError(t, s.Acquire(context.Background()))

		evicted := reg.EvictIdle(time.Now().Add(time.Hour), 30*time.Minute)
		assert.Zero(t, evicted)
		assert.Equal(t, 1, reg.Count())

		// Once released, the next sweep reclaims it.
		s.Release()
		evicted = reg.EvictIdle(time.Now().Add(time.Hour), 30*time.Minute)
		assert.Equal(t, 1, evicted)
	})
}

func TestRegistry_Remove(t *testing.T) {
	t.Run("removes and destroys the session", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		_, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)

		require.NoError(t, reg.Remove(context.Background(), "alice"))
		assert.Zero(t, reg.Count())
		assert.True(t, launcher.engines[0].closed.Load())
	})

	t.Run("unknown user is not found", func(t *testing.T) {
		reg := newTestRegistry(t, session.Config{}, &fakeLauncher{})
		err := reg.Remove(context.Background(), "nobody")
		assert.ErrorIs(t, err, apperror.ErrNotFound)
	})

	t.Run("cancels an in-flight call", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		s, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		require.NoError(t, s.Acquire(context.Background()))

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		s.SetInflightCancel(cancel)

		require.NoError(t, reg.Remove(context.Background(), "alice"))
		assert.ErrorIs(t, ctx.Err(), context.Canceled)
	})
}

func TestSession_Acquire(t *testing.T) {
	t.Run("waiter wakes with ErrClosed when the session is destroyed", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		s, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		require.NoError(t, s.Acquire(context.Background()))

		acquired := make(chan error, 1)
		go func() {
			acquired <- s.Acquire(context.Background())
		}()

		// Give the waiter time to block, then tear the session down.
		time.Sleep(10 * time.Millisecond)
		require.NoError(t, reg.Remove(context.Background(), "alice"))

		select {
		case err := <-acquired:
			assert.ErrorIs(t, err, session.ErrClosed)
		case <-time.After(2 * time.Second):
			t.Fatal("waiter was not woken by session destruction")
		}
	})

	t.Run("acquire respects context cancellation", func(t *testing.T) {
		launcher := &fakeLauncher{}
		reg := newTestRegistry(t, session.Config{}, launcher)

		s, err := reg.GetOrCreate(context.Background(), "alice")
		require.NoError(t, err)
		require.NoError(t, s.Acquire(context.Background()))
		defer s.Release()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, s.Acquire(ctx), context.DeadlineExceeded)
	})
}
