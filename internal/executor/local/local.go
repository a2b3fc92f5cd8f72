// Package local runs session engines as plain subprocesses of the service.
// Each engine is one long-lived python process executing the embedded driver
// loop, with the session's working directory as its cwd. This is the default
// backend; the docker backend provides the same contract with container
// isolation.
package local

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sakif/python-executor/internal/executor"
)

// Config holds the configuration for subprocess engines.
type Config struct {
	// PythonPath is the interpreter binary to launch.
	PythonPath string
	// StartupTimeout bounds how long a fresh interpreter may take to
	// report ready before the launch is abandoned.
	StartupTimeout time.Duration
	// ShutdownGrace is how long Close waits after SIGTERM before SIGKILL.
	ShutdownGrace time.Duration
}

// DefaultConfig provides sensible defaults for a local python backend.
func DefaultConfig() Config {
	return Config{
		PythonPath:     "python3",
		StartupTimeout: 60 * time.Second,
		ShutdownGrace:  3 * time.Second,
	}
}

// Launcher starts local subprocess engines.
type Launcher struct {
	config Config
	logger *slog.Logger
}

// NewLauncher creates a Launcher. Zero config fields fall back to defaults.
func NewLauncher(cfg Config, logger *slog.Logger) *Launcher {
	def := DefaultConfig()
	if cfg.PythonPath == "" {
		cfg.PythonPath = def.PythonPath
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = def.StartupTimeout
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = def.ShutdownGrace
	}
	return &Launcher{config: cfg, logger: logger}
}

// Launch starts a fresh interpreter in workDir and waits for its ready
// handshake. A launch that does not become ready within the startup timeout
// is killed and reported as an error.
func (l *Launcher) Launch(ctx context.Context, workDir string) (executor.Engine, error) {
	cmd := exec.Command(l.config.PythonPath, "-u", "-c", driverSource)
	cmd.Dir = workDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("local: opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("local: opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("local: opening stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("local: starting interpreter: %w", err)
	}

	e := &Engine{
		cmd:           cmd,
		stdin:         stdin,
		logger:        l.logger,
		shutdownGrace: l.config.ShutdownGrace,
		events:        make(chan executor.Event, 64),
		waitDone:      make(chan struct{}),
	}

	go e.readEvents(stdout)
	go e.drainStderr(stderr)
	go func() {
		_ = cmd.Wait()
		close(e.waitDone)
	}()

	ready := time.NewTimer(l.config.StartupTimeout)
	defer ready.Stop()

	select {
	case ev, ok := <-e.events:
		if !ok {
			e.kill()
			return nil, fmt.Errorf("local: interpreter exited during startup")
		}
		if ev.Type != executor.EventReady {
			e.kill()
			return nil, fmt.Errorf("local: unexpected first event %q from interpreter", ev.Type)
		}
	case <-ready.C:
		e.kill()
		return nil, fmt.Errorf("local: interpreter not ready within %s", l.config.StartupTimeout)
	case <-ctx.Done():
		e.kill()
		return nil, ctx.Err()
	}

	l.logger.Debug("local engine started",
		slog.Int("pid", cmd.Process.Pid),
		slog.String("workDir", workDir),
	)
	return e, nil
}

// Engine is one running interpreter subprocess.
type Engine struct {
	cmd           *exec.Cmd
	stdin         io.WriteCloser
	logger        *slog.Logger
	shutdownGrace time.Duration
	events        chan executor.Event
	waitDone      chan struct{}
}

// Execute submits code to the interpreter and returns the event stream for
// this call. The stream ends with a done event; it ends without one only if
// the interpreter dies mid-call.
func (e *Engine) Execute(ctx context.Context, code string) (<-chan executor.Event, error) {
	if !e.Alive() {
		return nil, fmt.Errorf("local: interpreter process has exited")
	}

	req, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, fmt.Errorf("local: encoding request: %w", err)
	}
	if _, err := e.stdin.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("local: submitting code: %w", err)
	}

	out := make(chan executor.Event, 16)
	go func() {
		defer close(out)
		for ev := range e.events {
			select {
			case out <- ev:
			case <-e.waitDone:
				return
			}
			if ev.Type == executor.EventDone {
				return
			}
		}
	}()
	return out, nil
}

// Interrupt delivers SIGINT, which the driver surfaces as KeyboardInterrupt
// inside the running exec.
func (e *Engine) Interrupt(ctx context.Context) error {
	if !e.Alive() {
		return nil
	}
	if err := e.cmd.Process.Signal(os.Interrupt); err != nil {
		return fmt.Errorf("local: interrupting interpreter: %w", err)
	}
	return nil
}

// Alive reports whether the subprocess is still running.
func (e *Engine) Alive() bool {
	select {
	case <-e.waitDone:
		return false
	default:
		return true
	}
}

// Close shuts the interpreter down: EOF on stdin ends the driver loop,
// SIGTERM covers a wedged one, SIGKILL after the grace period covers the
// rest.
func (e *Engine) Close(ctx context.Context) error {
	if !e.Alive() {
		return nil
	}

	_ = e.stdin.Close()
	_ = e.cmd.Process.Signal(syscall.SIGTERM)

	grace := time.NewTimer(e.shutdownGrace)
	defer grace.Stop()

	select {
	case <-e.waitDone:
	case <-grace.C:
		e.logger.Warn("interpreter ignored SIGTERM, killing",
			slog.Int("pid", e.cmd.Process.Pid),
		)
		_ = e.cmd.Process.Kill()
		<-e.waitDone
	case <-ctx.Done():
		_ = e.cmd.Process.Kill()
		return ctx.Err()
	}
	return nil
}

// kill is the abrupt teardown used on launch failure.
func (e *Engine) kill() {
	_ = e.stdin.Close()
	_ = e.cmd.Process.Kill()
	<-e.waitDone
}

// readEvents decodes driver output lines into events until stdout closes.
func (e *Engine) readEvents(r io.Reader) {
	defer close(e.events)

	sc := bufio.NewScanner(r)
	// Single stream events can carry large chunks of user output.
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for sc.Scan() {
		var ev executor.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			e.logger.Warn("discarding malformed engine event",
				slog.String("error", err.Error()),
			)
			continue
		}
		select {
		case e.events <- ev:
		case <-e.waitDone:
			return
		}
	}
}

// drainStderr logs interpreter-level stderr (startup failures, crashes).
// User stderr never lands here; the driver captures it into stream events.
func (e *Engine) drainStderr(r io.Reader) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		e.logger.Debug("engine stderr", slog.String("line", sc.Text()))
	}
}
