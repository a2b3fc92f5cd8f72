// Package docker runs session engines inside long-lived Docker containers.
// One container holds one interpreter for the lifetime of its session: the
// session's working directory is bind-mounted into the container, the driver
// loop runs as the container command, and code is fed over an attached stdin
// while events stream back on stdout.
package docker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/sakif/python-executor/internal/executor"
	"github.com/sakif/python-executor/internal/executor/local"
)

// Launcher starts container-backed engines.
type Launcher struct {
	cli    *client.Client
	config Config
	logger *slog.Logger
}

// NewLauncher creates a Launcher and ensures the interpreter image is
// available locally.
func NewLauncher(cfg Config, logger *slog.Logger) (*Launcher, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	// Make sure the image is pulled
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	logger.Info("ensuring docker image is available", slog.String("image", cfg.Image))
	reader, err := cli.ImagePull(ctx, cfg.Image, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to pull image: %w", err)
	}
	defer reader.Close()
	// Read everything to block until the pull is complete
	io.Copy(io.Discard, reader)
	logger.Info("docker image is ready")

	return &Launcher{
		cli:    cli,
		config: cfg,
		logger: logger,
	}, nil
}

// Close releases the docker client.
func (l *Launcher) Close() error {
	return l.cli.Close()
}

// Launch creates and starts one session container in workDir and waits for
// the driver's ready handshake.
func (l *Launcher) Launch(ctx context.Context, workDir string) (executor.Engine, error) {
	hostConfig := &container.HostConfig{
		NetworkMode: "none",
		Binds:       []string{workDir + ":" + l.config.WorkspacePath},
		Resources: container.Resources{
			Memory:   l.config.MemoryLimit,
			NanoCPUs: int64(l.config.CPULimit * 1e9),
		},
		AutoRemove: false,
	}

	resp, err := l.cli.ContainerCreate(ctx, &container.Config{
		Image:        l.config.Image,
		Cmd:          []string{"python", "-u", "-c", local.DriverSource()},
		WorkingDir:   l.config.WorkspacePath,
		Tty:          false,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	}, hostConfig, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("ContainerCreate failed: %w", err)
	}

	attach, err := l.cli.ContainerAttach(ctx, resp.ID, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		l.removeContainer(resp.ID)
		return nil, fmt.Errorf("ContainerAttach failed: %w", err)
	}

	if err := l.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		attach.Close()
		l.removeContainer(resp.ID)
		return nil, fmt.Errorf("ContainerStart failed: %w", err)
	}

	e := &Engine{
		cli:         l.cli,
		containerID: resp.ID,
		attach:      attach,
		logger:      l.logger,
		events:      make(chan executor.Event, 64),
		done:        make(chan struct{}),
	}
	e.startReaders()

	ready := time.NewTimer(l.config.StartupTimeout)
	defer ready.Stop()

	select {
	case ev, ok := <-e.events:
		if !ok {
			e.teardown()
			return nil, fmt.Errorf("docker: interpreter exited during startup")
		}
		if ev.Type != executor.EventReady {
			e.teardown()
			return nil, fmt.Errorf("docker: unexpected first event %q from interpreter", ev.Type)
		}
	case <-ready.C:
		e.teardown()
		return nil, fmt.Errorf("docker: interpreter not ready within %s", l.config.StartupTimeout)
	case <-ctx.Done():
		e.teardown()
		return nil, ctx.Err()
	}

	l.logger.Debug("docker engine started",
		slog.String("container", resp.ID[:12]),
		slog.String("workDir", workDir),
	)
	return e, nil
}

// removeContainer force removes a container by ID.
func (l *Launcher) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = l.cli.ContainerRemove(ctx, id, container.RemoveOptions{
		Force: true,
	})
}

// Engine is one running session container.
type Engine struct {
	cli         *client.Client
	containerID string
	attach      types.HijackedResponse
	logger      *slog.Logger
	events      chan executor.Event
	// done closes on Close so the reader and forwarder goroutines never
	// stay blocked on a channel nobody consumes anymore.
	done   chan struct{}
	closed atomic.Bool
	dead   atomic.Bool
}

// startReaders wires the hijacked connection into the event channel. The
// container stream is multiplexed, so stdcopy demultiplexes it first:
// driver events arrive on stdout, interpreter-level noise on stderr.
func (e *Engine) startReaders() {
	pr, pw := io.Pipe()

	go func() {
		_, err := stdcopy.StdCopy(pw, &logWriter{logger: e.logger}, e.attach.Reader)
		pw.CloseWithError(err)
	}()

	go func() {
		defer close(e.events)
		defer e.dead.Store(true)
		defer pr.Close()

		sc := bufio.NewScanner(pr)
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
			case <-e.done:
				return
			}
		}
	}()
}

// Execute submits code over the attached stdin and returns this call's
// event stream.
func (e *Engine) Execute(ctx context.Context, code string) (<-chan executor.Event, error) {
	if !e.Alive() {
		return nil, fmt.Errorf("docker: session container is gone")
	}

	req, err := json.Marshal(map[string]string{"code": code})
	if err != nil {
		return nil, fmt.Errorf("docker: encoding request: %w", err)
	}
	if _, err := e.attach.Conn.Write(append(req, '\n')); err != nil {
		return nil, fmt.Errorf("docker: submitting code: %w", err)
	}

	out := make(chan executor.Event, 16)
	go func() {
		defer close(out)
		for ev := range e.events {
			select {
			case out <- ev:
			case <-e.done:
				return
			}
			if ev.Type == executor.EventDone {
				return
			}
		}
	}()
	return out, nil
}

// Interrupt delivers SIGINT to the container's interpreter.
func (e *Engine) Interrupt(ctx context.Context) error {
	if !e.Alive() {
		return nil
	}
	if err := e.cli.ContainerKill(ctx, e.containerID, "SIGINT"); err != nil {
		return fmt.Errorf("docker: interrupting container: %w", err)
	}
	return nil
}

// Alive reports whether the container interpreter is still usable.
func (e *Engine) Alive() bool {
	return !e.closed.Load() && !e.dead.Load()
}

// Close detaches and force removes the session container.
func (e *Engine) Close(ctx context.Context) error {
	if e.closed.Swap(true) {
		return nil
	}

	close(e.done)
	e.attach.Close()

	err := e.cli.ContainerRemove(ctx, e.containerID, container.RemoveOptions{
		Force: true,
	})
	if err != nil && !strings.Contains(err.Error(), "No such container") {
		return fmt.Errorf("docker: removing container: %w", err)
	}
	return nil
}

// teardown is the abrupt variant used on launch failure.
func (e *Engine) teardown() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.Close(ctx)
}

// logWriter surfaces container stderr through the service logger.
type logWriter struct {
	logger *slog.Logger
}

func (w *logWriter) Write(p []byte) (int, error) {
	if line := strings.TrimSpace(string(p)); line != "" {
		w.logger.Debug("engine stderr", slog.String("line", line))
	}
	return len(p), nil
}
