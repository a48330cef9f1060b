// Package sandbox runs the Agentic Worker's test execution inside an
// isolated, resource-capped container and reports the outcome, with
// explicit resource caps and a SIGTERM-then-SIGKILL stop escalation.
package sandbox

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	dockercontainer "github.com/docker/docker/api/types/container"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/codereview/revieworchestrator/internal/errs"
)

// Config bounds one sandboxed run.
type Config struct {
	// Image is the test-runner container image (e.g. a language-specific
	// image with the detected framework's CLI preinstalled).
	Image string
	// MemoryBytes and NanoCPUs cap the container's resources.
	MemoryBytes int64
	NanoCPUs    int64
	// Timeout is the wall-clock budget for the run, enforced by a
	// context deadline around container start + wait-for-exit.
	Timeout time.Duration
	// TermGrace is how long Stop waits after SIGTERM before the
	// container runtime escalates to SIGKILL.
	TermGrace time.Duration
}

// Result is what one sandboxed run produced.
type Result struct {
	ExitCode int
	Output   string
	TimedOut bool
}

// Executor runs commands inside a sandboxed, resource-capped container.
type Executor struct {
	cfg Config
}

// New constructs an Executor from Config.
func New(cfg Config) *Executor {
	return &Executor{cfg: cfg}
}

// Run mounts workspaceDir read-write at /workspace and runs cmd inside a
// fresh container: memory/CPU-capped, read-only rootfs (except the
// workspace mount), no-new-privileges. Once testcontainers has returned the
// container, it is stopped and removed before Run returns, on every exit
// path including timeout; if the deadline expires before a container is
// returned, its removal is left to testcontainers' reaper.
func (e *Executor) Run(ctx context.Context, workspaceDir string, cmd []string) (Result, error) {
	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:      e.cfg.Image,
		Cmd:        cmd,
		WorkingDir: "/workspace",
		Mounts: testcontainers.ContainerMounts{
			testcontainers.BindMount(workspaceDir, "/workspace"),
		},
		HostConfigModifier: func(hc *dockercontainer.HostConfig) {
			hc.Resources.Memory = e.cfg.MemoryBytes
			hc.Resources.NanoCPUs = e.cfg.NanoCPUs
			hc.ReadonlyRootfs = true
			hc.SecurityOpt = append(hc.SecurityOpt, "no-new-privileges")
		},
		WaitingFor: wait.ForExit(),
	}

	c, err := testcontainers.GenericContainer(runCtx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			slog.Warn("sandbox run timed out before the container produced a handle; relying on testcontainers' reaper for cleanup", "image", req.Image)
			return Result{TimedOut: true}, errs.New(errs.ResourceExhaustion, "sandbox.Run", runCtx.Err())
		}
		return Result{}, errs.New(errs.TransientExternal, "sandbox.Run", err)
	}
	defer e.cleanup(c)

	state, err := c.State(runCtx)
	if err != nil {
		return Result{}, errs.New(errs.TransientExternal, "sandbox.Run", err)
	}

	logsReader, err := c.Logs(runCtx)
	var output string
	if err == nil {
		defer logsReader.Close()
		if b, readErr := io.ReadAll(logsReader); readErr == nil {
			output = string(b)
		}
	}

	return Result{ExitCode: state.ExitCode, Output: output}, nil
}

// cleanup stops (SIGTERM, escalating to SIGKILL after TermGrace) and
// removes the container. Failures are logged, never returned: cleanup
// must never mask the run's actual result.
func (e *Executor) cleanup(c testcontainers.Container) {
	grace := e.cfg.TermGrace
	stopCtx, cancel := context.WithTimeout(context.Background(), grace+10*time.Second)
	defer cancel()
	if err := c.Stop(stopCtx, &grace); err != nil {
		slog.Warn("sandbox stop failed", "error", err)
	}

	termCtx, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel2()
	if err := c.Terminate(termCtx); err != nil {
		slog.Warn("sandbox terminate failed", "error", err)
	}
}
