package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"tangled.org/loom/engine"
	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/workspace"
)

// Engine runs steps as plain processes on the host. Each job gets its
// own workspace directory; steps share nothing else with each other.
type Engine struct {
	l          *slog.Logger
	workspaces *workspace.Manager
}

var _ models.Engine = &Engine{}

// waitDelay bounds how long Wait blocks on step output pipes after the
// process group is killed, so an orphaned grandchild holding stdout
// cannot wedge the step.
const waitDelay = 10 * time.Second

func New(ctx context.Context, workspaces *workspace.Manager) *Engine {
	return &Engine{
		l:          log.FromContext(ctx).With("component", "host"),
		workspaces: workspaces,
	}
}

func (e *Engine) SetupJob(ctx context.Context, job *models.Job) error {
	dir, err := e.workspaces.Prepare(ctx, job.Id)
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
	}

	e.l.Info("prepared job", "job", job.Id, "dir", dir)
	return nil
}

func (e *Engine) RunStep(ctx context.Context, job *models.Job, idx int, logger *models.JobLogger) error {
	if ctx.Err() != nil {
		return engine.ErrCancelled
	}

	step := job.Steps[idx]

	stepCtx, cancel := context.WithTimeout(ctx, job.StepTimeout)
	defer cancel()

	var cmd *exec.Cmd
	if step.Shell() {
		cmd = exec.CommandContext(stepCtx, "sh", "-c", step.Command)
	} else {
		cmd = exec.CommandContext(stepCtx, step.Argv[0], step.Argv[1:]...)
	}

	cmd.Dir = e.workspaces.Dir(job.Id)
	cmd.Env = append(os.Environ(), engine.ConstructEnvs(job.Env).Slice()...)
	cmd.Stdout = logger.DataWriter(idx, "stdout")
	cmd.Stderr = logger.DataWriter(idx, "stderr")

	// Steps run in their own process group so cancellation reaches
	// everything the step spawned, not just the direct child.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
		if errors.Is(err, syscall.ESRCH) {
			return os.ErrProcessDone
		}
		return err
	}
	cmd.WaitDelay = waitDelay

	e.l.Debug("running step", "job", job.Id, "idx", idx, "command", step.Command)

	if err := cmd.Start(); err != nil {
		if stepCtx.Err() != nil {
			return e.interrupted(ctx)
		}
		return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
	}

	err := cmd.Wait()
	if err == nil {
		return nil
	}
	if stepCtx.Err() != nil {
		return e.interrupted(ctx)
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &engine.ExitError{Code: exitErr.ExitCode()}
	}
	return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
}

func (e *Engine) DestroyJob(ctx context.Context, job *models.Job) error {
	return e.workspaces.Remove(job.Id)
}

// interrupted tells a step that hit its own deadline apart from one
// whose whole job was torn down.
func (e *Engine) interrupted(parent context.Context) error {
	if parent.Err() != nil {
		return engine.ErrCancelled
	}
	return engine.ErrTimedOut
}
