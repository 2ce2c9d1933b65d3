package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"tangled.org/loom/engine"
	"tangled.org/loom/log"
	"tangled.org/loom/models"
	"tangled.org/loom/workspace"
)

const (
	workspaceDir = "/loom/workspace"
	homeDir      = "/loom/home"
)

type cleanupFunc func(context.Context) error

// Engine runs each step in a fresh container. The job's workspace is
// bind-mounted from the host so it survives between steps and stays
// visible to host-side collaborators like the cache; a named home
// volume carries tool state across steps.
type Engine struct {
	docker     client.APIClient
	l          *slog.Logger
	workspaces *workspace.Manager

	cleanupMu sync.Mutex
	cleanup   map[string][]cleanupFunc
}

var _ models.Engine = &Engine{}

func New(ctx context.Context, workspaces *workspace.Manager) (*Engine, error) {
	dcli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	e := &Engine{
		docker:     dcli,
		l:          log.FromContext(ctx).With("component", "docker"),
		workspaces: workspaces,
	}

	e.cleanup = make(map[string][]cleanupFunc)

	return e, nil
}

// SetupJob prepares the host workspace, a home volume and a network
// for the job, then pulls its image. Volumes and network persist
// across steps and are destroyed at the end of the job.
func (e *Engine) SetupJob(ctx context.Context, job *models.Job) error {
	e.l.Info("setting up job", "job", job.Id, "image", job.Image)

	if _, err := e.workspaces.Prepare(ctx, job.Id); err != nil {
		return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
	}
	e.registerCleanup(job.Id, func(ctx context.Context) error {
		return e.workspaces.Remove(job.Id)
	})

	_, err := e.docker.VolumeCreate(ctx, volume.CreateOptions{
		Name:   homeVolume(job.Id),
		Driver: "local",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
	}
	e.registerCleanup(job.Id, func(ctx context.Context) error {
		return e.docker.VolumeRemove(ctx, homeVolume(job.Id), true)
	})

	_, err = e.docker.NetworkCreate(ctx, networkName(job.Id), network.CreateOptions{
		Driver: "bridge",
	})
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
	}
	e.registerCleanup(job.Id, func(ctx context.Context) error {
		return e.docker.NetworkRemove(ctx, networkName(job.Id))
	})

	reader, err := e.docker.ImagePull(ctx, job.Image, image.PullOptions{})
	if err != nil {
		e.l.Error("image pull failed", "image", job.Image, "job", job.Id, "error", err.Error())
		return fmt.Errorf("%w: pulling image: %v", engine.ErrLaunchFailed, err)
	}
	defer reader.Close()
	io.Copy(io.Discard, reader)

	return nil
}

func (e *Engine) RunStep(ctx context.Context, job *models.Job, idx int, logger *models.JobLogger) error {
	if ctx.Err() != nil {
		return engine.ErrCancelled
	}

	step := job.Steps[idx]

	stepCtx, cancel := context.WithTimeout(ctx, job.StepTimeout)
	defer cancel()

	envs := engine.ConstructEnvs(job.Env)
	envs.AddEnv("HOME", homeDir)
	e.l.Debug("envs for step", "step", step.Name, "envs", envs.Slice())

	cmd := []string{"sh", "-c", step.Command}
	if !step.Shell() {
		cmd = step.Argv
	}

	resp, err := e.docker.ContainerCreate(stepCtx, &container.Config{
		Image:      job.Image,
		Cmd:        cmd,
		WorkingDir: workspaceDir,
		Tty:        false,
		Hostname:   "loom",
		Env:        envs.Slice(),
	}, e.hostConfig(job.Id), nil, nil, "")
	if err != nil {
		return fmt.Errorf("%w: creating container: %v", engine.ErrLaunchFailed, err)
	}
	defer e.DestroyStep(context.WithoutCancel(ctx), resp.ID)

	err = e.docker.NetworkConnect(stepCtx, networkName(job.Id), resp.ID, nil)
	if err != nil {
		return fmt.Errorf("%w: connecting network: %v", engine.ErrLaunchFailed, err)
	}

	err = e.docker.ContainerStart(stepCtx, resp.ID, container.StartOptions{})
	if err != nil {
		return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, err)
	}
	e.l.Info("started container", "name", resp.ID, "step", step.Name)

	// tail logs in the background
	tailDone := make(chan error, 1)
	go func() {
		tailDone <- e.tailStep(stepCtx, logger, resp.ID, idx)
	}()

	// wait for container completion or interruption
	waitDone := make(chan struct{})
	var state *container.State
	var waitErr error

	go func() {
		defer close(waitDone)
		state, waitErr = e.waitStep(stepCtx, resp.ID)
	}()

	select {
	case <-waitDone:

		// wait for tailing to complete
		<-tailDone

	case <-stepCtx.Done():
		e.l.Warn("step interrupted; killing container", "container", resp.ID, "step", step.Name)
		if err := e.DestroyStep(context.WithoutCancel(ctx), resp.ID); err != nil {
			e.l.Error("failed to destroy step", "container", resp.ID, "error", err)
		}

		// wait for both goroutines to finish
		<-waitDone
		<-tailDone

		return e.interrupted(ctx)
	}

	if stepCtx.Err() != nil {
		return e.interrupted(ctx)
	}

	if waitErr != nil {
		return fmt.Errorf("%w: %v", engine.ErrLaunchFailed, waitErr)
	}

	if state.ExitCode != 0 {
		e.l.Info("step failed", "job", job.Id, "exit_code", state.ExitCode, "oom_killed", state.OOMKilled)
		if state.OOMKilled {
			return engine.ErrOOMKilled
		}
		return &engine.ExitError{Code: state.ExitCode}
	}

	return nil
}

func (e *Engine) waitStep(ctx context.Context, containerID string) (*container.State, error) {
	wait, errCh := e.docker.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		if err != nil {
			return nil, err
		}
	case <-wait:
	}

	info, err := e.docker.ContainerInspect(ctx, containerID)
	if err != nil {
		return nil, err
	}

	return info.State, nil
}

func (e *Engine) tailStep(ctx context.Context, logger *models.JobLogger, containerID string, idx int) error {
	if logger == nil {
		return nil
	}

	logs, err := e.docker.ContainerLogs(ctx, containerID, container.LogsOptions{
		Follow:     true,
		ShowStdout: true,
		ShowStderr: true,
		Details:    false,
		Timestamps: false,
	})
	if err != nil {
		return err
	}

	_, err = stdcopy.StdCopy(
		logger.DataWriter(idx, "stdout"),
		logger.DataWriter(idx, "stderr"),
		logs,
	)
	if err != nil && err != io.EOF && !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("failed to copy logs: %w", err)
	}

	return nil
}

func (e *Engine) DestroyStep(ctx context.Context, containerID string) error {
	err := e.docker.ContainerKill(ctx, containerID, "9") // SIGKILL
	if err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	if err := e.docker.ContainerRemove(ctx, containerID, container.RemoveOptions{
		RemoveVolumes: true,
		RemoveLinks:   false,
		Force:         false,
	}); err != nil && !isErrContainerNotFoundOrNotRunning(err) {
		return err
	}

	return nil
}

func (e *Engine) DestroyJob(ctx context.Context, job *models.Job) error {
	e.cleanupMu.Lock()
	key := job.Id.String()

	fns := e.cleanup[key]
	delete(e.cleanup, key)
	e.cleanupMu.Unlock()

	for _, fn := range fns {
		if err := fn(ctx); err != nil {
			e.l.Error("failed to cleanup job resource", "job", job.Id, "error", err)
		}
	}
	return nil
}

func (e *Engine) registerCleanup(id models.JobId, fn cleanupFunc) {
	e.cleanupMu.Lock()
	defer e.cleanupMu.Unlock()

	key := id.String()
	e.cleanup[key] = append(e.cleanup[key], fn)
}

// interrupted tells a step that hit its own deadline apart from one
// whose whole job was torn down.
func (e *Engine) interrupted(parent context.Context) error {
	if parent.Err() != nil {
		return engine.ErrCancelled
	}
	return engine.ErrTimedOut
}

func homeVolume(id models.JobId) string {
	return fmt.Sprintf("loom-home-%s", id)
}

func networkName(id models.JobId) string {
	return fmt.Sprintf("loom-net-%s", id)
}

func (e *Engine) hostConfig(id models.JobId) *container.HostConfig {
	hostConfig := &container.HostConfig{
		Mounts: []mount.Mount{
			{
				Type:   mount.TypeBind,
				Source: e.workspaces.Dir(id),
				Target: workspaceDir,
			},
			{
				Type:   mount.TypeVolume,
				Source: homeVolume(id),
				Target: homeDir,
			},
			{
				Type:     mount.TypeTmpfs,
				Target:   "/tmp",
				ReadOnly: false,
				TmpfsOptions: &mount.TmpfsOptions{
					Mode: 0o1777, // world-writeable sticky bit
					Options: [][]string{
						{"exec"},
					},
				},
			},
		},
		ReadonlyRootfs: false,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CAP_DAC_OVERRIDE"},
		SecurityOpt:    []string{"no-new-privileges"},
		ExtraHosts:     []string{"host.docker.internal:host-gateway"},
	}

	return hostConfig
}

// thanks woodpecker
func isErrContainerNotFoundOrNotRunning(err error) bool {
	// Error response from daemon: Cannot kill container: ...: No such container: ...
	// Error response from daemon: Cannot kill container: ...: Container ... is not running"
	// Error response from podman daemon: can only kill running containers. ... is in state exited
	// Error: No such container: ...
	return err != nil && (strings.Contains(err.Error(), "No such container") || strings.Contains(err.Error(), "is not running") || strings.Contains(err.Error(), "can only kill running containers"))
}
