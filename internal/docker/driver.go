package docker

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/sethvargo/go-retry"
)

// Fixed mount points inside project containers. The project directory is the
// only writable host surface; credentials are read-only at a separate path.
const (
	projectMountPoint     = "/project"
	credentialsMountPoint = "/credentials"
)

// DriverConfig carries the container settings the driver needs.
type DriverConfig struct {
	Image           string
	ContainerPrefix string
	CredentialsDir  string
	SessionCommand  []string
	StopGracePeriod time.Duration
}

// Driver adapts the Docker runtime for project execution environments.
// Transient daemon errors are retried with bounded backoff; everything else
// surfaces to the caller.
type Driver struct {
	cli    *Client
	cfg    DriverConfig
	logger *slog.Logger
}

// NewDriver constructs a Driver.
func NewDriver(cli *Client, cfg DriverConfig, logger *slog.Logger) *Driver {
	if cfg.ContainerPrefix == "" {
		cfg.ContainerPrefix = "autocoder"
	}
	if cfg.StopGracePeriod <= 0 {
		cfg.StopGracePeriod = 30 * time.Second
	}
	if logger != nil {
		logger = logger.With("component", "docker")
	}
	return &Driver{cli: cli, cfg: cfg, logger: logger}
}

// ContainerName returns the deterministic name for a project's container.
func (d *Driver) ContainerName(projectName string) string {
	return d.cfg.ContainerPrefix + "-" + projectName
}

func (d *Driver) backoff() retry.Backoff {
	return retry.WithMaxRetries(3, retry.NewFibonacci(500*time.Millisecond))
}

// wrapErr maps SDK errors onto the driver's sentinel errors.
func wrapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case client.IsErrNotFound(err):
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

// retryTransient marks connection failures retryable for go-retry.
func retryTransient(err error) error {
	if err != nil && client.IsErrConnectionFailed(err) {
		return retry.RetryableError(err)
	}
	return err
}

// EnsureContainer returns the ID of the project's container, creating it when
// missing. Creation is idempotent by name, so re-creating after removal or
// racing another creator resolves to the same container.
func (d *Driver) EnsureContainer(ctx context.Context, projectName, mountPath string) (string, error) {
	name := d.ContainerName(projectName)

	inspect, err := d.cli.inner.ContainerInspect(ctx, name)
	if err == nil {
		return inspect.ID, nil
	}
	if !client.IsErrNotFound(err) {
		return "", wrapErr("inspect container", err)
	}

	mounts := []mount.Mount{{
		Type:   mount.TypeBind,
		Source: mountPath,
		Target: projectMountPoint,
	}}
	if d.cfg.CredentialsDir != "" {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   d.cfg.CredentialsDir,
			Target:   credentialsMountPoint,
			ReadOnly: true,
		})
	}

	cfg := &container.Config{
		Image: d.cfg.Image,
		// Tty keeps the log stream unmultiplexed so lines can be scanned directly.
		Tty: true,
		Labels: map[string]string{
			"autocoder.project": projectName,
		},
	}
	hostCfg := &container.HostConfig{Mounts: mounts}

	var id string
	err = retry.Do(ctx, d.backoff(), func(ctx context.Context) error {
		created, err := d.cli.inner.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
		if err != nil {
			// A concurrent creator winning the name race is success for us.
			if strings.Contains(err.Error(), "is already in use") {
				inspect, inspectErr := d.cli.inner.ContainerInspect(ctx, name)
				if inspectErr == nil {
					id = inspect.ID
					return nil
				}
			}
			return retryTransient(err)
		}
		id = created.ID
		return nil
	})
	if err != nil {
		return "", wrapErr("create container", err)
	}
	if d.logger != nil {
		d.logger.Info("container created", "project", projectName, "container_id", id)
	}
	return id, nil
}

// StartContainer starts an existing container.
func (d *Driver) StartContainer(ctx context.Context, containerID string) error {
	err := retry.Do(ctx, d.backoff(), func(ctx context.Context) error {
		return retryTransient(d.cli.inner.ContainerStart(ctx, containerID, container.StartOptions{}))
	})
	return wrapErr("start container", err)
}

// StopContainer stops a container gracefully, escalating to a kill when the
// grace period is exceeded. A container that survives both is an error, never
// silently ignored.
func (d *Driver) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	if grace <= 0 {
		grace = d.cfg.StopGracePeriod
	}
	seconds := int(grace / time.Second)
	err := d.cli.inner.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		if d.logger != nil {
			d.logger.Warn("graceful stop failed, killing container", "container_id", containerID, "error", err)
		}
		if killErr := d.cli.inner.ContainerKill(ctx, containerID, "SIGKILL"); killErr != nil && !client.IsErrNotFound(killErr) {
			return fmt.Errorf("stop container: %w: %v", ErrStopTimeout, killErr)
		}
	}

	running, err := d.ContainerRunning(ctx, containerID)
	if err != nil {
		return err
	}
	if running {
		return fmt.Errorf("stop container %s: %w", containerID, ErrStopTimeout)
	}
	return nil
}

// RemoveContainer force-removes a container. Missing containers are fine.
func (d *Driver) RemoveContainer(ctx context.Context, containerID string) error {
	err := d.cli.inner.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return wrapErr("remove container", err)
	}
	return nil
}

// ContainerRunning reports whether the container exists and is running.
func (d *Driver) ContainerRunning(ctx context.Context, containerID string) (bool, error) {
	inspect, err := d.cli.inner.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, wrapErr("inspect container", err)
	}
	return inspect.State != nil && inspect.State.Running, nil
}

// AgentAlive probes for the agent process inside a running container.
func (d *Driver) AgentAlive(ctx context.Context, containerID string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	code, err := d.execWait(probeCtx, containerID, []string{"pgrep", "-f", "agent_app"}, nil, nil, nil)
	if err != nil {
		return false, err
	}
	return code == 0, nil
}

// RunSession executes one agent session inside the container, streaming its
// output line by line, and returns the session's exit code once it ends.
// onStarted fires once the exec is attached and the session process exists.
// A non-zero exit code is not itself an error; the caller interprets it.
func (d *Driver) RunSession(ctx context.Context, containerID string, yoloMode bool, onStarted func(), onLine func(string)) (int, error) {
	env := []string{}
	if yoloMode {
		env = append(env, "AGENT_YOLO_MODE=1")
	}
	return d.execWait(ctx, containerID, d.cfg.SessionCommand, env, onStarted, onLine)
}

func (d *Driver) execWait(ctx context.Context, containerID string, cmd, env []string, onStarted func(), onLine func(string)) (int, error) {
	execCfg := types.ExecConfig{
		Cmd:          cmd,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          true,
	}
	created, err := d.cli.inner.ContainerExecCreate(ctx, containerID, execCfg)
	if err != nil {
		return 0, wrapErr("exec create", err)
	}

	attach, err := d.cli.inner.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{Tty: true})
	if err != nil {
		return 0, wrapErr("exec attach", err)
	}
	defer attach.Close()
	if onStarted != nil {
		onStarted()
	}

	scanner := bufio.NewScanner(attach.Reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
	}
	// A reset connection just means the exec ended; the inspect below is
	// authoritative for the exit code.

	inspect, err := d.cli.inner.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return 0, wrapErr("exec inspect", err)
	}
	return inspect.ExitCode, nil
}

// StreamLogs follows the container's log output, invoking onLine per line
// until the container stops or ctx is cancelled. Only lines emitted after
// subscription are delivered.
func (d *Driver) StreamLogs(ctx context.Context, containerID string, onLine func(string)) error {
	reader, err := d.cli.inner.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	})
	if err != nil {
		return wrapErr("container logs", err)
	}
	defer reader.Close()

	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if onLine != nil {
			onLine(scanner.Text())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// StopOrphans stops any running container carrying the driver's name prefix,
// regardless of whether the state store knows it. Used on shutdown.
func (d *Driver) StopOrphans(ctx context.Context) error {
	args := filters.NewArgs(filters.Arg("name", d.cfg.ContainerPrefix+"-"))
	list, err := d.cli.inner.ContainerList(ctx, container.ListOptions{Filters: args})
	if err != nil {
		return wrapErr("list containers", err)
	}
	for _, c := range list {
		if err := d.StopContainer(ctx, c.ID, d.cfg.StopGracePeriod); err != nil {
			if d.logger != nil {
				d.logger.Warn("failed to stop orphaned container", "container_id", c.ID, "error", err)
			}
			continue
		}
		if d.logger != nil {
			d.logger.Info("stopped orphaned container", "container_id", c.ID)
		}
	}
	return nil
}
