package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/metrics"
	"github.com/forgeloop/autocoder/internal/repository"
	"github.com/forgeloop/autocoder/internal/service/logs"
)

var (
	// ErrAlreadyRunning is returned by Start when the environment is running
	// with a different configuration. A matching start is an idempotent no-op.
	ErrAlreadyRunning = errors.New("lifecycle: environment already running")

	// ErrCompleted is returned by Start on a completed project; completed is
	// terminal until the environment is removed.
	ErrCompleted = errors.New("lifecycle: project completed, remove the environment to start over")

	// ErrMountPathRequired is returned when the first start for a project
	// carries no host directory to bind.
	ErrMountPathRequired = errors.New("lifecycle: mount path required for first start")
)

// Driver is the execution environment surface the manager drives.
type Driver interface {
	ContainerName(projectName string) string
	EnsureContainer(ctx context.Context, projectName, mountPath string) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string, grace time.Duration) error
	RemoveContainer(ctx context.Context, containerID string) error
	ContainerRunning(ctx context.Context, containerID string) (bool, error)
	AgentAlive(ctx context.Context, containerID string) (bool, error)
	StreamLogs(ctx context.Context, containerID string, onLine func(string)) error
}

// SessionLauncher starts agent sessions inside a running environment. Wired
// after construction because the session runner also calls back into the
// manager's stop path.
type SessionLauncher interface {
	Launch(projectName string)
}

// StartOptions configures a start request.
type StartOptions struct {
	// MountPath is the host project directory; required on first start,
	// ignored afterwards (the mount is immutable once created).
	MountPath string
	// YoloMode is forwarded into the session; it has no lifecycle meaning.
	YoloMode bool
	// AgentSession starts an agent session after the container is up. When
	// false the container runs for inspection/editing only and is never
	// auto-restarted by the health monitor.
	AgentSession bool
}

// StatusReport is the read-only view returned by Status.
type StatusReport struct {
	ProjectName       string                   `json:"project"`
	Status            domain.EnvironmentStatus `json:"status"`
	ContainerName     string                   `json:"container_name"`
	StartedAt         *time.Time               `json:"started_at"`
	IdleSeconds       int                      `json:"idle_seconds"`
	AgentRunning      bool                     `json:"agent_running"`
	UserStarted       bool                     `json:"user_started"`
	RestartInProgress bool                     `json:"restart_in_progress"`
	LastError         string                   `json:"last_error,omitempty"`
}

// Manager is the lifecycle façade. Operations for the same project are
// serialized in-process by keyed locks; every state transition still goes
// through the store's compare-and-swap so concurrent actors (health sweep,
// restart controller, another orchestrator) cannot both win.
type Manager struct {
	repo   repository.EnvironmentRepository
	driver Driver
	logs   logs.Service
	logger *slog.Logger
	locks  *keyedLocks
	grace  time.Duration
	now    func() time.Time

	sessions SessionLauncher

	streamMu sync.Mutex
	streams  map[string]context.CancelFunc
}

// New constructs a lifecycle manager.
func New(repo repository.EnvironmentRepository, driver Driver, logSvc logs.Service, logger *slog.Logger, stopGrace time.Duration) *Manager {
	if logger != nil {
		logger = logger.With("component", "lifecycle")
	}
	return &Manager{
		repo:    repo,
		driver:  driver,
		logs:    logSvc,
		logger:  logger,
		locks:   newKeyedLocks(),
		grace:   stopGrace,
		now:     time.Now,
		streams: make(map[string]context.CancelFunc),
	}
}

// SetSessionLauncher wires the session runner once both sides exist.
func (m *Manager) SetSessionLauncher(launcher SessionLauncher) {
	m.sessions = launcher
}

// Start brings a project's environment to running. Allowed from not_created,
// stopped, and crashed. Starting an already-running environment with the same
// configuration is a no-op; with a different one it fails with ErrAlreadyRunning.
func (m *Manager) Start(ctx context.Context, projectName string, opts StartOptions) (domain.Environment, error) {
	unlock := m.locks.acquire(projectName)
	defer unlock()

	env, err := m.startLocked(ctx, projectName, opts)
	if err != nil {
		metrics.LifecycleOps.WithLabelValues("start", "error").Inc()
		return env, err
	}
	metrics.LifecycleOps.WithLabelValues("start", "ok").Inc()
	return env, nil
}

func (m *Manager) startLocked(ctx context.Context, projectName string, opts StartOptions) (domain.Environment, error) {
	env, err := m.repo.GetEnvironment(ctx, projectName)
	if errors.Is(err, repository.ErrNotFound) {
		if opts.MountPath == "" {
			return domain.Environment{}, ErrMountPathRequired
		}
		env = &domain.Environment{
			ProjectName: projectName,
			MountPath:   opts.MountPath,
			Status:      domain.StatusNotCreated,
		}
		if err := m.repo.UpsertEnvironment(ctx, env); err != nil {
			return domain.Environment{}, fmt.Errorf("create environment record: %w", err)
		}
	} else if err != nil {
		return domain.Environment{}, err
	}

	switch env.Status {
	case domain.StatusRunning:
		if env.YoloMode == opts.YoloMode && (env.UserStarted || !opts.AgentSession) {
			return *env, nil
		}
		return *env, ErrAlreadyRunning
	case domain.StatusCompleted:
		return *env, ErrCompleted
	}

	containerID := env.ContainerID
	if containerID == "" {
		containerID, err = m.driver.EnsureContainer(ctx, projectName, env.MountPath)
		if err != nil {
			return *env, err
		}
	}
	if err := m.driver.StartContainer(ctx, containerID); err != nil {
		return *env, err
	}

	now := m.now().UTC()
	noError := ""
	won, err := m.repo.CompareAndSwapStatus(ctx, repository.StatusSwap{
		ProjectName: projectName,
		Expected:    env.Status,
		Next:        domain.StatusRunning,
		ContainerID: &containerID,
		StartedAt:   &now,
		ActivityAt:  &now,
		UserStarted: &opts.AgentSession,
		YoloMode:    &opts.YoloMode,
		LastError:   &noError,
	})
	if err != nil {
		return *env, err
	}
	if !won {
		// Superseded by a concurrent transition; re-read and honor it. A
		// user stop that landed first keeps precedence over this start.
		fresh, err := m.repo.GetEnvironment(ctx, projectName)
		if err != nil {
			return *env, err
		}
		if fresh.Status != domain.StatusRunning {
			_ = m.driver.StopContainer(ctx, containerID, m.grace)
			return *fresh, nil
		}
		return *fresh, nil
	}

	m.logger.Info("environment started", "project", projectName,
		"container", m.driver.ContainerName(projectName), "agent_session", opts.AgentSession)

	m.startLogStream(projectName, containerID)
	if opts.AgentSession && m.sessions != nil {
		m.sessions.Launch(projectName)
	}

	fresh, err := m.repo.GetEnvironment(ctx, projectName)
	if err != nil {
		return *env, err
	}
	return *fresh, nil
}

// Stop halts a running environment. Stopping anything not running is a no-op.
func (m *Manager) Stop(ctx context.Context, projectName string) (domain.Environment, error) {
	unlock := m.locks.acquire(projectName)
	defer unlock()

	env, err := m.stopLocked(ctx, projectName)
	if err != nil {
		metrics.LifecycleOps.WithLabelValues("stop", "error").Inc()
		return env, err
	}
	metrics.LifecycleOps.WithLabelValues("stop", "ok").Inc()
	return env, nil
}

func (m *Manager) stopLocked(ctx context.Context, projectName string) (domain.Environment, error) {
	env, err := m.repo.GetEnvironment(ctx, projectName)
	if err != nil {
		return domain.Environment{}, err
	}
	if env.Status != domain.StatusRunning {
		return *env, nil
	}

	m.stopLogStream(projectName)
	if err := m.driver.StopContainer(ctx, env.ContainerID, m.grace); err != nil {
		return *env, err
	}

	won, err := m.repo.CompareAndSwapStatus(ctx, repository.StatusSwap{
		ProjectName: projectName,
		Expected:    domain.StatusRunning,
		Next:        domain.StatusStopped,
	})
	if err != nil {
		return *env, err
	}
	if !won {
		// Another actor moved the environment first (e.g. the restart
		// controller completed it); their transition stands.
		fresh, err := m.repo.GetEnvironment(ctx, projectName)
		if err != nil {
			return *env, err
		}
		return *fresh, nil
	}

	m.logger.Info("environment stopped", "project", projectName)
	fresh, err := m.repo.GetEnvironment(ctx, projectName)
	if err != nil {
		return *env, err
	}
	return *fresh, nil
}

// Complete transitions a running environment to the terminal completed state
// and stops its container. Called by the restart controller when the tracker
// reports no remaining work.
func (m *Manager) Complete(ctx context.Context, projectName string) error {
	unlock := m.locks.acquire(projectName)
	defer unlock()

	env, err := m.repo.GetEnvironment(ctx, projectName)
	if err != nil {
		return err
	}
	if env.Status != domain.StatusRunning {
		return nil
	}

	won, err := m.repo.CompareAndSwapStatus(ctx, repository.StatusSwap{
		ProjectName: projectName,
		Expected:    domain.StatusRunning,
		Next:        domain.StatusCompleted,
	})
	if err != nil {
		return err
	}
	if !won {
		return nil
	}

	m.stopLogStream(projectName)
	if err := m.driver.StopContainer(ctx, env.ContainerID, m.grace); err != nil {
		m.logger.Warn("stop after completion failed", "project", projectName, "error", err)
	}
	m.logger.Info("project completed", "project", projectName)
	metrics.LifecycleOps.WithLabelValues("complete", "ok").Inc()
	return nil
}

// StopForIdle is the idle sweeper's entry point; identical to a user stop.
func (m *Manager) StopForIdle(ctx context.Context, projectName string) error {
	if _, err := m.Stop(ctx, projectName); err != nil {
		return err
	}
	metrics.IdleStops.Inc()
	return nil
}

// Remove destroys the container and resets the record to not_created,
// regardless of prior status. An internal stop attempt precedes removal.
func (m *Manager) Remove(ctx context.Context, projectName string) error {
	unlock := m.locks.acquire(projectName)
	defer unlock()

	env, err := m.repo.GetEnvironment(ctx, projectName)
	if err != nil {
		metrics.LifecycleOps.WithLabelValues("remove", "error").Inc()
		return err
	}

	m.stopLogStream(projectName)
	if env.ContainerID != "" {
		if env.Status == domain.StatusRunning {
			if err := m.driver.StopContainer(ctx, env.ContainerID, m.grace); err != nil {
				m.logger.Warn("stop before remove failed, forcing removal", "project", projectName, "error", err)
			}
		}
		if err := m.driver.RemoveContainer(ctx, env.ContainerID); err != nil {
			metrics.LifecycleOps.WithLabelValues("remove", "error").Inc()
			return err
		}
	}

	reset := &domain.Environment{
		ProjectName: projectName,
		MountPath:   env.MountPath,
		Status:      domain.StatusNotCreated,
		CreatedAt:   env.CreatedAt,
	}
	if err := m.repo.UpsertEnvironment(ctx, reset); err != nil {
		metrics.LifecycleOps.WithLabelValues("remove", "error").Inc()
		return err
	}

	m.logger.Info("environment removed", "project", projectName)
	metrics.LifecycleOps.WithLabelValues("remove", "ok").Inc()
	return nil
}

// Delete removes the environment and erases the record entirely. Used when
// the project itself is deleted.
func (m *Manager) Delete(ctx context.Context, projectName string) error {
	if err := m.Remove(ctx, projectName); err != nil && !errors.Is(err, repository.ErrNotFound) {
		return err
	}
	return m.repo.DeleteEnvironment(ctx, projectName)
}

// Status returns the current view of an environment. Pure read; the agent
// probe inspects the container but mutates nothing.
func (m *Manager) Status(ctx context.Context, projectName string) (StatusReport, error) {
	env, err := m.repo.GetEnvironment(ctx, projectName)
	if err != nil {
		return StatusReport{}, err
	}

	agentRunning := false
	if env.Status == domain.StatusRunning && env.ContainerID != "" {
		alive, err := m.driver.AgentAlive(ctx, env.ContainerID)
		if err != nil {
			m.logger.Warn("agent probe failed during status read", "project", projectName, "error", err)
		} else {
			agentRunning = alive
		}
	}

	return StatusReport{
		ProjectName:       env.ProjectName,
		Status:            env.Status,
		ContainerName:     m.driver.ContainerName(projectName),
		StartedAt:         env.StartedAt,
		IdleSeconds:       env.IdleSeconds(m.now()),
		AgentRunning:      agentRunning,
		UserStarted:       env.UserStarted,
		RestartInProgress: env.RestartInProgress,
		LastError:         env.LastError,
	}, nil
}

// Activity records an explicit liveness signal (e.g. API interaction).
func (m *Manager) Activity(ctx context.Context, projectName string) error {
	return m.repo.TouchActivity(ctx, projectName, m.now().UTC())
}

// Reconcile aligns the store with reality after an orchestrator restart:
// stale restart guards are cleared, running records whose container is gone
// are downgraded to stopped, and log streams are reattached. Sessions exec'd
// by a previous orchestrator keep running unobserved; the health monitor
// recovers those projects when their sessions end.
func (m *Manager) Reconcile(ctx context.Context) error {
	for _, status := range []domain.EnvironmentStatus{domain.StatusRunning, domain.StatusCrashed} {
		envs, err := m.repo.ListEnvironmentsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("list %s environments: %w", status, err)
		}
		for _, env := range envs {
			if env.RestartInProgress {
				if err := m.repo.ReleaseRestartGuard(ctx, env.ProjectName); err != nil {
					m.logger.Warn("failed to clear stale restart guard", "project", env.ProjectName, "error", err)
				}
			}
			if status != domain.StatusRunning {
				continue
			}
			running, err := m.driver.ContainerRunning(ctx, env.ContainerID)
			if err != nil {
				m.logger.Warn("reconcile inspect failed", "project", env.ProjectName, "error", err)
				continue
			}
			if !running {
				if _, err := m.repo.CompareAndSwapStatus(ctx, repository.StatusSwap{
					ProjectName: env.ProjectName,
					Expected:    domain.StatusRunning,
					Next:        domain.StatusStopped,
				}); err != nil {
					m.logger.Warn("reconcile downgrade failed", "project", env.ProjectName, "error", err)
				}
				continue
			}
			m.startLogStream(env.ProjectName, env.ContainerID)
		}
	}
	return nil
}

// Shutdown stops every running environment plus any orphaned prefix-matched
// containers. Called when the orchestrator itself exits.
func (m *Manager) Shutdown(ctx context.Context) {
	envs, err := m.repo.ListEnvironmentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		m.logger.Warn("shutdown list failed", "error", err)
		return
	}
	for _, env := range envs {
		if _, err := m.Stop(ctx, env.ProjectName); err != nil {
			m.logger.Warn("shutdown stop failed", "project", env.ProjectName, "error", err)
		}
	}
}

// startLogStream attaches a follower to the container's own output so that
// entrypoint logs reach subscribers and count as activity.
func (m *Manager) startLogStream(projectName, containerID string) {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if _, ok := m.streams[projectName]; ok {
		return
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	m.streams[projectName] = cancel

	go func() {
		defer func() {
			m.streamMu.Lock()
			delete(m.streams, projectName)
			m.streamMu.Unlock()
		}()
		err := m.driver.StreamLogs(streamCtx, containerID, func(line string) {
			_ = m.repo.TouchActivity(streamCtx, projectName, m.now().UTC())
			if err := m.logs.Append(streamCtx, domain.SessionLog{
				ProjectName: projectName,
				Source:      domain.LogSourceContainer,
				Message:     line,
			}); err != nil {
				m.logger.Warn("failed to record container log line", "project", projectName, "error", err)
			}
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			m.logger.Warn("container log stream ended", "project", projectName, "error", err)
		}
	}()
}

func (m *Manager) stopLogStream(projectName string) {
	m.streamMu.Lock()
	defer m.streamMu.Unlock()
	if cancel, ok := m.streams[projectName]; ok {
		cancel()
		delete(m.streams, projectName)
	}
}
