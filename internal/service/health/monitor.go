// Package health detects environments whose agent process died without a
// clean status transition and recovers them with one bounded restart attempt.
package health

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/forgeloop/autocoder/internal/docker"
	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/metrics"
	"github.com/forgeloop/autocoder/internal/repository"
	"github.com/forgeloop/autocoder/internal/service/lifecycle"
)

const defaultInterval = 10 * time.Minute

// Prober checks whether the agent process is alive inside a container.
// ContainerRunning disambiguates a failed exec: probing a dead container
// errors, and that error means the agent is gone, not that the check should
// be skipped.
type Prober interface {
	AgentAlive(ctx context.Context, containerID string) (bool, error)
	ContainerRunning(ctx context.Context, containerID string) (bool, error)
}

// Restarter re-invokes the same start path a user start takes.
type Restarter interface {
	Start(ctx context.Context, projectName string, opts lifecycle.StartOptions) (domain.Environment, error)
}

// Monitor sweeps running environments on a fixed period. Environments that
// were started for inspection only (user_started = false) are never
// auto-restarted, and a failed recovery leaves the project crashed until an
// explicit user start.
type Monitor struct {
	repo      repository.EnvironmentRepository
	prober    Prober
	restarter Restarter
	logger    *slog.Logger
	interval  time.Duration

	now func() time.Time
}

// New constructs a health monitor.
func New(repo repository.EnvironmentRepository, prober Prober, restarter Restarter, logger *slog.Logger, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "health")
	}
	return &Monitor{
		repo:      repo,
		prober:    prober,
		restarter: restarter,
		logger:    logger,
		interval:  interval,
		now:       time.Now,
	}
}

// Run executes the sweep loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("health monitor stopped")
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	envs, err := m.repo.ListEnvironmentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		m.logger.Warn("failed to list running environments", "error", err)
		return
	}
	for _, env := range envs {
		if !env.UserStarted || env.RestartInProgress {
			continue
		}
		m.checkEnvironment(ctx, env)
	}
}

func (m *Monitor) checkEnvironment(ctx context.Context, env domain.Environment) {
	alive, reason, err := m.probe(ctx, env.ContainerID)
	if err != nil {
		m.logger.Warn("agent probe failed", "project", env.ProjectName, "error", err)
		metrics.HealthProbes.WithLabelValues("error").Inc()
		return
	}
	if alive {
		metrics.HealthProbes.WithLabelValues("alive").Inc()
		if err := m.repo.TouchActivity(ctx, env.ProjectName, m.now().UTC()); err != nil {
			m.logger.Warn("activity touch failed", "project", env.ProjectName, "error", err)
		}
		return
	}
	metrics.HealthProbes.WithLabelValues("dead").Inc()

	won, err := m.repo.AcquireRestartGuard(ctx, env.ProjectName)
	if err != nil {
		m.logger.Warn("restart guard acquire failed", "project", env.ProjectName, "error", err)
		return
	}
	if !won {
		// Another actor is already recovering this project.
		return
	}

	crashed, err := m.repo.CompareAndSwapStatus(ctx, repository.StatusSwap{
		ProjectName: env.ProjectName,
		Expected:    domain.StatusRunning,
		Next:        domain.StatusCrashed,
		LastError:   &reason,
	})
	if err != nil || !crashed {
		// A concurrent stop or completion superseded the recovery.
		if err != nil {
			m.logger.Warn("crash transition failed", "project", env.ProjectName, "error", err)
		}
		m.releaseGuard(ctx, env.ProjectName)
		return
	}

	m.logger.Warn("agent dead, restarting environment", "project", env.ProjectName)
	if _, err := m.restarter.Start(ctx, env.ProjectName, lifecycle.StartOptions{
		AgentSession: true,
		YoloMode:     env.YoloMode,
	}); err != nil {
		// Stays crashed with the failure recorded; recovery now requires an
		// explicit user start.
		m.logger.Error("automatic restart failed", "project", env.ProjectName, "error", err)
		failure := "restart failed: " + err.Error()
		if _, casErr := m.repo.CompareAndSwapStatus(ctx, repository.StatusSwap{
			ProjectName: env.ProjectName,
			Expected:    domain.StatusCrashed,
			Next:        domain.StatusCrashed,
			LastError:   &failure,
		}); casErr != nil {
			m.logger.Warn("failed to record restart failure", "project", env.ProjectName, "error", casErr)
		}
		m.releaseGuard(ctx, env.ProjectName)
		metrics.SessionRestarts.WithLabelValues("health", "error").Inc()
		return
	}

	m.releaseGuard(ctx, env.ProjectName)
	if err := m.repo.TouchActivity(ctx, env.ProjectName, m.now().UTC()); err != nil {
		m.logger.Warn("activity touch failed", "project", env.ProjectName, "error", err)
	}
	m.logger.Info("environment restarted after crash", "project", env.ProjectName)
	metrics.SessionRestarts.WithLabelValues("health", "restarted").Inc()
}

// probe determines agent liveness. A failed exec against a container that is
// itself gone counts as a dead agent; only an unreachable daemon or an
// inconclusive failure aborts the check for this sweep.
func (m *Monitor) probe(ctx context.Context, containerID string) (alive bool, reason string, err error) {
	alive, err = m.prober.AgentAlive(ctx, containerID)
	if err == nil {
		return alive, "agent process not running", nil
	}
	if errors.Is(err, docker.ErrUnavailable) {
		return false, "", err
	}
	running, runErr := m.prober.ContainerRunning(ctx, containerID)
	if runErr != nil || running {
		// Container looks fine, so the exec failure tells us nothing about
		// the agent. Leave the environment alone until the next sweep.
		return false, "", err
	}
	return false, "container not running", nil
}

func (m *Monitor) releaseGuard(ctx context.Context, projectName string) {
	if err := m.repo.ReleaseRestartGuard(ctx, projectName); err != nil {
		m.logger.Warn("restart guard release failed", "project", projectName, "error", err)
	}
}
