// Package idle stops running environments after a period of inactivity.
// A single periodic sweep compares durable timestamps instead of managing a
// timer per project, so it scales with project count and survives
// orchestrator restarts.
package idle

import (
	"context"
	"log/slog"
	"time"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/repository"
)

const defaultInterval = time.Minute

// Stopper is the lifecycle path an idle stop takes; identical to a user stop.
type Stopper interface {
	StopForIdle(ctx context.Context, projectName string) error
}

// Sweeper scans running environments on a fixed interval and stops any whose
// last activity is older than the idle timeout. Activity signals (log lines,
// health probes, API interaction) advance the timestamp and thereby defer the
// stop; there is no separate pause mechanism.
type Sweeper struct {
	repo     repository.EnvironmentRepository
	stopper  Stopper
	logger   *slog.Logger
	interval time.Duration
	timeout  time.Duration

	now func() time.Time
}

// New constructs an idle sweeper.
func New(repo repository.EnvironmentRepository, stopper Stopper, logger *slog.Logger, interval, timeout time.Duration) *Sweeper {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "idle")
	}
	return &Sweeper{
		repo:     repo,
		stopper:  stopper,
		logger:   logger,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
	}
}

// Run executes the sweep loop until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s.timeout <= 0 {
		s.logger.Info("idle sweeper disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.Info("idle sweeper started", "interval", s.interval, "timeout", s.timeout)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("idle sweeper stopped")
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	envs, err := s.repo.ListEnvironmentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		s.logger.Warn("failed to list running environments", "error", err)
		return
	}
	now := s.now()
	for _, env := range envs {
		if env.RestartInProgress {
			continue
		}
		if env.LastActivityAt == nil {
			continue
		}
		if env.IdleFor(now) < s.timeout {
			continue
		}
		if err := s.stopper.StopForIdle(ctx, env.ProjectName); err != nil {
			s.logger.Warn("idle stop failed", "project", env.ProjectName, "error", err)
			continue
		}
		s.logger.Info("stopped idle environment", "project", env.ProjectName,
			"idle", env.IdleFor(now).Truncate(time.Second))
	}
}
