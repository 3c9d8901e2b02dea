// Package session runs agent sessions inside project environments and
// decides what happens when one exits: relaunch while the tracker reports
// remaining work, complete when it reports none.
package session

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/metrics"
	"github.com/forgeloop/autocoder/internal/repository"
	"github.com/forgeloop/autocoder/internal/service/logs"
	"github.com/forgeloop/autocoder/internal/tracker"
)

// exitInterrupted is the agent's exit code after an operator interrupt; the
// environment stays running but no fresh session is launched.
const exitInterrupted = 130

// Driver is the subset of the environment driver the runner needs.
type Driver interface {
	RunSession(ctx context.Context, containerID string, yoloMode bool, onStarted func(), onLine func(string)) (int, error)
}

// Completer finalizes a project whose tracker reports no remaining work.
type Completer interface {
	Complete(ctx context.Context, projectName string) error
}

// Runner supervises one agent session at a time per project. Each session is
// a fresh execution context; continuity lives in the feature tracker and the
// project filesystem, never in process memory.
type Runner struct {
	repo         repository.EnvironmentRepository
	driver       Driver
	tracker      tracker.Tracker
	logs         logs.Service
	manager      Completer
	logger       *slog.Logger
	restartDelay time.Duration
	now          func() time.Time
}

// NewRunner constructs a session runner.
func NewRunner(repo repository.EnvironmentRepository, driver Driver, trk tracker.Tracker, logSvc logs.Service, manager Completer, logger *slog.Logger, restartDelay time.Duration) *Runner {
	if logger != nil {
		logger = logger.With("component", "session")
	}
	return &Runner{
		repo:         repo,
		driver:       driver,
		tracker:      trk,
		logs:         logSvc,
		manager:      manager,
		logger:       logger,
		restartDelay: restartDelay,
		now:          time.Now,
	}
}

// Launch starts a session for the project in the background.
func (r *Runner) Launch(projectName string) {
	go r.run(context.Background(), projectName, false)
}

// relaunch continues a project onto its next session. The caller still holds
// the restart guard; it is released once the new session's exec has started,
// or on any path where no session starts.
func (r *Runner) relaunch(projectName string) {
	go r.run(context.Background(), projectName, true)
}

func (r *Runner) run(ctx context.Context, projectName string, guardHeld bool) {
	released := !guardHeld
	release := func() {
		if !released {
			released = true
			r.releaseGuard(ctx, projectName)
		}
	}
	defer release()

	env, err := r.repo.GetEnvironment(ctx, projectName)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			r.logger.Warn("session launch read failed", "project", projectName, "error", err)
		}
		return
	}
	if env.Status != domain.StatusRunning || env.ContainerID == "" {
		return
	}

	sessionID := uuid.NewString()
	r.systemLine(ctx, projectName, sessionID, "session starting")
	r.logger.Info("session starting", "project", projectName, "session_id", sessionID)

	exitCode, err := r.driver.RunSession(ctx, env.ContainerID, env.YoloMode, release, func(line string) {
		_ = r.repo.TouchActivity(ctx, projectName, r.now().UTC())
		if appendErr := r.logs.Append(ctx, domain.SessionLog{
			ProjectName: projectName,
			SessionID:   sessionID,
			Source:      domain.LogSourceSession,
			Message:     line,
		}); appendErr != nil {
			r.logger.Warn("failed to record session output", "project", projectName, "error", appendErr)
		}
	})
	if err != nil {
		// The exec could not run or was cut off; the health monitor owns
		// recovery from here.
		r.logger.Warn("session execution failed", "project", projectName, "session_id", sessionID, "error", err)
		return
	}

	r.logger.Info("session exited", "project", projectName, "session_id", sessionID, "exit_code", exitCode)
	r.HandleExit(ctx, projectName, exitCode)
}

// HandleExit reacts to a session ending on its own. Exits observed while a
// recovery is already in flight are ignored; the health monitor owns that
// transition.
func (r *Runner) HandleExit(ctx context.Context, projectName string, exitCode int) {
	env, err := r.repo.GetEnvironment(ctx, projectName)
	if err != nil {
		r.logger.Warn("exit handling read failed", "project", projectName, "error", err)
		return
	}
	if env.RestartInProgress || env.Status != domain.StatusRunning {
		return
	}

	if exitCode == exitInterrupted {
		r.systemLine(ctx, projectName, "", "session interrupted, not restarting")
		return
	}

	won, err := r.repo.AcquireRestartGuard(ctx, projectName)
	if err != nil {
		r.logger.Warn("restart guard acquire failed", "project", projectName, "error", err)
		return
	}
	if !won {
		return
	}

	remaining, err := r.tracker.OpenAndInProgressCount(ctx, env.MountPath)
	if err != nil {
		r.logger.Warn("tracker read failed after session exit", "project", projectName, "error", err)
		r.releaseGuard(ctx, projectName)
		return
	}

	if remaining == 0 {
		r.systemLine(ctx, projectName, "", "all features complete")
		if err := r.manager.Complete(ctx, projectName); err != nil {
			r.logger.Warn("completion failed", "project", projectName, "error", err)
			r.releaseGuard(ctx, projectName)
			metrics.SessionRestarts.WithLabelValues("exit", "error").Inc()
			return
		}
		r.releaseGuard(ctx, projectName)
		metrics.SessionRestarts.WithLabelValues("exit", "completed").Inc()
		return
	}

	if exitCode != 0 && r.restartDelay > 0 {
		select {
		case <-ctx.Done():
			r.releaseGuard(ctx, projectName)
			return
		case <-time.After(r.restartDelay):
		}
	}

	// The guard stays held until the next session's exec is running, so the
	// health monitor cannot start a competing recovery in between.
	r.systemLine(ctx, projectName, "", "session complete, starting fresh context for next feature")
	metrics.SessionRestarts.WithLabelValues("exit", "restarted").Inc()
	r.relaunch(projectName)
}

func (r *Runner) releaseGuard(ctx context.Context, projectName string) {
	if err := r.repo.ReleaseRestartGuard(ctx, projectName); err != nil {
		r.logger.Warn("restart guard release failed", "project", projectName, "error", err)
	}
}

func (r *Runner) systemLine(ctx context.Context, projectName, sessionID, message string) {
	if err := r.logs.Append(ctx, domain.SessionLog{
		ProjectName: projectName,
		SessionID:   sessionID,
		Source:      domain.LogSourceSystem,
		Message:     message,
	}); err != nil {
		r.logger.Warn("failed to record system log line", "project", projectName, "error", err)
	}
}
