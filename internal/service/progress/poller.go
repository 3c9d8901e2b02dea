// Package progress periodically snapshots feature tracker counts for running
// environments so the UI can show progress without touching the tracker on
// every request.
package progress

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/repository"
	"github.com/forgeloop/autocoder/internal/tracker"
	"github.com/forgeloop/autocoder/internal/ws"
)

const defaultInterval = 30 * time.Second

// Poller snapshots tracker counts on a fixed interval. Snapshots are display
// data only; restart decisions always re-read the tracker directly.
type Poller struct {
	envs     repository.EnvironmentRepository
	stats    repository.FeatureStatsRepository
	tracker  tracker.Tracker
	hub      *ws.Hub
	logger   *slog.Logger
	interval time.Duration

	now func() time.Time
}

// New constructs a progress poller.
func New(envs repository.EnvironmentRepository, stats repository.FeatureStatsRepository, trk tracker.Tracker, hub *ws.Hub, logger *slog.Logger, interval time.Duration) *Poller {
	if interval <= 0 {
		interval = defaultInterval
	}
	if logger != nil {
		logger = logger.With("component", "progress")
	}
	return &Poller{
		envs:     envs,
		stats:    stats,
		tracker:  trk,
		hub:      hub,
		logger:   logger,
		interval: interval,
		now:      time.Now,
	}
}

// Run executes the poll loop until the context is cancelled.
func (p *Poller) Run(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("progress poller started", "interval", p.interval)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("progress poller stopped")
			return
		case <-ticker.C:
			p.poll(ctx)
		}
	}
}

func (p *Poller) poll(ctx context.Context) {
	envs, err := p.envs.ListEnvironmentsByStatus(ctx, domain.StatusRunning)
	if err != nil {
		p.logger.Warn("failed to list running environments", "error", err)
		return
	}
	for _, env := range envs {
		if env.MountPath == "" {
			continue
		}
		snapshot, err := p.tracker.Stats(ctx, env.MountPath)
		if err != nil {
			p.logger.Warn("tracker snapshot failed", "project", env.ProjectName, "error", err)
			continue
		}
		snapshot.ProjectName = env.ProjectName
		snapshot.PolledAt = p.now().UTC()
		if err := p.stats.UpsertFeatureStats(ctx, snapshot); err != nil {
			p.logger.Warn("failed to store progress snapshot", "project", env.ProjectName, "error", err)
			continue
		}
		p.broadcast(snapshot)
	}
}

// Get returns the most recent snapshot for a project.
func (p *Poller) Get(ctx context.Context, projectName string) (*domain.FeatureStats, error) {
	return p.stats.GetFeatureStats(ctx, projectName)
}

func (p *Poller) broadcast(snapshot domain.FeatureStats) {
	if p.hub == nil {
		return
	}
	payload := map[string]any{
		"type":        "progress",
		"project":     snapshot.ProjectName,
		"open":        snapshot.Open,
		"in_progress": snapshot.InProgress,
		"done":        snapshot.Done,
		"total":       snapshot.Total,
		"remaining":   snapshot.Remaining(),
		"polled_at":   snapshot.PolledAt.Format(time.RFC3339Nano),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		p.logger.Warn("failed to marshal progress payload", "error", err)
		return
	}
	p.hub.Broadcast(snapshot.ProjectName, data)
}
