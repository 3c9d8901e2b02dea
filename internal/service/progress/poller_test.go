package progress

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/repository"
)

type fakeEnvLister struct {
	envs []domain.Environment
}

func (r *fakeEnvLister) GetEnvironment(ctx context.Context, projectName string) (*domain.Environment, error) {
	return nil, repository.ErrNotFound
}

func (r *fakeEnvLister) UpsertEnvironment(ctx context.Context, env *domain.Environment) error {
	return nil
}

func (r *fakeEnvLister) ListEnvironmentsByStatus(ctx context.Context, status domain.EnvironmentStatus) ([]domain.Environment, error) {
	var out []domain.Environment
	for _, env := range r.envs {
		if env.Status == status {
			out = append(out, env)
		}
	}
	return out, nil
}

func (r *fakeEnvLister) CompareAndSwapStatus(ctx context.Context, swap repository.StatusSwap) (bool, error) {
	return false, nil
}

func (r *fakeEnvLister) AcquireRestartGuard(ctx context.Context, projectName string) (bool, error) {
	return false, nil
}

func (r *fakeEnvLister) ReleaseRestartGuard(ctx context.Context, projectName string) error {
	return nil
}

func (r *fakeEnvLister) TouchActivity(ctx context.Context, projectName string, observedAt time.Time) error {
	return nil
}

func (r *fakeEnvLister) DeleteEnvironment(ctx context.Context, projectName string) error {
	return nil
}

type fakeStatsRepo struct {
	mu    sync.Mutex
	stats map[string]domain.FeatureStats
}

func newFakeStatsRepo() *fakeStatsRepo {
	return &fakeStatsRepo{stats: make(map[string]domain.FeatureStats)}
}

func (r *fakeStatsRepo) UpsertFeatureStats(ctx context.Context, stats domain.FeatureStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats[stats.ProjectName] = stats
	return nil
}

func (r *fakeStatsRepo) GetFeatureStats(ctx context.Context, projectName string) (*domain.FeatureStats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats, ok := r.stats[projectName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &stats, nil
}

type fakeTracker struct {
	stats map[string]domain.FeatureStats
	err   error
}

func (t *fakeTracker) OpenAndInProgressCount(ctx context.Context, mountPath string) (int, error) {
	stats, err := t.Stats(ctx, mountPath)
	if err != nil {
		return 0, err
	}
	return stats.Remaining(), nil
}

func (t *fakeTracker) Stats(ctx context.Context, mountPath string) (domain.FeatureStats, error) {
	if t.err != nil {
		return domain.FeatureStats{}, t.err
	}
	return t.stats[mountPath], nil
}

func TestPollSnapshotsRunningEnvironments(t *testing.T) {
	now := time.Now()
	envs := &fakeEnvLister{envs: []domain.Environment{
		{ProjectName: "alpha", MountPath: "/srv/alpha", Status: domain.StatusRunning},
		{ProjectName: "beta", MountPath: "/srv/beta", Status: domain.StatusStopped},
	}}
	statsRepo := newFakeStatsRepo()
	trk := &fakeTracker{stats: map[string]domain.FeatureStats{
		"/srv/alpha": {Open: 4, InProgress: 1, Done: 7, Total: 12},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	poller := New(envs, statsRepo, trk, nil, logger, time.Minute)
	poller.now = func() time.Time { return now }

	poller.poll(context.Background())

	snapshot, err := poller.Get(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if snapshot.Remaining() != 5 {
		t.Errorf("expected 5 remaining, got %d", snapshot.Remaining())
	}
	if !snapshot.PolledAt.Equal(now.UTC()) {
		t.Errorf("expected snapshot stamped with poll time, got %s", snapshot.PolledAt)
	}

	if _, err := poller.Get(context.Background(), "beta"); err == nil {
		t.Error("expected no snapshot for a stopped environment")
	}
}

func TestPollSkipsTrackerFailures(t *testing.T) {
	envs := &fakeEnvLister{envs: []domain.Environment{
		{ProjectName: "alpha", MountPath: "/srv/alpha", Status: domain.StatusRunning},
	}}
	statsRepo := newFakeStatsRepo()
	trk := &fakeTracker{err: errors.New("issues file unreadable")}
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	poller := New(envs, statsRepo, trk, nil, logger, time.Minute)

	poller.poll(context.Background())

	if _, err := poller.Get(context.Background(), "alpha"); err == nil {
		t.Error("expected no snapshot when the tracker read fails")
	}
}
