package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/repository"
	"github.com/forgeloop/autocoder/internal/service/lifecycle"
	"github.com/forgeloop/autocoder/internal/service/logs"
	"github.com/forgeloop/autocoder/internal/service/progress"
	"github.com/forgeloop/autocoder/internal/tracker"
	"github.com/forgeloop/autocoder/internal/ws"
)

type fakeEnvRepo struct {
	mu   sync.Mutex
	envs map[string]*domain.Environment
}

func newFakeEnvRepo() *fakeEnvRepo {
	return &fakeEnvRepo{envs: make(map[string]*domain.Environment)}
}

func (r *fakeEnvRepo) GetEnvironment(ctx context.Context, projectName string) (*domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[projectName]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *env
	return &copied, nil
}

func (r *fakeEnvRepo) UpsertEnvironment(ctx context.Context, env *domain.Environment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := *env
	r.envs[env.ProjectName] = &copied
	return nil
}

func (r *fakeEnvRepo) ListEnvironmentsByStatus(ctx context.Context, status domain.EnvironmentStatus) ([]domain.Environment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Environment
	for _, env := range r.envs {
		if env.Status == status {
			out = append(out, *env)
		}
	}
	return out, nil
}

func (r *fakeEnvRepo) CompareAndSwapStatus(ctx context.Context, swap repository.StatusSwap) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := swap.Validate(); err != nil {
		return false, err
	}
	env, ok := r.envs[swap.ProjectName]
	if !ok || env.Status != swap.Expected {
		return false, nil
	}
	env.Status = swap.Next
	if swap.ContainerID != nil {
		env.ContainerID = *swap.ContainerID
	}
	if swap.StartedAt != nil {
		env.StartedAt = swap.StartedAt
	}
	if swap.ActivityAt != nil {
		env.LastActivityAt = swap.ActivityAt
	}
	if swap.UserStarted != nil {
		env.UserStarted = *swap.UserStarted
	}
	if swap.YoloMode != nil {
		env.YoloMode = *swap.YoloMode
	}
	if swap.LastError != nil {
		env.LastError = *swap.LastError
	}
	return true, nil
}

func (r *fakeEnvRepo) AcquireRestartGuard(ctx context.Context, projectName string) (bool, error) {
	return false, nil
}

func (r *fakeEnvRepo) ReleaseRestartGuard(ctx context.Context, projectName string) error {
	return nil
}

func (r *fakeEnvRepo) TouchActivity(ctx context.Context, projectName string, observedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	env, ok := r.envs[projectName]
	if !ok {
		return repository.ErrNotFound
	}
	if env.LastActivityAt == nil || env.LastActivityAt.Before(observedAt) {
		env.LastActivityAt = &observedAt
	}
	return nil
}

func (r *fakeEnvRepo) DeleteEnvironment(ctx context.Context, projectName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.envs, projectName)
	return nil
}

type fakeLogRepo struct {
	mu      sync.Mutex
	entries []domain.SessionLog
}

func (r *fakeLogRepo) AppendSessionLog(ctx context.Context, entry domain.SessionLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	return nil
}

func (r *fakeLogRepo) ListSessionLogs(ctx context.Context, projectName string, limit, offset int) ([]domain.SessionLog, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.SessionLog
	for _, entry := range r.entries {
		if entry.ProjectName == projectName {
			out = append(out, entry)
		}
	}
	return out, nil
}

type fakeStatsRepo struct{}

func (fakeStatsRepo) UpsertFeatureStats(ctx context.Context, stats domain.FeatureStats) error {
	return nil
}

func (fakeStatsRepo) GetFeatureStats(ctx context.Context, projectName string) (*domain.FeatureStats, error) {
	return nil, repository.ErrNotFound
}

type fakeDriver struct{}

func (fakeDriver) ContainerName(projectName string) string { return "autocoder-" + projectName }

func (fakeDriver) EnsureContainer(ctx context.Context, projectName, mountPath string) (string, error) {
	return "ctr-" + projectName, nil
}

func (fakeDriver) StartContainer(ctx context.Context, containerID string) error { return nil }

func (fakeDriver) StopContainer(ctx context.Context, containerID string, grace time.Duration) error {
	return nil
}

func (fakeDriver) RemoveContainer(ctx context.Context, containerID string) error { return nil }

func (fakeDriver) ContainerRunning(ctx context.Context, containerID string) (bool, error) {
	return true, nil
}

func (fakeDriver) AgentAlive(ctx context.Context, containerID string) (bool, error) {
	return true, nil
}

func (fakeDriver) StreamLogs(ctx context.Context, containerID string, onLine func(string)) error {
	<-ctx.Done()
	return ctx.Err()
}

func newTestRouter(t *testing.T, repo *fakeEnvRepo, logRepo *fakeLogRepo) *Router {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	logSvc := logs.New(logRepo, ws.NewHub(), logger)
	manager := lifecycle.New(repo, fakeDriver{}, logSvc, logger, time.Second)
	poller := progress.New(repo, fakeStatsRepo{}, tracker.NewBeads(), nil, logger, time.Minute)
	router := NewRouter(logger, manager, logSvc, poller, NewMemoryRateLimiter(), nil, nil)
	t.Cleanup(router.Close)
	return router
}

func TestHealthzReportsOK(t *testing.T) {
	router := newTestRouter(t, newFakeEnvRepo(), &fakeLogRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Status != "ok" {
		t.Errorf("expected ok, got %q", payload.Status)
	}
}

func TestHealthzReportsDegradedComponent(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
	logSvc := logs.New(&fakeLogRepo{}, ws.NewHub(), logger)
	manager := lifecycle.New(newFakeEnvRepo(), fakeDriver{}, logSvc, logger, time.Second)
	poller := progress.New(newFakeEnvRepo(), fakeStatsRepo{}, tracker.NewBeads(), nil, logger, time.Minute)
	failing := func(ctx context.Context) error { return errors.New("connection refused") }
	router := NewRouter(logger, manager, logSvc, poller, NewMemoryRateLimiter(), failing, nil)
	defer router.Close()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStartThenStatus(t *testing.T) {
	repo := newFakeEnvRepo()
	router := newTestRouter(t, repo, &fakeLogRepo{})

	body := strings.NewReader(`{"mount_path":"/srv/proj","yolo_mode":false}`)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/projects/proj/start", body))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/proj/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var report struct {
		Status        string `json:"status"`
		ContainerName string `json:"container_name"`
		AgentRunning  bool   `json:"agent_running"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if report.Status != string(domain.StatusRunning) {
		t.Errorf("expected running, got %q", report.Status)
	}
	if report.ContainerName != "autocoder-proj" {
		t.Errorf("unexpected container name %q", report.ContainerName)
	}
	if !report.AgentRunning {
		t.Error("expected agent reported running")
	}
}

func TestStartWithoutMountPathIsBadRequest(t *testing.T) {
	router := newTestRouter(t, newFakeEnvRepo(), &fakeLogRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/projects/proj/start", strings.NewReader(`{}`)))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestStatusUnknownProjectIsNotFound(t *testing.T) {
	router := newTestRouter(t, newFakeEnvRepo(), &fakeLogRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/ghost/status", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestStartRejectsWrongMethod(t *testing.T) {
	router := newTestRouter(t, newFakeEnvRepo(), &fakeLogRepo{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/proj/start", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestLogsEndpointReturnsProjectHistory(t *testing.T) {
	logRepo := &fakeLogRepo{}
	_ = logRepo.AppendSessionLog(context.Background(), domain.SessionLog{ProjectName: "proj", Message: "hello"})
	_ = logRepo.AppendSessionLog(context.Background(), domain.SessionLog{ProjectName: "other", Message: "ignore"})
	router := newTestRouter(t, newFakeEnvRepo(), logRepo)

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/projects/proj/logs", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var entries []domain.SessionLog
	if err := json.Unmarshal(rec.Body.Bytes(), &entries); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(entries) != 1 || entries[0].Message != "hello" {
		t.Errorf("unexpected log entries: %+v", entries)
	}
}

func TestMemoryRateLimiterEnforcesLimit(t *testing.T) {
	rl := NewMemoryRateLimiter()
	defer rl.Close()

	for i := 0; i < 3; i++ {
		if decision := rl.Allow("ip:1.2.3.4", 3, time.Minute); !decision.allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if decision := rl.Allow("ip:1.2.3.4", 3, time.Minute); decision.allowed {
		t.Fatal("expected fourth request to be rejected")
	}
	if decision := rl.Allow("ip:5.6.7.8", 3, time.Minute); !decision.allowed {
		t.Fatal("expected a different key to be unaffected")
	}
}
