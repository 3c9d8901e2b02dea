package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/forgeloop/autocoder/internal/domain"
)

// ErrIllegalTransition indicates a status swap the lifecycle state machine
// does not allow. Always a programming error, never a lost race.
var ErrIllegalTransition = fmt.Errorf("repository: illegal status transition")

// StatusSwap describes a compare-and-swap lifecycle transition. The swap
// succeeds only when the stored status still equals Expected; optional fields
// are applied together with the new status in the same write.
type StatusSwap struct {
	ProjectName string
	Expected    domain.EnvironmentStatus
	Next        domain.EnvironmentStatus
	ContainerID *string
	StartedAt   *time.Time
	ActivityAt  *time.Time
	UserStarted *bool
	YoloMode    *bool
	LastError   *string
}

// Validate checks the swap against the domain transition table. Same-status
// swaps are allowed; they update fields without moving the state machine.
func (s StatusSwap) Validate() error {
	if s.Expected == s.Next {
		return nil
	}
	if !domain.CanTransition(s.Expected, s.Next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.Expected, s.Next)
	}
	return nil
}

// EnvironmentRepository is the durable state store for project environments.
// All lifecycle transitions go through CompareAndSwapStatus; concurrent
// writers lose the swap and re-read instead of overwriting each other.
type EnvironmentRepository interface {
	GetEnvironment(ctx context.Context, projectName string) (*domain.Environment, error)
	UpsertEnvironment(ctx context.Context, env *domain.Environment) error
	ListEnvironmentsByStatus(ctx context.Context, status domain.EnvironmentStatus) ([]domain.Environment, error)

	// CompareAndSwapStatus applies swap and reports whether it won. A lost
	// swap is not an error; the caller re-reads and re-decides.
	CompareAndSwapStatus(ctx context.Context, swap StatusSwap) (bool, error)

	// AcquireRestartGuard flips restart_in_progress from false to true for a
	// running environment. At most one caller wins per recovery attempt.
	AcquireRestartGuard(ctx context.Context, projectName string) (bool, error)
	ReleaseRestartGuard(ctx context.Context, projectName string) error

	// TouchActivity advances last_activity_at. Signals older than the stored
	// value are ignored so the idle clock never moves backward.
	TouchActivity(ctx context.Context, projectName string, observedAt time.Time) error

	DeleteEnvironment(ctx context.Context, projectName string) error
}

// LogRepository persists captured session output.
type LogRepository interface {
	AppendSessionLog(ctx context.Context, entry domain.SessionLog) error
	ListSessionLogs(ctx context.Context, projectName string, limit, offset int) ([]domain.SessionLog, error)
}

// FeatureStatsRepository caches polled tracker snapshots for display.
type FeatureStatsRepository interface {
	UpsertFeatureStats(ctx context.Context, stats domain.FeatureStats) error
	GetFeatureStats(ctx context.Context, projectName string) (*domain.FeatureStats, error)
}
