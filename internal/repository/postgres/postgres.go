package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.EnvironmentRepository  = (*Repository)(nil)
	_ repository.LogRepository          = (*Repository)(nil)
	_ repository.FeatureStatsRepository = (*Repository)(nil)
)

const environmentColumns = `project_name, mount_path, container_id, status, started_at,
	last_activity_at, restart_in_progress, user_started, yolo_mode, last_error,
	created_at, updated_at`

func scanEnvironment(row pgx.Row) (*domain.Environment, error) {
	var env domain.Environment
	var containerID, lastError *string
	var status string
	if err := row.Scan(&env.ProjectName, &env.MountPath, &containerID, &status,
		&env.StartedAt, &env.LastActivityAt, &env.RestartInProgress, &env.UserStarted,
		&env.YoloMode, &lastError, &env.CreatedAt, &env.UpdatedAt); err != nil {
		return nil, err
	}
	if containerID != nil {
		env.ContainerID = *containerID
	}
	if lastError != nil {
		env.LastError = *lastError
	}
	env.Status = domain.EnvironmentStatus(status)
	return &env, nil
}

// GetEnvironment fetches the environment record for a project.
func (r *Repository) GetEnvironment(ctx context.Context, projectName string) (*domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM project_environments WHERE project_name = $1`
	env, err := scanEnvironment(r.pool.QueryRow(ctx, query, projectName))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return env, nil
}

// UpsertEnvironment inserts or replaces the environment record.
func (r *Repository) UpsertEnvironment(ctx context.Context, env *domain.Environment) error {
	const query = `INSERT INTO project_environments
		(project_name, mount_path, container_id, status, started_at, last_activity_at,
		 restart_in_progress, user_started, yolo_mode, last_error, created_at, updated_at)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7, $8, $9, NULLIF($10, ''), $11, $12)
		ON CONFLICT (project_name) DO UPDATE SET
			mount_path = EXCLUDED.mount_path,
			container_id = EXCLUDED.container_id,
			status = EXCLUDED.status,
			started_at = EXCLUDED.started_at,
			last_activity_at = EXCLUDED.last_activity_at,
			restart_in_progress = EXCLUDED.restart_in_progress,
			user_started = EXCLUDED.user_started,
			yolo_mode = EXCLUDED.yolo_mode,
			last_error = EXCLUDED.last_error,
			updated_at = EXCLUDED.updated_at`
	now := time.Now().UTC()
	if env.CreatedAt.IsZero() {
		env.CreatedAt = now
	}
	env.UpdatedAt = now
	_, err := r.pool.Exec(ctx, query, env.ProjectName, env.MountPath, env.ContainerID,
		string(env.Status), env.StartedAt, env.LastActivityAt, env.RestartInProgress,
		env.UserStarted, env.YoloMode, env.LastError, env.CreatedAt, env.UpdatedAt)
	return err
}

// ListEnvironmentsByStatus returns all environments currently in the given status.
func (r *Repository) ListEnvironmentsByStatus(ctx context.Context, status domain.EnvironmentStatus) ([]domain.Environment, error) {
	query := `SELECT ` + environmentColumns + ` FROM project_environments
		WHERE status = $1 ORDER BY project_name`
	rows, err := r.pool.Query(ctx, query, string(status))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	envs := make([]domain.Environment, 0)
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		envs = append(envs, *env)
	}
	return envs, rows.Err()
}

// CompareAndSwapStatus transitions status only when the stored status still
// matches the expected one. Optional fields are written atomically with the
// transition. Returns false when another writer got there first.
func (r *Repository) CompareAndSwapStatus(ctx context.Context, swap repository.StatusSwap) (bool, error) {
	if err := swap.Validate(); err != nil {
		return false, err
	}
	sets := []string{"status = $3", "updated_at = now()"}
	args := []any{swap.ProjectName, string(swap.Expected), string(swap.Next)}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if swap.ContainerID != nil {
		add("container_id", nullable(*swap.ContainerID))
	}
	if swap.StartedAt != nil {
		add("started_at", *swap.StartedAt)
	}
	if swap.ActivityAt != nil {
		add("last_activity_at", *swap.ActivityAt)
	}
	if swap.UserStarted != nil {
		add("user_started", *swap.UserStarted)
	}
	if swap.YoloMode != nil {
		add("yolo_mode", *swap.YoloMode)
	}
	if swap.LastError != nil {
		add("last_error", nullable(*swap.LastError))
	}

	query := fmt.Sprintf(`UPDATE project_environments SET %s
		WHERE project_name = $1 AND status = $2`, strings.Join(sets, ", "))
	tag, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// AcquireRestartGuard marks a recovery attempt in progress. Only one caller
// wins while the environment is running and no other attempt is outstanding.
func (r *Repository) AcquireRestartGuard(ctx context.Context, projectName string) (bool, error) {
	const query = `UPDATE project_environments
		SET restart_in_progress = TRUE, updated_at = now()
		WHERE project_name = $1 AND restart_in_progress = FALSE AND status = $2`
	tag, err := r.pool.Exec(ctx, query, projectName, string(domain.StatusRunning))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ReleaseRestartGuard clears the restart flag unconditionally.
func (r *Repository) ReleaseRestartGuard(ctx context.Context, projectName string) error {
	const query = `UPDATE project_environments
		SET restart_in_progress = FALSE, updated_at = now()
		WHERE project_name = $1`
	_, err := r.pool.Exec(ctx, query, projectName)
	return err
}

// TouchActivity advances the activity timestamp, ignoring stale signals.
func (r *Repository) TouchActivity(ctx context.Context, projectName string, observedAt time.Time) error {
	const query = `UPDATE project_environments
		SET last_activity_at = $2, updated_at = now()
		WHERE project_name = $1
		  AND (last_activity_at IS NULL OR last_activity_at < $2)`
	_, err := r.pool.Exec(ctx, query, projectName, observedAt.UTC())
	return err
}

// DeleteEnvironment removes the record entirely (explicit project deletion).
func (r *Repository) DeleteEnvironment(ctx context.Context, projectName string) error {
	const query = `DELETE FROM project_environments WHERE project_name = $1`
	tag, err := r.pool.Exec(ctx, query, projectName)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
