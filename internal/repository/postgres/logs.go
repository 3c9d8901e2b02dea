package postgres

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/repository"
)

// AppendSessionLog stores one captured output line.
func (r *Repository) AppendSessionLog(ctx context.Context, entry domain.SessionLog) error {
	const query = `INSERT INTO session_logs (project_name, session_id, source, message, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, entry.ProjectName, entry.SessionID, entry.Source,
		entry.Message, entry.CreatedAt)
	return err
}

// ListSessionLogs returns recent log lines for a project, newest first.
func (r *Repository) ListSessionLogs(ctx context.Context, projectName string, limit, offset int) ([]domain.SessionLog, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	const query = `SELECT id, project_name, session_id, source, message, created_at
		FROM session_logs
		WHERE project_name = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3`
	rows, err := r.pool.Query(ctx, query, projectName, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]domain.SessionLog, 0, limit)
	for rows.Next() {
		var entry domain.SessionLog
		if err := rows.Scan(&entry.ID, &entry.ProjectName, &entry.SessionID,
			&entry.Source, &entry.Message, &entry.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, entry)
	}
	return logs, rows.Err()
}

// UpsertFeatureStats replaces the cached tracker snapshot for a project.
func (r *Repository) UpsertFeatureStats(ctx context.Context, stats domain.FeatureStats) error {
	const query = `INSERT INTO feature_stats (project_name, open_count, in_progress_count, done_count, total_count, polled_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (project_name) DO UPDATE SET
			open_count = EXCLUDED.open_count,
			in_progress_count = EXCLUDED.in_progress_count,
			done_count = EXCLUDED.done_count,
			total_count = EXCLUDED.total_count,
			polled_at = EXCLUDED.polled_at`
	_, err := r.pool.Exec(ctx, query, stats.ProjectName, stats.Open, stats.InProgress,
		stats.Done, stats.Total, stats.PolledAt)
	return err
}

// GetFeatureStats returns the cached tracker snapshot for a project.
func (r *Repository) GetFeatureStats(ctx context.Context, projectName string) (*domain.FeatureStats, error) {
	const query = `SELECT project_name, open_count, in_progress_count, done_count, total_count, polled_at
		FROM feature_stats WHERE project_name = $1`
	row := r.pool.QueryRow(ctx, query, projectName)
	var stats domain.FeatureStats
	if err := row.Scan(&stats.ProjectName, &stats.Open, &stats.InProgress,
		&stats.Done, &stats.Total, &stats.PolledAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &stats, nil
}
