package logs

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/forgeloop/autocoder/internal/domain"
	"github.com/forgeloop/autocoder/internal/repository"
	"github.com/forgeloop/autocoder/internal/ws"
)

// Service persists captured session output and fans it out to streaming
// subscribers. Every line is sanitized before it leaves this package.
type Service struct {
	repo   repository.LogRepository
	hub    *ws.Hub
	logger *slog.Logger
}

// New constructs a log service.
func New(repo repository.LogRepository, hub *ws.Hub, logger *slog.Logger) Service {
	return Service{repo: repo, hub: hub, logger: logger}
}

// Append sanitizes, stores, and broadcasts one output line.
func (s Service) Append(ctx context.Context, entry domain.SessionLog) error {
	entry.Message = Sanitize(entry.Message)
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	entry.CreatedAt = entry.CreatedAt.UTC()
	if err := s.repo.AppendSessionLog(ctx, entry); err != nil {
		return err
	}
	s.broadcast(entry)
	return nil
}

// List returns recent log lines for a project.
func (s Service) List(ctx context.Context, projectName string, limit, offset int) ([]domain.SessionLog, error) {
	return s.repo.ListSessionLogs(ctx, projectName, limit, offset)
}

// Hub returns the streaming hub (used by the HTTP handlers).
func (s Service) Hub() *ws.Hub {
	return s.hub
}

func (s Service) broadcast(entry domain.SessionLog) {
	if s.hub == nil {
		return
	}
	data, err := MarshalEntry(entry)
	if err != nil {
		s.logger.Warn("failed to marshal log payload", "error", err)
		return
	}
	s.hub.Broadcast(entry.ProjectName, data)
}

// MarshalEntry formats a session log for streaming payloads.
func MarshalEntry(entry domain.SessionLog) ([]byte, error) {
	payload := map[string]any{
		"project":    entry.ProjectName,
		"session_id": entry.SessionID,
		"source":     entry.Source,
		"message":    entry.Message,
		"created_at": entry.CreatedAt.Format(time.RFC3339Nano),
		"id":         entry.ID,
	}
	return json.Marshal(payload)
}
