package domain

import "time"

// SessionLog is one output line captured from an agent session or container.
type SessionLog struct {
	ID          int64
	ProjectName string
	SessionID   string
	Source      string
	Message     string
	CreatedAt   time.Time
}

// Log sources.
const (
	LogSourceSession   = "session"
	LogSourceContainer = "container"
	LogSourceSystem    = "system"
)
