package domain

import "time"

// EnvironmentStatus enumerates the lifecycle states of a project environment.
type EnvironmentStatus string

const (
	StatusNotCreated EnvironmentStatus = "not_created"
	StatusRunning    EnvironmentStatus = "running"
	StatusStopped    EnvironmentStatus = "stopped"
	StatusCompleted  EnvironmentStatus = "completed"
	StatusCrashed    EnvironmentStatus = "crashed"
)

// Valid reports whether the status is a known lifecycle state.
func (s EnvironmentStatus) Valid() bool {
	switch s {
	case StatusNotCreated, StatusRunning, StatusStopped, StatusCompleted, StatusCrashed:
		return true
	}
	return false
}

// transitions is the authoritative state machine for environments. Status
// swaps are validated against this table before the compare-and-swap runs;
// see repository.StatusSwap.Validate.
// completed is terminal: only removal (back to not_created) leaves it.
var transitions = map[EnvironmentStatus][]EnvironmentStatus{
	StatusNotCreated: {StatusRunning},
	StatusRunning:    {StatusStopped, StatusCompleted, StatusCrashed, StatusNotCreated},
	StatusStopped:    {StatusRunning, StatusNotCreated},
	StatusCrashed:    {StatusRunning, StatusNotCreated},
	StatusCompleted:  {StatusNotCreated},
}

// CanTransition reports whether moving from one status to another is allowed.
func CanTransition(from, to EnvironmentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Environment is the durable record for one project's execution environment.
// ProjectName is the identity key; ContainerID is empty while not_created.
type Environment struct {
	ProjectName       string
	MountPath         string
	ContainerID       string
	Status            EnvironmentStatus
	StartedAt         *time.Time
	LastActivityAt    *time.Time
	RestartInProgress bool
	UserStarted       bool
	YoloMode          bool
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// IdleFor returns the time elapsed since the last observed activity.
// Environments with no recorded activity are never considered idle.
func (e Environment) IdleFor(now time.Time) time.Duration {
	if e.LastActivityAt == nil {
		return 0
	}
	d := now.Sub(*e.LastActivityAt)
	if d < 0 {
		return 0
	}
	return d
}

// IdleSeconds returns IdleFor truncated to whole seconds for status payloads.
func (e Environment) IdleSeconds(now time.Time) int {
	return int(e.IdleFor(now) / time.Second)
}
