package domain

import "time"

// FeatureStats is a point-in-time snapshot of a project's tracker counts,
// cached for display. The restart decision never reads this cache.
type FeatureStats struct {
	ProjectName string
	Open        int
	InProgress  int
	Done        int
	Total       int
	PolledAt    time.Time
}

// Remaining returns the count of features not yet done.
func (s FeatureStats) Remaining() int {
	return s.Open + s.InProgress
}
