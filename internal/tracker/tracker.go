// Package tracker adapts the external feature tracker consumed by the
// restart decision. The tracker is the sole source of "is there more to do";
// the agent inside the container marks features done, this side only reads.
package tracker

import (
	"context"

	"github.com/forgeloop/autocoder/internal/domain"
)

// Tracker exposes the read contract the orchestrator needs.
type Tracker interface {
	// OpenAndInProgressCount returns the number of features not yet done for
	// the project rooted at mountPath. Implementations must read fresh state
	// on every call; restart decisions are never made from a cache.
	OpenAndInProgressCount(ctx context.Context, mountPath string) (int, error)

	// Stats returns a full snapshot of tracker counts for display.
	Stats(ctx context.Context, mountPath string) (domain.FeatureStats, error)
}
