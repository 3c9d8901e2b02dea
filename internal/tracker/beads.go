package tracker

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/forgeloop/autocoder/internal/domain"
)

// issuesRelPath is where the beads tracker persists issues inside a project.
const issuesRelPath = ".beads/issues.jsonl"

// Beads reads the beads issue tracker's JSONL store directly from the
// project's host directory. Each line is one issue; status "open" or
// "in_progress" counts as remaining work.
type Beads struct {
	now func() time.Time
}

// NewBeads constructs a Beads tracker.
func NewBeads() *Beads {
	return &Beads{now: time.Now}
}

var _ Tracker = (*Beads)(nil)

type beadsIssue struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// OpenAndInProgressCount counts features not yet marked done. A missing
// issues file means no tracked work, not an error.
func (b *Beads) OpenAndInProgressCount(ctx context.Context, mountPath string) (int, error) {
	stats, err := b.Stats(ctx, mountPath)
	if err != nil {
		return 0, err
	}
	return stats.Remaining(), nil
}

// Stats reads the full issue file and tallies counts by status.
func (b *Beads) Stats(ctx context.Context, mountPath string) (domain.FeatureStats, error) {
	stats := domain.FeatureStats{PolledAt: b.now().UTC()}

	path := filepath.Join(mountPath, issuesRelPath)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("open issues file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var issue beadsIssue
		if err := json.Unmarshal(line, &issue); err != nil {
			// Malformed lines are skipped, matching the tracker CLI's own tolerance.
			continue
		}
		stats.Total++
		switch issue.Status {
		case "open":
			stats.Open++
		case "in_progress":
			stats.InProgress++
		default:
			stats.Done++
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read issues file: %w", err)
	}
	return stats, nil
}
