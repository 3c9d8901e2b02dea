package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeIssues(t *testing.T, dir, content string) {
	t.Helper()
	beadsDir := filepath.Join(dir, ".beads")
	if err := os.MkdirAll(beadsDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(beadsDir, "issues.jsonl"), []byte(content), 0o644); err != nil {
		t.Fatalf("write issues: %v", err)
	}
}

func TestBeadsStats(t *testing.T) {
	dir := t.TempDir()
	writeIssues(t, dir, `{"id":"f-1","status":"open"}
{"id":"f-2","status":"in_progress"}
{"id":"f-3","status":"closed"}
{"id":"f-4","status":"done"}

not json at all
{"id":"f-5","status":"open"}
`)

	b := NewBeads()
	stats, err := b.Stats(context.Background(), dir)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 5 {
		t.Errorf("expected 5 tracked issues, got %d", stats.Total)
	}
	if stats.Open != 2 {
		t.Errorf("expected 2 open, got %d", stats.Open)
	}
	if stats.InProgress != 1 {
		t.Errorf("expected 1 in progress, got %d", stats.InProgress)
	}
	if stats.Done != 2 {
		t.Errorf("expected 2 done, got %d", stats.Done)
	}

	remaining, err := b.OpenAndInProgressCount(context.Background(), dir)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 3 {
		t.Errorf("expected 3 remaining, got %d", remaining)
	}
}

func TestBeadsMissingFileMeansNoWork(t *testing.T) {
	b := NewBeads()
	remaining, err := b.OpenAndInProgressCount(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected 0 remaining without an issues file, got %d", remaining)
	}
}

func TestBeadsAllDone(t *testing.T) {
	dir := t.TempDir()
	writeIssues(t, dir, `{"id":"f-1","status":"closed"}
{"id":"f-2","status":"closed"}
`)

	b := NewBeads()
	remaining, err := b.OpenAndInProgressCount(context.Background(), dir)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != 0 {
		t.Errorf("expected 0 remaining, got %d", remaining)
	}
}
