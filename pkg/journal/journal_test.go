package journal

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(context.Background(), filepath.Join(t.TempDir(), "state", "journal.db"))
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	id, err := j.StartRun(ctx, "testhost", "/etc/nixos")
	if err != nil {
		t.Fatalf("start run failed: %v", err)
	}
	if id == "" {
		t.Fatal("run ID is empty")
	}

	if err := j.AddEvent(ctx, id, "info", "decision: fetched"); err != nil {
		t.Fatalf("add event failed: %v", err)
	}

	err = j.FinishRun(ctx, id, RunUpdate{
		DecisionPath:     "fetched",
		Outcome:          "fast-forwarded",
		Status:           RunStatusSucceeded,
		MirrorHead:       "bbb",
		TargetHeadBefore: "aaa",
		TargetHeadAfter:  "bbb",
	})
	if err != nil {
		t.Fatalf("finish run failed: %v", err)
	}

	runs, err := j.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	r := runs[0]
	if r.ID != id || r.Hostname != "testhost" || r.Status != RunStatusSucceeded {
		t.Errorf("run = %+v", r)
	}
	if r.DecisionPath != "fetched" || r.Outcome != "fast-forwarded" {
		t.Errorf("run decision/outcome = %q/%q", r.DecisionPath, r.Outcome)
	}
	if r.TargetHeadBefore != "aaa" || r.TargetHeadAfter != "bbb" {
		t.Errorf("run heads = %q -> %q", r.TargetHeadBefore, r.TargetHeadAfter)
	}
	if r.CompletedAt == nil {
		t.Error("completed run has no completion time")
	}
}

func TestRecentRunsIncludesUnfinished(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	if _, err := j.StartRun(ctx, "testhost", "/etc/nixos"); err != nil {
		t.Fatalf("start run failed: %v", err)
	}

	runs, err := j.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs failed: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("got %d runs, want 1", len(runs))
	}
	if runs[0].Status != RunStatusStarted {
		t.Errorf("status = %q, want %q", runs[0].Status, RunStatusStarted)
	}
	if runs[0].CompletedAt != nil {
		t.Error("unfinished run has a completion time")
	}
}

func TestRecentRunsHonorsLimit(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)

	for range [5]int{} {
		if _, err := j.StartRun(ctx, "testhost", "/etc/nixos"); err != nil {
			t.Fatalf("start run failed: %v", err)
		}
	}
	runs, err := j.RecentRuns(ctx, 3)
	if err != nil {
		t.Fatalf("recent runs failed: %v", err)
	}
	if len(runs) != 3 {
		t.Errorf("got %d runs, want 3", len(runs))
	}
}

// TestNilJournalIgnoresEverything tests the disabled-journal mode the
// pipeline runs in when the database cannot be opened.
func TestNilJournalIgnoresEverything(t *testing.T) {
	ctx := context.Background()
	var j *Journal

	id, err := j.StartRun(ctx, "testhost", "/etc/nixos")
	if err != nil || id != "" {
		t.Errorf("nil StartRun = (%q, %v)", id, err)
	}
	if err := j.AddEvent(ctx, "x", "info", "msg"); err != nil {
		t.Errorf("nil AddEvent = %v", err)
	}
	if err := j.FinishRun(ctx, "x", RunUpdate{}); err != nil {
		t.Errorf("nil FinishRun = %v", err)
	}
	if runs, err := j.RecentRuns(ctx, 5); err != nil || runs != nil {
		t.Errorf("nil RecentRuns = (%v, %v)", runs, err)
	}
	if err := j.Close(); err != nil {
		t.Errorf("nil Close = %v", err)
	}
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(context.Background(), ""); err == nil {
		t.Fatal("open with empty path succeeded")
	}
}

// TestOpenIsIdempotent tests that reopening an existing database does
// not rerun migrations destructively.
func TestOpenIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "journal.db")

	j1, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("first open failed: %v", err)
	}
	id, err := j1.StartRun(ctx, "testhost", "/etc/nixos")
	if err != nil {
		t.Fatalf("start run failed: %v", err)
	}
	j1.Close()

	j2, err := Open(ctx, path)
	if err != nil {
		t.Fatalf("second open failed: %v", err)
	}
	defer j2.Close()

	runs, err := j2.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("recent runs failed: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != id {
		t.Errorf("runs after reopen = %+v", runs)
	}
}
