package target

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/Tapiiri/nixos-setup/pkg/gitx"
	"github.com/Tapiiri/nixos-setup/pkg/privops"
	"github.com/Tapiiri/nixos-setup/pkg/telemetry"
)

// fakeGit answers the read-only git queries Sync makes from a small
// in-memory model: a linear commit chain, a head, and a dirty flag.
type fakeGit struct {
	chain []string
	head  string
	dirty bool
}

func (g *fakeGit) chainIndex(commit string) int {
	for i, c := range g.chain {
		if c == commit {
			return i
		}
	}
	return -1
}

func (g *fakeGit) Run(_ context.Context, dir string, args ...string) (gitx.Result, error) {
	switch args[0] {
	case "rev-parse":
		if args[1] == "--git-dir" {
			return gitx.Result{Stdout: ".git\n"}, nil
		}
		return gitx.Result{Stdout: g.head + "\n"}, nil
	case "status":
		if g.dirty {
			return gitx.Result{Stdout: " M flake.nix\n"}, nil
		}
		return gitx.Result{}, nil
	case "merge-base":
		a, b := g.chainIndex(args[2]), g.chainIndex(args[3])
		if a >= 0 && b >= 0 && a <= b {
			return gitx.Result{}, nil
		}
		return gitx.Result{ExitCode: 1}, nil
	}
	return gitx.Result{ExitCode: 128, Stderr: "unexpected git call: " + strings.Join(args, " ")}, nil
}

// fakeEscalator records the ops it is asked to run and applies their
// effect to the fake git model.
type fakeEscalator struct {
	git      *fakeGit
	ops      []privops.Op
	fail     error
	noEffect bool
}

func (e *fakeEscalator) Probe(context.Context) error { return nil }

func (e *fakeEscalator) Run(_ context.Context, op privops.Op) error {
	e.ops = append(e.ops, op)
	if e.fail != nil {
		return e.fail
	}
	if e.noEffect {
		return nil
	}
	if merge, ok := op.(privops.TargetMergeFF); ok {
		e.git.head = merge.Ref
	}
	return nil
}

func (e *fakeEscalator) kinds() []privops.Kind {
	kinds := make([]privops.Kind, 0, len(e.ops))
	for _, op := range e.ops {
		kinds = append(kinds, op.Kind())
	}
	return kinds
}

func newTestClone(t *testing.T, git *fakeGit) (*Clone, *fakeEscalator) {
	t.Helper()
	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "error"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	esc := &fakeEscalator{git: git}
	return NewClone("/etc/nixos", "main", "/var/lib/nixos-mirror/config.git", git, esc, logger), esc
}

func TestSyncUpToDate(t *testing.T) {
	git := &fakeGit{chain: []string{"aaa"}, head: "aaa"}
	clone, esc := newTestClone(t, git)

	outcome, err := clone.Sync(context.Background(), "aaa")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if outcome != OutcomeUpToDate {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeUpToDate)
	}
	if len(esc.ops) != 0 {
		t.Errorf("up-to-date sync ran privileged ops: %v", esc.kinds())
	}
}

func TestSyncFastForward(t *testing.T) {
	git := &fakeGit{chain: []string{"aaa", "bbb"}, head: "aaa"}
	clone, esc := newTestClone(t, git)

	outcome, err := clone.Sync(context.Background(), "bbb")
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if outcome != OutcomeFastForwarded {
		t.Errorf("outcome = %q, want %q", outcome, OutcomeFastForwarded)
	}
	if git.head != "bbb" {
		t.Errorf("target head = %q after sync, want bbb", git.head)
	}

	want := []privops.Kind{privops.KindTargetFetch, privops.KindTargetMergeFF}
	got := esc.kinds()
	if len(got) != len(want) {
		t.Fatalf("privileged ops = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("privileged op %d = %q, want %q", i, got[i], want[i])
		}
	}
	merge := esc.ops[1].(privops.TargetMergeFF)
	if merge.Ref != "bbb" {
		t.Errorf("merge targets %q, want the observed mirror head bbb", merge.Ref)
	}
}

func TestSyncRefusesDivergedHistory(t *testing.T) {
	git := &fakeGit{chain: []string{"aaa", "bbb"}, head: "ccc"}
	clone, esc := newTestClone(t, git)

	_, err := clone.Sync(context.Background(), "bbb")
	var diverged *DivergedError
	if !errors.As(err, &diverged) {
		t.Fatalf("sync returned %v, want DivergedError", err)
	}
	if diverged.TargetHead != "ccc" || diverged.MirrorHead != "bbb" {
		t.Errorf("diverged heads = %q/%q, want ccc/bbb", diverged.TargetHead, diverged.MirrorHead)
	}
	if git.head != "ccc" {
		t.Errorf("diverged target was modified, head = %q", git.head)
	}
	for _, kind := range esc.kinds() {
		if kind == privops.KindTargetMergeFF {
			t.Error("merge attempted on diverged history")
		}
	}
}

func TestSyncRefusesDirtyWorktree(t *testing.T) {
	git := &fakeGit{chain: []string{"aaa", "bbb"}, head: "aaa", dirty: true}
	clone, esc := newTestClone(t, git)

	_, err := clone.Sync(context.Background(), "bbb")
	var dirty *DirtyError
	if !errors.As(err, &dirty) {
		t.Fatalf("sync returned %v, want DirtyError", err)
	}
	if len(esc.ops) != 0 {
		t.Errorf("dirty worktree sync ran privileged ops: %v", esc.kinds())
	}
}

// TestSyncDetectsMergeShortfall covers a merge that reports success
// without moving the head to the requested commit.
func TestSyncDetectsMergeShortfall(t *testing.T) {
	git := &fakeGit{chain: []string{"aaa", "bbb"}, head: "aaa"}
	clone, esc := newTestClone(t, git)
	esc.noEffect = true

	_, err := clone.Sync(context.Background(), "bbb")
	if err == nil || !strings.Contains(err.Error(), "expected bbb") {
		t.Fatalf("merge shortfall not detected: %v", err)
	}
}

func TestBootstrapClonesFromMirror(t *testing.T) {
	git := &fakeGit{}
	clone, esc := newTestClone(t, git)

	if err := clone.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}
	if len(esc.ops) != 1 {
		t.Fatalf("bootstrap ran %d ops, want 1", len(esc.ops))
	}
	op, ok := esc.ops[0].(privops.TargetClone)
	if !ok {
		t.Fatalf("bootstrap op is %T, want TargetClone", esc.ops[0])
	}
	if op.MirrorPath != clone.MirrorPath || op.TargetPath != clone.Path || op.Branch != clone.Branch {
		t.Errorf("clone op %+v does not match clone handle", op)
	}
}
