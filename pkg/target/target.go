// Package target manages the privileged system-configuration clone. The
// clone is bootstrapped from the mirror store once and only ever
// advanced by fast-forward afterwards; any history that cannot
// fast-forward is surfaced to the operator instead of being resolved.
package target

import (
	"context"
	"fmt"
	"os"

	"github.com/Tapiiri/nixos-setup/pkg/gitx"
	"github.com/Tapiiri/nixos-setup/pkg/privops"
	"github.com/Tapiiri/nixos-setup/pkg/telemetry"
)

// Outcome describes how a sync concluded.
type Outcome string

const (
	// OutcomeUpToDate means the clone already matched the mirror head.
	OutcomeUpToDate Outcome = "up-to-date"
	// OutcomeFastForwarded means the clone was advanced to the mirror head.
	OutcomeFastForwarded Outcome = "fast-forwarded"
	// OutcomeBootstrapped means the clone was created fresh from the mirror.
	OutcomeBootstrapped Outcome = "bootstrapped"
)

// DivergedError reports target history that is not an ancestor of the
// mirror head. The sync takes no action in this case.
type DivergedError struct {
	Path       string
	TargetHead string
	MirrorHead string
}

// Error implements the error interface.
func (e *DivergedError) Error() string {
	return fmt.Sprintf(
		"target clone %s has diverged from the mirror (target %s, mirror %s); refusing to touch it, inspect and reconcile manually",
		e.Path, e.TargetHead, e.MirrorHead)
}

// DirtyError reports uncommitted changes in the target working tree.
type DirtyError struct {
	Path string
}

// Error implements the error interface.
func (e *DirtyError) Error() string {
	return fmt.Sprintf("target clone %s has uncommitted changes; commit or stash them, or rerun with --no-mirror", e.Path)
}

// Clone is the rebuild-facing working copy of the configuration tree.
// All writes to it go through the privilege boundary; this package only
// reads it directly.
type Clone struct {
	// Path is the clone's working directory, typically /etc/nixos.
	Path string
	// Branch is the checked-out branch.
	Branch string
	// MirrorPath is the store the clone tracks as origin.
	MirrorPath string

	git gitx.Runner
	esc privops.Escalator
	log *telemetry.Logger
}

// NewClone creates a Clone handle.
func NewClone(path, branch, mirrorPath string, git gitx.Runner, esc privops.Escalator, logger *telemetry.Logger) *Clone {
	return &Clone{
		Path:       path,
		Branch:     branch,
		MirrorPath: mirrorPath,
		git:        git,
		esc:        esc,
		log:        logger.NewComponentLogger("target"),
	}
}

// IsValid reports whether the path exists and is a git working clone.
func (c *Clone) IsValid(ctx context.Context) bool {
	if _, err := os.Stat(c.Path); err != nil {
		return false
	}
	return gitx.IsRepo(ctx, c.git, c.Path)
}

// Head returns the clone's current commit hash.
func (c *Clone) Head(ctx context.Context) (string, error) {
	return gitx.Head(ctx, c.git, c.Path)
}

// Bootstrap creates the clone from the mirror store through the
// privilege boundary.
func (c *Clone) Bootstrap(ctx context.Context) error {
	c.log.Infof("bootstrapping %s from mirror %s", c.Path, c.MirrorPath)
	return c.esc.Run(ctx, privops.TargetClone{
		MirrorPath: c.MirrorPath,
		TargetPath: c.Path,
		Branch:     c.Branch,
	})
}

// Sync advances the clone to mirrorHead with a fast-forward-only merge.
// It refuses dirty working trees and diverged history; in both cases the
// clone is left untouched. The merge targets the explicit mirrorHead
// commit rather than a remote-tracking ref, so the clone ends at exactly
// the head the decision phase observed even if the mirror moves
// mid-run.
func (c *Clone) Sync(ctx context.Context, mirrorHead string) (Outcome, error) {
	dirty, err := gitx.IsDirty(ctx, c.git, c.Path)
	if err != nil {
		return "", fmt.Errorf("cannot inspect target clone: %w", err)
	}
	if dirty {
		return "", &DirtyError{Path: c.Path}
	}

	head, err := c.Head(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot resolve target head: %w", err)
	}
	if head == mirrorHead {
		c.log.Debugf("target already at %s", head)
		return OutcomeUpToDate, nil
	}

	// Bring the mirror's objects and refs into the clone first; the
	// ancestry check below needs mirrorHead present locally.
	if err := c.esc.Run(ctx, privops.TargetFetch{TargetPath: c.Path}); err != nil {
		return "", err
	}

	ancestor, err := gitx.IsAncestor(ctx, c.git, c.Path, head, mirrorHead)
	if err != nil {
		return "", fmt.Errorf("cannot classify target history: %w", err)
	}
	if !ancestor {
		return "", &DivergedError{Path: c.Path, TargetHead: head, MirrorHead: mirrorHead}
	}

	if err := c.esc.Run(ctx, privops.TargetMergeFF{TargetPath: c.Path, Ref: mirrorHead}); err != nil {
		return "", err
	}

	newHead, err := c.Head(ctx)
	if err != nil {
		return "", fmt.Errorf("cannot verify target head after merge: %w", err)
	}
	if newHead != mirrorHead {
		return "", fmt.Errorf("target head is %s after merge, expected %s", newHead, mirrorHead)
	}

	c.log.Infof("target fast-forwarded %s -> %s", head, mirrorHead)
	return OutcomeFastForwarded, nil
}
