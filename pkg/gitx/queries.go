package gitx

import (
	"context"
	"fmt"
)

// IsRepo reports whether dir is inside a git repository (working clone or
// bare). A git failure of any kind is treated as "not a repo".
func IsRepo(ctx context.Context, r Runner, dir string) bool {
	res, err := r.Run(ctx, dir, "rev-parse", "--git-dir")
	return err == nil && res.ExitCode == 0
}

// Head returns the commit hash of HEAD in dir.
func Head(ctx context.Context, r Runner, dir string) (string, error) {
	return revParse(ctx, r, dir, "HEAD")
}

// RefHead returns the commit hash a ref resolves to in dir.
func RefHead(ctx context.Context, r Runner, dir, ref string) (string, error) {
	return revParse(ctx, r, dir, ref)
}

func revParse(ctx context.Context, r Runner, dir, ref string) (string, error) {
	res, err := r.Run(ctx, dir, "rev-parse", "--verify", ref+"^{commit}")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("cannot resolve %q in %s: %s", ref, dir, res.Stderr)
	}
	return res.TrimOutput(), nil
}

// CurrentBranch returns the short name of the checked-out branch in dir.
func CurrentBranch(ctx context.Context, r Runner, dir string) (string, error) {
	res, err := r.Run(ctx, dir, "symbolic-ref", "--short", "HEAD")
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("no branch checked out in %s: %s", dir, res.Stderr)
	}
	return res.TrimOutput(), nil
}

// IsAncestor reports whether commit a is an ancestor of commit b in dir.
// A commit is considered its own ancestor.
func IsAncestor(ctx context.Context, r Runner, dir, a, b string) (bool, error) {
	res, err := r.Run(ctx, dir, "merge-base", "--is-ancestor", a, b)
	if err != nil {
		return false, err
	}
	switch res.ExitCode {
	case 0:
		return true, nil
	case 1:
		return false, nil
	default:
		return false, fmt.Errorf("ancestry check failed in %s: %s", dir, res.Stderr)
	}
}

// IsDirty reports whether the working tree in dir has uncommitted changes
// or untracked files.
func IsDirty(ctx context.Context, r Runner, dir string) (bool, error) {
	res, err := r.Run(ctx, dir, "status", "--porcelain=v1")
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("status check failed in %s: %s", dir, res.Stderr)
	}
	return res.TrimOutput() != "", nil
}

// RemoteURL returns the fetch URL of the named remote in dir.
func RemoteURL(ctx context.Context, r Runner, dir, remote string) (string, error) {
	res, err := r.Run(ctx, dir, "remote", "get-url", remote)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", fmt.Errorf("remote %q not configured in %s: %s", remote, dir, res.Stderr)
	}
	return res.TrimOutput(), nil
}
