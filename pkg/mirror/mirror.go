// Package mirror maintains the local mirror store: a bare git repository
// that relays the configuration history between the unprivileged fetch
// step and the privileged apply step. The store is the only component
// both principals touch, and neither needs the other's credentials to
// use it.
package mirror

import (
	"context"
	"fmt"
	"os"

	"github.com/Tapiiri/nixos-setup/pkg/gitx"
	"github.com/Tapiiri/nixos-setup/pkg/telemetry"
)

// Store is a bare, remote-tracking git repository at a fixed local path.
type Store struct {
	// Path is the bare repository directory.
	Path string
	// RemoteURL is the authoritative remote; required only for the first
	// bootstrap, afterwards the mirror's own origin is used.
	RemoteURL string
	// Branch is the tracked branch name.
	Branch string

	git gitx.Runner
	log *telemetry.Logger
}

// State is a point-in-time view of the store.
type State struct {
	Exists bool
	Head   string
}

// NewStore creates a Store handle. Nothing is touched on disk until
// Fetch or DevPush runs.
func NewStore(path, remoteURL, branch string, git gitx.Runner, logger *telemetry.Logger) *Store {
	return &Store{
		Path:      path,
		RemoteURL: remoteURL,
		Branch:    branch,
		git:       git,
		log:       logger.NewComponentLogger("mirror"),
	}
}

// Exists reports whether the store is a usable git repository.
func (s *Store) Exists(ctx context.Context) bool {
	if _, err := os.Stat(s.Path); err != nil {
		return false
	}
	return gitx.IsRepo(ctx, s.git, s.Path)
}

// Head returns the commit hash of the tracked branch.
func (s *Store) Head(ctx context.Context) (string, error) {
	return gitx.RefHead(ctx, s.git, s.Path, "refs/heads/"+s.Branch)
}

// CurrentState returns the store's existence and head in one call.
func (s *Store) CurrentState(ctx context.Context) State {
	st := State{Exists: s.Exists(ctx)}
	if st.Exists {
		if head, err := s.Head(ctx); err == nil {
			st.Head = head
		}
	}
	return st
}

// Fetch updates the store from the authoritative remote using the
// invoking user's ambient credentials. When the store is absent it is
// bootstrapped as a mirror clone. The boolean reports whether the store
// now reflects the remote; a false return with a non-nil error is the
// expected shape for an unreachable network and is recoverable by the
// caller's fallback ladder.
func (s *Store) Fetch(ctx context.Context) (bool, error) {
	if !s.Exists(ctx) {
		if s.RemoteURL == "" {
			return false, fmt.Errorf("mirror store %s does not exist and no remote URL is configured", s.Path)
		}
		s.log.Infof("bootstrapping mirror store %s from %s", s.Path, s.RemoteURL)
		res, err := s.git.Run(ctx, "", "clone", "--mirror", s.RemoteURL, s.Path)
		if err != nil {
			return false, err
		}
		if res.ExitCode != 0 {
			return false, fmt.Errorf("mirror clone of %s failed: %s", s.RemoteURL, res.Stderr)
		}
		return true, nil
	}

	res, err := s.git.Run(ctx, s.Path, "fetch", "--prune", "origin")
	if err != nil {
		return false, err
	}
	if res.ExitCode != 0 {
		return false, fmt.Errorf("mirror fetch failed: %s", res.Stderr)
	}
	return true, nil
}

// DevPush pushes the dev checkout's current HEAD into the store's
// tracked branch without forcing, so a checkout that lags the store is
// rejected instead of rewinding it. An absent store is initialized in a
// temp directory and renamed into place only after the push lands, so an
// existing store always holds at least one commit on the tracked branch.
func (s *Store) DevPush(ctx context.Context, checkoutDir string) error {
	if !gitx.IsRepo(ctx, s.git, checkoutDir) {
		return fmt.Errorf("dev checkout %s is not a git repository", checkoutDir)
	}

	dest := s.Path
	bootstrap := !s.Exists(ctx)
	if bootstrap {
		dest = s.Path + ".devpush"
		if err := os.RemoveAll(dest); err != nil {
			return fmt.Errorf("cannot clear stale bootstrap dir: %w", err)
		}
		res, err := s.git.Run(ctx, "", "init", "--bare", dest)
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("cannot init mirror store: %s", res.Stderr)
		}
	}

	res, err := s.git.Run(ctx, checkoutDir, "push", dest, "HEAD:refs/heads/"+s.Branch)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		if bootstrap {
			os.RemoveAll(dest)
		}
		return fmt.Errorf("dev push from %s rejected: %s", checkoutDir, res.Stderr)
	}

	if bootstrap {
		if err := os.Rename(dest, s.Path); err != nil {
			return fmt.Errorf("cannot move bootstrapped mirror store into place: %w", err)
		}
	}
	s.log.Infof("dev checkout %s pushed to mirror branch %s", checkoutDir, s.Branch)
	return nil
}
