// Package gitx runs unprivileged git commands for the rebuild
// orchestrator. It wraps the git binary rather than reimplementing the
// object model: fetches must use the invoking user's ambient credentials
// (ssh-agent, credential helpers) and ref updates must keep git's own
// atomicity, both of which fall out of driving the real binary.
package gitx

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// DefaultGitPath is the pinned git binary location on NixOS systems.
const DefaultGitPath = "/run/current-system/sw/bin/git"

// Result holds the outcome of a single git invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Runner executes git commands. The exec implementation is replaced by a
// fake in tests so pipeline logic can run without a real repository.
type Runner interface {
	// Run executes git with the given arguments. dir, when non-empty, is
	// passed as `git -C dir`. A non-zero git exit status is returned in
	// Result with a nil error; the error is reserved for failures to run
	// git at all.
	Run(ctx context.Context, dir string, args ...string) (Result, error)
}

// ExecRunner runs git via a pinned absolute binary path.
type ExecRunner struct {
	// GitPath is the absolute path to the git binary.
	GitPath string
}

// NewExecRunner returns an ExecRunner with the default pinned git path.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{GitPath: DefaultGitPath}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, dir string, args ...string) (Result, error) {
	gitPath := r.GitPath
	if gitPath == "" {
		gitPath = DefaultGitPath
	}

	argv := make([]string, 0, len(args)+2)
	if dir != "" {
		argv = append(argv, "-C", dir)
	}
	argv = append(argv, args...)

	cmd := exec.CommandContext(ctx, gitPath, argv...)
	cmd.Env = gitEnv(dir)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return result, fmt.Errorf("failed to run git: %w", err)
	}
	return result, nil
}

// gitEnv returns the process environment with an ephemeral safe.directory
// override for dir. Git refuses to read repositories owned by another
// user (the target clone is root-owned while this process is not), and a
// config-file override would require a writable HOME; the GIT_CONFIG_*
// environment triple needs neither.
func gitEnv(dir string) []string {
	env := os.Environ()
	if dir == "" {
		return env
	}
	return append(env,
		"GIT_CONFIG_COUNT=1",
		"GIT_CONFIG_KEY_0=safe.directory",
		"GIT_CONFIG_VALUE_0="+dir,
	)
}

// TrimOutput returns stdout with surrounding whitespace removed, the
// usual form needed for single-value queries like rev-parse.
func (res Result) TrimOutput() string {
	return strings.TrimSpace(res.Stdout)
}
