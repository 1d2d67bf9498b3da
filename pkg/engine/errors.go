// Package engine drives the rebuild pipeline: mirror fetch, fallback
// decision, target bootstrap or fast-forward sync, and the rebuild
// invocation.
package engine

import (
	"errors"
	"fmt"
)

// Class classifies a pipeline failure for exit-code mapping and
// operator messaging.
type Class string

const (
	// ClassFetch is a remote fetch failure with no permitted fallback.
	ClassFetch Class = "fetch"

	// ClassDiverged is target history that cannot fast-forward.
	// Never auto-resolved; the operator must reconcile.
	ClassDiverged Class = "diverged"

	// ClassPrivilege is an unavailable or refused escalation mechanism.
	ClassPrivilege Class = "privilege"

	// ClassRebuild is a failed rebuild command; its exit code is passed
	// through verbatim.
	ClassRebuild Class = "rebuild"

	// ClassConfig is a missing or invalid precondition: unresolved
	// hostname, absent flake, dirty worktree, empty mirror.
	ClassConfig Class = "config"

	// ClassLock is a busy advisory lock.
	ClassLock Class = "lock"

	// ClassInternal is any other failure.
	ClassInternal Class = "internal"
)

// Exit codes. Orchestrator failures use the 10+ range so they are
// unlikely to collide with a rebuild child's own exit code, which is
// passed through verbatim.
const (
	ExitSuccess         = 0
	ExitInternal        = 1
	ExitFetchAborted    = 10
	ExitDiverged        = 11
	ExitPrivilegeDenied = 12
	ExitConfigMissing   = 13
	ExitLockBusy        = 14
)

// PipelineError is a classified pipeline failure.
type PipelineError struct {
	// Class is the failure classification.
	Class Class

	// Message is the human-readable failure summary.
	Message string

	// Err is the underlying error, if any.
	Err error

	// RebuildExitCode carries the rebuild child's exit status for
	// ClassRebuild errors.
	RebuildExitCode int
}

// Error implements the error interface.
func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %s", e.Class, e.Message, e.Err.Error())
	}
	return fmt.Sprintf("[%s] %s", e.Class, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *PipelineError) Unwrap() error {
	return e.Err
}

// Is implements error equality for errors.Is: two pipeline errors match
// when their classes match.
func (e *PipelineError) Is(target error) bool {
	t, ok := target.(*PipelineError)
	if !ok {
		return false
	}
	return e.Class == t.Class
}

// NewFetchError creates a fetch-abort error.
func NewFetchError(message string, err error) *PipelineError {
	return &PipelineError{Class: ClassFetch, Message: message, Err: err}
}

// NewDivergedError creates a divergence-abort error.
func NewDivergedError(err error) *PipelineError {
	return &PipelineError{Class: ClassDiverged, Message: "refusing to sync diverged target", Err: err}
}

// NewPrivilegeError creates a privilege-denied error.
func NewPrivilegeError(err error) *PipelineError {
	return &PipelineError{Class: ClassPrivilege, Message: "privileged operation refused", Err: err}
}

// NewRebuildError creates a rebuild-failure error carrying the child's
// exit code.
func NewRebuildError(exitCode int, err error) *PipelineError {
	return &PipelineError{
		Class:           ClassRebuild,
		Message:         "system rebuild failed",
		Err:             err,
		RebuildExitCode: exitCode,
	}
}

// NewConfigError creates a missing-precondition error.
func NewConfigError(message string, err error) *PipelineError {
	return &PipelineError{Class: ClassConfig, Message: message, Err: err}
}

// NewLockError creates a lock-busy error.
func NewLockError(err error) *PipelineError {
	return &PipelineError{Class: ClassLock, Message: "could not acquire the rebuild lock", Err: err}
}

// NewInternalError creates an unclassified pipeline error.
func NewInternalError(message string, err error) *PipelineError {
	return &PipelineError{Class: ClassInternal, Message: message, Err: err}
}

// ExitCode maps a pipeline result to the process exit code. The mapping
// is part of the CLI contract and must stay stable.
func ExitCode(err error) int {
	if err == nil {
		return ExitSuccess
	}
	var pe *PipelineError
	if !errors.As(err, &pe) {
		return ExitInternal
	}
	switch pe.Class {
	case ClassFetch:
		return ExitFetchAborted
	case ClassDiverged:
		return ExitDiverged
	case ClassPrivilege:
		return ExitPrivilegeDenied
	case ClassConfig:
		return ExitConfigMissing
	case ClassLock:
		return ExitLockBusy
	case ClassRebuild:
		if pe.RebuildExitCode != 0 {
			return pe.RebuildExitCode
		}
		return ExitInternal
	default:
		return ExitInternal
	}
}
