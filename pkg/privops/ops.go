// Package privops defines the privilege boundary of the rebuild
// orchestrator: a closed set of operation kinds the unprivileged process
// may ask the privileged principal to execute. Each operation is a typed
// parameter struct that renders to fixed argv templates over pinned
// absolute binary paths; the escalation mechanism never receives a
// caller-composed command string.
package privops

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Kind identifies a permitted privileged operation.
type Kind string

const (
	// KindTargetClone bootstraps the target clone from the mirror store.
	KindTargetClone Kind = "target.clone"
	// KindTargetFetch updates the target clone's remote refs from the mirror store.
	KindTargetFetch Kind = "target.fetch"
	// KindTargetMergeFF fast-forwards the target clone's checked-out branch.
	KindTargetMergeFF Kind = "target.merge-ff"
	// KindMirrorDirSetup creates the mirror parent directory with shared-group access.
	KindMirrorDirSetup Kind = "mirror.dir-setup"
	// KindSystemRebuild runs the system rebuild against the target clone.
	KindSystemRebuild Kind = "system.rebuild"
)

// Toolchain pins the absolute binary paths privileged operations may
// invoke. Paths are pinned so a modified PATH cannot redirect an
// escalated invocation.
type Toolchain struct {
	Sudo         string `yaml:"sudo"`
	Git          string `yaml:"git"`
	Mkdir        string `yaml:"mkdir"`
	Chgrp        string `yaml:"chgrp"`
	Chmod        string `yaml:"chmod"`
	NixosRebuild string `yaml:"nixos_rebuild"`
}

// DefaultToolchain returns the standard NixOS binary locations.
func DefaultToolchain() Toolchain {
	return Toolchain{
		Sudo:         "/run/wrappers/bin/sudo",
		Git:          "/run/current-system/sw/bin/git",
		Mkdir:        "/run/current-system/sw/bin/mkdir",
		Chgrp:        "/run/current-system/sw/bin/chgrp",
		Chmod:        "/run/current-system/sw/bin/chmod",
		NixosRebuild: "/run/current-system/sw/bin/nixos-rebuild",
	}
}

// Validate checks that every pinned path is absolute.
func (tc Toolchain) Validate() error {
	for name, p := range map[string]string{
		"sudo":          tc.Sudo,
		"git":           tc.Git,
		"mkdir":         tc.Mkdir,
		"chgrp":         tc.Chgrp,
		"chmod":         tc.Chmod,
		"nixos_rebuild": tc.NixosRebuild,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("toolchain %s path must be absolute, got %q", name, p)
		}
	}
	return nil
}

// Op is a privileged operation request. Implementations are the closed
// set of parameter structs in this package; the argv rendering is
// unexported so no caller can add operation kinds or alter templates.
type Op interface {
	Kind() Kind
	Validate() error
	commands(tc Toolchain) [][]string
}

var (
	hostnameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9.-]*$`)
	refRe      = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._/-]*$`)
	groupRe    = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
	modeRe     = regexp.MustCompile(`^[0-7]{3,4}$`)
)

// rebuildActions is the closed set of nixos-rebuild subcommands the
// orchestrator will run.
var rebuildActions = map[string]bool{
	"switch":       true,
	"boot":         true,
	"test":         true,
	"dry-activate": true,
}

// AllowedRebuildArgs lists the only extra flags that may be forwarded to
// nixos-rebuild. Anything else is rejected before escalation.
var AllowedRebuildArgs = map[string]bool{
	"--show-trace": true,
	"--upgrade":    true,
	"--fast":       true,
	"--impure":     true,
	"--keep-going": true,
}

func requireAbs(name, p string) error {
	if !filepath.IsAbs(p) {
		return fmt.Errorf("%s must be an absolute path, got %q", name, p)
	}
	return nil
}

// TargetClone clones the mirror store into the target path.
type TargetClone struct {
	MirrorPath string
	TargetPath string
	Branch     string
}

// Kind implements Op.
func (op TargetClone) Kind() Kind { return KindTargetClone }

// Validate implements Op.
func (op TargetClone) Validate() error {
	if err := requireAbs("mirror path", op.MirrorPath); err != nil {
		return err
	}
	if err := requireAbs("target path", op.TargetPath); err != nil {
		return err
	}
	if !refRe.MatchString(op.Branch) {
		return fmt.Errorf("invalid branch name %q", op.Branch)
	}
	return nil
}

func (op TargetClone) commands(tc Toolchain) [][]string {
	return [][]string{
		{tc.Git, "clone", "--branch", op.Branch, op.MirrorPath, op.TargetPath},
	}
}

// TargetFetch fetches the mirror store's refs into the target clone.
type TargetFetch struct {
	TargetPath string
}

// Kind implements Op.
func (op TargetFetch) Kind() Kind { return KindTargetFetch }

// Validate implements Op.
func (op TargetFetch) Validate() error {
	return requireAbs("target path", op.TargetPath)
}

func (op TargetFetch) commands(tc Toolchain) [][]string {
	return [][]string{
		{tc.Git, "-C", op.TargetPath, "fetch", "--prune", "origin"},
	}
}

// TargetMergeFF fast-forwards the target clone's checked-out branch to
// ref. The merge is ff-only; git itself refuses divergence.
type TargetMergeFF struct {
	TargetPath string
	Ref        string
}

// Kind implements Op.
func (op TargetMergeFF) Kind() Kind { return KindTargetMergeFF }

// Validate implements Op.
func (op TargetMergeFF) Validate() error {
	if err := requireAbs("target path", op.TargetPath); err != nil {
		return err
	}
	if !refRe.MatchString(op.Ref) {
		return fmt.Errorf("invalid ref %q", op.Ref)
	}
	return nil
}

func (op TargetMergeFF) commands(tc Toolchain) [][]string {
	return [][]string{
		{tc.Git, "-C", op.TargetPath, "merge", "--ff-only", op.Ref},
	}
}

// MirrorDirSetup creates the mirror parent directory with shared-group
// write access so the unprivileged fetch agent can maintain the store.
type MirrorDirSetup struct {
	Path  string
	Group string
	// Mode is an octal string; 2775 keeps the setgid bit so new files
	// inherit the shared group.
	Mode string
}

// Kind implements Op.
func (op MirrorDirSetup) Kind() Kind { return KindMirrorDirSetup }

// Validate implements Op.
func (op MirrorDirSetup) Validate() error {
	if err := requireAbs("mirror directory", op.Path); err != nil {
		return err
	}
	if !groupRe.MatchString(op.Group) {
		return fmt.Errorf("invalid group name %q", op.Group)
	}
	if !modeRe.MatchString(op.Mode) {
		return fmt.Errorf("invalid mode %q", op.Mode)
	}
	return nil
}

func (op MirrorDirSetup) commands(tc Toolchain) [][]string {
	return [][]string{
		{tc.Mkdir, "-p", op.Path},
		{tc.Chgrp, op.Group, op.Path},
		{tc.Chmod, op.Mode, op.Path},
	}
}

// SystemRebuild runs nixos-rebuild against the target clone's flake for
// the given host.
type SystemRebuild struct {
	FlakeDir string
	Hostname string
	// Action is the nixos-rebuild subcommand; empty means switch.
	Action string
	// ExtraArgs are forwarded flags; every entry must be in AllowedRebuildArgs.
	ExtraArgs []string
}

// Kind implements Op.
func (op SystemRebuild) Kind() Kind { return KindSystemRebuild }

// Validate implements Op.
func (op SystemRebuild) Validate() error {
	if err := requireAbs("flake directory", op.FlakeDir); err != nil {
		return err
	}
	if !hostnameRe.MatchString(op.Hostname) {
		return fmt.Errorf("invalid hostname %q", op.Hostname)
	}
	if op.Action != "" && !rebuildActions[op.Action] {
		return fmt.Errorf("unsupported rebuild action %q", op.Action)
	}
	for _, arg := range op.ExtraArgs {
		if !AllowedRebuildArgs[arg] {
			return fmt.Errorf("rebuild flag %q is not permitted", arg)
		}
	}
	return nil
}

func (op SystemRebuild) commands(tc Toolchain) [][]string {
	action := op.Action
	if action == "" {
		action = "switch"
	}
	argv := []string{tc.NixosRebuild, action, "--flake", fmt.Sprintf("%s#%s", op.FlakeDir, op.Hostname)}
	argv = append(argv, op.ExtraArgs...)
	return [][]string{argv}
}

// Describe renders an op's argv templates for logging and the status
// display, without executing anything.
func Describe(op Op, tc Toolchain) string {
	var lines []string
	for _, argv := range op.commands(tc) {
		lines = append(lines, strings.Join(argv, " "))
	}
	return strings.Join(lines, "; ")
}
