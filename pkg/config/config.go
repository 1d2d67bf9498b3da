// Package config assembles the orchestrator's configuration from
// defaults, an optional YAML file, and CLI flag overrides. All
// environment reading (hostname file, XDG directories) lives here so the
// pipeline itself is testable without a real system.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/Tapiiri/nixos-setup/pkg/privops"
)

// DefaultHostnameFile is the system identity file the hostname is
// inferred from when not given explicitly.
const DefaultHostnameFile = "/etc/hostname"

// JournalConfig configures the run journal.
type JournalConfig struct {
	// Disabled turns the journal off entirely.
	Disabled bool `yaml:"disabled"`
	// Path is the SQLite database location.
	Path string `yaml:"path"`
}

// Config is the resolved orchestrator configuration.
type Config struct {
	// Hostname selects the flake output to rebuild. Empty means infer
	// from the hostname file at resolution time.
	Hostname string `yaml:"hostname" validate:"omitempty,hostname_rfc1123"`

	// TargetDir is the privileged system configuration clone.
	TargetDir string `yaml:"target_dir" validate:"required"`

	// MirrorDir is the bare mirror store location.
	MirrorDir string `yaml:"mirror_dir" validate:"required"`

	// RemoteURL is the authoritative remote; only needed for the first
	// mirror bootstrap.
	RemoteURL string `yaml:"remote_url"`

	// Branch is the tracked configuration branch.
	Branch string `yaml:"branch" validate:"required"`

	// DevCheckout is the local development checkout used by the
	// dev-push fallback.
	DevCheckout string `yaml:"dev_checkout"`

	// MirrorGroup is the shared group that owns the mirror parent
	// directory.
	MirrorGroup string `yaml:"mirror_group" validate:"required"`

	// MirrorDirMode is the octal mode of the mirror parent directory.
	MirrorDirMode string `yaml:"mirror_dir_mode" validate:"required"`

	// RebuildAction is the nixos-rebuild subcommand.
	RebuildAction string `yaml:"rebuild_action" validate:"omitempty,oneof=switch boot test dry-activate"`

	// LockWait bounds how long an invocation waits for the advisory lock.
	LockWait time.Duration `yaml:"lock_wait"`

	// Tools pins the absolute binary paths used across the privilege
	// boundary.
	Tools privops.Toolchain `yaml:"tools"`

	// Journal configures the run journal.
	Journal JournalConfig `yaml:"journal"`

	// LogLevel and LogFormat configure logging (trace..error; console, json).
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	// Trace enables per-stage span export to stderr.
	Trace bool `yaml:"trace"`

	// MetricsTextfile, when set, is the .prom file run metrics are
	// written to for the node_exporter textfile collector.
	MetricsTextfile string `yaml:"metrics_textfile"`
}

// Default returns the standard configuration for a NixOS host.
func Default() *Config {
	return &Config{
		TargetDir:     "/etc/nixos",
		MirrorDir:     "/var/lib/nixos-mirror/config.git",
		Branch:        "main",
		MirrorGroup:   "wheel",
		MirrorDirMode: "2775",
		RebuildAction: "switch",
		LockWait:      10 * time.Second,
		Tools:         privops.DefaultToolchain(),
		Journal: JournalConfig{
			Path: defaultJournalPath(),
		},
		LogLevel:  "info",
		LogFormat: "console",
	}
}

// Load builds a Config from defaults overlaid with the YAML file at
// path. An empty path means the default location, which is allowed to be
// absent; an explicit path must exist.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints and path shape.
func (c *Config) Validate() error {
	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for name, p := range map[string]string{
		"target_dir": c.TargetDir,
		"mirror_dir": c.MirrorDir,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path, got %q", name, p)
		}
	}
	if c.DevCheckout != "" && !filepath.IsAbs(c.DevCheckout) {
		return fmt.Errorf("dev_checkout must be an absolute path, got %q", c.DevCheckout)
	}
	if err := c.Tools.Validate(); err != nil {
		return err
	}
	return nil
}

// LockPath is the advisory lock location, derived from the mirror store
// path so concurrent invocations on a host contend on the same file.
func (c *Config) LockPath() string {
	return c.MirrorDir + ".lock"
}

// defaultConfigPath is ~/.config/rebuildctl/config.yaml, honoring
// XDG_CONFIG_HOME.
func defaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "rebuildctl", "config.yaml")
}

// defaultJournalPath is ~/.local/state/rebuildctl/journal.db, honoring
// XDG_STATE_HOME.
func defaultJournalPath() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "rebuildctl", "journal.db")
}
