package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.TargetDir != "/etc/nixos" {
		t.Errorf("target dir = %q", cfg.TargetDir)
	}
	if cfg.RebuildAction != "switch" {
		t.Errorf("rebuild action = %q", cfg.RebuildAction)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
target_dir: /srv/nixos
remote_url: ssh://git@example.com/cfg.git
branch: release
dev_checkout: /home/op/nixos-setup
lock_wait: 30s
journal:
  disabled: true
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TargetDir != "/srv/nixos" || cfg.Branch != "release" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.LockWait != 30*time.Second {
		t.Errorf("lock wait = %v, want 30s", cfg.LockWait)
	}
	if !cfg.Journal.Disabled {
		t.Error("journal not disabled")
	}
	// Untouched fields keep their defaults.
	if cfg.MirrorDir != "/var/lib/nixos-mirror/config.git" {
		t.Errorf("mirror dir = %q", cfg.MirrorDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config invalid: %v", err)
	}
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("load of missing explicit config succeeded")
	}
}

func TestLoadDefaultPathMayBeAbsent(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.TargetDir != Default().TargetDir {
		t.Errorf("absent default config changed defaults: %+v", cfg)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"relative target dir", func(c *Config) { c.TargetDir = "etc/nixos" }},
		{"relative mirror dir", func(c *Config) { c.MirrorDir = "mirror.git" }},
		{"relative dev checkout", func(c *Config) { c.DevCheckout = "nixos-setup" }},
		{"empty branch", func(c *Config) { c.Branch = "" }},
		{"unknown rebuild action", func(c *Config) { c.RebuildAction = "reboot" }},
		{"unknown log format", func(c *Config) { c.LogFormat = "xml" }},
		{"relative tool path", func(c *Config) { c.Tools.Sudo = "sudo" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("invalid config passed validation")
			}
		})
	}
}

func TestLockPathDerivedFromMirror(t *testing.T) {
	cfg := Default()
	cfg.MirrorDir = "/var/lib/nixos-mirror/config.git"
	if got := cfg.LockPath(); got != "/var/lib/nixos-mirror/config.git.lock" {
		t.Errorf("lock path = %q", got)
	}
}

func TestResolveHostname(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hostname")
	if err := os.WriteFile(file, []byte("builder01\n"), 0644); err != nil {
		t.Fatal(err)
	}

	host, err := ResolveHostname("", file)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if host != "builder01" {
		t.Errorf("hostname = %q, want builder01", host)
	}

	// Explicit wins over the file.
	host, err = ResolveHostname("other", file)
	if err != nil || host != "other" {
		t.Errorf("explicit hostname = (%q, %v)", host, err)
	}
}

func TestResolveHostnameEmptyFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "hostname")
	if err := os.WriteFile(file, []byte(" \n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := ResolveHostname("", file); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("empty hostname file accepted: %v", err)
	}
}

func TestResolveHostnameMissingFile(t *testing.T) {
	if _, err := ResolveHostname("", filepath.Join(t.TempDir(), "hostname")); err == nil {
		t.Fatal("missing hostname file accepted")
	}
}
