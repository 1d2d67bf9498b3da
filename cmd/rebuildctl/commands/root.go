// Package commands implements the rebuildctl CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Tapiiri/nixos-setup/pkg/config"
	"github.com/Tapiiri/nixos-setup/pkg/engine"
	"github.com/Tapiiri/nixos-setup/pkg/gitx"
	"github.com/Tapiiri/nixos-setup/pkg/journal"
	"github.com/Tapiiri/nixos-setup/pkg/mirror"
	"github.com/Tapiiri/nixos-setup/pkg/privops"
	"github.com/Tapiiri/nixos-setup/pkg/target"
	"github.com/Tapiiri/nixos-setup/pkg/telemetry"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command. The returned error, mapped through
// engine.ExitCode, becomes the process exit code.
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	var (
		hostnameFlag string
		flakeDir     string
		mirrorDir    string
		remoteURL    string
		branch       string
		devCheckout  string
		mirrorOnly   bool
		noMirror     bool
		offlineOK    bool
		devMode      bool
		rebuildArgs  []string
	)

	rootCmd := &cobra.Command{
		Use:   "rebuildctl [hostname] [-- rebuild-flags...]",
		Short: "Rebuild NixOS from a mirrored configuration repository",
		Long: `rebuildctl keeps /etc/nixos synchronized with your configuration
repository through a local bare mirror, then runs nixos-rebuild.

The mirror is fetched with your own credentials; only a fixed set of git
and rebuild commands ever run with elevated privileges. The target clone
is advanced by fast-forward only; diverged history aborts the run and
is never resolved automatically.

Exit codes: 0 success, 10 fetch aborted, 11 diverged history,
12 privilege denied, 13 missing configuration, 14 lock busy. A failed
nixos-rebuild passes its own exit code through verbatim.`,
		Example: `  # Sync /etc/nixos and rebuild the current host
  rebuildctl

  # Rebuild another flake output, tolerating an unreachable remote
  rebuildctl myhost --offline-ok

  # Offline laptop workflow: feed the mirror from this checkout
  rebuildctl --dev --offline-ok

  # Only refresh the mirror and /etc/nixos, no rebuild
  rebuildctl --mirror

  # Forward flags to nixos-rebuild
  rebuildctl -- --show-trace --keep-going`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		// Everything after -- is forwarded to nixos-rebuild, so only the
		// arguments before it count as positionals.
		Args: func(cmd *cobra.Command, args []string) error {
			n := len(args)
			if at := cmd.ArgsLenAtDash(); at >= 0 {
				n = at
			}
			if n > 1 {
				return fmt.Errorf("accepts at most one hostname argument, received %d", n)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			positional := args
			if at := cmd.ArgsLenAtDash(); at >= 0 {
				positional = args[:at]
				rebuildArgs = append(rebuildArgs, args[at:]...)
			}
			if len(positional) > 0 {
				hostnameFlag = positional[0]
			}

			cfg, err := loadConfig(cmd, mirrorDir, flakeDir, remoteURL, branch, devCheckout)
			if err != nil {
				return err
			}

			hostname := ""
			if !mirrorOnly {
				hostname, err = config.ResolveHostname(firstNonEmpty(hostnameFlag, cfg.Hostname), "")
				if err != nil {
					return engine.NewConfigError("hostname is required", err)
				}
			}

			if err := cfg.Validate(); err != nil {
				return engine.NewConfigError("configuration rejected", err)
			}

			tel, err := setupTelemetry(cfg, version)
			if err != nil {
				return engine.NewConfigError("telemetry setup failed", err)
			}
			ctx := tel.WithContext(cmd.Context())
			defer func() {
				if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
					tel.Logger.WithError(err).Warn("telemetry shutdown incomplete")
				}
			}()

			pipeline, jrnl, err := buildPipeline(ctx, cfg, tel, engine.Options{
				Hostname:      hostname,
				TargetDir:     cfg.TargetDir,
				MirrorDir:     cfg.MirrorDir,
				Branch:        cfg.Branch,
				DevCheckout:   cfg.DevCheckout,
				MirrorGroup:   cfg.MirrorGroup,
				MirrorDirMode: cfg.MirrorDirMode,
				OfflineOK:     offlineOK,
				DevMode:       devMode,
				SkipMirror:    noMirror,
				MirrorOnly:    mirrorOnly,
				RebuildAction: cfg.RebuildAction,
				RebuildArgs:   rebuildArgs,
				LockPath:      cfg.LockPath(),
				LockWait:      cfg.LockWait,
			})
			if err != nil {
				return err
			}
			defer jrnl.Close()

			return pipeline.Run(ctx)
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.Flags().StringVar(&flakeDir, "flake", "", "flake directory to sync and rebuild from (default /etc/nixos)")
	rootCmd.Flags().StringVar(&mirrorDir, "mirror-dir", "", "mirror store location override")
	rootCmd.Flags().StringVar(&remoteURL, "remote", "", "authoritative remote URL for the first mirror bootstrap")
	rootCmd.Flags().StringVar(&branch, "branch", "", "tracked configuration branch override")
	rootCmd.Flags().StringVar(&devCheckout, "dev-checkout", "", "development checkout used by --dev")
	rootCmd.Flags().BoolVar(&mirrorOnly, "mirror", false, "sync the mirror and target only, skip the rebuild")
	rootCmd.Flags().BoolVar(&noMirror, "no-mirror", false, "skip the sync phase, rebuild from the target as-is")
	rootCmd.Flags().BoolVar(&offlineOK, "offline-ok", false, "proceed from a stale mirror when the remote is unreachable")
	rootCmd.Flags().BoolVar(&devMode, "dev", false, "push the dev checkout into the mirror when the remote is unreachable")

	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newHistoryCommand())

	return rootCmd
}

// loadConfig loads the config file and applies flag overrides.
func loadConfig(cmd *cobra.Command, mirrorDir, flakeDir, remoteURL, branch, devCheckout string) (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, engine.NewConfigError("cannot load configuration", err)
	}
	if mirrorDir != "" {
		cfg.MirrorDir = mirrorDir
	}
	if flakeDir != "" {
		cfg.TargetDir = flakeDir
	}
	if remoteURL != "" {
		cfg.RemoteURL = remoteURL
	}
	if branch != "" {
		cfg.Branch = branch
	}
	if devCheckout != "" {
		cfg.DevCheckout = devCheckout
	}
	if verbose {
		cfg.LogLevel = "debug"
	}
	if jsonOutput {
		cfg.LogFormat = "json"
	}
	return cfg, nil
}

func setupTelemetry(cfg *config.Config, version string) (*telemetry.Telemetry, error) {
	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	tcfg.Logging.Level = cfg.LogLevel
	tcfg.Logging.Format = cfg.LogFormat
	tcfg.Tracing.Enabled = cfg.Trace
	if cfg.MetricsTextfile != "" {
		tcfg.Metrics.Enabled = true
		tcfg.Metrics.TextfilePath = cfg.MetricsTextfile
	}
	return telemetry.NewTelemetry(tcfg)
}

// buildPipeline wires the pipeline's collaborators from configuration.
// The returned journal may be a nil handle when journaling is disabled
// or unavailable; closing and recording through it are no-ops then.
func buildPipeline(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, opts engine.Options) (*engine.Pipeline, *journal.Journal, error) {
	git := &gitx.ExecRunner{GitPath: cfg.Tools.Git}

	esc := privops.NewSudoEscalator(cfg.Tools, tel.Logger)
	esc.OnDispatch = func(kind privops.Kind) {
		tel.Metrics.RecordPrivilegedOp(string(kind))
	}

	store := mirror.NewStore(cfg.MirrorDir, cfg.RemoteURL, cfg.Branch, git, tel.Logger)
	clone := target.NewClone(cfg.TargetDir, cfg.Branch, cfg.MirrorDir, git, esc, tel.Logger)

	var jrnl *journal.Journal
	if !cfg.Journal.Disabled && cfg.Journal.Path != "" {
		opened, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			tel.Logger.WithError(err).Warn("run journal unavailable")
		} else {
			jrnl = opened
		}
	}

	return engine.NewPipeline(opts, store, clone, esc, git, jrnl, tel), jrnl, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
