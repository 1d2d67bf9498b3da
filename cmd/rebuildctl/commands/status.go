package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tapiiri/nixos-setup/pkg/engine"
	"github.com/Tapiiri/nixos-setup/pkg/gitx"
)

// statusReport is the read-only state of the mirror and target.
type statusReport struct {
	MirrorDir    string `json:"mirror_dir"`
	MirrorExists bool   `json:"mirror_exists"`
	MirrorHead   string `json:"mirror_head,omitempty"`
	TargetDir    string `json:"target_dir"`
	TargetValid  bool   `json:"target_valid"`
	TargetHead   string `json:"target_head,omitempty"`
	TargetDirty  bool   `json:"target_dirty"`
	Relation     string `json:"relation"`
}

func newStatusCommand() *cobra.Command {
	var (
		flakeDir  string
		mirrorDir string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Report mirror and target state without touching anything",
		Long: `Report the mirror store's and target clone's heads and whether the
target could fast-forward. Runs no privileged operation and performs no
network access.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, mirrorDir, flakeDir, "", "", "")
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return engine.NewConfigError("configuration rejected", err)
			}

			ctx := cmd.Context()
			git := &gitx.ExecRunner{GitPath: cfg.Tools.Git}

			report := statusReport{
				MirrorDir: cfg.MirrorDir,
				TargetDir: cfg.TargetDir,
				Relation:  "unknown",
			}

			report.MirrorExists = gitx.IsRepo(ctx, git, cfg.MirrorDir)
			if report.MirrorExists {
				if head, err := gitx.RefHead(ctx, git, cfg.MirrorDir, "refs/heads/"+cfg.Branch); err == nil {
					report.MirrorHead = head
				}
			}

			report.TargetValid = gitx.IsRepo(ctx, git, cfg.TargetDir)
			if report.TargetValid {
				if head, err := gitx.Head(ctx, git, cfg.TargetDir); err == nil {
					report.TargetHead = head
				}
				if dirty, err := gitx.IsDirty(ctx, git, cfg.TargetDir); err == nil {
					report.TargetDirty = dirty
				}
			}

			report.Relation = classifyRelation(ctx, git, cfg.MirrorDir, report)

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Printf("mirror:   %s (exists=%v head=%s)\n", report.MirrorDir, report.MirrorExists, orDash(report.MirrorHead))
			fmt.Printf("target:   %s (valid=%v head=%s dirty=%v)\n", report.TargetDir, report.TargetValid, orDash(report.TargetHead), report.TargetDirty)
			fmt.Printf("relation: %s\n", report.Relation)
			return nil
		},
	}

	cmd.Flags().StringVar(&flakeDir, "flake", "", "flake directory to inspect (default /etc/nixos)")
	cmd.Flags().StringVar(&mirrorDir, "mirror-dir", "", "mirror store location override")

	return cmd
}

// classifyRelation compares the heads inside the mirror repository,
// which holds the target's history whenever the target has not diverged.
func classifyRelation(ctx context.Context, git gitx.Runner, mirrorDir string, report statusReport) string {
	if report.MirrorHead == "" || report.TargetHead == "" {
		return "unknown"
	}
	if report.MirrorHead == report.TargetHead {
		return "in-sync"
	}
	behind, err := gitx.IsAncestor(ctx, git, mirrorDir, report.TargetHead, report.MirrorHead)
	if err != nil {
		// The target commit is not in the mirror at all: local history.
		return "diverged"
	}
	if behind {
		return "behind"
	}
	return "diverged"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
