package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Tapiiri/nixos-setup/pkg/engine"
	"github.com/Tapiiri/nixos-setup/pkg/journal"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent rebuild runs from the journal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, "", "", "", "", "")
			if err != nil {
				return err
			}
			if cfg.Journal.Disabled || cfg.Journal.Path == "" {
				return engine.NewConfigError("the run journal is disabled", nil)
			}

			jrnl, err := journal.Open(cmd.Context(), cfg.Journal.Path)
			if err != nil {
				return engine.NewConfigError("cannot open the run journal", err)
			}
			defer jrnl.Close()

			runs, err := jrnl.RecentRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("no recorded runs")
				return nil
			}
			for _, r := range runs {
				line := fmt.Sprintf("%s  %-9s %-12s %-15s host=%s",
					r.StartedAt.Local().Format("2006-01-02 15:04:05"),
					r.Status, r.DecisionPath, orDash(r.Outcome), r.Hostname)
				if r.Error != "" {
					line += "  error: " + r.Error
				}
				fmt.Println(line)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show")

	return cmd
}
