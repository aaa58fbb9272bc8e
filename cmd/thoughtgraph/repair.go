package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cybersemics/em-sub013/domain/services/repair"
)

var (
	repairOpts repair.Options

	repairCmd = &cobra.Command{
		Use:   "repair",
		Short: "Check the stored outline and fix structural corruption",
		Long: `repair loads the stored outline, runs one repair pass and persists the
corrections as a single batch. Use --dry-run to only report them.`,
		RunE: runRepair,
	}
)

func init() {
	repairCmd.Flags().BoolVar(&repairOpts.DryRun, "dry-run", false, "report corrections without applying them")
	repairCmd.Flags().IntVar(&repairOpts.MaxDepth, "max-depth", 0, "maximum tree depth to descend (0 uses the configured limit)")
	repairCmd.Flags().IntVar(&repairOpts.MaxItems, "max-items", 0, "maximum thoughts to visit (0 uses the configured limit)")
}

func runRepair(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	container, cleanup, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer cleanup()

	report, err := container.Service.RunRepair(ctx, repairOpts)
	if err != nil {
		return err
	}
	// The corrections are persisted in the background.
	if err := container.Gateway.Flush(ctx); err != nil {
		return fmt.Errorf("failed to persist corrections: %w", err)
	}

	out, err := json.MarshalIndent(map[string]interface{}{
		"corrections": report.Total(),
		"counts":      report.Counts,
		"truncated":   report.Truncated,
		"visited":     report.Visited,
		"applied":     report.Applied,
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
