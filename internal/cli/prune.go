package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/output"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete baselines not checked within the retention period",
	RunE: func(cmd *cobra.Command, _ []string) error {
		retention, _ := cmd.Flags().GetDuration("older-than")
		if retention <= 0 {
			retention = cfg.Baselines.Retention
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		deleted, err := a.detector.PruneStale(cmd.Context(), time.Now().Add(-retention))
		if err != nil {
			return err
		}
		output.Success(cmd.OutOrStdout(), "Pruned %d baselines older than %s", deleted, retention)
		return nil
	},
}

func init() {
	pruneCmd.Flags().Duration("older-than", 0, "retention override (default: baselines.retention)")
	rootCmd.AddCommand(pruneCmd)
}
