package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/output"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage polled sources",
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <type> <external-id>",
	Short: "Register a source for polling",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, err := models.ParseSourceType(args[0])
		if err != nil {
			return err
		}
		interval, _ := cmd.Flags().GetDuration("interval")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		src, err := a.scheduler.Register(cmd.Context(), sourceType, args[1], interval)
		if err != nil {
			return err
		}
		if outputFormat == formatJSON {
			return output.JSON(cmd.OutOrStdout(), src)
		}
		output.Success(cmd.OutOrStdout(), "Registered source %s, first poll at %s",
			src.ID, src.NextPollAt.Format(time.RFC3339))
		return nil
	},
}

var sourcesDueCmd = &cobra.Command{
	Use:   "due",
	Short: "List sources whose next poll time has passed",
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		due, err := a.scheduler.Due(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if outputFormat == formatJSON {
			return output.JSON(cmd.OutOrStdout(), due)
		}
		if len(due) == 0 {
			output.Info(cmd.OutOrStdout(), "No sources are due")
			return nil
		}

		table := output.NewTable("ID", "TYPE", "EXTERNAL ID", "NEXT POLL", "FAILURES")
		for _, s := range due {
			table.AddRow(s.ID, string(s.Type), s.ExternalID,
				s.NextPollAt.Format(time.RFC3339), strconv.Itoa(s.ConsecutiveFailures))
		}
		table.Render(cmd.OutOrStdout())
		return nil
	},
}

func init() {
	sourcesAddCmd.Flags().Duration("interval", 5*time.Minute, "base poll interval")
	sourcesDueCmd.Flags().Int("limit", 50, "maximum sources to list")

	sourcesCmd.AddCommand(sourcesAddCmd)
	sourcesCmd.AddCommand(sourcesDueCmd)
	rootCmd.AddCommand(sourcesCmd)
}
