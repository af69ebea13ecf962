package cli

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/outbox"
	"github.com/fieldsync/fieldsync/internal/output"
)

var envelopesCmd = &cobra.Command{
	Use:     "envelopes",
	Aliases: []string{"env"},
	Short:   "Inspect and requeue outbox envelopes",
}

var envelopesListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List envelopes, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		filter := models.EnvelopeFilter{}
		filter.Limit, _ = cmd.Flags().GetInt("limit")
		if raw, _ := cmd.Flags().GetString("status"); raw != "" {
			status, err := models.ParseStatus(raw)
			if err != nil {
				return err
			}
			filter.Status = status
		}
		if raw, _ := cmd.Flags().GetString("recipient"); raw != "" {
			filter.Recipient = outbox.NormalizeRecipient(raw)
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		envs, err := a.outbox.List(cmd.Context(), filter)
		if err != nil {
			return err
		}
		if outputFormat == formatJSON {
			return output.JSON(cmd.OutOrStdout(), envs)
		}
		if len(envs) == 0 {
			output.Info(cmd.OutOrStdout(), "No envelopes found")
			return nil
		}

		table := output.NewTable("ID", "RECIPIENT", "STATUS", "SOURCE", "CREATED")
		for _, e := range envs {
			table.AddRow(e.ID, e.Recipient, string(e.Status), provenanceLabel(e.Provenance),
				e.CreatedAt.Format(time.RFC3339))
		}
		table.Render(cmd.OutOrStdout())
		return nil
	},
}

var envelopesRequeueCmd = &cobra.Command{
	Use:   "requeue <id>",
	Short: "Queue a copy of a failed or partially sent envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		env, err := a.outbox.Requeue(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == formatJSON {
			return output.JSON(cmd.OutOrStdout(), env)
		}
		output.Success(cmd.OutOrStdout(), "Requeued %s as %s", args[0], env.ID)
		return nil
	},
}

var envelopesAuditCmd = &cobra.Command{
	Use:   "audit <id>",
	Short: "Show audit records of an envelope",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		records, err := a.outbox.Audit(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if outputFormat == formatJSON {
			return output.JSON(cmd.OutOrStdout(), records)
		}
		if len(records) == 0 {
			output.Info(cmd.OutOrStdout(), "No audit records for %s", args[0])
			return nil
		}

		table := output.NewTable("ID", "STATUS", "BEFORE", "AFTER", "SELF SERVICE", "CREATED")
		for _, r := range records {
			table.AddRow(r.ID, string(r.Status), string(r.Before), string(r.After),
				strconv.FormatBool(r.SelfService), r.CreatedAt.Format(time.RFC3339))
		}
		table.Render(cmd.OutOrStdout())
		return nil
	},
}

func provenanceLabel(p models.Provenance) string {
	if p.SourceID == "" {
		return string(p.Kind)
	}
	return string(p.SourceType) + "/" + p.SourceID
}

func init() {
	envelopesListCmd.Flags().String("status", "", "only envelopes in this status")
	envelopesListCmd.Flags().String("recipient", "", "only envelopes for this recipient")
	envelopesListCmd.Flags().Int("limit", 50, "maximum envelopes to list")

	envelopesCmd.AddCommand(envelopesListCmd)
	envelopesCmd.AddCommand(envelopesRequeueCmd)
	envelopesCmd.AddCommand(envelopesAuditCmd)
	rootCmd.AddCommand(envelopesCmd)
}
