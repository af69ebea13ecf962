package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/ignore"
	"github.com/fieldsync/fieldsync/internal/models"
	"github.com/fieldsync/fieldsync/internal/output"
)

var ignoreCmd = &cobra.Command{
	Use:   "ignore",
	Short: "Manage ignore rules",
	Long:  "Ignore rules are per source type regular expressions. Rows whose id matches are skipped.",
}

var ignoreAddCmd = &cobra.Command{
	Use:   "add <source-type> <pattern>",
	Short: "Create an ignore rule",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, err := models.ParseSourceType(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rule, err := a.ignore.Create(cmd.Context(), sourceType, args[1])
		if err != nil {
			return err
		}
		if outputFormat == formatJSON {
			return output.JSON(cmd.OutOrStdout(), rule)
		}
		output.Success(cmd.OutOrStdout(), "Created ignore rule %s", rule.ID)
		return nil
	},
}

var ignoreListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List ignore rules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		sourceType, err := sourceTypeFlag(cmd)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		rules, err := a.ignore.List(cmd.Context(), sourceType)
		if err != nil {
			return err
		}
		if outputFormat == formatJSON {
			return output.JSON(cmd.OutOrStdout(), rules)
		}
		if len(rules) == 0 {
			output.Info(cmd.OutOrStdout(), "No ignore rules found")
			return nil
		}

		table := output.NewTable("ID", "SOURCE TYPE", "PATTERN", "CREATED")
		for _, r := range rules {
			table.AddRow(r.ID, string(r.SourceType), r.Pattern, r.CreatedAt.Format("2006-01-02"))
		}
		table.Render(cmd.OutOrStdout())
		return nil
	},
}

var ignoreImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Create ignore rules from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rules, err := ignore.LoadFile(args[0])
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		res, err := a.ignore.Import(cmd.Context(), rules)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		output.Success(w, "Imported %d rules (%d already present)", res.Created, res.Duplicates)
		for _, invalid := range res.Invalid {
			output.Warn(w, "%v", invalid)
		}
		return nil
	},
}

var ignoreCheckCmd = &cobra.Command{
	Use:   "check <source-type> <candidate>",
	Short: "Report whether a row id would be ignored",
	Long: `Evaluates candidate against the stored rules of source-type, or against
the rules in --file when given, under the configured match policy.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceType, err := models.ParseSourceType(args[0])
		if err != nil {
			return err
		}
		matcher, err := buildMatcher(cmd, sourceType)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		matched := matcher.Matches(cmd.Context(), args[1])
		if outputFormat == formatJSON {
			return output.JSON(w, map[string]any{"candidate": args[1], "ignored": matched, "rules": matcher.Len()})
		}
		if matched {
			output.Warn(w, "%s is ignored", args[1])
		} else {
			output.Info(w, "%s is not ignored (%d rules)", args[1], matcher.Len())
		}
		return nil
	},
}

func buildMatcher(cmd *cobra.Command, sourceType models.SourceType) (*ignore.Matcher, error) {
	ignoreCfg := ignore.Config{
		MatchTimeout:     cfg.Ignore.MatchTimeout,
		MaxPatternLength: cfg.Ignore.MaxPatternLength,
		FailOpen:         cfg.Ignore.FailOpen,
	}

	file, _ := cmd.Flags().GetString("file")
	if file == "" {
		a, err := newApp(cmd.Context())
		if err != nil {
			return nil, err
		}
		defer a.Close()
		return a.ignore.Matcher(cmd.Context(), sourceType)
	}

	loaded, err := ignore.LoadFile(file)
	if err != nil {
		return nil, err
	}
	var rules []*models.IgnoreRule
	for i := range loaded {
		if loaded[i].SourceType == sourceType {
			rules = append(rules, &loaded[i])
		}
	}
	return ignore.NewMatcher(rules, ignoreCfg, logger.Component("ignore")), nil
}

func sourceTypeFlag(cmd *cobra.Command) (models.SourceType, error) {
	raw, _ := cmd.Flags().GetString("type")
	if raw == "" {
		return "", nil
	}
	t, err := models.ParseSourceType(raw)
	if err != nil {
		return "", fmt.Errorf("--type: %w", err)
	}
	return t, nil
}

func init() {
	ignoreListCmd.Flags().String("type", "", "only rules for this source type")
	ignoreCheckCmd.Flags().String("file", "", "check against a YAML rules file instead of the database")

	ignoreCmd.AddCommand(ignoreAddCmd)
	ignoreCmd.AddCommand(ignoreListCmd)
	ignoreCmd.AddCommand(ignoreImportCmd)
	ignoreCmd.AddCommand(ignoreCheckCmd)
	rootCmd.AddCommand(ignoreCmd)
}
