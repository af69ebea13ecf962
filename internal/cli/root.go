// Package cli is the fieldsync command tree.
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fieldsync/fieldsync/internal/config"
	"github.com/fieldsync/fieldsync/internal/logging"
)

const (
	formatTable = "table"
	formatJSON  = "json"
)

var (
	cfgFile      string
	outputFormat string

	cfg    *config.Config
	logger *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "fieldsync",
	Short: "Field-level change sync pipeline",
	Long: `fieldsync polls external sources, detects field-level changes against
stored baselines and delivers them to contacts through a durable outbox.`,
	Version:           "0.1.0",
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: $FIELDSYNC_CONFIG_DIR/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", formatTable, "output format: table, json")
}

func initConfig(cmd *cobra.Command, _ []string) error {
	if outputFormat != formatTable && outputFormat != formatJSON {
		return fmt.Errorf("unknown output format %q", outputFormat)
	}

	var err error
	cfg, err = config.Load(cfgFile)
	if err != nil {
		return err
	}

	// The daemon logs to stdout; one-shot commands keep stdout for results.
	w := os.Stderr
	if cmd == serveCmd {
		w = os.Stdout
	}
	logger = logging.NewWithWriter(w, logging.ParseLevel(cfg.Logging.Level), cfg.Logging.Format)
	logging.SetDefault(logger)
	return nil
}
