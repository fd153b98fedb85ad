// Command acf runs the turn-concurrency core as a standalone worker. The
// serve command reads inbound messages as JSON lines on stdin (one
// RawMessage per line) and processes them through the full pipeline:
// session mutex, accumulation, reasoning, supersede reconciliation, commit.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"acf/internal/config"
	"acf/internal/logging"
)

var version = "dev"

var (
	flagConfig string
	cfg        config.Config
)

var rootCmd = &cobra.Command{
	Use:   "acf",
	Short: "acf is the turn-concurrency core for conversational agents",
	Long: `acf decides which inbound messages form one unit of work, guarantees
that unit is processed by exactly one worker at a time, and reconciles new
arrivals against work that may already have irreversible side effects.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(flagConfig)
		if err != nil {
			return err
		}
		return logging.Initialize(logging.Options{
			Level:      cfg.Logging.Level,
			JSONFormat: cfg.Logging.JSONFormat,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logging.Sync()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the acf version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("acf", version)
	},
}

func main() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config")
	rootCmd.AddCommand(versionCmd, serveCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
