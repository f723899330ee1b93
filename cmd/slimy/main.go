// slimy ingests guild roster screenshots into a verified weekly time
// series. It drives the review pipeline directly from the command line:
// extract, preview QA signals, fix, commit.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/config"
	"github.com/GurthBro0ks/slimyai-setup-sub000/internal/logging"
)

var (
	// Global flags
	cfgPath string
	verbose bool

	cfg    *config.Config
	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "slimy",
	Short: "slimy - guild roster OCR ingestion and reconciliation",
	Long: `slimy turns "Manage Members" roster screenshots into a verified,
versioned weekly time series per guild.

Screenshots are read by a vision model, every number is sanity-checked
against OCR inflation artifacts, and nothing is published until the
review guards (coverage, suspicious jumps, low confidence) pass or an
administrator forces the commit.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger, err = logging.New(level, cfg.Logging.Encoding)
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "slimy.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(latestCmd)
	rootCmd.AddCommand(rollbackCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
