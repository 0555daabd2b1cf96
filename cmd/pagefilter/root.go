package main

import (
	"os"

	"github.com/spf13/cobra"

	cfgpkg "github.com/local/defectscan/internal/config"
	logpkg "github.com/local/defectscan/internal/logger"
)

var (
	envFile  string
	logLevel string
	cfg      cfgpkg.Config
)

var rootCmd = &cobra.Command{
	Use:   "pagefilter",
	Short: "Find the page range holding the defect list of an inspection report",
	Long: `pagefilter scans the OCR text of a defect-report PDF in small page batches,
asks the classification service where the defect list starts and where it
ends, and writes the relevant page range as a JSON record.

Settings come from the environment (and an optional .env file); flags
override the scan policy for a single run.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg = cfgpkg.Load(envFile)
		if logLevel != "" {
			cfg.Logging.Level = logLevel
		}
		return logpkg.Init(logpkg.Options{
			Service:    "pagefilter",
			Level:      cfg.Logging.Level,
			Pretty:     true,
			File:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
			Compress:   cfg.Logging.Compress,
			Console:    os.Stderr,
		})
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logpkg.Close()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "dotenv file to load before the environment")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (default: LOG_LEVEL or info)")

	rootCmd.AddCommand(scanCmd, renderCmd)
}
