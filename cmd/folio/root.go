package main

import (
	"github.com/spf13/cobra"

	"github.com/jackzampolin/folio/internal/output"
	"github.com/jackzampolin/folio/version"
)

var (
	cfgFile      string
	homeDir      string
	outputFormat string
	logLevel     string
)

var rootCmd = &cobra.Command{
	Use:   "folio",
	Short: "Resumable document analysis with bounded concurrency",
	Long: `Folio splits a document into page-range chunks, analyzes them with an
OCR service in bounded concurrent batches, and commits one artifact per page.

Progress is recorded after every chunk. Re-running a job after a crash,
a cancelled run or a partial failure only analyzes the chunks that have
not yet succeeded.`,
	Version:       version.GitRelease,
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		f, err := output.ParseFormat(outputFormat)
		if err != nil {
			return err
		}
		output.SetFormat(f)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.folio/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&homeDir, "home", "", "folio home directory (default: ~/.folio)",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)
	rootCmd.PersistentFlags().StringVar(
		&logLevel, "log-level", "", "override logging.level from config",
	)

	rootCmd.AddCommand(versionCmd)
}
