package commands

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/openfroyo/sitekick/pkg/stores"
)

// rootOptions holds the persistent flags shared by every command.
type rootOptions struct {
	version string

	verbose       bool
	historyDB     string
	noHistory     bool
	environment   string
	traceExporter string
	otlpEndpoint  string
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	opts := &rootOptions{version: version}

	rootCmd := &cobra.Command{
		Use:   "sitekick",
		Short: "sitekick - web site and application deployment tool",
		Long: `sitekick installs and uninstalls web applications on hosts running the
platform's web server, keeping sites and application pools tidy.

Features:
  - Task files in CUE with Starlark settings scripts
  - Read-only verification before every change
  - Orphaned application pool cleanup on uninstall
  - Policy guards written in Rego
  - Local or SSH/SFTP access to host configuration
  - Run history in SQLite`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if opts.verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&opts.historyDB, "history-db", stores.DefaultPath(), "run history database path")
	rootCmd.PersistentFlags().BoolVar(&opts.noHistory, "no-history", false, "do not record run history")
	rootCmd.PersistentFlags().StringVar(&opts.environment, "environment", "", "environment name passed to policies")
	rootCmd.PersistentFlags().StringVar(&opts.traceExporter, "trace-exporter", "none", "trace exporter (none, stdout, otlp)")
	rootCmd.PersistentFlags().StringVar(&opts.otlpEndpoint, "otlp-endpoint", "", "OTLP collector endpoint")

	rootCmd.AddCommand(newVerifyCommand(opts))
	rootCmd.AddCommand(newInstallCommand(opts))
	rootCmd.AddCommand(newUninstallCommand(opts))
	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newValidateCommand(opts))
	rootCmd.AddCommand(newHistoryCommand(opts))

	return rootCmd
}
