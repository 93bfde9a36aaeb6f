// Package cmd defines and implements the CLI commands for the fetcher
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetcher",
		Short: "Asynchronous HTML fetch service",
		Long: `fetcher accepts batches of URLs over HTTP and fetches them in the
background with a pool of headless browsers. Jobs are tracked in memory;
clients poll for status and collect rendered HTML once the job finishes.`,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (YAML); env vars with the FETCHER_ prefix override")
	cmd.AddCommand(newServeCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
