// Package main implements orchctl, a CLI for the orchestratord HTTP API.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	// serverURL is the base URL of the orchestratord HTTP API
	serverURL string
	// outputJSON prints raw API responses
	outputJSON bool

	version = "dev"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchctl",
		Short: "CLI for the orchestratord task orchestration API",
		Long: `orchctl submits tasks to orchestratord, inline or queued, and inspects
their runs.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "orchestratord server URL")
	root.PersistentFlags().BoolVar(&outputJSON, "json", false, "Print raw JSON responses")

	root.AddCommand(newSubmitCmd(false))
	root.AddCommand(newSubmitCmd(true))
	root.AddCommand(statusCmd)
	root.AddCommand(watchCmd)
	root.AddCommand(healthCmd)
	return root
}
