// Package cli implements workflowctl, the operator tool for the workflow
// server.
package cli

import (
	"github.com/spf13/cobra"
)

type Dependencies struct {
	Client *Client
}

func NewRootCmd(deps *Dependencies) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "workflowctl",
		Short:         "Send events to and inspect runs of the workflow server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(NewEventsCmd(deps))
	rootCmd.AddCommand(NewRunsCmd(deps))

	return rootCmd
}
