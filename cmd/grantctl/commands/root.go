// Package commands holds the grantctl command tree.
package commands

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:8080"

type globalOptions struct {
	server  string
	actor   string
	timeout time.Duration
	json    bool
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}

	cmd := &cobra.Command{
		Use:           "grantctl",
		Short:         "grantctl - operate database access requests",
		Long:          `grantctl submits account requests to a grantflow server, records approval decisions and inspects workflow progress.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	server := os.Getenv("GRANTFLOW_URL")
	if server == "" {
		server = defaultServer
	}
	cmd.PersistentFlags().StringVar(&opts.server, "server", server, "grantflow server base URL (env GRANTFLOW_URL)")
	cmd.PersistentFlags().StringVar(&opts.actor, "actor", os.Getenv("USER"), "actor recorded in the audit trail")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	cmd.AddCommand(
		newCreateCmd(opts),
		newGetCmd(opts),
		newListCmd(opts),
		newStatusCmd(opts),
		newOperationsCmd(opts),
		newEventsCmd(opts),
		newDecisionCmd(opts, true),
		newDecisionCmd(opts, false),
	)

	return cmd
}

func (o *globalOptions) client() *apiClient {
	return newAPIClient(o.server, o.actor, o.timeout)
}
