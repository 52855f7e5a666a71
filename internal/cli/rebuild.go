package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRebuildCommand creates the rebuild command: an operator override
// that enqueues a rebuild regardless of current classification.
func NewRebuildCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild <replica-id>",
		Short: "Force a destructive rebuild of a replica",
		Long: `Force a rebuild: stop the replica, wipe its data store, take a
fresh base backup from the primary, and restart it in standby mode.

Fails if a rebuild is already running for the replica.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient(rootOpts.Addr).do("POST", "/api/v1/replicas/"+args[0]+"/rebuild", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rebuild enqueued for %s\n", args[0])
			return nil
		},
	}
}
