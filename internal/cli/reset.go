package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewResetCommand creates the reset command.
func NewResetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset <replica-id>",
		Short: "Clear a failed or role-violated replica back to uninitialized",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := newClient(rootOpts.Addr).do("POST", "/api/v1/replicas/"+args[0]+"/reset", nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replica %s reset\n", args[0])
			return nil
		},
	}
}
