package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewRegisterCommand creates the register-replica command.
func NewRegisterCommand(rootOpts *RootOptions) *cobra.Command {
	var dataDir, serviceID string

	cmd := &cobra.Command{
		Use:   "register-replica <id> <endpoint>",
		Short: "Add a replica to supervision",
		Long: `Add a replica to supervision in state uninitialized.

The endpoint is a libpq-style conninfo string. The data directory and
service ID are needed before any rebuild can run against the replica.

Example:
  standbyctl register-replica replica-1 "host=10.0.0.2 port=5432 user=monitor dbname=postgres" \
    --data-dir /var/lib/postgresql/data --service postgresql`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]string{
				"id":         args[0],
				"endpoint":   args[1],
				"data_dir":   dataDir,
				"service_id": serviceID,
			}
			if _, err := newClient(rootOpts.Addr).do("POST", "/api/v1/replicas", body); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replica %s registered\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "", "replica data directory (required for rebuilds)")
	cmd.Flags().StringVar(&serviceID, "service", "", "replica service identifier (required for rebuilds)")
	return cmd
}
