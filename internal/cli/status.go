package cli

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// NewStatusCommand creates the status command. It exits zero even
// when the daemon reports an error for the named replica; only an
// unreachable controller is a command failure.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status [replica-id]",
		Short: "Show replica lifecycle state and last health snapshot",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/replicas"
			if len(args) == 1 {
				path += "/" + args[0]
			}

			data, err := newClient(rootOpts.Addr).do("GET", path, nil)
			var unreachable *unreachableError
			if errors.As(err, &unreachable) {
				return err
			}
			if err != nil {
				// The controller answered; report and exit clean.
				fmt.Fprintln(cmd.OutOrStdout(), err.Error())
				return nil
			}

			var pretty interface{}
			if json.Unmarshal(data, &pretty) == nil {
				out, _ := json.MarshalIndent(pretty, "", "  ")
				fmt.Fprintln(cmd.OutOrStdout(), string(out))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(data))
			return nil
		},
	}
}
