// Package cli implements the standbyctl command surface. Every
// command is a thin HTTP client against the daemon's admin API.
package cli

import (
	"github.com/spf13/cobra"
)

// RootOptions holds flags shared by all commands.
type RootOptions struct {
	Addr string
}

// NewRootCommand creates the standbyctl root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "standbyctl",
		Short:         "Operate the replication lifecycle controller",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", "http://127.0.0.1:8090",
		"address of the standbyd admin API")

	cmd.AddCommand(
		NewRegisterCommand(opts),
		NewStatusCommand(opts),
		NewRebuildCommand(opts),
		NewResetCommand(opts),
	)
	return cmd
}
