package test

import (
	"github.com/spf13/cobra"

	"github.com/cyberfly-io/flynode/cli/test/network"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "test",
		Short: "tools for testing flynode networks",
		Long:  `Tools for testing flynode networks.`,
	}

	cmd.AddCommand(network.NewCommand())

	return cmd
}
