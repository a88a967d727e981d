package cli

import (
	"github.com/spf13/cobra"

	"github.com/cyberfly-io/flynode/cli/control"
	"github.com/cyberfly-io/flynode/cli/db"
	"github.com/cyberfly-io/flynode/cli/keys"
	"github.com/cyberfly-io/flynode/cli/node"
	"github.com/cyberfly-io/flynode/cli/status"
	"github.com/cyberfly-io/flynode/cli/test"
	"github.com/cyberfly-io/flynode/pkg/build"
)

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "flynode [command] (flags)",
		SilenceUsage: true,
		Version:      build.Version,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		Long: `Flynode is a peer-to-peer data node.

Nodes discover each other through bootstrap peers and mDNS, exchange presence
and application messages over gossip, and replicate signed key-value writes
so every node converges on the latest value of each key.

Databases are owned by an ed25519 key pair. Only writes signed by the owner
are accepted, so any node can relay and store a database without being able
to modify it.

Start a node with:

  $ flynode node

Generate a key pair to own a database with:

  $ flynode keys generate

Write and read data with:

  $ flynode db put users-<public-key> alice '{"age":30}' --secret-key <secret-key>
  $ flynode db get users-<public-key> alice

You can also inspect the status of a node using:

  $ flynode status node
`,
	}

	cmd.AddCommand(node.NewCommand())
	cmd.AddCommand(keys.NewCommand())
	cmd.AddCommand(db.NewCommand())
	cmd.AddCommand(control.NewCommand())
	cmd.AddCommand(status.NewCommand())
	cmd.AddCommand(test.NewCommand())

	return cmd
}

func init() {
	cobra.EnableCommandSorting = false
}
