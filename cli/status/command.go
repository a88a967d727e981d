package status

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/server/status/client"
	"github.com/cyberfly-io/flynode/server/status/config"
)

const requestTimeout = time.Second * 15

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "inspect node status",
		Long: `Inspect node status.

Each node exposes a status API on its admin port to inspect the state of the
node, this can be used to answer questions such as:
* Is the node running and how long has it been up?
* What peers does the node know about and what is their latency?
* What databases does the node store?

See 'status --help' for the available commands.

Examples:
  # Inspect the node counters.
  flynode status node

  # Inspect the known peers of a node on another host.
  flynode status peers --admin.url http://10.26.104.14:8102
`,
	}

	var conf config.Config
	conf.RegisterFlags(cmd.PersistentFlags())

	var c *client.Node
	cmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("config: %s\n", err.Error())
			os.Exit(1)
		}

		// Already verified URL in Config.Validate.
		u, _ := url.Parse(conf.Admin.URL)
		c = client.NewNode(client.NewClient(u))
	}
	nodeClient := func() *client.Node {
		return c
	}

	cmd.AddCommand(newNodeCommand(nodeClient))
	cmd.AddCommand(newInfoCommand(nodeClient))
	cmd.AddCommand(newPeersCommand(nodeClient))
	cmd.AddCommand(newPeerCommand(nodeClient))
	cmd.AddCommand(newStorageCommand(nodeClient))

	return cmd
}

func newNodeCommand(c func() *client.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "node",
		Args:  cobra.NoArgs,
		Short: "inspect node counters",
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			status, err := c().Status(ctx)
			if err != nil {
				fmt.Printf("failed to get node status: %s\n", err.Error())
				os.Exit(1)
			}
			output(status)
		},
	}
}

func newInfoCommand(c func() *client.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "info",
		Args:  cobra.NoArgs,
		Short: "inspect node identity and configuration",
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			info, err := c().Info(ctx)
			if err != nil {
				fmt.Printf("failed to get node info: %s\n", err.Error())
				os.Exit(1)
			}
			output(info)
		},
	}
}

func newPeersCommand(c func() *client.Node) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "peers",
		Args:  cobra.NoArgs,
		Short: "inspect known peers",
		Long: `Inspect known peers.

Queries the node for the peers it knows about that haven't expired. The
output contains the state of each peer.

Examples:
  # Inspect all peers.
  flynode status peers

  # Inspect only connected peers.
  flynode status peers --state connected
`,
	}

	var state string
	cmd.Flags().StringVar(
		&state,
		"state",
		"",
		`
Filter by peer state, either 'discovered' or 'connected'.`,
	)

	cmd.Run = func(_ *cobra.Command, _ []string) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		peers, err := c().Peers(ctx)
		if err != nil {
			fmt.Printf("failed to get peers: %s\n", err.Error())
			os.Exit(1)
		}

		filtered := []registry.Peer{}
		for _, peer := range peers {
			if state != "" && state != peer.State.String() {
				continue
			}
			filtered = append(filtered, peer)
		}

		// Sort by ID.
		sort.Slice(filtered, func(i, j int) bool {
			return filtered[i].NodeID < filtered[j].NodeID
		})

		output(peersOutput{
			Peers: filtered,
		})
	}

	return cmd
}

type peersOutput struct {
	Peers []registry.Peer `json:"peers"`
}

func newPeerCommand(c func() *client.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "peer [id]",
		Args:  cobra.ExactArgs(1),
		Short: "inspect a known peer",
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			peer, err := c().Peer(ctx, args[0])
			if err != nil {
				fmt.Printf("failed to get peer: %s\n", err.Error())
				os.Exit(1)
			}
			output(peer)
		},
	}
}

func newStorageCommand(c func() *client.Node) *cobra.Command {
	return &cobra.Command{
		Use:   "storage [db]",
		Args:  cobra.MaximumNArgs(1),
		Short: "inspect stored databases",
		Long: `Inspect stored databases.

Without arguments, outputs the number of keys in each database. With a
database name, outputs the keys in that database.

Examples:
  # Inspect all databases.
  flynode status storage

  # Inspect the keys in database 'users-1d3b...'.
  flynode status storage users-1d3b...
`,
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			if len(args) == 1 {
				keys, err := c().Keys(ctx, args[0])
				if err != nil {
					fmt.Printf("failed to get keys: %s\n", err.Error())
					os.Exit(1)
				}
				output(keysOutput{Keys: keys})
				return
			}

			stats, err := c().Storage(ctx)
			if err != nil {
				fmt.Printf("failed to get storage: %s\n", err.Error())
				os.Exit(1)
			}
			output(stats)
		},
	}
}

type keysOutput struct {
	Keys []string `json:"keys"`
}

func output(v any) {
	b, _ := yaml.Marshal(v)
	fmt.Print(string(b))
}
