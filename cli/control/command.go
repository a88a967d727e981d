package control

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	yaml "github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/cyberfly-io/flynode/client"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/server/api"
)

const requestTimeout = time.Minute

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "control",
		Short: "control a running node",
		Long: `Control a running node using the node API.

Examples:
  # Start the node if it was launched with '--start=false'.
  flynode control start --region eu-west

  # Request all operations from peers.
  flynode control sync

  # Publish a gossip message on topic 'chat'.
  flynode control gossip chat 'hello world'

  # Tail node events.
  flynode control events
`,
	}

	var conf client.Config
	conf.RegisterFlags(cmd.PersistentFlags())

	var c *client.Client
	cmd.PersistentPreRun = func(_ *cobra.Command, _ []string) {
		if err := conf.Validate(); err != nil {
			fmt.Printf("config: %s\n", err.Error())
			os.Exit(1)
		}
		opts, err := conf.Options()
		if err != nil {
			fmt.Printf("config: %s\n", err.Error())
			os.Exit(1)
		}
		c, err = client.New(opts...)
		if err != nil {
			fmt.Printf("client: %s\n", err.Error())
			os.Exit(1)
		}
	}
	apiClient := func() *client.Client {
		return c
	}

	cmd.AddCommand(newStartCommand(apiClient))
	cmd.AddCommand(newStopCommand(apiClient))
	cmd.AddCommand(newSyncCommand(apiClient))
	cmd.AddCommand(newGossipCommand(apiClient))
	cmd.AddCommand(newLatencyCommand(apiClient))
	cmd.AddCommand(newEventsCommand(apiClient))

	return cmd
}

func newStartCommand(c func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Args:  cobra.NoArgs,
		Short: "start the node",
		Long: `Start the node.

Options that are unset default to the node configuration.`,
	}

	var req api.StartRequest
	cmd.Flags().StringVar(
		&req.DataDir,
		"data-dir",
		"",
		`
The directory to store the node key and database.`,
	)
	cmd.Flags().StringVar(
		&req.SecretKey,
		"secret-key",
		"",
		`
Hex encoded node secret key.`,
	)
	cmd.Flags().StringSliceVar(
		&req.BootstrapPeers,
		"bootstrap",
		nil,
		`
The gossip addresses of existing nodes to join.`,
	)
	cmd.Flags().StringVar(
		&req.Region,
		"region",
		"",
		`
The region the node is running in.`,
	)

	cmd.Run = func(_ *cobra.Command, _ []string) {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		info, err := c().Start(ctx, req)
		if err != nil {
			exit("failed to start node", err)
		}
		output(info)
	}

	return cmd
}

func newStopCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Args:  cobra.NoArgs,
		Short: "stop the node",
		Long: `Stop the node.

The API and admin servers keep running so the node can be started again.`,
		Run: func(_ *cobra.Command, _ []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			if err := c().Stop(ctx); err != nil {
				exit("failed to stop node", err)
			}
			fmt.Println("ok")
		},
	}
}

func newSyncCommand(c func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Args:  cobra.NoArgs,
		Short: "request operations from peers",
		Long: `Request operations from peers.

By default requests all operations. Use '--since' to only request operations
newer than a timestamp in milliseconds since the epoch.

Examples:
  flynode control sync
  flynode control sync --since 1717171717000
`,
	}

	var since string
	cmd.Flags().StringVar(
		&since,
		"since",
		"",
		`
Only request operations newer than the timestamp, in milliseconds since the
epoch.`,
	)

	cmd.Run = func(_ *cobra.Command, _ []string) {
		var sincePtr *int64
		if since != "" {
			ts, err := strconv.ParseInt(since, 10, 64)
			if err != nil {
				exit("invalid since", err)
			}
			sincePtr = &ts
		}

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()

		result, err := c().Sync(ctx, sincePtr)
		if err != nil {
			exit("failed to sync", err)
		}
		output(result)
	}

	return cmd
}

func newGossipCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "gossip [topic] [message]",
		Args:  cobra.RangeArgs(1, 2),
		Short: "publish a gossip message",
		Long: `Publish a gossip message to peers.

If [message] is omitted the message is read from stdin. Delivery is best
effort.`,
		Run: func(_ *cobra.Command, args []string) {
			var message []byte
			if len(args) == 2 {
				message = []byte(args[1])
			} else {
				b, err := io.ReadAll(io.LimitReader(os.Stdin, storage.MaxValueSize+1))
				if err != nil {
					exit("failed to read message", err)
				}
				message = b
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			id, err := c().Gossip(ctx, args[0], message)
			if err != nil {
				exit("failed to publish", err)
			}
			fmt.Println(id)
		},
	}
}

func newLatencyCommand(c func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "latency [peer-id]",
		Args:  cobra.ExactArgs(1),
		Short: "measure the latency to a peer",
		Run: func(_ *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			defer cancel()

			latency, err := c().Latency(ctx, args[0])
			if err != nil {
				exit("failed to measure latency", err)
			}
			fmt.Println(latency.String())
		},
	}
}

func exit(msg string, err error) {
	fmt.Printf("%s: %s\n", msg, err.Error())
	os.Exit(1)
}

func output(v any) {
	b, _ := yaml.Marshal(v)
	fmt.Print(string(b))
}
