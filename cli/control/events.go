package control

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cyberfly-io/flynode/client"
	"github.com/cyberfly-io/flynode/node"
)

func newEventsCommand(c func() *client.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Args:  cobra.NoArgs,
		Short: "tail node events",
		Long: `Tail node events.

Outputs each event as a JSON line until interrupted. The subscription
reconnects if the connection to the node drops, though events published while
disconnected are missed.

Examples:
  # Tail all events.
  flynode control events

  # Tail only gossip messages.
  flynode control events --type gossip_received
`,
	}

	var types []string
	cmd.Flags().StringSliceVar(
		&types,
		"type",
		nil,
		`
Only output events of the given types, such as 'peer_connected' or
'gossip_received'.`,
	)

	cmd.Run = func(_ *cobra.Command, _ []string) {
		filter := make(map[node.EventType]struct{})
		for _, t := range types {
			var et node.EventType
			if err := et.UnmarshalText([]byte(t)); err != nil {
				exit("invalid type", err)
			}
			filter[et] = struct{}{}
		}

		ctx, cancel := signal.NotifyContext(
			context.Background(), syscall.SIGINT, syscall.SIGTERM,
		)
		defer cancel()

		sub, err := c().Subscribe(ctx)
		if err != nil {
			exit("failed to subscribe", err)
		}
		defer sub.Close()

		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case e, ok := <-sub.C():
				if !ok {
					if err := sub.Err(); err != nil {
						exit("subscription closed", err)
					}
					return
				}
				if len(filter) > 0 {
					if _, ok := filter[e.Type]; !ok {
						continue
					}
				}
				_ = enc.Encode(e)
			case <-ctx.Done():
				fmt.Fprintln(os.Stderr, "interrupted")
				return
			}
		}
	}

	return cmd
}
