package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/node/registry"
)

// Node queries the node status routes.
type Node struct {
	client *Client
}

func NewNode(client *Client) *Node {
	return &Node{
		client: client,
	}
}

func (n *Node) Status(ctx context.Context) (*node.Status, error) {
	var status node.Status
	if err := n.get(ctx, "/status/node", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

func (n *Node) Info(ctx context.Context) (*node.Info, error) {
	var info node.Info
	if err := n.get(ctx, "/status/node/info", &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (n *Node) Peers(ctx context.Context) ([]registry.Peer, error) {
	var peers []registry.Peer
	if err := n.get(ctx, "/status/peers", &peers); err != nil {
		return nil, err
	}
	return peers, nil
}

func (n *Node) Peer(ctx context.Context, nodeID string) (*registry.Peer, error) {
	var peer registry.Peer
	if err := n.get(ctx, "/status/peers/"+nodeID, &peer); err != nil {
		return nil, err
	}
	return &peer, nil
}

func (n *Node) Storage(ctx context.Context) (*node.StorageStats, error) {
	var stats node.StorageStats
	if err := n.get(ctx, "/status/storage", &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (n *Node) Keys(ctx context.Context, dbName string) ([]string, error) {
	var keys []string
	if err := n.get(ctx, "/status/storage/"+dbName, &keys); err != nil {
		return nil, err
	}
	return keys, nil
}

func (n *Node) get(ctx context.Context, path string, v any) error {
	r, err := n.client.Request(ctx, path)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
