package node

import (
	"time"

	"github.com/cyberfly-io/flynode/node/registry"
)

// Status is a point in time snapshot of the node counters.
type Status struct {
	IsRunning                bool   `json:"is_running"`
	NodeID                   string `json:"node_id"`
	ConnectedPeers           int    `json:"connected_peers"`
	DiscoveredPeers          int    `json:"discovered_peers"`
	UptimeSeconds            int64  `json:"uptime_seconds"`
	GossipMessagesReceived   int64  `json:"gossip_messages_received"`
	StorageSizeBytes         int64  `json:"storage_size_bytes"`
	TotalKeys                int64  `json:"total_keys"`
	SyncOperations           int64  `json:"sync_operations"`
	LatencyRequestsSent      int64  `json:"latency_requests_sent"`
	LatencyResponsesReceived int64  `json:"latency_responses_received"`
}

// Info describes the node identity and configuration.
type Info struct {
	NodeID       string                `json:"node_id"`
	PublicKey    string                `json:"public_key"`
	Address      string                `json:"address,omitempty"`
	Region       string                `json:"region,omitempty"`
	Version      string                `json:"version"`
	State        State                 `json:"state"`
	DataDir      string                `json:"data_dir,omitempty"`
	Bootstrap    []string              `json:"bootstrap,omitempty"`
	Capabilities registry.Capabilities `json:"capabilities"`
	StartedAt    *time.Time            `json:"started_at,omitempty"`
}

// Status returns a snapshot of the node counters. It can be called in any
// state. If the node isn't running only the node ID of the last start is
// set.
func (n *Node) Status() Status {
	n.mu.RLock()
	rt := n.rt
	nodeID := n.nodeID
	running := State(n.state.Load()) == StateRunning
	n.mu.RUnlock()

	if rt == nil || !running {
		return Status{
			NodeID: nodeID,
		}
	}

	discovered, connected := rt.registry.Stats()
	gossipStats := rt.gossip.Stats()
	return Status{
		IsRunning:                true,
		NodeID:                   rt.nodeID,
		ConnectedPeers:           connected,
		DiscoveredPeers:          discovered,
		UptimeSeconds:            int64(time.Since(rt.startedAt).Seconds()),
		GossipMessagesReceived:   gossipStats.MessagesReceived,
		StorageSizeBytes:         rt.storage.SizeBytes(),
		TotalKeys:                rt.storage.TotalKeys(),
		SyncOperations:           rt.syncer.SyncOperations(),
		LatencyRequestsSent:      gossipStats.LatencyRequestsSent,
		LatencyResponsesReceived: gossipStats.LatencyResponsesReceived,
	}
}

// Info returns the node identity and configuration. It can be called in any
// state.
func (n *Node) Info() Info {
	n.mu.RLock()
	rt := n.rt
	info := Info{
		NodeID:    n.nodeID,
		PublicKey: n.publicKey,
		Version:   n.version,
		State:     State(n.state.Load()),
		DataDir:   n.config.DataDir,
		Region:    n.config.Region,
	}
	n.mu.RUnlock()

	if rt == nil {
		info.Capabilities, _ = parseCapabilities(n.config.Capabilities)
		return info
	}

	startedAt := rt.startedAt
	info.Address = rt.gossip.Address()
	info.Region = rt.region
	info.DataDir = rt.dataDir
	info.Bootstrap = rt.bootstrap
	info.Capabilities = rt.capabilities
	info.StartedAt = &startedAt
	return info
}
