package gossip

import "time"

// Watcher is notified of inbound gossip and latency measurements.
//
// The implementations of Watcher must not block.
type Watcher interface {
	// OnGossip notifies that a verified gossip message was received on a
	// topic that isn't internal.
	OnGossip(env Envelope)

	// OnLatency notifies that the latency to a peer was measured.
	OnLatency(nodeID string, latency time.Duration)
}

type nopWatcher struct {
}

func (w *nopWatcher) OnGossip(_ Envelope) {}

func (w *nopWatcher) OnLatency(_ string, _ time.Duration) {}

var _ Watcher = &nopWatcher{}
