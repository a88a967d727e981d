package node

import (
	"fmt"
	"sync"
	"time"

	"github.com/cyberfly-io/flynode/node/gossip"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/syncer"
)

type EventType int

const (
	EventStarted EventType = iota + 1
	EventStopped
	EventPeerDiscovered
	EventPeerConnected
	EventPeerExpired
	EventGossipReceived
	EventSyncReceived
	EventLatencyMeasured
	EventError
)

var eventTypeNames = map[EventType]string{
	EventStarted:         "started",
	EventStopped:         "stopped",
	EventPeerDiscovered:  "peer_discovered",
	EventPeerConnected:   "peer_connected",
	EventPeerExpired:     "peer_expired",
	EventGossipReceived:  "gossip_received",
	EventSyncReceived:    "sync_received",
	EventLatencyMeasured: "latency_measured",
	EventError:           "error",
}

func (t EventType) String() string {
	if name, ok := eventTypeNames[t]; ok {
		return name
	}
	return "unknown"
}

func (t EventType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *EventType) UnmarshalText(b []byte) error {
	for et, name := range eventTypeNames {
		if name == string(b) {
			*t = et
			return nil
		}
	}
	return fmt.Errorf("unknown event type: %s", string(b))
}

// GossipMessage is an application message received from a peer.
type GossipMessage struct {
	ID        string `json:"id"`
	Topic     string `json:"topic"`
	From      string `json:"from"`
	Payload   []byte `json:"payload"`
	Timestamp int64  `json:"timestamp"`
}

// Event describes a change in the node or its view of the network.
//
// Only the fields relevant to the event type are set.
type Event struct {
	Type EventType `json:"type"`
	Time time.Time `json:"time"`

	// NodeID is the ID of the local node for lifecycle events, or the
	// remote node otherwise.
	NodeID string `json:"node_id,omitempty"`

	Peer      *registry.Peer `json:"peer,omitempty"`
	Gossip    *GossipMessage `json:"gossip,omitempty"`
	Sync      *syncer.Result `json:"sync,omitempty"`
	LatencyMs *int64         `json:"latency_ms,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// broker fans out events to subscribers. Publishing never blocks, so events
// are dropped for subscribers whose buffer is full.
type broker struct {
	subscribers map[uint64]chan Event
	nextID      uint64

	mu sync.Mutex
}

func newBroker() *broker {
	return &broker{
		subscribers: make(map[uint64]chan Event),
	}
}

func (b *broker) Subscribe(buffer int) (<-chan Event, func()) {
	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.subscribers, id)
			close(ch)
		})
	}
}

func (b *broker) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- e:
		default:
		}
	}
}

// eventWatcher publishes component notifications as node events.
type eventWatcher struct {
	broker *broker
}

func (w *eventWatcher) OnDiscovered(peer registry.Peer) {
	w.broker.Publish(Event{
		Type:   EventPeerDiscovered,
		NodeID: peer.NodeID,
		Peer:   &peer,
	})
}

func (w *eventWatcher) OnConnected(peer registry.Peer) {
	w.broker.Publish(Event{
		Type:   EventPeerConnected,
		NodeID: peer.NodeID,
		Peer:   &peer,
	})
}

func (w *eventWatcher) OnExpired(peer registry.Peer) {
	w.broker.Publish(Event{
		Type:   EventPeerExpired,
		NodeID: peer.NodeID,
		Peer:   &peer,
	})
}

func (w *eventWatcher) OnGossip(env gossip.Envelope) {
	w.broker.Publish(Event{
		Type:   EventGossipReceived,
		NodeID: env.From,
		Gossip: &GossipMessage{
			ID:        env.ID,
			Topic:     env.Topic,
			From:      env.From,
			Payload:   env.Payload,
			Timestamp: env.Timestamp,
		},
	})
}

func (w *eventWatcher) OnLatency(nodeID string, latency time.Duration) {
	ms := latency.Milliseconds()
	w.broker.Publish(Event{
		Type:      EventLatencyMeasured,
		NodeID:    nodeID,
		LatencyMs: &ms,
	})
}

func (w *eventWatcher) OnSync(nodeID string, result syncer.Result) {
	w.broker.Publish(Event{
		Type:   EventSyncReceived,
		NodeID: nodeID,
		Sync:   &result,
	})
}

var _ registry.Watcher = &eventWatcher{}
var _ gossip.Watcher = &eventWatcher{}
var _ syncer.Watcher = &eventWatcher{}
