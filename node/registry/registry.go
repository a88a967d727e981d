// Package registry tracks the known peers in the network.
//
// Peers move from discovered, when a verified announcement is first received,
// to connected, once a direct exchange with the peer completes. Peers that
// aren't refreshed within the expiry window are hidden immediately and
// evicted on the next sweep.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/pkg/log"
)

// Registry contains the known peers, keyed by node ID.
type Registry struct {
	localID string
	expiry  time.Duration

	peers map[string]*Peer

	// mu protects the above fields.
	mu sync.Mutex

	metrics *Metrics

	clock   clock.Clock
	watcher Watcher
	logger  log.Logger
}

func New(localID string, expiry time.Duration, opts ...Option) *Registry {
	options := defaultOptions()
	for _, o := range opts {
		o.apply(&options)
	}

	return &Registry{
		localID: localID,
		expiry:  expiry,
		peers:   make(map[string]*Peer),
		metrics: options.metrics,
		clock:   options.clock,
		watcher: options.watcher,
		logger:  options.logger.WithSubsystem("registry"),
	}
}

// LocalID returns the ID of the local node.
func (r *Registry) LocalID() string {
	return r.localID
}

// Observe adds or refreshes a peer from an announcement. The announced
// metadata replaces the existing metadata, though the peer state and latency
// are kept.
//
// Returns true if the peer was not known.
func (r *Registry) Observe(peer Peer) bool {
	if peer.NodeID == "" || peer.NodeID == r.localID {
		return false
	}

	r.mu.Lock()

	now := r.clock.Now()
	existing, ok := r.peers[peer.NodeID]
	if ok && r.expired(existing, now) {
		// Treat as a new peer.
		ok = false
	}
	if ok {
		existing.PublicKey = peer.PublicKey
		existing.Address = peer.Address
		existing.Region = peer.Region
		existing.Version = peer.Version
		existing.Capabilities = peer.Capabilities
		existing.IsMobile = peer.Capabilities.Mobile || peer.IsMobile
		existing.LastSeen = now
		r.mu.Unlock()
		return false
	}

	p := peer.copy()
	p.IsMobile = peer.Capabilities.Mobile || peer.IsMobile
	p.LatencyMs = nil
	p.State = StateDiscovered
	p.FirstSeen = now
	p.LastSeen = now
	r.peers[p.NodeID] = &p
	r.updateMetricsLocked(now)

	discovered := p.copy()
	r.mu.Unlock()

	r.logger.Info(
		"peer discovered",
		zap.String("node-id", discovered.NodeID),
		zap.String("addr", discovered.Address),
	)
	r.watcher.OnDiscovered(discovered)

	return true
}

// Touch refreshes the last seen time of a known peer. Returns false if the
// peer is unknown or expired.
func (r *Registry) Touch(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	p, ok := r.peers[nodeID]
	if !ok || r.expired(p, now) {
		return false
	}
	p.LastSeen = now
	return true
}

// MarkConnected records that a direct exchange with the peer completed.
// Returns false if the peer is unknown or expired.
func (r *Registry) MarkConnected(nodeID string) bool {
	r.mu.Lock()

	now := r.clock.Now()
	p, ok := r.peers[nodeID]
	if !ok || r.expired(p, now) {
		r.mu.Unlock()
		return false
	}
	p.LastSeen = now
	if p.State == StateConnected {
		r.mu.Unlock()
		return true
	}
	p.State = StateConnected
	r.updateMetricsLocked(now)

	connected := p.copy()
	r.mu.Unlock()

	r.logger.Info("peer connected", zap.String("node-id", nodeID))
	r.watcher.OnConnected(connected)

	return true
}

// MarkDiscovered moves a connected peer back to discovered, such as when the
// peer is suspected of having failed.
func (r *Registry) MarkDiscovered(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok || p.State != StateConnected {
		return false
	}
	p.State = StateDiscovered
	r.updateMetricsLocked(r.clock.Now())

	r.logger.Info("peer disconnected", zap.String("node-id", nodeID))

	return true
}

// UpdateLatency records the measured latency to the peer. As measuring
// latency requires a round trip with the peer, the peer is also marked as
// connected.
func (r *Registry) UpdateLatency(nodeID string, latency time.Duration) bool {
	r.mu.Lock()
	p, ok := r.peers[nodeID]
	if !ok || r.expired(p, r.clock.Now()) {
		r.mu.Unlock()
		return false
	}
	ms := latency.Milliseconds()
	p.LatencyMs = &ms
	r.mu.Unlock()

	return r.MarkConnected(nodeID)
}

// Peer returns the peer with the given ID if known and not expired.
func (r *Registry) Peer(nodeID string) (Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.peers[nodeID]
	if !ok || r.expired(p, r.clock.Now()) {
		return Peer{}, false
	}
	return p.copy(), true
}

// Peers returns the known peers that have not expired, sorted by node ID.
func (r *Registry) Peers() []Peer {
	return r.filter(func(_ *Peer) bool { return true })
}

// ConnectedPeers returns the non-expired peers in the connected state.
func (r *Registry) ConnectedPeers() []Peer {
	return r.filter(func(p *Peer) bool { return p.State == StateConnected })
}

// Stats returns the number of non-expired peers and the number of those that
// are connected.
func (r *Registry) Stats() (discovered int, connected int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	for _, p := range r.peers {
		if r.expired(p, now) {
			continue
		}
		discovered++
		if p.State == StateConnected {
			connected++
		}
	}
	return discovered, connected
}

// RemoveExpired evicts the peers that haven't been seen within the expiry
// window, returning the evicted peers.
func (r *Registry) RemoveExpired() []Peer {
	r.mu.Lock()

	now := r.clock.Now()
	var removed []Peer
	for id, p := range r.peers {
		if !r.expired(p, now) {
			continue
		}
		delete(r.peers, id)

		expired := p.copy()
		expired.State = StateExpired
		removed = append(removed, expired)
	}
	if len(removed) > 0 {
		r.metrics.Expired.Add(float64(len(removed)))
		r.updateMetricsLocked(now)
	}
	r.mu.Unlock()

	for _, p := range removed {
		r.logger.Info(
			"peer expired",
			zap.String("node-id", p.NodeID),
			zap.Time("last-seen", p.LastSeen),
		)
		r.watcher.OnExpired(p)
	}
	return removed
}

// Remove removes the peer with the given ID.
func (r *Registry) Remove(nodeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.peers, nodeID)
	r.updateMetricsLocked(r.clock.Now())
}

func (r *Registry) Metrics() *Metrics {
	return r.metrics
}

func (r *Registry) filter(f func(p *Peer) bool) []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	peers := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if r.expired(p, now) || !f(p) {
			continue
		}
		peers = append(peers, p.copy())
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].NodeID < peers[j].NodeID
	})
	return peers
}

func (r *Registry) expired(p *Peer, now time.Time) bool {
	return now.Sub(p.LastSeen) > r.expiry
}

func (r *Registry) updateMetricsLocked(now time.Time) {
	var discovered, connected int
	for _, p := range r.peers {
		if r.expired(p, now) {
			continue
		}
		if p.State == StateConnected {
			connected++
		} else {
			discovered++
		}
	}
	r.metrics.Peers.With(prometheusState(StateDiscovered)).Set(float64(discovered))
	r.metrics.Peers.With(prometheusState(StateConnected)).Set(float64(connected))
}
