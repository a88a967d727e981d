// Package gossip implements peer discovery and best-effort message
// dissemination between nodes.
//
// Nodes periodically announce themselves to known peers and candidate
// addresses over UDP, along with the list of peers they know about, so the
// network converges on a shared view of its members. Every message is signed
// by the sending node, whose ID is derived from its public key, so messages
// can't be forged on behalf of another node.
//
// Messages that don't fit in a UDP packet, and exchanges that need a
// response, use a TCP stream on the same port.
package gossip

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
	"github.com/cyberfly-io/flynode/pkg/log"
)

const (
	// suspicionThreshold is the phi above which a connected peer is
	// considered failed.
	suspicionThreshold = 20

	failureDetectorSampleSize = 50

	// InternalTopicPrefix marks topics used by the node itself. Messages on
	// internal topics aren't passed to the watcher.
	InternalTopicPrefix = "_"
)

var (
	ErrClosed = errors.New("gossip closed")
)

// LocalNode describes the local node as announced to peers.
type LocalNode struct {
	NodeID       string
	KeyPair      *identity.KeyPair
	Region       string
	Version      string
	Capabilities registry.Capabilities
}

// Stats contains counters of the messages handled since the engine started.
type Stats struct {
	MessagesReceived         int64 `json:"gossip_messages_received"`
	LatencyRequestsSent      int64 `json:"latency_requests_sent"`
	LatencyResponsesReceived int64 `json:"latency_responses_received"`
}

type subscription struct {
	topic   string
	handler func(env Envelope)
}

type pendingLatency struct {
	nodeID string
	ch     chan time.Time
}

type Gossip struct {
	local  LocalNode
	config *Config

	registry        *registry.Registry
	failureDetector *failureDetector
	seen            *seenCache
	candidates      *candidates

	subscriptions map[uint64]subscription
	nextSubID     uint64
	handlers      map[StreamType]StreamHandler
	pending       map[string]pendingLatency

	// mu protects the above fields.
	mu sync.Mutex

	streamListener *streamListener
	packetListener *packetListener

	dialer     *net.Dialer
	packetConn net.PacketConn

	messagesReceived         *atomic.Int64
	latencyRequestsSent      *atomic.Int64
	latencyResponsesReceived *atomic.Int64

	metrics *Metrics
	watcher Watcher
	clock   clock.Clock

	logger log.Logger

	closed     *atomic.Bool
	shutdownCh chan struct{}
}

// New starts the gossip engine using the given listeners, which must be
// bound to the same address.
func New(
	local LocalNode,
	config *Config,
	reg *registry.Registry,
	streamLn net.Listener,
	packetLn net.PacketConn,
	opts ...Option,
) *Gossip {
	options := defaultOptions()
	for _, o := range opts {
		o.apply(&options)
	}

	logger := options.logger.WithSubsystem("gossip")
	logger.Info(
		"starting gossip",
		zap.String("node-id", local.NodeID),
		zap.String("bind-addr", config.BindAddr),
		zap.String("advertise-addr", config.AdvertiseAddr),
	)

	g := &Gossip{
		local:    local,
		config:   config,
		registry: reg,
		failureDetector: newFailureDetector(
			config.AnnounceInterval*2, failureDetectorSampleSize, options.clock,
		),
		seen:                     newSeenCache(),
		candidates:               newCandidates(config.PeerExpiry),
		subscriptions:            make(map[uint64]subscription),
		handlers:                 make(map[StreamType]StreamHandler),
		pending:                  make(map[string]pendingLatency),
		dialer:                   &net.Dialer{Timeout: streamTimeout},
		packetConn:               packetLn,
		messagesReceived:         atomic.NewInt64(0),
		latencyRequestsSent:      atomic.NewInt64(0),
		latencyResponsesReceived: atomic.NewInt64(0),
		metrics:                  options.metrics,
		watcher:                  options.watcher,
		clock:                    options.clock,
		logger:                   logger,
		closed:                   atomic.NewBool(false),
		shutdownCh:               make(chan struct{}),
	}

	g.streamListener = newStreamListener(
		streamLn, g.handleStream, g.metrics, logger,
	)
	go g.streamListener.Serve()

	g.packetListener = newPacketListener(
		packetLn, g.handlePacket, g.metrics, logger.WithSubsystem("gossip.packet"),
	)
	go g.packetListener.Serve()

	g.schedule()

	return g
}

// Address returns the advertised address of the local node.
func (g *Gossip) Address() string {
	return g.config.AdvertiseAddr
}

func (g *Gossip) Stats() Stats {
	return Stats{
		MessagesReceived:         g.messagesReceived.Load(),
		LatencyRequestsSent:      g.latencyRequestsSent.Load(),
		LatencyResponsesReceived: g.latencyResponsesReceived.Load(),
	}
}

// AddCandidate adds an address to announce to until a peer is discovered
// at the address or the candidate expires. Adding an existing candidate
// refreshes it.
func (g *Gossip) AddCandidate(addr string) {
	if addr == "" || addr == g.config.AdvertiseAddr {
		return
	}
	g.candidates.Add(addr, g.clock.Now())
}

// Subscribe registers a handler for verified messages received on the topic.
// The handler must not block. Returns a function to unsubscribe.
func (g *Gossip) Subscribe(topic string, handler func(env Envelope)) func() {
	g.mu.Lock()
	defer g.mu.Unlock()

	id := g.nextSubID
	g.nextSubID++
	g.subscriptions[id] = subscription{
		topic:   topic,
		handler: handler,
	}

	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()

		delete(g.subscriptions, id)
	}
}

// Handle registers a handler for inbound streams of the given type.
func (g *Gossip) Handle(t StreamType, handler StreamHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.handlers[t] = handler
}

// OpenStream opens a stream of the given type to the address.
func (g *Gossip) OpenStream(ctx context.Context, addr string, t StreamType) (*Stream, error) {
	if g.closed.Load() {
		return nil, ErrClosed
	}
	return dialStream(ctx, g.dialer, addr, t, g.metrics)
}

// Announce announces the local node to known peers and candidates, then
// sends the known peers to each peer.
func (g *Gossip) Announce() {
	announcement, err := encodePacket(messageTypeAnnounce, g.announcement())
	if err != nil {
		g.logger.Error("failed to encode announcement", zap.Error(err))
		return
	}

	peers := g.registry.Peers()
	addrs := make(map[string]struct{}, len(peers))
	for _, p := range peers {
		if p.Address == "" {
			continue
		}
		addrs[p.Address] = struct{}{}
		g.send(p.Address, announcement, messageTypeAnnounce)
	}
	for _, addr := range g.candidates.List(g.clock.Now()) {
		if _, ok := addrs[addr]; ok {
			continue
		}
		g.send(addr, announcement, messageTypeAnnounce)
	}

	if len(peers) == 0 {
		return
	}
	peerList, err := encodePacket(messageTypePeerList, g.peerList(peers))
	if err != nil {
		g.logger.Error("failed to encode peer list", zap.Error(err))
		return
	}
	for addr := range addrs {
		g.send(addr, peerList, messageTypePeerList)
	}
}

// Publish signs and sends a message on the topic to every known peer. Peers
// forward the message until the hop limit is reached.
//
// Returns the ID of the published message.
func (g *Gossip) Publish(topic string, payload []byte) (string, error) {
	if g.closed.Load() {
		return "", ErrClosed
	}
	if topic == "" {
		return "", fmt.Errorf("missing topic")
	}

	env := Envelope{
		ID:        uuid.New().String(),
		Topic:     topic,
		From:      g.local.NodeID,
		PublicKey: g.local.KeyPair.PublicKeyHex(),
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
		Hops:      g.config.MaxHops,
	}
	env.Sign(g.local.KeyPair)
	g.seen.MarkSeen(env.ID)

	if err := g.broadcast(&env, ""); err != nil {
		return "", err
	}

	g.logger.Debug(
		"published message",
		zap.String("id", env.ID),
		zap.String("topic", topic),
		zap.Int("size", len(payload)),
	)

	return env.ID, nil
}

// SendLatencyRequest measures the latency to the peer with the given ID. The
// latency is half the measured round trip time.
//
// On success the peer latency is updated and the peer is marked as
// connected. If no response is received within the latency timeout
// errdefs.ErrTimeout is returned and the peer is unchanged.
func (g *Gossip) SendLatencyRequest(ctx context.Context, nodeID string) (time.Duration, error) {
	if g.closed.Load() {
		return 0, ErrClosed
	}

	peer, ok := g.registry.Peer(nodeID)
	if !ok {
		return 0, fmt.Errorf("peer: %s: %w", nodeID, errdefs.ErrNotFound)
	}

	req := LatencyRequest{
		ID:        uuid.New().String(),
		From:      g.local.NodeID,
		PublicKey: g.local.KeyPair.PublicKeyHex(),
		Address:   g.config.AdvertiseAddr,
		Timestamp: time.Now().UnixMilli(),
	}
	req.Sign(g.local.KeyPair)

	b, err := encodePacket(messageTypeLatencyRequest, &req)
	if err != nil {
		return 0, err
	}

	ch := make(chan time.Time, 1)
	g.mu.Lock()
	g.pending[req.ID] = pendingLatency{
		nodeID: nodeID,
		ch:     ch,
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	start := time.Now()
	if err := g.sendNow(peer.Address, b, messageTypeLatencyRequest); err != nil {
		return 0, fmt.Errorf("send: %w", err)
	}
	g.latencyRequestsSent.Inc()

	timer := time.NewTimer(g.config.LatencyTimeout)
	defer timer.Stop()

	select {
	case received := <-ch:
		latency := received.Sub(start) / 2

		g.registry.UpdateLatency(nodeID, latency)
		g.metrics.Latency.Observe(latency.Seconds())
		g.watcher.OnLatency(nodeID, latency)

		g.logger.Debug(
			"measured latency",
			zap.String("node-id", nodeID),
			zap.Duration("latency", latency),
		)

		return latency, nil
	case <-timer.C:
		return 0, fmt.Errorf("latency request: %s: %w", nodeID, errdefs.ErrTimeout)
	case <-ctx.Done():
		return 0, errdefs.Timeout(ctx.Err())
	case <-g.shutdownCh:
		return 0, ErrClosed
	}
}

// Join exchanges announcements and peer lists with the node at the given
// address. The joined node is marked as connected.
//
// Returns the ID of the joined node.
func (g *Gossip) Join(ctx context.Context, addr string) (string, error) {
	s, err := g.OpenStream(ctx, addr, StreamTypeJoin)
	if err != nil {
		return "", err
	}
	defer s.Close()

	if err := s.Encode(g.announcement()); err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	if err := s.Encode(g.peerList(g.registry.Peers())); err != nil {
		return "", fmt.Errorf("encode: %w", err)
	}
	if err := s.Flush(); err != nil {
		return "", fmt.Errorf("flush: %w", err)
	}

	var announcement Announcement
	if err := s.Decode(&announcement); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}
	var peerList PeerList
	if err := s.Decode(&peerList); err != nil {
		return "", fmt.Errorf("decode: %w", err)
	}

	g.messagesReceived.Add(2)
	g.metrics.MessagesInbound.With(messageLabels(messageTypeAnnounce)).Inc()
	g.metrics.MessagesInbound.With(messageLabels(messageTypePeerList)).Inc()

	if announcement.NodeID == g.local.NodeID {
		return "", fmt.Errorf("join: %s: address of the local node", addr)
	}
	if err := g.handleAnnouncement(&announcement, false); err != nil {
		g.metrics.MessagesRejected.With(messageLabels(messageTypeAnnounce)).Inc()
		return "", fmt.Errorf("announcement: %w", err)
	}
	if err := g.handlePeerList(&peerList); err != nil {
		g.metrics.MessagesRejected.With(messageLabels(messageTypePeerList)).Inc()
		g.logger.Warn(
			"join: invalid peer list",
			zap.String("node-id", announcement.NodeID),
			zap.Error(err),
		)
	}

	g.registry.MarkConnected(announcement.NodeID)

	return announcement.NodeID, nil
}

func (g *Gossip) Metrics() *Metrics {
	return g.metrics
}

// Close stops gossiping and closes all listeners.
func (g *Gossip) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		// Already closed.
		return nil
	}

	close(g.shutdownCh)

	var errs error
	if err := g.streamListener.Close(); err != nil {
		errs = errors.Join(errs, err)
	}
	if err := g.packetListener.Close(); err != nil {
		errs = errors.Join(errs, err)
	}
	return errs
}

func (g *Gossip) schedule() {
	go g.scheduleFunc(g.config.AnnounceInterval, func() {
		g.Announce()
		g.sweep()
	})
	go g.scheduleFunc(g.config.ProbeInterval, g.probe)
}

func (g *Gossip) scheduleFunc(interval time.Duration, f func()) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			// Add 10% jitter to avoid nodes synchronising.
			jitterMs := (rand.Int63() % interval.Milliseconds()) / 10
			select {
			case <-time.After(time.Duration(jitterMs) * time.Millisecond):
				f()
			case <-g.shutdownCh:
				return
			}

		case <-g.shutdownCh:
			return
		}
	}
}

// sweep removes expired peers and moves suspected peers back to discovered.
func (g *Gossip) sweep() {
	for _, p := range g.registry.RemoveExpired() {
		g.failureDetector.Remove(p.NodeID)
	}

	for _, p := range g.registry.ConnectedPeers() {
		phi := g.failureDetector.Phi(p.NodeID)
		if phi > suspicionThreshold {
			g.logger.Info(
				"peer suspected",
				zap.String("node-id", p.NodeID),
				zap.Float64("phi", phi),
			)
			g.registry.MarkDiscovered(p.NodeID)
		}
	}
}

// probe measures the latency to a random peer.
func (g *Gossip) probe() {
	peers := g.registry.Peers()
	if len(peers) == 0 {
		return
	}
	peer := peers[rand.Intn(len(peers))]

	ctx, cancel := context.WithTimeout(context.Background(), g.config.LatencyTimeout)
	defer cancel()

	if _, err := g.SendLatencyRequest(ctx, peer.NodeID); err != nil {
		g.logger.Debug(
			"latency probe failed",
			zap.String("node-id", peer.NodeID),
			zap.Error(err),
		)
	}
}

func (g *Gossip) announcement() *Announcement {
	a := &Announcement{
		ID:           uuid.New().String(),
		NodeID:       g.local.NodeID,
		PublicKey:    g.local.KeyPair.PublicKeyHex(),
		Address:      g.config.AdvertiseAddr,
		Region:       g.local.Region,
		Version:      g.local.Version,
		Capabilities: g.local.Capabilities,
		Timestamp:    time.Now().UnixMilli(),
	}
	a.Sign(g.local.KeyPair)
	return a
}

func (g *Gossip) peerList(peers []registry.Peer) *PeerList {
	l := &PeerList{
		NodeID:    g.local.NodeID,
		PublicKey: g.local.KeyPair.PublicKeyHex(),
		Timestamp: time.Now().UnixMilli(),
	}
	for _, p := range peers {
		if p.Address == "" {
			continue
		}
		l.Peers = append(l.Peers, formatPeerEntry(p.NodeID, p.Address))
	}
	l.Sign(g.local.KeyPair)
	return l
}

// broadcast sends the envelope to every peer other than exclude and the
// envelope origin.
func (g *Gossip) broadcast(env *Envelope, exclude string) error {
	b, err := encodePacket(messageTypeGossip, env)
	if err != nil {
		return err
	}
	for _, p := range g.registry.Peers() {
		if p.NodeID == exclude || p.NodeID == env.From || p.Address == "" {
			continue
		}
		g.send(p.Address, b, messageTypeGossip)
	}
	return nil
}

// send sends the packet to addr. Packets larger than the max packet size
// are sent over a stream in the background.
func (g *Gossip) send(addr string, b []byte, t messageType) {
	if len(b) > g.config.MaxPacketSize {
		go func() {
			if err := g.sendStream(addr, b, t); err != nil {
				g.logger.Debug(
					"failed to send packet stream",
					zap.String("addr", addr),
					zap.String("type", t.String()),
					zap.Error(err),
				)
			}
		}()
		return
	}
	if err := g.sendPacket(addr, b, t); err != nil {
		g.logger.Debug(
			"failed to send packet",
			zap.String("addr", addr),
			zap.String("type", t.String()),
			zap.Error(err),
		)
	}
}

// sendNow is the same as send except it waits for a stream send to
// complete and returns any error.
func (g *Gossip) sendNow(addr string, b []byte, t messageType) error {
	if len(b) > g.config.MaxPacketSize {
		return g.sendStream(addr, b, t)
	}
	return g.sendPacket(addr, b, t)
}

func (g *Gossip) sendPacket(addr string, b []byte, t messageType) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return fmt.Errorf("resolve udp: %s: %w", addr, err)
	}
	if _, err = g.packetConn.WriteTo(b, udpAddr); err != nil {
		return fmt.Errorf("write packet: %s: %w", addr, err)
	}

	g.metrics.PacketBytesOutbound.Add(float64(len(b)))
	g.metrics.MessagesOutbound.With(messageLabels(t)).Inc()

	return nil
}

func (g *Gossip) sendStream(addr string, b []byte, t messageType) error {
	if len(b) > maxStreamPacketSize {
		return fmt.Errorf("packet too large: %d: %w", len(b), errdefs.ErrPayloadTooLarge)
	}

	ctx, cancel := context.WithTimeout(context.Background(), streamTimeout)
	defer cancel()

	s, err := g.OpenStream(ctx, addr, StreamTypePacket)
	if err != nil {
		return err
	}
	defer s.Close()

	if _, err := s.w.Write(b); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := s.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	g.metrics.MessagesOutbound.With(messageLabels(t)).Inc()

	return nil
}

func isInternalTopic(topic string) bool {
	return strings.HasPrefix(topic, InternalTopicPrefix)
}
