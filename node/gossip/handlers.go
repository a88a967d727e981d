package gossip

import (
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
)

var (
	errReplayed = errors.New("replayed message")
)

// handlePacket handles a packet received either over UDP, in which case
// addr is the sender address, or over a stream, in which case addr is nil.
func (g *Gossip) handlePacket(b []byte, addr net.Addr) error {
	g.messagesReceived.Inc()

	t, body, err := decodePacketHeader(b)
	if err != nil {
		return err
	}
	g.metrics.MessagesInbound.With(messageLabels(t)).Inc()

	if err := g.dispatchPacket(t, body, addr); err != nil {
		g.metrics.MessagesRejected.With(messageLabels(t)).Inc()
		return fmt.Errorf("%s: %w", t, err)
	}
	return nil
}

func (g *Gossip) dispatchPacket(t messageType, body []byte, addr net.Addr) error {
	switch t {
	case messageTypeAnnounce:
		var a Announcement
		if err := decodeBody(body, &a); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		return g.handleAnnouncement(&a, true)
	case messageTypePeerList:
		var l PeerList
		if err := decodeBody(body, &l); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		return g.handlePeerList(&l)
	case messageTypeGossip:
		var env Envelope
		if err := decodeBody(body, &env); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		return g.handleEnvelope(&env)
	case messageTypeLatencyRequest:
		var req LatencyRequest
		if err := decodeBody(body, &req); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		return g.handleLatencyRequest(&req, addr)
	case messageTypeLatencyResponse:
		var resp LatencyResponse
		if err := decodeBody(body, &resp); err != nil {
			return fmt.Errorf("decode: %w", err)
		}
		return g.handleLatencyResponse(&resp)
	default:
		return fmt.Errorf("unsupported message type: %d", t)
	}
}

// handleAnnouncement verifies the announcement and records the announcing
// peer. If reply is true and the peer wasn't known, the local node announces
// itself back so discovery is symmetric.
func (g *Gossip) handleAnnouncement(a *Announcement, reply bool) error {
	if err := identity.ValidateTimestamp(a.Timestamp); err != nil {
		return err
	}
	if a.NodeID == g.local.NodeID {
		return nil
	}
	if g.seen.Seen(a.ID) {
		return errReplayed
	}
	if err := a.Verify(); err != nil {
		return err
	}
	if !g.seen.MarkSeen(a.ID) {
		return errReplayed
	}

	isNew := g.registry.Observe(a.Peer())
	g.failureDetector.Report(a.NodeID)
	g.candidates.Remove(a.Address)

	if isNew && reply && a.Address != "" {
		b, err := encodePacket(messageTypeAnnounce, g.announcement())
		if err != nil {
			return err
		}
		g.send(a.Address, b, messageTypeAnnounce)
	}
	return nil
}

// handlePeerList adds any unknown peers in the list as candidates.
func (g *Gossip) handlePeerList(l *PeerList) error {
	if err := identity.ValidateTimestamp(l.Timestamp); err != nil {
		return err
	}
	if err := l.Verify(); err != nil {
		return err
	}

	if g.registry.Touch(l.NodeID) {
		g.failureDetector.Report(l.NodeID)
	}

	now := g.clock.Now()
	for _, entry := range l.Peers {
		nodeID, addr, ok := parsePeerEntry(entry)
		if !ok || nodeID == g.local.NodeID {
			continue
		}
		if _, known := g.registry.Peer(nodeID); known {
			continue
		}
		if addr == g.config.AdvertiseAddr {
			continue
		}
		g.candidates.Add(addr, now)
	}
	return nil
}

// handleEnvelope delivers a gossip message to local subscribers and forwards
// it to peers until the hop limit is reached. Duplicate messages are
// dropped.
func (g *Gossip) handleEnvelope(env *Envelope) error {
	if err := identity.ValidateTimestamp(env.Timestamp); err != nil {
		return err
	}
	if env.ID == "" || env.Topic == "" {
		return fmt.Errorf("missing id or topic")
	}
	if g.seen.Seen(env.ID) {
		// Duplicates are expected as messages are forwarded by every peer.
		return nil
	}
	if err := env.Verify(); err != nil {
		return err
	}
	if !g.seen.MarkSeen(env.ID) {
		return nil
	}

	if g.registry.Touch(env.From) {
		g.failureDetector.Report(env.From)
	}

	g.logger.Debug(
		"received message",
		zap.String("id", env.ID),
		zap.String("topic", env.Topic),
		zap.String("from", env.From),
		zap.Int("hops", env.Hops),
	)

	g.deliver(*env)

	if env.Hops > 1 {
		forward := *env
		forward.Hops--
		if err := g.broadcast(&forward, ""); err != nil {
			return fmt.Errorf("forward: %w", err)
		}
	}
	return nil
}

func (g *Gossip) deliver(env Envelope) {
	g.mu.Lock()
	var handlers []func(env Envelope)
	for _, sub := range g.subscriptions {
		if sub.topic == env.Topic {
			handlers = append(handlers, sub.handler)
		}
	}
	g.mu.Unlock()

	for _, h := range handlers {
		h(env)
	}
	if !isInternalTopic(env.Topic) {
		g.watcher.OnGossip(env)
	}
}

func (g *Gossip) handleLatencyRequest(req *LatencyRequest, addr net.Addr) error {
	if err := identity.ValidateTimestamp(req.Timestamp); err != nil {
		return err
	}
	if err := req.Verify(); err != nil {
		return err
	}

	if g.registry.Touch(req.From) {
		g.failureDetector.Report(req.From)
	}

	resp := LatencyResponse{
		RequestID: req.ID,
		From:      g.local.NodeID,
		PublicKey: g.local.KeyPair.PublicKeyHex(),
		Timestamp: time.Now().UnixMilli(),
	}
	resp.Sign(g.local.KeyPair)

	b, err := encodePacket(messageTypeLatencyResponse, &resp)
	if err != nil {
		return err
	}

	// Reply to the packet source where known, since the advertised address
	// may not be reachable from this node.
	replyAddr := req.Address
	if addr != nil {
		replyAddr = addr.String()
	}
	if replyAddr == "" {
		return fmt.Errorf("no reply address")
	}
	return g.sendNow(replyAddr, b, messageTypeLatencyResponse)
}

func (g *Gossip) handleLatencyResponse(resp *LatencyResponse) error {
	received := time.Now()

	if err := identity.ValidateTimestamp(resp.Timestamp); err != nil {
		return err
	}
	if err := resp.Verify(); err != nil {
		return err
	}

	g.mu.Lock()
	pending, ok := g.pending[resp.RequestID]
	g.mu.Unlock()
	if !ok {
		// The request already timed out.
		return nil
	}
	if pending.nodeID != resp.From {
		return fmt.Errorf("response from %s, expected %s: %w", resp.From, pending.nodeID, errdefs.ErrUnauthorized)
	}

	g.latencyResponsesReceived.Inc()
	g.failureDetector.Report(resp.From)

	select {
	case pending.ch <- received:
	default:
	}
	return nil
}

// handleStream dispatches an inbound stream by its type.
func (g *Gossip) handleStream(s *Stream) error {
	t, err := s.readHeader()
	if err != nil {
		return err
	}

	switch t {
	case StreamTypeJoin:
		return g.handleJoinStream(s)
	case StreamTypePacket:
		return g.handlePacketStream(s)
	}

	g.mu.Lock()
	handler, ok := g.handlers[t]
	g.mu.Unlock()
	if !ok {
		return fmt.Errorf("unsupported stream type: %d", t)
	}
	return handler(s)
}

func (g *Gossip) handleJoinStream(s *Stream) error {
	var announcement Announcement
	if err := s.Decode(&announcement); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	var peerList PeerList
	if err := s.Decode(&peerList); err != nil {
		return fmt.Errorf("decode: %w", err)
	}

	g.messagesReceived.Add(2)
	g.metrics.MessagesInbound.With(messageLabels(messageTypeAnnounce)).Inc()
	g.metrics.MessagesInbound.With(messageLabels(messageTypePeerList)).Inc()

	if err := g.handleAnnouncement(&announcement, false); err != nil {
		g.metrics.MessagesRejected.With(messageLabels(messageTypeAnnounce)).Inc()
		return fmt.Errorf("announcement: %w", err)
	}
	if err := g.handlePeerList(&peerList); err != nil {
		g.metrics.MessagesRejected.With(messageLabels(messageTypePeerList)).Inc()
		g.logger.Warn(
			"join: invalid peer list",
			zap.String("node-id", announcement.NodeID),
			zap.Error(err),
		)
	}

	if err := s.Encode(g.announcement()); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := s.Encode(g.peerList(g.registry.Peers())); err != nil {
		return fmt.Errorf("encode: %w", err)
	}
	if err := s.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}

	g.registry.MarkConnected(announcement.NodeID)

	g.logger.Info(
		"peer joined",
		zap.String("node-id", announcement.NodeID),
		zap.String("addr", announcement.Address),
	)

	return nil
}

func (g *Gossip) handlePacketStream(s *Stream) error {
	b, err := io.ReadAll(io.LimitReader(s.r, maxStreamPacketSize+1))
	if err != nil {
		return fmt.Errorf("read: %w", err)
	}
	if len(b) > maxStreamPacketSize {
		return fmt.Errorf("packet too large: %w", errdefs.ErrPayloadTooLarge)
	}
	return g.handlePacket(b, nil)
}
