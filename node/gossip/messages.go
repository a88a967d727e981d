package gossip

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/pkg/errdefs"
	"github.com/cyberfly-io/flynode/pkg/identity"
)

// Announcement is a signed advertisement of a node's presence.
type Announcement struct {
	ID           string                `codec:"id"`
	NodeID       string                `codec:"node_id"`
	PublicKey    string                `codec:"public_key"`
	Address      string                `codec:"address"`
	Region       string                `codec:"region"`
	Version      string                `codec:"version"`
	Capabilities registry.Capabilities `codec:"capabilities"`
	Timestamp    int64                 `codec:"timestamp"`
	Signature    string                `codec:"signature"`
}

func (a *Announcement) signedMessage() []byte {
	return []byte(strings.Join([]string{
		a.ID,
		a.NodeID,
		strconv.FormatInt(a.Timestamp, 10),
		a.Address,
	}, ":"))
}

func (a *Announcement) Sign(kp *identity.KeyPair) {
	a.Signature = hex.EncodeToString(kp.Sign(a.signedMessage()))
}

// Verify checks the announcement is signed by the key the node ID was
// derived from.
func (a *Announcement) Verify() error {
	return verifySender(a.NodeID, a.PublicKey, a.signedMessage(), a.Signature)
}

func (a *Announcement) Peer() registry.Peer {
	return registry.Peer{
		NodeID:       a.NodeID,
		PublicKey:    a.PublicKey,
		Address:      a.Address,
		Region:       a.Region,
		Version:      a.Version,
		Capabilities: a.Capabilities,
		IsMobile:     a.Capabilities.Mobile,
	}
}

// PeerList is a signed list of the peers known by a node, each formatted as
// '<node ID>@<address>'.
type PeerList struct {
	NodeID    string   `codec:"node_id"`
	PublicKey string   `codec:"public_key"`
	Peers     []string `codec:"peers"`
	Timestamp int64    `codec:"timestamp"`
	Signature string   `codec:"signature"`
}

func (l *PeerList) signedMessage() []byte {
	return []byte(
		l.NodeID + ":" + strconv.FormatInt(l.Timestamp, 10) + ":" + strings.Join(l.Peers, ","),
	)
}

func (l *PeerList) Sign(kp *identity.KeyPair) {
	l.Signature = hex.EncodeToString(kp.Sign(l.signedMessage()))
}

func (l *PeerList) Verify() error {
	return verifySender(l.NodeID, l.PublicKey, l.signedMessage(), l.Signature)
}

func formatPeerEntry(nodeID, addr string) string {
	return nodeID + "@" + addr
}

func parsePeerEntry(s string) (string, string, bool) {
	nodeID, addr, ok := strings.Cut(s, "@")
	if !ok || nodeID == "" || addr == "" {
		return "", "", false
	}
	return nodeID, addr, true
}

// Envelope wraps a message published to a topic.
type Envelope struct {
	ID        string `codec:"id" json:"id"`
	Topic     string `codec:"topic" json:"topic"`
	From      string `codec:"from" json:"from"`
	PublicKey string `codec:"public_key" json:"public_key"`
	Payload   []byte `codec:"payload" json:"payload"`
	Timestamp int64  `codec:"timestamp" json:"timestamp"`
	Signature string `codec:"signature" json:"signature"`

	// Hops is the remaining number of times the envelope is forwarded. It
	// isn't signed as it is updated by each forwarding node.
	Hops int `codec:"hops" json:"-"`
}

func (e *Envelope) signedMessage() []byte {
	prefix := strings.Join([]string{
		e.ID,
		e.Topic,
		e.From,
		strconv.FormatInt(e.Timestamp, 10),
	}, ":") + ":"
	msg := make([]byte, 0, len(prefix)+len(e.Payload))
	msg = append(msg, prefix...)
	return append(msg, e.Payload...)
}

func (e *Envelope) Sign(kp *identity.KeyPair) {
	e.Signature = hex.EncodeToString(kp.Sign(e.signedMessage()))
}

func (e *Envelope) Verify() error {
	return verifySender(e.From, e.PublicKey, e.signedMessage(), e.Signature)
}

// LatencyRequest asks a peer to respond immediately so the round trip time
// can be measured.
type LatencyRequest struct {
	ID        string `codec:"id"`
	From      string `codec:"from"`
	PublicKey string `codec:"public_key"`
	Address   string `codec:"address"`
	Timestamp int64  `codec:"timestamp"`
	Signature string `codec:"signature"`
}

func (r *LatencyRequest) signedMessage() []byte {
	return []byte(r.ID + ":" + r.From + ":" + strconv.FormatInt(r.Timestamp, 10))
}

func (r *LatencyRequest) Sign(kp *identity.KeyPair) {
	r.Signature = hex.EncodeToString(kp.Sign(r.signedMessage()))
}

func (r *LatencyRequest) Verify() error {
	return verifySender(r.From, r.PublicKey, r.signedMessage(), r.Signature)
}

// LatencyResponse echoes the ID of a LatencyRequest.
type LatencyResponse struct {
	RequestID string `codec:"request_id"`
	From      string `codec:"from"`
	PublicKey string `codec:"public_key"`
	Timestamp int64  `codec:"timestamp"`
	Signature string `codec:"signature"`
}

func (r *LatencyResponse) signedMessage() []byte {
	return []byte(r.RequestID + ":" + r.From + ":" + strconv.FormatInt(r.Timestamp, 10))
}

func (r *LatencyResponse) Sign(kp *identity.KeyPair) {
	r.Signature = hex.EncodeToString(kp.Sign(r.signedMessage()))
}

func (r *LatencyResponse) Verify() error {
	return verifySender(r.From, r.PublicKey, r.signedMessage(), r.Signature)
}

// verifySender checks the node ID is derived from the public key and that
// the signature of msg is valid.
func verifySender(nodeID string, publicKey string, msg []byte, signature string) error {
	pub, err := identity.ParsePublicKey(publicKey)
	if err != nil {
		return err
	}
	id, err := identity.PeerIDFromPublicKey(pub)
	if err != nil {
		return err
	}
	if id.String() != nodeID {
		return fmt.Errorf("node id does not match public key: %w", errdefs.ErrUnauthorized)
	}
	if !identity.VerifyHex(publicKey, msg, signature) {
		return errdefs.ErrInvalidSignature
	}
	return nil
}
