package registry

import (
	"fmt"
	"time"
)

type State int

const (
	// StateDiscovered means a peer has announced itself but no direct
	// exchange with the peer has completed.
	StateDiscovered State = iota + 1
	// StateConnected means a direct exchange with the peer completed.
	StateConnected
	// StateExpired means the peer hasn't been seen within the expiry window.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateDiscovered:
		return "discovered"
	case StateConnected:
		return "connected"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "discovered":
		*s = StateDiscovered
	case "connected":
		*s = StateConnected
	case "expired":
		*s = StateExpired
	default:
		return fmt.Errorf("unknown state: %s", string(b))
	}
	return nil
}

// Capabilities are the features a peer advertises.
type Capabilities struct {
	MQTT       bool `codec:"mqtt" json:"mqtt"`
	Streams    bool `codec:"streams" json:"streams"`
	Timeseries bool `codec:"timeseries" json:"timeseries"`
	Geo        bool `codec:"geo" json:"geo"`
	Blobs      bool `codec:"blobs" json:"blobs"`
	Mobile     bool `codec:"mobile" json:"mobile"`
}

// Peer contains the known state of a remote node.
type Peer struct {
	NodeID       string       `json:"node_id"`
	PublicKey    string       `json:"public_key"`
	Address      string       `json:"address"`
	Region       string       `json:"region,omitempty"`
	Version      string       `json:"version,omitempty"`
	Capabilities Capabilities `json:"capabilities"`

	// LatencyMs is the last measured latency to the peer, or nil if the
	// latency has never been measured.
	LatencyMs *int64 `json:"latency_ms,omitempty"`
	IsMobile  bool   `json:"is_mobile"`

	State     State     `json:"state"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

func (p *Peer) copy() Peer {
	c := *p
	if p.LatencyMs != nil {
		latency := *p.LatencyMs
		c.LatencyMs = &latency
	}
	return c
}
