package gossip

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

type Config struct {
	// BindAddr is the address to bind to listen for gossip traffic. The
	// same port is used for both UDP packets and TCP streams.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// AdvertiseAddr is the address to advertise to other nodes.
	AdvertiseAddr string `json:"advertise_addr" yaml:"advertise_addr"`

	// AnnounceInterval is the rate to announce the node to known peers.
	AnnounceInterval time.Duration `json:"announce_interval" yaml:"announce_interval"`

	// PeerExpiry is the duration after which a peer that hasn't announced
	// itself is considered expired.
	PeerExpiry time.Duration `json:"peer_expiry" yaml:"peer_expiry"`

	// ProbeInterval is the rate to measure the latency to a random peer.
	ProbeInterval time.Duration `json:"probe_interval" yaml:"probe_interval"`

	// LatencyTimeout is the maximum time to wait for a latency response.
	LatencyTimeout time.Duration `json:"latency_timeout" yaml:"latency_timeout"`

	// MaxPacketSize is the maximum size of any UDP packet sent. Larger
	// messages are sent over a stream.
	MaxPacketSize int `json:"max_packet_size" yaml:"max_packet_size"`

	// MaxHops is the number of times a gossip message is forwarded.
	MaxHops int `json:"max_hops" yaml:"max_hops"`
}

func DefaultConfig() Config {
	return Config{
		BindAddr:         ":8100",
		AnnounceInterval: time.Second * 10,
		PeerExpiry:       time.Minute * 5,
		ProbeInterval:    time.Second * 30,
		LatencyTimeout:   time.Second * 5,
		MaxPacketSize:    1400,
		MaxHops:          3,
	}
}

func (c *Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if c.AnnounceInterval == 0 {
		return fmt.Errorf("missing announce interval")
	}
	if c.PeerExpiry == 0 {
		return fmt.Errorf("missing peer expiry")
	}
	if c.PeerExpiry < c.AnnounceInterval {
		return fmt.Errorf("peer expiry must not be less than the announce interval")
	}
	if c.ProbeInterval == 0 {
		return fmt.Errorf("missing probe interval")
	}
	if c.LatencyTimeout == 0 {
		return fmt.Errorf("missing latency timeout")
	}
	if c.MaxPacketSize < minPacketSize {
		return fmt.Errorf("max packet size must be at least %d", minPacketSize)
	}
	if c.MaxHops < 1 {
		return fmt.Errorf("max hops must be at least 1")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".gossip."

	fs.StringVar(
		&c.BindAddr,
		prefix+"bind-addr",
		c.BindAddr,
		`
The host/port to listen for gossip traffic from other nodes.

Both UDP packets and TCP streams use the same port. If the host is unspecified
it defaults to all listeners, such as a bind address ':8100' will listen on
'0.0.0.0:8100'.`,
	)

	fs.StringVar(
		&c.AdvertiseAddr,
		prefix+"advertise-addr",
		c.AdvertiseAddr,
		`
Gossip address to advertise to other nodes. This is the address other nodes
will use to send announcements, gossip and sync requests to the node.

By default, if the bind address includes an IP to bind to that will be used.
If the bind address does not include an IP (such as ':8100') the nodes
private IP will be used.`,
	)

	fs.DurationVar(
		&c.AnnounceInterval,
		prefix+"announce-interval",
		c.AnnounceInterval,
		`
The interval to announce the node to known peers and candidate addresses.

Each round also sends the list of known peers and removes expired peers.`,
	)

	fs.DurationVar(
		&c.PeerExpiry,
		prefix+"peer-expiry",
		c.PeerExpiry,
		`
The duration after which a peer that hasn't been heard from is expired.`,
	)

	fs.DurationVar(
		&c.ProbeInterval,
		prefix+"probe-interval",
		c.ProbeInterval,
		`
The interval to measure the latency to a random known peer.`,
	)

	fs.DurationVar(
		&c.LatencyTimeout,
		prefix+"latency-timeout",
		c.LatencyTimeout,
		`
The maximum time to wait for a latency response before the request fails.`,
	)

	fs.IntVar(
		&c.MaxPacketSize,
		prefix+"max-packet-size",
		c.MaxPacketSize,
		`
The maximum size of any UDP packet sent.

Messages that don't fit in a packet are sent over a TCP stream instead.
Depending on your networks MTU you may be able to increase this.`,
	)

	fs.IntVar(
		&c.MaxHops,
		prefix+"max-hops",
		c.MaxHops,
		`
The number of hops a gossip message travels before it is no longer
forwarded.`,
	)
}
