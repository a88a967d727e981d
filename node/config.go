package node

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"github.com/cyberfly-io/flynode/node/discovery"
	"github.com/cyberfly-io/flynode/node/gossip"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/syncer"
)

type ReconnectConfig struct {
	// MinBackoff is the initial delay before reconnecting to a bootstrap
	// peer.
	MinBackoff time.Duration `json:"min_backoff" yaml:"min_backoff"`

	// MaxBackoff is the maximum delay between reconnect attempts.
	MaxBackoff time.Duration `json:"max_backoff" yaml:"max_backoff"`

	// Budget is the maximum number of connection attempts per budget
	// interval, across all bootstrap peers.
	Budget int `json:"budget" yaml:"budget"`

	BudgetInterval time.Duration `json:"budget_interval" yaml:"budget_interval"`
}

func (c *ReconnectConfig) Validate() error {
	if c.MinBackoff == 0 {
		return fmt.Errorf("missing min backoff")
	}
	if c.MaxBackoff < c.MinBackoff {
		return fmt.Errorf("max backoff must be at least min backoff")
	}
	if c.Budget < 1 {
		return fmt.Errorf("budget must be at least 1")
	}
	if c.BudgetInterval == 0 {
		return fmt.Errorf("missing budget interval")
	}
	return nil
}

func (c *ReconnectConfig) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".reconnect."

	fs.DurationVar(
		&c.MinBackoff,
		prefix+"min-backoff",
		c.MinBackoff,
		`
The initial delay before retrying a bootstrap peer. The delay doubles after
each failed attempt.`,
	)

	fs.DurationVar(
		&c.MaxBackoff,
		prefix+"max-backoff",
		c.MaxBackoff,
		`
The maximum delay between attempts to connect to a bootstrap peer.`,
	)

	fs.IntVar(
		&c.Budget,
		prefix+"budget",
		c.Budget,
		`
The maximum number of bootstrap connection attempts per budget interval.`,
	)

	fs.DurationVar(
		&c.BudgetInterval,
		prefix+"budget-interval",
		c.BudgetInterval,
		`
The interval the connection attempt budget applies to.`,
	)
}

type Config struct {
	// DataDir is the directory containing the node key and storage.
	DataDir string `json:"data_dir" yaml:"data_dir"`

	Region string `json:"region" yaml:"region"`

	// Bootstrap contains the gossip addresses of nodes to join on start.
	Bootstrap []string `json:"bootstrap" yaml:"bootstrap"`

	// Capabilities are the features the node advertises to peers.
	Capabilities []string `json:"capabilities" yaml:"capabilities"`

	// InitialSyncDelay is the delay after starting before requesting a full
	// sync from peers.
	InitialSyncDelay time.Duration `json:"initial_sync_delay" yaml:"initial_sync_delay"`

	// SyncInterval is the interval between delta syncs.
	SyncInterval time.Duration `json:"sync_interval" yaml:"sync_interval"`

	// DrainTimeout is the maximum duration to wait for in-flight operations
	// when stopping.
	DrainTimeout time.Duration `json:"drain_timeout" yaml:"drain_timeout"`

	Gossip    gossip.Config    `json:"gossip" yaml:"gossip"`
	Sync      syncer.Config    `json:"sync" yaml:"sync"`
	Discovery discovery.Config `json:"discovery" yaml:"discovery"`
	Reconnect ReconnectConfig  `json:"reconnect" yaml:"reconnect"`
}

func DefaultConfig() Config {
	return Config{
		DataDir:          "./data",
		InitialSyncDelay: time.Second * 5,
		SyncInterval:     time.Minute,
		DrainTimeout:     time.Second * 10,
		Gossip:           gossip.DefaultConfig(),
		Sync:             syncer.DefaultConfig(),
		Discovery:        discovery.DefaultConfig(),
		Reconnect: ReconnectConfig{
			MinBackoff:     time.Second * 2,
			MaxBackoff:     time.Minute * 5,
			Budget:         8,
			BudgetInterval: time.Second * 30,
		},
	}
}

func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("missing data dir")
	}
	if _, err := parseCapabilities(c.Capabilities); err != nil {
		return err
	}
	if c.SyncInterval == 0 {
		return fmt.Errorf("missing sync interval")
	}
	if err := c.Gossip.Validate(); err != nil {
		return fmt.Errorf("gossip: %w", err)
	}
	if err := c.Sync.Validate(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery: %w", err)
	}
	if err := c.Reconnect.Validate(); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	const prefix = "node"

	fs.StringVar(
		&c.DataDir,
		prefix+".data-dir",
		c.DataDir,
		`
The directory to store the node key and database.

If no secret key is configured the node loads its key from
'<data-dir>/secret_key', generating a new key if none exists.`,
	)

	fs.StringVar(
		&c.Region,
		prefix+".region",
		c.Region,
		`
The region the node is running in, which is advertised to peers.`,
	)

	fs.StringSliceVar(
		&c.Bootstrap,
		prefix+".bootstrap",
		c.Bootstrap,
		`
The gossip addresses of existing nodes to join.

The node keeps retrying each bootstrap address with exponential backoff until
it connects, and reconnects if the peer later expires.`,
	)

	fs.StringSliceVar(
		&c.Capabilities,
		prefix+".capabilities",
		c.Capabilities,
		`
The features the node advertises to peers. Supported capabilities are
'mqtt', 'streams', 'timeseries', 'geo', 'blobs' and 'mobile'.`,
	)

	fs.DurationVar(
		&c.InitialSyncDelay,
		prefix+".initial-sync-delay",
		c.InitialSyncDelay,
		`
The delay after starting before requesting a full sync from peers.`,
	)

	fs.DurationVar(
		&c.SyncInterval,
		prefix+".sync-interval",
		c.SyncInterval,
		`
The interval between requesting operations from peers since the last
received operation.`,
	)

	fs.DurationVar(
		&c.DrainTimeout,
		prefix+".drain-timeout",
		c.DrainTimeout,
		`
The maximum duration to wait for in-flight operations to complete when
stopping the node.`,
	)

	c.Gossip.RegisterFlags(fs, prefix)
	c.Sync.RegisterFlags(fs, prefix)
	c.Discovery.RegisterFlags(fs, prefix)
	c.Reconnect.RegisterFlags(fs, prefix)
}

func parseCapabilities(names []string) (registry.Capabilities, error) {
	var caps registry.Capabilities
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "mqtt":
			caps.MQTT = true
		case "streams":
			caps.Streams = true
		case "timeseries":
			caps.Timeseries = true
		case "geo":
			caps.Geo = true
		case "blobs":
			caps.Blobs = true
		case "mobile":
			caps.Mobile = true
		default:
			return registry.Capabilities{}, fmt.Errorf("unknown capability: %s", name)
		}
	}
	return caps, nil
}
