package discovery

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"
)

const (
	DefaultService = "_flynode._udp"
	DefaultDomain  = "local."
)

type Config struct {
	// MDNS enables advertising and discovering nodes on the local network.
	MDNS bool `json:"mdns" yaml:"mdns"`

	// Service is the mDNS service type nodes advertise.
	Service string `json:"service" yaml:"service"`

	// Domain is the mDNS domain.
	Domain string `json:"domain" yaml:"domain"`

	// Interval is the interval between scans.
	Interval time.Duration `json:"interval" yaml:"interval"`

	// ScanTimeout is how long each scan collects responses for.
	ScanTimeout time.Duration `json:"scan_timeout" yaml:"scan_timeout"`
}

func DefaultConfig() Config {
	return Config{
		MDNS:        false,
		Service:     DefaultService,
		Domain:      DefaultDomain,
		Interval:    time.Second * 10,
		ScanTimeout: time.Second * 3,
	}
}

func (c *Config) Validate() error {
	if !c.MDNS {
		return nil
	}
	if c.Service == "" {
		return fmt.Errorf("missing service")
	}
	if c.Domain == "" {
		return fmt.Errorf("missing domain")
	}
	if c.Interval == 0 {
		return fmt.Errorf("missing interval")
	}
	if c.ScanTimeout == 0 {
		return fmt.Errorf("missing scan timeout")
	}
	if c.ScanTimeout > c.Interval {
		return fmt.Errorf("scan timeout must not exceed interval")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".discovery."

	fs.BoolVar(
		&c.MDNS,
		prefix+"mdns",
		c.MDNS,
		`
Whether to discover other nodes on the local network using mDNS.

When enabled the node advertises its gossip port and adds any nodes it finds
as announcement candidates.`,
	)

	fs.StringVar(
		&c.Service,
		prefix+"service",
		c.Service,
		`
The mDNS service type to advertise and browse.`,
	)

	fs.StringVar(
		&c.Domain,
		prefix+"domain",
		c.Domain,
		`
The mDNS domain to advertise and browse.`,
	)

	fs.DurationVar(
		&c.Interval,
		prefix+"interval",
		c.Interval,
		`
The interval between mDNS scans.`,
	)

	fs.DurationVar(
		&c.ScanTimeout,
		prefix+"scan-timeout",
		c.ScanTimeout,
		`
How long each mDNS scan waits for responses.`,
	)
}
