package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/cyberfly-io/flynode/pkg/log"
)

type ChurnConfig struct {
	// Interval is the duration between replacing a node, or zero to disable
	// churn.
	Interval time.Duration `json:"interval" yaml:"interval"`
}

func (c *ChurnConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.DurationVar(
		&c.Interval,
		"churn.interval",
		c.Interval,
		`
The interval between stopping the oldest node and replacing it with a new one.

If zero the network runs without churn.`,
	)
}

type Config struct {
	// Nodes is the number of nodes in the network.
	Nodes int `json:"nodes" yaml:"nodes"`

	// TLS is whether the node API and admin servers use TLS.
	TLS bool `json:"tls" yaml:"tls"`

	Churn ChurnConfig `json:"churn" yaml:"churn"`

	Log log.Config `json:"log" yaml:"log"`
}

func Default() *Config {
	return &Config{
		Nodes: 3,
		Log: log.Config{
			Level: "info",
		},
	}
}

func (c *Config) Validate() error {
	if c.Nodes < 1 {
		return fmt.Errorf("nodes must be at least 1")
	}
	if c.Churn.Interval < 0 {
		return fmt.Errorf("churn interval must not be negative")
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.IntVar(
		&c.Nodes,
		"nodes",
		c.Nodes,
		`
The number of nodes in the network.`,
	)
	fs.BoolVar(
		&c.TLS,
		"tls",
		c.TLS,
		`
Whether the node API and admin servers use TLS with a generated certificate.`,
	)

	c.Churn.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)
}
