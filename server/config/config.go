package config

import (
	"fmt"
	"time"

	"github.com/spf13/pflag"

	"github.com/cyberfly-io/flynode/node"
	"github.com/cyberfly-io/flynode/pkg/auth"
	"github.com/cyberfly-io/flynode/pkg/log"
)

type APIConfig struct {
	// BindAddr is the address to bind to listen for API requests.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	// Timeout is the maximum duration of a node operation requested by the
	// API.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Auth configures how API clients authenticate. If no verification key
	// is configured, requests are not authenticated.
	Auth auth.Config `json:"auth" yaml:"auth"`

	AccessLog log.AccessLogConfig `json:"access_log" yaml:"access_log"`

	TLS TLSConfig `json:"tls" yaml:"tls"`
}

func (c *APIConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if c.Timeout == 0 {
		return fmt.Errorf("missing timeout")
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

func (c *APIConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"api.bind-addr",
		c.BindAddr,
		`
The host/port to listen for API requests from host applications.

The API can start and stop the node and write data, so it binds to the
loopback interface by default. Configure '--api.auth.*' before exposing it on
other interfaces.`,
	)
	fs.DurationVar(
		&c.Timeout,
		"api.timeout",
		c.Timeout,
		`
The maximum duration of a node operation requested by the API.`,
	)

	c.HTTP.RegisterFlags(fs, "api")
	c.Auth.RegisterFlags(fs, "api")
	c.AccessLog.RegisterFlags(fs, "api")
	c.TLS.RegisterFlags(fs, "api")
}

type AdminConfig struct {
	// BindAddr is the address to bind to listen for admin requests.
	BindAddr string `json:"bind_addr" yaml:"bind_addr"`

	TLS TLSConfig `json:"tls" yaml:"tls"`
}

func (c *AdminConfig) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("missing bind addr")
	}
	if err := c.TLS.Validate(); err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	return nil
}

func (c *AdminConfig) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.BindAddr,
		"admin.bind-addr",
		c.BindAddr,
		`
The host/port to listen for admin requests, which expose the node health,
metrics and status.

If the host is unspecified it defaults to all listeners, such as
'--admin.bind-addr :8102' will listen on '0.0.0.0:8102'.`,
	)

	c.TLS.RegisterFlags(fs, "admin")
}

type Config struct {
	Node  node.Config `json:"node" yaml:"node"`
	API   APIConfig   `json:"api" yaml:"api"`
	Admin AdminConfig `json:"admin" yaml:"admin"`
	Log   log.Config  `json:"log" yaml:"log"`

	// GracePeriod is the duration to gracefully shutdown the node. During
	// the grace period the servers stop accepting requests, wait for active
	// requests to complete, then the node drains and closes its storage.
	GracePeriod time.Duration `json:"grace_period" yaml:"grace_period"`
}

func Default() *Config {
	return &Config{
		Node: node.DefaultConfig(),
		API: APIConfig{
			BindAddr:  "127.0.0.1:8101",
			Timeout:   time.Minute,
			HTTP:      DefaultHTTPConfig(),
			AccessLog: log.DefaultAccessLogConfig(),
		},
		Admin: AdminConfig{
			BindAddr: ":8102",
		},
		Log: log.Config{
			Level: "info",
		},
		GracePeriod: time.Minute,
	}
}

func (c *Config) Validate() error {
	if err := c.Node.Validate(); err != nil {
		return fmt.Errorf("node: %w", err)
	}
	if err := c.API.Validate(); err != nil {
		return fmt.Errorf("api: %w", err)
	}
	if err := c.Admin.Validate(); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := c.Log.Validate(); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	if c.GracePeriod == 0 {
		return fmt.Errorf("missing grace period")
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	c.Node.RegisterFlags(fs)
	c.API.RegisterFlags(fs)
	c.Admin.RegisterFlags(fs)
	c.Log.RegisterFlags(fs)

	fs.DurationVar(
		&c.GracePeriod,
		"grace-period",
		c.GracePeriod,
		`
Maximum duration after a shutdown signal is received (SIGTERM or
SIGINT) to gracefully shutdown the node.`,
	)
}
