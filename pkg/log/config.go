package log

import (
	"fmt"
	"net/http"

	"github.com/spf13/pflag"
)

type Config struct {
	// Level is the minimum record level to log. Either 'debug', 'info', 'warn'
	// or 'error'.
	Level string `json:"level" yaml:"level"`

	// Subsystems enables debug logging on log records whose 'subsystem'
	// matches one of the given values (overrides `Level`).
	Subsystems []string `json:"subsystems" yaml:"subsystems"`
}

func (c *Config) Validate() error {
	if c.Level == "" {
		return fmt.Errorf("missing level")
	}
	if _, err := zapLevelFromString(c.Level); err != nil {
		return err
	}
	return nil
}

func (c *Config) RegisterFlags(fs *pflag.FlagSet) {
	fs.StringVar(
		&c.Level,
		"log.level",
		c.Level,
		`
Minimum log level to output.

The available levels are 'debug', 'info', 'warn' and 'error'.`,
	)
	fs.StringSliceVar(
		&c.Subsystems,
		"log.subsystems",
		c.Subsystems,
		`
Each log has a 'subsystem' field where the log occured.

'--log.subsystems' enables all log levels for those given subsystems. This
can be useful to debug a particular subsystem without having to enable all
debug logs.

Such as you can enable 'gossip' logs with '--log.subsystems gossip', which
also enables child subsystems such as 'gossip.packet'.`,
	)
}

type AccessLogConfig struct {
	// Enabled logs every request at 'info' level. Otherwise requests are
	// logged at 'debug' level, except server errors which are always logged.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Headers includes request headers in the access log.
	Headers bool `json:"headers" yaml:"headers"`

	// Redact lists headers whose values are never logged.
	Redact []string `json:"redact" yaml:"redact"`
}

func DefaultAccessLogConfig() AccessLogConfig {
	return AccessLogConfig{
		Redact: []string{"Authorization", "X-Flynode-Authorization"},
	}
}

// Filter returns a copy of h with redacted headers removed.
func (c *AccessLogConfig) Filter(h http.Header) http.Header {
	h = h.Clone()
	for _, name := range c.Redact {
		h.Del(name)
	}
	return h
}

func (c *AccessLogConfig) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".access-log."
	fs.BoolVar(
		&c.Enabled,
		prefix+"enabled",
		c.Enabled,
		`
Whether to log every request at 'info' level.`,
	)
	fs.BoolVar(
		&c.Headers,
		prefix+"headers",
		c.Headers,
		`
Whether to include request headers in the access log.`,
	)
	fs.StringSliceVar(
		&c.Redact,
		prefix+"redact",
		c.Redact,
		`
Headers that are never included in the access log.`,
	)
}
