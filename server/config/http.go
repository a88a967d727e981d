package config

import (
	"time"

	"github.com/spf13/pflag"
)

// HTTPConfig contains generic configuration for the HTTP servers.
type HTTPConfig struct {
	// ReadTimeout is the maximum duration for reading the entire
	// request, including the body. A zero or negative value means
	// there will be no timeout.
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// ReadHeaderTimeout is the amount of time allowed to read
	// request headers.
	ReadHeaderTimeout time.Duration `json:"read_header_timeout" yaml:"read_header_timeout"`

	// IdleTimeout is the maximum amount of time to wait for the
	// next request when keep-alives are enabled.
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`

	// MaxHeaderBytes controls the maximum number of bytes the
	// server will read parsing the request header's keys and
	// values, including the request line.
	MaxHeaderBytes int `json:"max_header_bytes" yaml:"max_header_bytes"`
}

func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		ReadTimeout:       time.Second * 10,
		ReadHeaderTimeout: time.Second * 10,
		IdleTimeout:       time.Minute * 5,
		MaxHeaderBytes:    1 << 20,
	}
}

// RegisterFlags registers the flags. There is no write timeout as event and
// entry streams are long lived.
func (c *HTTPConfig) RegisterFlags(fs *pflag.FlagSet, prefix string) {
	prefix = prefix + ".http."

	fs.DurationVar(
		&c.ReadTimeout,
		prefix+"read-timeout",
		c.ReadTimeout,
		`
The maximum duration for reading the entire request, including the body. A
zero or negative value means there will be no timeout.`,
	)
	fs.DurationVar(
		&c.ReadHeaderTimeout,
		prefix+"read-header-timeout",
		c.ReadHeaderTimeout,
		`
The maximum duration for reading the request headers. If zero,
the read timeout is used.`,
	)
	fs.DurationVar(
		&c.IdleTimeout,
		prefix+"idle-timeout",
		c.IdleTimeout,
		`
The maximum amount of time to wait for the next request when keep-alives are
enabled.`,
	)
	fs.IntVar(
		&c.MaxHeaderBytes,
		prefix+"max-header-bytes",
		c.MaxHeaderBytes,
		`
The maximum number of bytes the server will read parsing the request header's
keys and values, including the request line.`,
	)
}
