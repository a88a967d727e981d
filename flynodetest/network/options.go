package network

import (
	"github.com/cyberfly-io/flynode/pkg/log"
)

type options struct {
	bootstrap []string
	tls       bool
	logger    log.Logger
}

type Option interface {
	apply(*options)
}

type bootstrapOption struct {
	Bootstrap []string
}

func (o bootstrapOption) apply(opts *options) {
	opts.bootstrap = o.Bootstrap
}

// WithBootstrap configures the gossip addresses of the nodes to join.
func WithBootstrap(bootstrap []string) Option {
	return bootstrapOption{Bootstrap: bootstrap}
}

type tlsOption bool

func (o tlsOption) apply(opts *options) {
	opts.tls = bool(o)
}

// WithTLS configures the node API and admin servers to use TLS.
func WithTLS(tls bool) Option {
	return tlsOption(tls)
}

type loggerOption struct {
	Logger log.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.logger = o.Logger
}

// WithLogger configures the logger. Defaults to no output.
func WithLogger(logger log.Logger) Option {
	return loggerOption{Logger: logger}
}
