package node

import (
	"github.com/cyberfly-io/flynode/pkg/build"
	"github.com/cyberfly-io/flynode/pkg/log"
)

type options struct {
	version string
	metrics *Metrics
	logger  log.Logger
}

type Option interface {
	apply(*options)
}

func defaultOptions() options {
	return options{
		version: build.Version,
		metrics: NewMetrics(),
		logger:  log.NewNopLogger(),
	}
}

type versionOption string

func (o versionOption) apply(opts *options) {
	opts.version = string(o)
}

// WithVersion sets the version the node advertises to peers.
func WithVersion(version string) Option {
	return versionOption(version)
}

type metricsOption struct {
	Metrics *Metrics
}

func (o metricsOption) apply(opts *options) {
	opts.metrics = o.Metrics
}

func WithMetrics(m *Metrics) Option {
	return metricsOption{Metrics: m}
}

type loggerOption struct {
	Logger log.Logger
}

func (o loggerOption) apply(opts *options) {
	opts.logger = o.Logger
}

func WithLogger(l log.Logger) Option {
	return loggerOption{Logger: l}
}
