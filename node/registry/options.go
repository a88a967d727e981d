package registry

import (
	"github.com/benbjohnson/clock"

	"github.com/cyberfly-io/flynode/pkg/log"
)

type options struct {
	metrics *Metrics
	clock   clock.Clock
	watcher Watcher
	logger  log.Logger
}

type Option interface {
	apply(*options)
}

func defaultOptions() options {
	return options{
		metrics: NewMetrics(),
		clock:   clock.New(),
		watcher: &nopWatcher{},
		logger:  log.NewNopLogger(),
	}
}

type clockOption struct {
	Clock clock.Clock
}

func (o clockOption) apply(opts *options) {
	opts.clock = o.Clock
}

// WithClock sets the clock used to track when peers were last seen.
func WithClock(c clock.Clock) Option {
	return clockOption{Clock: c}
}

type watcherOption struct {
	Watcher Watcher
}

func (o watcherOption) apply(opts *options) {
	opts.watcher = o.Watcher
}

func WithWatcher(w Watcher) Option {
	return watcherOption{Watcher: w}
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

type metricsOption struct {
	Metrics *Metrics
}

func (o metricsOption) apply(opts *options) {
	opts.metrics = o.Metrics
}

// WithMetrics sets the metrics to update, so metrics can outlive the
// registry.
func WithMetrics(m *Metrics) Option {
	return metricsOption{Metrics: m}
}
