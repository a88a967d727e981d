package syncer

import (
	"github.com/cyberfly-io/flynode/pkg/log"
)

type options struct {
	metrics *Metrics
	watcher Watcher
	logger  log.Logger
}

type Option interface {
	apply(*options)
}

func defaultOptions() options {
	return options{
		metrics: NewMetrics(),
		watcher: &nopWatcher{},
		logger:  log.NewNopLogger(),
	}
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
