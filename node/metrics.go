package node

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/cyberfly-io/flynode/node/gossip"
	"github.com/cyberfly-io/flynode/node/registry"
	"github.com/cyberfly-io/flynode/node/storage"
	"github.com/cyberfly-io/flynode/node/syncer"
)

// Metrics contains the node metrics along with the metrics of each
// component.
//
// Component metrics are created once per node rather than per start, so they
// can be registered once and survive restarts.
type Metrics struct {
	// Operations is the number of operations labelled by 'op' and 'result'
	// (either 'ok' or the error kind).
	Operations *prometheus.CounterVec

	// Running is 1 if the node is running, otherwise 0.
	Running prometheus.Gauge

	Storage  *storage.Metrics
	Registry *registry.Metrics
	Gossip   *gossip.Metrics
	Syncer   *syncer.Metrics
}

func NewMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "node",
				Name:      "operations_total",
				Help:      "Total number of node operations",
			},
			[]string{"op", "result"},
		),
		Running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "flynode",
				Subsystem: "node",
				Name:      "running",
				Help:      "Whether the node is running",
			},
		),
		Storage:  storage.NewMetrics(),
		Registry: registry.NewMetrics(),
		Gossip:   gossip.NewMetrics(),
		Syncer:   syncer.NewMetrics(),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Operations,
		m.Running,
	)
	m.Storage.Register(reg)
	m.Registry.Register(reg)
	m.Gossip.Register(reg)
	m.Syncer.Register(reg)
}
