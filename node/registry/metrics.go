package registry

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Peers is the number of non-expired peers labelled by 'state'.
	Peers *prometheus.GaugeVec

	// Expired is the number of peers evicted after expiring.
	Expired prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Peers: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "flynode",
				Subsystem: "registry",
				Name:      "peers",
				Help:      "Number of known peers",
			},
			[]string{"state"},
		),
		Expired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "registry",
				Name:      "peers_expired_total",
				Help:      "Total number of expired peers",
			},
		),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Peers,
		m.Expired,
	)
}

func prometheusState(s State) prometheus.Labels {
	return prometheus.Labels{"state": s.String()}
}
