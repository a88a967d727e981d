package syncer

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Requests is the total number of outbound sync exchanges labelled by
	// 'result'.
	Requests *prometheus.CounterVec

	// Served is the total number of inbound sync requests served.
	Served prometheus.Counter

	// Operations is the total number of received operations labelled by
	// 'result'. The result is 'merged', 'stale' or 'discarded'.
	Operations *prometheus.CounterVec

	// RequestLatency is the duration of outbound sync exchanges.
	RequestLatency prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		Requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "sync",
				Name:      "requests_total",
				Help:      "Total number of outbound sync exchanges",
			},
			[]string{"result"},
		),
		Served: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "sync",
				Name:      "served_total",
				Help:      "Total number of inbound sync requests served",
			},
		),
		Operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "sync",
				Name:      "operations_total",
				Help:      "Total number of received operations",
			},
			[]string{"result"},
		),
		RequestLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "flynode",
				Subsystem: "sync",
				Name:      "request_duration_seconds",
				Help:      "Duration of outbound sync exchanges",
				Buckets:   prometheus.DefBuckets,
			},
		),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Requests,
		m.Served,
		m.Operations,
		m.RequestLatency,
	)
}

func resultLabels(result string) prometheus.Labels {
	return prometheus.Labels{"result": result}
}
