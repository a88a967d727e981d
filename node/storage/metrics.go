package storage

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// Writes is the number of writes labelled by 'result' (either 'applied'
	// or 'stale') and 'type' (either 'signed' or 'local').
	Writes *prometheus.CounterVec

	// Deletes is the number of deleted entries.
	Deletes prometheus.Counter
}

func NewMetrics() *Metrics {
	return &Metrics{
		Writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "storage",
				Name:      "writes_total",
				Help:      "Total number of entry writes",
			},
			[]string{"result", "type"},
		),
		Deletes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "storage",
				Name:      "deletes_total",
				Help:      "Total number of deleted entries",
			},
		),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.Writes,
		m.Deletes,
	)
}

func writeLabels(e *Entry, result string) prometheus.Labels {
	typ := "signed"
	if e.Local {
		typ = "local"
	}
	return prometheus.Labels{"result": result, "type": typ}
}
