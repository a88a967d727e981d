package gossip

import "github.com/prometheus/client_golang/prometheus"

type Metrics struct {
	// MessagesInbound is the total number of received messages labelled by
	// 'type'. Messages are counted before being validated.
	MessagesInbound *prometheus.CounterVec

	// MessagesRejected is the total number of received messages that failed
	// validation labelled by 'type'.
	MessagesRejected *prometheus.CounterVec

	// MessagesOutbound is the total number of sent messages labelled by
	// 'type'.
	MessagesOutbound *prometheus.CounterVec

	// StreamsInbound is the total number of incoming stream connections.
	StreamsInbound prometheus.Counter

	// StreamsOutbound is the total number of outgoing stream connections.
	StreamsOutbound prometheus.Counter

	// StreamBytesInbound is the total number of read bytes via a stream
	// connection.
	StreamBytesInbound prometheus.Counter

	// StreamBytesOutbound is the total number of written bytes via a stream
	// connection.
	StreamBytesOutbound prometheus.Counter

	// PacketBytesInbound is the total number of read bytes via a packet
	// connection.
	PacketBytesInbound prometheus.Counter

	// PacketBytesOutbound is the total number of written bytes via a packet
	// connection.
	PacketBytesOutbound prometheus.Counter

	// Latency is the measured one way latency to peers in seconds.
	Latency prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		MessagesInbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "messages_inbound_total",
				Help:      "Total number of received messages",
			},
			[]string{"type"},
		),
		MessagesRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "messages_rejected_total",
				Help:      "Total number of received messages that failed validation",
			},
			[]string{"type"},
		),
		MessagesOutbound: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "messages_outbound_total",
				Help:      "Total number of sent messages",
			},
			[]string{"type"},
		),
		StreamsInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "streams_inbound_total",
				Help:      "Total number of incoming stream connections",
			},
		),
		StreamsOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "streams_outbound_total",
				Help:      "Total number of outbound stream connections",
			},
		),
		StreamBytesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "stream_bytes_inbound_total",
				Help:      "Total number of read bytes via a stream connection",
			},
		),
		StreamBytesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "stream_bytes_outbound_total",
				Help:      "Total number of written bytes via a stream connection",
			},
		),
		PacketBytesInbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "packet_bytes_inbound_total",
				Help:      "Total number of read bytes via a packet connection",
			},
		),
		PacketBytesOutbound: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "packet_bytes_outbound_total",
				Help:      "Total number of written bytes via a packet connection",
			},
		),
		Latency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "flynode",
				Subsystem: "gossip",
				Name:      "peer_latency_seconds",
				Help:      "Measured one way latency to peers",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
			},
		),
	}
}

func (m *Metrics) Register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.MessagesInbound,
		m.MessagesRejected,
		m.MessagesOutbound,
		m.StreamsInbound,
		m.StreamsOutbound,
		m.StreamBytesInbound,
		m.StreamBytesOutbound,
		m.PacketBytesInbound,
		m.PacketBytesOutbound,
		m.Latency,
	)
}

func messageLabels(t messageType) prometheus.Labels {
	return prometheus.Labels{"type": t.String()}
}
