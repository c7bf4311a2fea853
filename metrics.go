package gnutella

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the counters and gauges surfaced for operational
// visibility: bytes transferred, query acknowledgements, kept results,
// active queries and sources, and done bytes. Client updates the
// ActiveQueries and ActiveSources gauges; nothing in this repository
// increments the counters.
type Metrics struct {
	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter
	QueryAcks     prometheus.Counter
	KeptResults   prometheus.Counter
	RecvResults   prometheus.Counter
	ActiveQueries prometheus.Gauge
	ActiveSources prometheus.Gauge
	DoneBytes     prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		BytesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gnutella_bytes_sent_total",
			Help: "Total bytes sent over UDP and TCP.",
		}),
		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gnutella_bytes_received_total",
			Help: "Total bytes received over UDP and TCP.",
		}),
		QueryAcks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gnutella_query_acks_total",
			Help: "Total GUESS pong acknowledgements received.",
		}),
		KeptResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gnutella_kept_results_total",
			Help: "Total query hits kept after filtering.",
		}),
		RecvResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gnutella_received_results_total",
			Help: "Total query hits received before filtering.",
		}),
		ActiveQueries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gnutella_active_queries",
			Help: "Number of GuessQuery instances currently running.",
		}),
		ActiveSources: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gnutella_active_sources",
			Help: "Number of download sources currently attached to a FileInfo.",
		}),
		DoneBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gnutella_done_bytes_total",
			Help: "Total bytes marked Done across all FileInfos.",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.BytesSent, m.BytesReceived, m.QueryAcks, m.KeptResults,
			m.RecvResults, m.ActiveQueries, m.ActiveSources, m.DoneBytes,
		)
	}
	return m
}
