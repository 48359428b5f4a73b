// File: server/metrics.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Prometheus instrumentation for the connection pool.

package server

import (
	"github.com/momentics/hioload-conn/connection"
	"github.com/momentics/hioload-conn/protocol"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	accepted     prometheus.Counter
	rejected     prometheus.Counter
	active       prometheus.Gauge
	pooled       prometheus.Gauge
	bytesRead    prometheus.Counter
	bytesWritten prometheus.Counter
	switches     *prometheus.CounterVec
	closed       *prometheus.CounterVec
}

var _ connection.Observer = (*metrics)(nil)

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		accepted: f.NewCounter(prometheus.CounterOpts{
			Name: "hioload_conn_accepted_total",
			Help: "Total number of accepted connections",
		}),
		rejected: f.NewCounter(prometheus.CounterOpts{
			Name: "hioload_conn_rejected_total",
			Help: "Accepted sockets closed immediately because the connection limit was reached",
		}),
		active: f.NewGauge(prometheus.GaugeOpts{
			Name: "hioload_conn_active",
			Help: "Current number of live connections",
		}),
		pooled: f.NewGauge(prometheus.GaugeOpts{
			Name: "hioload_conn_pooled",
			Help: "Recycled connections held for reuse",
		}),
		bytesRead: f.NewCounter(prometheus.CounterOpts{
			Name: "hioload_conn_bytes_read_total",
			Help: "Bytes read from peers",
		}),
		bytesWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "hioload_conn_bytes_written_total",
			Help: "Bytes written to peers",
		}),
		switches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_conn_protocol_switches_total",
			Help: "Mid-stream protocol switches",
		}, []string{"from", "to"}),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hioload_conn_closed_total",
			Help: "Closed connections by reason",
		}, []string{"reason"}),
	}
}

func (m *metrics) BytesRead(n int)    { m.bytesRead.Add(float64(n)) }
func (m *metrics) BytesWritten(n int) { m.bytesWritten.Add(float64(n)) }
func (m *metrics) Closed(reason string) {
	m.closed.WithLabelValues(reason).Inc()
}

func (m *metrics) Switched(from, to protocol.Kind) {
	m.switches.WithLabelValues(from.String(), to.String()).Inc()
}
