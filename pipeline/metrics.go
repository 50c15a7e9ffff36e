// ABOUTME: Prometheus collectors for the gateway: study counters, send counters,
// ABOUTME: destination availability gauge, and retry queue depth.
package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the gateway's collectors, registered on one registry.
type Metrics struct {
	StudiesReceived  *prometheus.CounterVec
	StudiesCompleted *prometheus.CounterVec
	StudiesFailed    *prometheus.CounterVec
	SendAttempts     *prometheus.CounterVec
	SendFailures     *prometheus.CounterVec
	Availability     *prometheus.GaugeVec
	RetryQueueDepth  prometheus.Gauge
}

// NewMetrics builds and registers the collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		StudiesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomgate_studies_received_total",
			Help: "Studies whose quiescence window completed, per route.",
		}, []string{"ae"}),
		StudiesCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomgate_studies_completed_total",
			Help: "Studies reaching a terminal completed state, per route.",
		}, []string{"ae"}),
		StudiesFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomgate_studies_failed_total",
			Help: "Studies reaching a terminal failed or rejected state, per route.",
		}, []string{"ae"}),
		SendAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomgate_send_attempts_total",
			Help: "Adapter send invocations, per destination.",
		}, []string{"destination"}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dicomgate_send_failures_total",
			Help: "Adapter send invocations that returned an error, per destination.",
		}, []string{"destination"}),
		Availability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dicomgate_destination_available",
			Help: "1 when the destination's last health probe succeeded.",
		}, []string{"destination"}),
		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "dicomgate_retry_queue_depth",
			Help: "Tasks currently waiting in the retry queue.",
		}),
	}
	reg.MustRegister(m.StudiesReceived, m.StudiesCompleted, m.StudiesFailed,
		m.SendAttempts, m.SendFailures, m.Availability, m.RetryQueueDepth)
	return m
}
