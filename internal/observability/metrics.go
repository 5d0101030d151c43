package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide prometheus collectors. A nil *Metrics is
// valid and turns every observation into a no-op, so components can take
// it as an optional dependency.
type Metrics struct {
	registry *prometheus.Registry

	// Delivery engine.
	Deliveries *prometheus.CounterVec
	Retries    *prometheus.CounterVec
	InFlight   prometheus.Gauge

	// Scheduler.
	JobsArmed prometheus.Gauge
	JobRuns   *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		Deliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbot",
				Subsystem: "mailer",
				Name:      "deliveries_total",
				Help:      "Per-recipient delivery outcomes.",
			},
			[]string{"outcome"},
		),
		Retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbot",
				Subsystem: "mailer",
				Name:      "retries_total",
				Help:      "Send retries by cause.",
			},
			[]string{"cause"},
		),
		InFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "eventbot",
				Subsystem: "mailer",
				Name:      "in_flight_sends",
				Help:      "Sends currently holding the admission gate.",
			},
		),
		JobsArmed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "eventbot",
				Subsystem: "scheduler",
				Name:      "jobs_armed",
				Help:      "One-shot jobs currently armed.",
			},
		),
		JobRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventbot",
				Subsystem: "scheduler",
				Name:      "job_runs_total",
				Help:      "Fired job executions by result.",
			},
			[]string{"status"},
		),
	}
	reg.MustRegister(m.Deliveries, m.Retries, m.InFlight, m.JobsArmed, m.JobRuns)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveDelivery(outcome string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveRetry(cause string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(cause).Inc()
}

func (m *Metrics) SendStarted() {
	if m == nil {
		return
	}
	m.InFlight.Inc()
}

func (m *Metrics) SendFinished() {
	if m == nil {
		return
	}
	m.InFlight.Dec()
}

func (m *Metrics) SetJobsArmed(n int) {
	if m == nil {
		return
	}
	m.JobsArmed.Set(float64(n))
}

func (m *Metrics) ObserveJobRun(status string) {
	if m == nil {
		return
	}
	m.JobRuns.WithLabelValues(status).Inc()
}
