// Package metrics exposes relay counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is nil-safe: every recorder is a no-op on a nil receiver.
type Metrics struct {
	reg *prometheus.Registry

	cycles         *prometheus.CounterVec
	cycleDuration  prometheus.Histogram
	accountsFailed prometheus.Counter
	dispatchErrors prometheus.Counter
	notifications  *prometheus.CounterVec
	files          *prometheus.CounterVec
	channelErrors  *prometheus.CounterVec
}

// New registers collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tecbrain_cycles_total",
			Help: "Orchestration cycles by result (completed, skipped, aborted).",
		}, []string{"result"}),
		cycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "tecbrain_cycle_duration_seconds",
			Help:    "Wall time of completed orchestration cycles.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		accountsFailed: f.NewCounter(prometheus.CounterOpts{
			Name: "tecbrain_account_fetch_failures_total",
			Help: "Accounts whose notifications could not be fetched.",
		}),
		dispatchErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "tecbrain_dispatch_errors_total",
			Help: "Notifications whose dispatch failed on persisted state.",
		}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tecbrain_notifications_total",
			Help: "Dispatched notifications by kind and outcome (delivered, duplicate, redelivered).",
		}, []string{"kind", "outcome"}),
		files: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tecbrain_files_total",
			Help: "Attachment pipelines by outcome (stored, skipped, failed).",
		}, []string{"outcome"}),
		channelErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "tecbrain_channel_errors_total",
			Help: "Delivery channel failures by action.",
		}, []string{"action"}),
	}
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

func (m *Metrics) Cycle(result string) {
	if m != nil {
		m.cycles.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) CycleDuration(d time.Duration) {
	if m != nil {
		m.cycleDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AccountFailed() {
	if m != nil {
		m.accountsFailed.Inc()
	}
}

func (m *Metrics) DispatchError() {
	if m != nil {
		m.dispatchErrors.Inc()
	}
}

func (m *Metrics) Notification(kind, outcome string) {
	if m != nil {
		m.notifications.WithLabelValues(kind, outcome).Inc()
	}
}

func (m *Metrics) File(outcome string) {
	if m != nil {
		m.files.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) ChannelError(action string) {
	if m != nil {
		m.channelErrors.WithLabelValues(action).Inc()
	}
}
