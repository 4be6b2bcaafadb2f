// Package metrics exposes Prometheus instrumentation for the console's
// transport and live feeds. Each Metrics owns its registry so several consoles
// (or tests) can coexist in one process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "backupdesk"

// Metrics holds the console collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	RequestCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ActiveFeeds     *prometheus.GaugeVec
	Fallbacks       prometheus.Counter
	Reconnects      *prometheus.CounterVec
	Logouts         *prometheus.CounterVec
	Credential      prometheus.Gauge

	registry *prometheus.Registry
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		ActiveFeeds: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "active_feeds",
				Help:      "Number of live feeds by transport mode",
			},
			[]string{"mode"},
		),
		Fallbacks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "poll_fallbacks_total",
				Help:      "Push feeds that degraded to polling",
			},
		),
		Reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "stream",
				Name:      "reconnects_total",
				Help:      "Push reconnect attempts by feed kind",
			},
			[]string{"feed"},
		),
		Logouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "logouts_total",
				Help:      "Session terminations by reason",
			},
			[]string{"reason"},
		),
		Credential: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "session",
				Name:      "credential_present",
				Help:      "1 while a credential is held, 0 otherwise",
			},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.RequestCount,
		m.RequestDuration,
		m.ActiveFeeds,
		m.Fallbacks,
		m.Reconnects,
		m.Logouts,
		m.Credential,
	)

	return m
}

// Registry returns the registry the collectors live in
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one completed API call. status 0 means no response.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestCount.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// FeedOpened increments the active feed gauge for mode
func (m *Metrics) FeedOpened(mode string) {
	if m == nil {
		return
	}
	m.ActiveFeeds.WithLabelValues(mode).Inc()
}

// FeedClosed decrements the active feed gauge for mode
func (m *Metrics) FeedClosed(mode string) {
	if m == nil {
		return
	}
	m.ActiveFeeds.WithLabelValues(mode).Dec()
}

// Fallback counts a push-to-poll degradation
func (m *Metrics) Fallback() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}

// Reconnect counts a push reconnect attempt for the given feed kind
func (m *Metrics) Reconnect(feed string) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(feed).Inc()
}

// Logout counts a session termination
func (m *Metrics) Logout(reason string) {
	if m == nil {
		return
	}
	m.Logouts.WithLabelValues(reason).Inc()
}

// CredentialHeld records whether a credential is currently held
func (m *Metrics) CredentialHeld(held bool) {
	if m == nil {
		return
	}
	if held {
		m.Credential.Set(1)
		return
	}
	m.Credential.Set(0)
}
