// Package metrics exposes Prometheus collectors for the connection layer.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voltsync/voltsync/pkg/hypervolt"
)

// Metrics holds the collectors for one process. Collectors are labelled by
// charger id so one process can watch several chargers.
type Metrics struct {
	registry *prometheus.Registry

	framesReceived    *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	staleReloads      *prometheus.CounterVec
	tokenRefreshes    *prometheus.CounterVec
	socketConnected   *prometheus.GaugeVec
}

// New builds and registers all collectors on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		framesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltsync_frames_received_total",
				Help: "Inbound websocket frames by classified kind",
			},
			[]string{"charger", "kind"},
		),
		reconnectAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltsync_reconnect_attempts_total",
				Help: "Websocket connection attempts by socket",
			},
			[]string{"charger", "socket"},
		),
		staleReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltsync_stale_reloads_total",
				Help: "Full reloads triggered by socket staleness",
			},
			[]string{"charger"},
		),
		tokenRefreshes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "voltsync_token_refreshes_total",
				Help: "Proactive access token refreshes",
			},
			[]string{"charger"},
		),
		socketConnected: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "voltsync_socket_connected",
				Help: "Whether a websocket is currently connected",
			},
			[]string{"charger", "socket"},
		),
	}
	m.registry.MustRegister(
		m.framesReceived,
		m.reconnectAttempts,
		m.staleReloads,
		m.tokenRefreshes,
		m.socketConnected,
	)
	return m
}

// Hooks returns coordinator hooks that feed these collectors for one
// charger.
func (m *Metrics) Hooks(chargerID string) hypervolt.Hooks {
	return hypervolt.Hooks{
		FrameReceived: func(kind string) {
			m.framesReceived.WithLabelValues(chargerID, kind).Inc()
		},
		ReconnectAttempt: func(socket string) {
			m.reconnectAttempts.WithLabelValues(chargerID, socket).Inc()
		},
		StaleReload: func() {
			m.staleReloads.WithLabelValues(chargerID).Inc()
		},
		TokenRefresh: func() {
			m.tokenRefreshes.WithLabelValues(chargerID).Inc()
		},
		SocketConnected: func(socket string, connected bool) {
			v := 0.0
			if connected {
				v = 1.0
			}
			m.socketConnected.WithLabelValues(chargerID, socket).Set(v)
		},
	}
}

// RegisterLastActivity exposes the age of the most recent inbound frame as
// a gauge. lastActivity returning the zero time reports a zero age.
func (m *Metrics) RegisterLastActivity(chargerID string, lastActivity func() time.Time) {
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name:        "voltsync_last_activity_age_seconds",
			Help:        "Seconds since the last inbound websocket frame",
			ConstLabels: prometheus.Labels{"charger": chargerID},
		},
		func() float64 {
			at := lastActivity()
			if at.IsZero() {
				return 0
			}
			return time.Since(at).Seconds()
		},
	))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
