// Package metrics provides Prometheus instrumentation for the connection
// dispatcher.
package metrics

import (
	"context"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ggoodman/httpconnections-go/connections"
)

// DefaultNamespace prefixes every metric name when none is given.
const DefaultNamespace = "httpconnections"

// Metrics holds all collectors. It implements connections.Observer so it can
// be registered directly with a connections.Registry.
type Metrics struct {
	connections.NopObserver

	// Connection metrics
	ConnectionsCreated  prometheus.Counter
	ActiveConnections   *prometheus.GaugeVec
	TotalConnections    *prometheus.CounterVec
	ConnectionDuration  *prometheus.HistogramVec
	ConnectionsReleased *prometheus.CounterVec

	// Request metrics
	RequestsTotal *prometheus.CounterVec
	Polls         *prometheus.CounterVec
	BytesReceived prometheus.Counter
}

// New creates and registers all collectors with reg. A nil reg registers
// with the default Prometheus registerer.
func New(reg prometheus.Registerer, namespace string) *Metrics {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		ConnectionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_created_total",
			Help:      "Total number of connection ids allocated",
		}),
		ActiveConnections: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of live connections with a selected transport",
			},
			[]string{"transport"},
		),
		TotalConnections: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of connections that selected a transport",
			},
			[]string{"transport"},
		),
		ConnectionDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection lifetime in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600, 3600},
			},
			[]string{"transport"},
		),
		ConnectionsReleased: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_removed_total",
				Help:      "Total number of connections disposed and removed",
			},
			[]string{"transport"},
		),
		RequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Total number of HTTP requests handled",
			},
			[]string{"route", "status"},
		),
		Polls: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "polls_total",
				Help:      "Total number of long polls by outcome",
			},
			[]string{"outcome"},
		),
		BytesReceived: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "received_bytes_total",
			Help:      "Total number of bytes received through send requests",
		}),
	}
}

func (m *Metrics) ConnectionCreated(context.Context, *connections.Connection) {
	m.ConnectionsCreated.Inc()
}

func (m *Metrics) TransportSelected(_ context.Context, c *connections.Connection) {
	t := c.Transport().String()
	m.ActiveConnections.WithLabelValues(t).Inc()
	m.TotalConnections.WithLabelValues(t).Inc()
}

func (m *Metrics) ConnectionRemoved(_ context.Context, c *connections.Connection) {
	t := c.Transport()
	m.ConnectionsReleased.WithLabelValues(t.String()).Inc()
	if t == connections.TransportNone {
		return
	}
	m.ActiveConnections.WithLabelValues(t.String()).Dec()
	m.ConnectionDuration.WithLabelValues(t.String()).Observe(time.Since(c.CreatedAt()).Seconds())
}

// ObserveRequest counts one handled HTTP request.
func (m *Metrics) ObserveRequest(route string, status int) {
	m.RequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
}

// ObservePoll counts one finished long poll.
func (m *Metrics) ObservePoll(outcome string) {
	m.Polls.WithLabelValues(outcome).Inc()
}

// ObserveReceived adds n bytes accepted through a send request.
func (m *Metrics) ObserveReceived(n int64) {
	if n > 0 {
		m.BytesReceived.Add(float64(n))
	}
}

var _ connections.Observer = (*Metrics)(nil)
