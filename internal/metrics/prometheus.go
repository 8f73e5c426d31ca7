package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds the Prometheus collectors for the control-plane.
type Registry struct {
	registry *prometheus.Registry

	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec
	RateLimited     *prometheus.CounterVec

	UpstreamDuration *prometheus.HistogramVec
	UpstreamErrors   *prometheus.CounterVec

	ActiveConnections prometheus.Gauge
	MessagesSent      *prometheus.CounterVec
	MessagesDropped   *prometheus.CounterVec

	VenueRequests   *prometheus.CounterVec
	VenueReconnects *prometheus.CounterVec
	VenueHealthy    *prometheus.GaugeVec

	OpportunitiesActive prometheus.Gauge
	ApprovalsTotal      *prometheus.CounterVec
}

// NewRegistry creates and registers all collectors.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courtflow_request_duration_seconds",
				Help:    "Ingress request duration in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "path", "status"},
		),
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtflow_requests_total",
				Help: "Total ingress requests by method, path and status",
			},
			[]string{"method", "path", "status"},
		),
		RateLimited: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtflow_rate_limited_total",
				Help: "Requests rejected by the ingress rate limiter",
			},
			[]string{"class"},
		),
		UpstreamDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "courtflow_upstream_duration_seconds",
				Help:    "Outbound call duration per backend service",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"service"},
		),
		UpstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtflow_upstream_errors_total",
				Help: "Terminal upstream failures by service and kind",
			},
			[]string{"service", "kind"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courtflow_ws_connections",
				Help: "Currently open realtime connections",
			},
		),
		MessagesSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtflow_ws_messages_sent_total",
				Help: "Realtime messages delivered by type",
			},
			[]string{"type"},
		),
		MessagesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtflow_ws_messages_dropped_total",
				Help: "Realtime messages dropped on full send buffers",
			},
			[]string{"type"},
		),
		VenueRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtflow_venue_requests_total",
				Help: "Outbound venue requests by venue and result",
			},
			[]string{"venue", "result"},
		),
		VenueReconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtflow_venue_reconnects_total",
				Help: "Venue stream reconnect attempts",
			},
			[]string{"venue"},
		),
		VenueHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "courtflow_venue_healthy",
				Help: "Venue adapter health (1 healthy, 0 unhealthy)",
			},
			[]string{"venue"},
		),
		OpportunitiesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "courtflow_arbitrage_opportunities_active",
				Help: "Currently tracked arbitrage opportunities",
			},
		),
		ApprovalsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "courtflow_budget_approvals_total",
				Help: "Budget approval outcomes",
			},
			[]string{"outcome"},
		),
	}

	r.registry.MustRegister(
		r.RequestDuration, r.RequestsTotal, r.RateLimited,
		r.UpstreamDuration, r.UpstreamErrors,
		r.ActiveConnections, r.MessagesSent, r.MessagesDropped,
		r.VenueRequests, r.VenueReconnects, r.VenueHealthy,
		r.OpportunitiesActive, r.ApprovalsTotal,
	)
	return r
}

// Handler exposes the registry for scraping.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
