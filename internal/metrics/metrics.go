package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcomes for AuthEvents
const (
	OutcomeOK     = "ok"
	OutcomeDenied = "denied"
	OutcomeError  = "error"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolgate_http_requests_total",
		Help: "HTTP requests served, by method, route and status.",
	}, []string{"method", "route", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "schoolgate_http_request_duration_seconds",
		Help:    "Latency of HTTP requests.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "route"})

	AuthEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolgate_auth_events_total",
		Help: "Session lifecycle operations by outcome.",
	}, []string{"operation", "outcome"})

	GateDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolgate_gate_denials_total",
		Help: "Requests denied by the authentication gate.",
	}, []string{"reason"})

	WSTickets = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolgate_ws_tickets_total",
		Help: "WebSocket tickets issued, consumed or rejected.",
	}, []string{"result"})

	EventsConsumed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "schoolgate_events_consumed_total",
		Help: "Bus events handled, by topic and result.",
	}, []string{"topic", "result"})

	SessionsSwept = promauto.NewCounter(prometheus.CounterOpts{
		Name: "schoolgate_sessions_swept_total",
		Help: "Expired sessions deactivated by the sweeper.",
	})
)
