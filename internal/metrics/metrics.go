// Package metrics provides Prometheus instrumentation for the ledger engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// LedgerChanges counts committed balance changes by direction and reason.
	LedgerChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_balance_changes_total",
		Help: "Committed debits and credits",
	}, []string{"direction", "reason"})

	// PositionsOpened counts opened positions by side.
	PositionsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_positions_opened_total",
		Help: "Total number of positions opened",
	}, []string{"side"})

	// PositionsClosed counts closed positions by side and outcome
	// (profit, loss, flat, liquidated).
	PositionsClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_positions_closed_total",
		Help: "Total number of positions closed",
	}, []string{"side", "outcome"})

	// PositionLatency tracks open/close/cancel latency.
	PositionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_position_op_latency_seconds",
		Help:    "Position operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ExposureLimitRejections counts opens rejected by the exposure limiter.
	ExposureLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_exposure_limit_rejections_total",
		Help: "Positions rejected by the exposure limiter",
	})

	// InvestmentTransitions counts investment lifecycle transitions.
	InvestmentTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_investment_transitions_total",
		Help: "Investment state transitions",
	}, []string{"to"})

	// SettlementRuns counts settlement batch runs.
	SettlementRuns = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_settlement_runs_total",
		Help: "Settlement batch runs",
	})

	// SettlementItems counts per-investment settlement results.
	SettlementItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_settlement_items_total",
		Help: "Settled and failed investments",
	}, []string{"result"})

	// SettlementDuration tracks batch run duration.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_settlement_duration_seconds",
		Help:    "Settlement batch duration in seconds",
		Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	})

	// NotificationsDropped counts BalanceChanged events dropped because the
	// dispatch queue was full.
	NotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ledger_notifications_dropped_total",
		Help: "BalanceChanged events dropped on a full queue",
	})

	// NotificationFailures counts delivery failures per transport.
	NotificationFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_notification_failures_total",
		Help: "BalanceChanged delivery failures",
	}, []string{"transport"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ledger_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
