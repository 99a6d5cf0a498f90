// Package metrics provides Prometheus instrumentation for the matching core.
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
	// OrdersSubmitted counts accepted submissions by side and type.
	OrdersSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracbond_orders_submitted_total",
		Help: "Orders accepted by the engine",
	}, []string{"side", "type"})

	// OrdersRejected counts rejected submissions by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracbond_orders_rejected_total",
		Help: "Orders rejected before touching the book",
	}, []string{"reason"})

	OrdersCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fracbond_orders_cancelled_total",
		Help: "Orders cancelled",
	})

	// TradesTotal counts executed trades per bond.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracbond_trades_total",
		Help: "Total number of trades executed",
	}, []string{"bond_id"})

	// BondVolume tracks cumulative traded units per bond.
	BondVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracbond_bond_volume_units_total",
		Help: "Cumulative traded units",
	}, []string{"bond_id"})

	// MatchLatency observes the time one submission holds the bond lock.
	MatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fracbond_match_latency_seconds",
		Help:    "Submission processing latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// RestingOrders tracks orders currently resting in a book.
	RestingOrders = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "fracbond_resting_orders",
		Help: "Orders resting in the book",
	}, []string{"bond_id", "side"})

	// LedgerInconsistencies counts violated ledger invariants. Any non-zero
	// value needs operator attention.
	LedgerInconsistencies = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fracbond_ledger_inconsistencies_total",
		Help: "Ledger invariant violations detected during settlement",
	})

	StorageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracbond_storage_failures_total",
		Help: "Operations aborted because storage was unavailable",
	}, []string{"op"})

	// RiskLimitRejections counts orders rejected by the exposure limiter.
	RiskLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracbond_risk_limit_rejections_total",
		Help: "Orders rejected by exposure limits",
	}, []string{"scope"})

	// EventsDropped counts events a slow subscriber did not receive.
	EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracbond_events_dropped_total",
		Help: "Events dropped for slow subscribers",
	}, []string{"subscriber"})

	// OutboxPending tracks events waiting to be relayed to the broker.
	OutboxPending = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fracbond_outbox_pending",
		Help: "Events in the outbox not yet acknowledged by the broker",
	})

	EventsRelayed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fracbond_events_relayed_total",
		Help: "Events published to the broker",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "fracbond_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fracbond_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "fracbond_http_request_duration_seconds",
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
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, routePattern(r)).Observe(duration)
	})
}

// routePattern returns the matched chi pattern so that path parameters do
// not blow up label cardinality.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
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
