// Package metrics provides Prometheus instrumentation for the settlement engine.
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
	// PairsOpened counts pairs created, by category.
	PairsOpened = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_pairs_opened_total",
		Help: "Total number of pairs opened",
	}, []string{"category"})

	// ActivePairs tracks pairs that are not yet finalized or voided.
	ActivePairs = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parimutuel_active_pairs",
		Help: "Number of pairs without a result",
	})

	// StakesTotal counts accepted stakes.
	StakesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "parimutuel_stakes_total",
		Help: "Total number of accepted stakes",
	})

	// StakeVolume accumulates staked raw units per chip.
	StakeVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_stake_volume_total",
		Help: "Cumulative staked amount in raw chip units",
	}, []string{"chip"})

	// VotesTotal counts resolver ballots, by whether they finalized the pair.
	VotesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_votes_total",
		Help: "Total resolver votes cast",
	}, []string{"finalized"})

	// ResolutionsTotal counts pairs leaving the unresolved state, by how.
	ResolutionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_resolutions_total",
		Help: "Pairs finalized, voided or expired",
	}, []string{"outcome"})

	// ClaimsTotal counts successful claims by payout regime.
	ClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_claims_total",
		Help: "Successful claims",
	}, []string{"regime"})

	// PayoutVolume accumulates paid raw units, by kind (claim, creator_fee, vault_sweep).
	PayoutVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_payout_volume_total",
		Help: "Cumulative paid amount in raw chip units",
	}, []string{"kind"})

	// OperationLatency tracks engine operation latency.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parimutuel_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Rejections counts rejected operations by op.
	Rejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_rejections_total",
		Help: "Operations rejected by validation or state checks",
	}, []string{"op"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "parimutuel_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "parimutuel_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "parimutuel_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOp records the latency of op since start.
func ObserveOp(op string, start time.Time) {
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

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
	return h.Hijack()
}
