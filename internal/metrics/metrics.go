// Package metrics provides Prometheus instrumentation for the game server.
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
	// OrdersTotal counts order attempts, partitioned by side and outcome.
	OrdersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketgame_orders_total",
		Help: "Total number of orders placed",
	}, []string{"side", "status"})

	// OrderRejections counts rejected orders by reason.
	OrderRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketgame_order_rejections_total",
		Help: "Orders rejected, by reason",
	}, []string{"reason"})

	// OrderLatency tracks order execution latency.
	OrderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketgame_order_latency_seconds",
		Help:    "Order execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// FillConflicts counts fills retried after a version conflict.
	FillConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketgame_fill_conflicts_total",
		Help: "Fills that lost a compare-and-set race and were retried",
	})

	// RoundAdvances counts AdvanceRound calls by outcome
	// (advanced, noop, error).
	RoundAdvances = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketgame_round_advances_total",
		Help: "Round advance attempts by outcome",
	}, []string{"outcome"})

	// ActiveGames tracks the number of live games.
	ActiveGames = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketgame_active_games",
		Help: "Number of currently live games",
	})

	// ScheduledAdvances tracks pending auto-advance timers or jobs.
	ScheduledAdvances = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketgame_scheduled_advances",
		Help: "Number of pending scheduled round advances",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketgame_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// NotificationsDropped counts events a sink could not deliver.
	NotificationsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketgame_notifications_dropped_total",
		Help: "Change notifications dropped, by sink",
	}, []string{"sink"})

	// RateLimited counts requests refused by the per-player limiter.
	RateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketgame_rate_limited_total",
		Help: "Requests refused by the per-player rate limiter",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketgame_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketgame_http_request_duration_seconds",
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

		// Label by route pattern, not raw path, to bound cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
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

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
