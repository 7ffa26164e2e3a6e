// Package metrics provides Prometheus instrumentation for the market engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts executed trades, partitioned by type
	// (BUY/SELL/REFUND/SETTLE/ADJUST/CANCEL).
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketcore_trades_total",
		Help: "Total number of market trades recorded",
	}, []string{"type"})

	// OrdersPlaced counts accepted limit orders by side.
	OrdersPlaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketcore_orders_placed_total",
		Help: "Total limit orders accepted",
	}, []string{"side"})

	// OrdersRejected counts rejected orders and buys by reason.
	OrdersRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketcore_orders_rejected_total",
		Help: "Orders and buys rejected by validation",
	}, []string{"reason"})

	// MatchFills counts individual fills produced by the matching engine.
	MatchFills = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketcore_match_fills_total",
		Help: "Fills produced by the matching engine",
	})

	// MatchLatency tracks one matching sweep's duration.
	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketcore_match_sweep_seconds",
		Help:    "Matching sweep duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// StaleQuotes counts instant buys returned as re-quotes instead of
	// executing.
	StaleQuotes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketcore_stale_quotes_total",
		Help: "Instant buys declined due to stale quotes",
	})

	// OpenMarkets tracks the number of currently open markets.
	OpenMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "marketcore_open_markets",
		Help: "Number of currently open markets",
	})

	// SettlementPayouts counts settlement payout legs.
	SettlementPayouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketcore_settlement_payouts_total",
		Help: "Settlement payout transfers executed",
	})

	// ExpiredOrders counts orders expired by the sweep.
	ExpiredOrders = promauto.NewCounter(prometheus.CounterOpts{
		Name: "marketcore_expired_orders_total",
		Help: "Limit orders expired by the sweep",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "marketcore_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "marketcore_http_request_duration_seconds",
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

		// Use the raw path for the label; the API surface is small enough
		// that cardinality stays bounded.
		path := r.URL.Path
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
