// Package metrics provides Prometheus instrumentation for the bond engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/atmx/bond-engine/internal/model"
)

var (
	// TradesTotal counts executed pool operations, partitioned by kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bond_trades_total",
		Help: "Total number of pool operations executed",
	}, []string{"kind"})

	// TradeFailures counts rejected or rolled-back pool operations.
	TradeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bond_trade_failures_total",
		Help: "Pool operations that failed and were rolled back",
	}, []string{"kind"})

	// PersistFailures counts executed operations whose pool snapshot or
	// trade event could not be written.
	PersistFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bond_persist_failures_total",
		Help: "Executed pool operations that failed to persist",
	}, []string{"kind"})

	// TradeLatency tracks pool operation latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bond_trade_latency_seconds",
		Help:    "Pool operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"kind"})

	// ActivePools tracks the number of pools served.
	ActivePools = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bond_active_pools",
		Help: "Number of pools currently served",
	})

	// Checkpoints counts checkpoints written by the keeper.
	Checkpoints = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bond_checkpoints_total",
		Help: "Checkpoints applied by the checkpoint keeper",
	}, []string{"pool_id"})

	// ShareReserves, BondReserves, FixedAPR and the outstanding gauges
	// mirror each pool's state after every operation.
	ShareReserves = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bond_share_reserves",
		Help: "Pool share reserves",
	}, []string{"pool_id"})

	BondReserves = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bond_bond_reserves",
		Help: "Pool bond reserves",
	}, []string{"pool_id"})

	FixedAPR = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bond_fixed_apr",
		Help: "Fixed rate implied by pool reserves",
	}, []string{"pool_id"})

	LongsOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bond_longs_outstanding",
		Help: "Bonds held long against the pool",
	}, []string{"pool_id"})

	ShortsOutstanding = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "bond_shorts_outstanding",
		Help: "Bonds shorted against the pool",
	}, []string{"pool_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bond_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// EventsPublished counts events sent to the message bus.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bond_events_published_total",
		Help: "Events published to the message bus",
	}, []string{"kind", "result"})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bond_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bond_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// PositionLimitRejections counts trades rejected by the exposure limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bond_position_limit_rejections_total",
		Help: "Trades rejected by the exposure limiter",
	})

	// PoolVolume tracks cumulative base volume per pool.
	PoolVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bond_pool_volume_total",
		Help: "Cumulative base traded through a pool",
	}, []string{"pool_id", "kind"})
)

// ObservePool publishes a pool's reserves and positions.
func ObservePool(poolID string, info model.PoolInfo) {
	ShareReserves.WithLabelValues(poolID).Set(info.ShareReserves.Decimal().InexactFloat64())
	BondReserves.WithLabelValues(poolID).Set(info.BondReserves.Decimal().InexactFloat64())
	FixedAPR.WithLabelValues(poolID).Set(info.FixedAPR.Decimal().InexactFloat64())
	LongsOutstanding.WithLabelValues(poolID).Set(info.LongsOutstanding.Decimal().InexactFloat64())
	ShortsOutstanding.WithLabelValues(poolID).Set(info.ShortsOutstanding.Decimal().InexactFloat64())
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
