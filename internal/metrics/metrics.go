// Package metrics defines the station's prometheus instruments and the
// HTTP instrumentation middleware.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every station metric. Using a dedicated registry keeps
// the scrape surface free of default-registry noise from dependencies.
var Registry = prometheus.NewRegistry()

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gaspool_http_requests_total",
		Help: "HTTP requests served, by path, method and status code.",
	}, []string{"path", "method", "status"})

	HTTPRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gaspool_http_request_duration_seconds",
		Help:    "HTTP request latency, by path.",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"path"})

	ReservationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gaspool_reservations_total",
		Help: "Gas reservation attempts, by outcome.",
	}, []string{"outcome"})

	ReservedBalanceTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gaspool_reserved_balance_total",
		Help: "Cumulative balance handed out by successful reservations, in nanos.",
	})

	ExecutionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gaspool_executions_total",
		Help: "Transaction executions, by terminal state.",
	}, []string{"state"})

	ExecutionDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gaspool_execution_duration_seconds",
		Help:    "End-to-end latency of execute requests that reached submission.",
		Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
	})

	GasUsedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gaspool_gas_used_total",
		Help: "Gas charged to the sponsor across finalized transactions, in nanos.",
	})

	PoolAvailableCoins = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gaspool_pool_available_coins",
		Help: "Coins currently available for reservation.",
	})

	PoolAvailableBalance = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gaspool_pool_available_balance",
		Help: "Total balance currently available for reservation, in nanos.",
	})

	ActiveReservations = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gaspool_active_reservations",
		Help: "Reservations currently live or executing.",
	})

	ExpiredReservationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gaspool_expired_reservations_total",
		Help: "Reservations reclaimed by the expiry sweeper.",
	})

	ReleasedCoinsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gaspool_released_coins_total",
		Help: "Coins returned to the pool, by release reason.",
	}, []string{"reason"})

	CoinsSplitTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gaspool_coins_split_total",
		Help: "New coins produced by initializer split transactions.",
	})

	InitLockHeld = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gaspool_init_lock_held",
		Help: "Whether this instance currently holds the pool init lock.",
	})

	DailyGasUsage = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gaspool_daily_gas_usage",
		Help: "Gas charged against the sponsor's daily cap window, in nanos.",
	})

	FullnodeRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gaspool_fullnode_requests_total",
		Help: "JSON-RPC calls to the full node, by method and outcome.",
	}, []string{"method", "outcome"})
)

func init() {
	Registry.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ReservationsTotal,
		ReservedBalanceTotal,
		ExecutionsTotal,
		ExecutionDuration,
		GasUsedTotal,
		PoolAvailableCoins,
		PoolAvailableBalance,
		ActiveReservations,
		ExpiredReservationsTotal,
		ReleasedCoinsTotal,
		CoinsSplitTotal,
		InitLockHeld,
		DailyGasUsage,
		FullnodeRequestsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the scrape endpoint for the station registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// knownPaths are the routes recorded verbatim; anything else collapses
// into "other" to keep label cardinality bounded.
var knownPaths = map[string]bool{
	"/":                            true,
	"/version":                     true,
	"/debug_health_check":          true,
	"/v1/reserve_gas":              true,
	"/v1/execute_tx":               true,
	"/v1/reload_access_controller": true,
}

func canonicalPath(p string) string {
	if knownPaths[p] {
		return p
	}
	return "other"
}

// InstrumentHandler records request counts and latency around next.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		path := canonicalPath(r.URL.Path)
		HTTPRequestsTotal.WithLabelValues(path, r.Method, strconv.Itoa(rec.status)).Inc()
		HTTPRequestDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	})
}
