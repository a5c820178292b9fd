package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Domain metrics
	appendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "appends_total",
			Help: "Total number of append attempts by outcome",
		},
		[]string{"status"},
	)

	eventsStreamedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "events_streamed_total",
			Help: "Total number of events written to selector streams",
		},
	)

	selectorStreamsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "selector_streams_total",
			Help: "Total number of selector stream requests",
		},
		[]string{"kind"},
	)

	ledgersCreatedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ledgers_created_total",
			Help: "Total number of ledgers created",
		},
	)

	sseClientsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_clients_active",
			Help: "Number of connected notification clients",
		},
	)

	subscriptionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "subscriptions_active",
			Help: "Number of live notification subscriptions",
		},
	)

	notificationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifications_dispatched_total",
			Help: "Total number of subscription notifications dispatched",
		},
	)

	// Database metrics
	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "db_connections_active",
			Help: "Number of active database connections",
		},
	)

	dbQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"operation"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware creates HTTP metrics middleware. The chi response wrapper
// is used so streaming handlers keep their http.Flusher.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		httpRequestsInFlight.Inc()
		defer httpRequestsInFlight.Dec()

		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start).Seconds()
		path := routePattern(r)

		httpRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		httpRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// routePattern resolves the matched chi route template, keeping label
// cardinality bounded when paths carry ledger ids or selector tokens.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	if len(r.URL.Path) > 100 {
		return "/..."
	}
	return r.URL.Path
}

// --- Domain metric helpers ---

// RecordAppend records an append attempt outcome.
func RecordAppend(status string) {
	appendsTotal.WithLabelValues(status).Inc()
}

// RecordSelectorStream records a selector stream request.
func RecordSelectorStream(kind string) {
	selectorStreamsTotal.WithLabelValues(kind).Inc()
}

// RecordEventsStreamed records events written to a selector stream.
func RecordEventsStreamed(n int) {
	eventsStreamedTotal.Add(float64(n))
}

// RecordLedgerCreated records a ledger creation.
func RecordLedgerCreated() {
	ledgersCreatedTotal.Inc()
}

// SSEClientConnected tracks a notification client attaching.
func SSEClientConnected() {
	sseClientsActive.Inc()
}

// SSEClientDisconnected tracks a notification client detaching.
func SSEClientDisconnected() {
	sseClientsActive.Dec()
}

// SetSubscriptions records the live subscription count.
func SetSubscriptions(n int) {
	subscriptionsActive.Set(float64(n))
}

// RecordNotifications records dispatched subscription notifications.
func RecordNotifications(n int) {
	notificationsTotal.Add(float64(n))
}

// RecordDBConnections records active database connections
func RecordDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// RecordDBQuery records a database query duration
func RecordDBQuery(operation string, duration time.Duration) {
	dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}
