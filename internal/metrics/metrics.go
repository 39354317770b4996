package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics for the trading gateway
var (
	// Order routing metrics
	OrdersRouted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_orders_routed_total",
			Help: "Total number of order requests routed",
		},
		[]string{"broker", "operation", "decision"},
	)

	OrderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gw_order_latency_seconds",
			Help:    "Round-trip time from gateway to broker for order operations",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		},
		[]string{"broker", "operation"},
	)

	PendingOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gw_pending_orders",
			Help: "Orders currently parked in the action center",
		},
	)

	// Auth metrics
	AuthVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_auth_verifications_total",
			Help: "Total API key verifications by outcome",
		},
		[]string{"outcome"},
	)

	AuthCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_auth_cache_hits_total",
			Help: "Auth cache hits by tier (valid/invalid)",
		},
		[]string{"tier"},
	)

	// Rate limiter metrics
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"category"},
	)

	// Streaming proxy metrics
	StreamClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gw_stream_clients",
			Help: "WebSocket clients currently connected",
		},
	)

	StreamSubscriptions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gw_stream_subscriptions",
			Help: "Active client subscriptions by mode",
		},
		[]string{"mode"},
	)

	TicksDelivered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_ticks_delivered_total",
			Help: "Ticks delivered to clients",
		},
		[]string{"mode"},
	)

	TicksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_ticks_dropped_total",
			Help: "Ticks dropped before delivery",
		},
		[]string{"reason"},
	)

	// Broker adapter metrics
	AdapterConnections = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gw_adapter_connections",
			Help: "Upstream broker stream connections (1=connected, 0=disconnected)",
		},
		[]string{"broker"},
	)

	AdapterReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_adapter_reconnects_total",
			Help: "Total broker stream reconnection attempts",
		},
		[]string{"broker"},
	)

	BrokerRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gw_broker_request_duration_seconds",
			Help:    "Time to complete a broker REST call",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"broker", "endpoint"},
	)

	BrokerErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_broker_errors_total",
			Help: "Broker call failures by kind",
		},
		[]string{"broker", "kind"},
	)

	// Bus metrics
	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_bus_published_total",
			Help: "Messages accepted by the tick bus",
		},
		[]string{"broker"},
	)

	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_bus_dropped_total",
			Help: "Messages dropped at the bus high-water mark",
		},
		[]string{"broker"},
	)

	BusPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gw_bus_publish_duration_seconds",
			Help:    "Time to hand a message to the bus transport",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05},
		},
		[]string{"transport"},
	)

	// Symbol registry metrics
	InstrumentsLoaded = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "gw_instruments_loaded",
			Help: "Number of instruments in the registry per broker",
		},
		[]string{"broker"},
	)

	RegistryRefreshDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gw_registry_refresh_duration_seconds",
			Help:    "Time to rebuild the symbol registry",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	RegistryRefreshErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_registry_refresh_errors_total",
			Help: "Symbol registry refresh failures",
		},
		[]string{"broker"},
	)

	// Sandbox metrics
	SandboxFills = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_sandbox_fills_total",
			Help: "Simulated order fills",
		},
		[]string{"order_type"},
	)

	SandboxOpenOrders = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gw_sandbox_open_orders",
			Help: "Open orders awaiting simulated execution",
		},
	)

	SandboxSquareOffs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gw_sandbox_square_offs_total",
			Help: "Positions closed by the square-off scheduler",
		},
		[]string{"exchange"},
	)
)

// Timer is a helper for measuring operation duration
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram
func (t *Timer) ObserveDuration(histogram *prometheus.HistogramVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// RecordAuthVerification records an API key verification outcome
func RecordAuthVerification(outcome string, cached bool) {
	AuthVerifications.WithLabelValues(outcome).Inc()
	if cached {
		AuthCacheHits.WithLabelValues(outcome).Inc()
	}
}

// RecordOrderRouted records an order routing decision
func RecordOrderRouted(broker, operation, decision string) {
	OrdersRouted.WithLabelValues(broker, operation, decision).Inc()
}

// RecordAdapterStatus records broker stream connection status
func RecordAdapterStatus(broker string, connected bool) {
	status := 0.0
	if connected {
		status = 1.0
	}
	AdapterConnections.WithLabelValues(broker).Set(status)
}

// RecordBrokerError records a failed broker call
func RecordBrokerError(broker, kind string) {
	BrokerErrors.WithLabelValues(broker, kind).Inc()
}

// Handler returns the Prometheus scrape handler for mounting on the gateway mux
func Handler() http.Handler {
	return promhttp.Handler()
}
