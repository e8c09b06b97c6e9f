package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the application.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics.
type Metrics struct {
	// Solana RPC Metrics
	solanaRPCCallsTotal        *prometheus.CounterVec
	solanaRPCCallDuration      *prometheus.HistogramVec
	solanaRPCRateLimitHits     *prometheus.CounterVec
	solanaRPCRetries           *prometheus.CounterVec
	solanaRPCSignaturesPerCall *prometheus.HistogramVec

	// Payment watch metrics
	watchesTotal          *prometheus.CounterVec
	watchCycles           *prometheus.HistogramVec
	watchTransactionsSeen *prometheus.CounterVec

	// Raffle metrics
	eligibilityChecksTotal *prometheus.CounterVec
	purchasesTotal         *prometheus.CounterVec
	ticketsSoldTotal       prometheus.Counter
	jackpotLamports        prometheus.Gauge
	resolutionsTotal       *prometheus.CounterVec

	// Activity Metrics
	activityDuration *prometheus.HistogramVec

	// Database Metrics
	dbQueryDuration   *prometheus.HistogramVec
	dbOperationsTotal *prometheus.CounterVec

	// HTTP Metrics
	httpRequestDuration *prometheus.HistogramVec
	httpRequestsTotal   *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec
	natsPublishDuration   *prometheus.HistogramVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Solana RPC Metrics
		solanaRPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by method and status",
			},
			[]string{"method", "status", "endpoint"},
		),
		solanaRPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
			},
			[]string{"method", "endpoint"},
		),
		solanaRPCRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of Solana RPC rate limit hits (429 errors)",
			},
			[]string{"endpoint"},
		),
		solanaRPCRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of Solana RPC retry attempts",
			},
			[]string{"method", "reason"},
		),
		solanaRPCSignaturesPerCall: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_signatures_per_call",
				Help:    "Number of signatures fetched per GetSignaturesForAddress call",
				Buckets: []float64{1, 10, 50, 100, 250, 500, 1000},
			},
			[]string{"endpoint"},
		),

		// Payment watch metrics
		watchesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raffle_payment_watches_total",
				Help: "Total number of payment watches by outcome",
			},
			[]string{"outcome"},
		),
		watchCycles: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "raffle_payment_watch_cycles",
				Help:    "Number of polling cycles a payment watch ran before finishing",
				Buckets: []float64{0, 1, 2, 5, 10, 20, 30},
			},
			[]string{"outcome"},
		),
		watchTransactionsSeen: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raffle_payment_watch_transactions_total",
				Help: "Transactions inspected by payment watches, by result",
			},
			[]string{"result"},
		),

		// Raffle metrics
		eligibilityChecksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raffle_eligibility_checks_total",
				Help: "Total number of eligibility checks by status",
			},
			[]string{"status"},
		),
		purchasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raffle_purchases_total",
				Help: "Total number of ticket purchase attempts by status",
			},
			[]string{"status"},
		),
		ticketsSoldTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "raffle_tickets_sold_total",
				Help: "Total number of tickets sold",
			},
		),
		jackpotLamports: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "raffle_jackpot_lamports",
				Help: "Current jackpot of the active round in lamports",
			},
		),
		resolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "raffle_resolutions_total",
				Help: "Total number of round resolution attempts by status",
			},
			[]string{"status"},
		),

		// Activity Metrics
		activityDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "activity_duration_seconds",
				Help:    "Duration of activities in seconds",
				Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
			},
			[]string{"activity", "status"},
		),

		// Database Metrics
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "db_query_duration_seconds",
				Help:    "Duration of database queries in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
			},
			[]string{"operation", "table"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of database operations",
			},
			[]string{"operation", "status"},
		),

		// HTTP Metrics
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"handler", "method", "status"},
		),
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"handler", "method", "status"},
		),

		// NATS Metrics
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		natsPublishDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nats_publish_duration_seconds",
				Help:    "Duration of NATS publish operations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
			},
			[]string{"subject"},
		),
	}
}

// Solana RPC metric helpers

// RecordRPCCall records a Solana RPC call with duration.
func (m *Metrics) RecordRPCCall(method, status, endpoint string, duration float64) {
	m.solanaRPCCallsTotal.WithLabelValues(method, status, endpoint).Inc()
	m.solanaRPCCallDuration.WithLabelValues(method, endpoint).Observe(duration)
}

// RecordRateLimitHit records a rate limit hit (429 error).
func (m *Metrics) RecordRateLimitHit(endpoint string) {
	m.solanaRPCRateLimitHits.WithLabelValues(endpoint).Inc()
}

// RecordRPCRetry records a retry attempt.
func (m *Metrics) RecordRPCRetry(method, reason string) {
	m.solanaRPCRetries.WithLabelValues(method, reason).Inc()
}

// RecordRPCSignaturesPerCall records the number of signatures fetched.
func (m *Metrics) RecordRPCSignaturesPerCall(endpoint string, count float64) {
	m.solanaRPCSignaturesPerCall.WithLabelValues(endpoint).Observe(count)
}

// Payment watch metric helpers

// RecordWatch records a finished payment watch and how many cycles it ran.
func (m *Metrics) RecordWatch(outcome string, cycles int) {
	m.watchesTotal.WithLabelValues(outcome).Inc()
	m.watchCycles.WithLabelValues(outcome).Observe(float64(cycles))
}

// RecordWatchTransaction records one inspected transaction.
func (m *Metrics) RecordWatchTransaction(result string) {
	m.watchTransactionsSeen.WithLabelValues(result).Inc()
}

// Raffle metric helpers

// RecordEligibilityCheck records the outcome of an eligibility check.
func (m *Metrics) RecordEligibilityCheck(status string) {
	m.eligibilityChecksTotal.WithLabelValues(status).Inc()
}

// RecordPurchase records a purchase attempt and, on success, the tickets sold.
func (m *Metrics) RecordPurchase(status string, tickets uint64) {
	m.purchasesTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.ticketsSoldTotal.Add(float64(tickets))
	}
}

// SetJackpot records the current jackpot.
func (m *Metrics) SetJackpot(lamports uint64) {
	m.jackpotLamports.Set(float64(lamports))
}

// RecordResolution records a round resolution attempt.
func (m *Metrics) RecordResolution(status string) {
	m.resolutionsTotal.WithLabelValues(status).Inc()
}

// Activity metric helpers

// RecordActivityDuration records activity execution duration.
func (m *Metrics) RecordActivityDuration(activity, status string, duration float64) {
	m.activityDuration.WithLabelValues(activity, status).Observe(duration)
}

// Database metric helpers

// RecordDBQuery records a database query with duration.
func (m *Metrics) RecordDBQuery(operation, table string, duration float64, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration)
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}

// HTTP metric helpers

// RecordHTTPRequest records an HTTP request with duration.
func (m *Metrics) RecordHTTPRequest(handler, method string, statusCode int, duration float64) {
	status := statusCodeToString(statusCode)
	m.httpRequestDuration.WithLabelValues(handler, method, status).Observe(duration)
	m.httpRequestsTotal.WithLabelValues(handler, method, status).Inc()
}

// NATS metric helpers

// RecordNATSPublish records a NATS publish operation.
func (m *Metrics) RecordNATSPublish(subject, status string, duration float64) {
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
	m.natsPublishDuration.WithLabelValues(subject).Observe(duration)
}

// Helper functions

func statusCodeToString(code int) string {
	// Group status codes by class
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "unknown"
	}
}
