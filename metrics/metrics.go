// Package metrics provides Prometheus instrumentation for asap agents.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "asap"

var (
	// requestDuration is a histogram of server-side JSON-RPC request duration.
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Histogram of JSON-RPC request handling duration in seconds",
			Buckets:   prometheus.DefBuckets, // .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10
		},
		[]string{"method"},
	)

	// requestsTotal is a counter of served JSON-RPC requests.
	requestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of JSON-RPC requests served",
		},
		[]string{"method", "status"}, // status: success, error
	)

	// dispatchDuration is a histogram of handler execution duration.
	dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Duration of envelope handler execution in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"payload_type"},
	)

	// dispatchesTotal is a counter of handler dispatches.
	dispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Total number of envelope handler dispatches",
		},
		[]string{"payload_type", "status"}, // status: success, error, panic
	)

	// clientSendDuration is a histogram of outbound send duration including retries.
	clientSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "client_send_duration_seconds",
			Help:      "Duration of outbound envelope sends in seconds, retries included",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"payload_type"},
	)

	// clientSendsTotal is a counter of outbound envelope sends.
	clientSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_sends_total",
			Help:      "Total number of outbound envelope sends",
		},
		[]string{"payload_type", "status"}, // status: success, error, circuit_open
	)

	// retriesTotal is a counter of retry attempts by cause.
	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total number of retry attempts",
		},
		[]string{"reason"}, // reason: status_5xx, status_429, network
	)

	// breakerTransitionsTotal is a counter of circuit breaker state transitions.
	breakerTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_transitions_total",
			Help:      "Total number of circuit breaker state transitions",
		},
		[]string{"state"}, // state entered: CLOSED, OPEN, HALF_OPEN
	)

	// wsReconnectsTotal is a counter of WebSocket reconnection attempts.
	wsReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_reconnects_total",
			Help:      "Total number of WebSocket reconnection attempts",
		},
	)

	// wsAcksPending is a gauge of envelopes awaiting acknowledgement.
	wsAcksPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_acks_pending",
			Help:      "Number of WebSocket envelopes awaiting acknowledgement",
		},
	)

	// webhookDeliveriesTotal is a counter of webhook delivery outcomes.
	webhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total number of webhook delivery attempts by outcome",
		},
		[]string{"outcome"}, // outcome: success, retry, rejected, dead_letter
	)

	// webhookDLQDepth is a gauge of dead-lettered webhook deliveries.
	webhookDLQDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "webhook_dlq_depth",
			Help:      "Number of entries currently in the webhook dead letter queue",
		},
	)

	// allMetrics is a list of all metrics for registration.
	allMetrics = []prometheus.Collector{
		requestDuration,
		requestsTotal,
		dispatchDuration,
		dispatchesTotal,
		clientSendDuration,
		clientSendsTotal,
		retriesTotal,
		breakerTransitionsTotal,
		wsReconnectsTotal,
		wsAcksPending,
		webhookDeliveriesTotal,
		webhookDLQDepth,
	}
)

// RecordRequest records a served JSON-RPC request.
func RecordRequest(method, status string, durationSeconds float64) {
	requestDuration.WithLabelValues(method).Observe(durationSeconds)
	requestsTotal.WithLabelValues(method, status).Inc()
}

// RecordDispatch records an envelope handler execution.
func RecordDispatch(payloadType, status string, durationSeconds float64) {
	dispatchDuration.WithLabelValues(payloadType).Observe(durationSeconds)
	dispatchesTotal.WithLabelValues(payloadType, status).Inc()
}

// RecordClientSend records an outbound envelope send.
func RecordClientSend(payloadType, status string, durationSeconds float64) {
	clientSendDuration.WithLabelValues(payloadType).Observe(durationSeconds)
	clientSendsTotal.WithLabelValues(payloadType, status).Inc()
}

// RecordRetry records one retry attempt with its cause.
func RecordRetry(reason string) {
	retriesTotal.WithLabelValues(reason).Inc()
}

// RecordBreakerTransition records a circuit breaker entering a state.
func RecordBreakerTransition(state string) {
	breakerTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordWSReconnect records a WebSocket reconnection attempt.
func RecordWSReconnect() {
	wsReconnectsTotal.Inc()
}

// SetWSAcksPending sets the number of envelopes awaiting acknowledgement.
func SetWSAcksPending(n int) {
	wsAcksPending.Set(float64(n))
}

// RecordWebhookDelivery records a webhook delivery outcome.
func RecordWebhookDelivery(outcome string) {
	webhookDeliveriesTotal.WithLabelValues(outcome).Inc()
}

// SetWebhookDLQDepth sets the current dead letter queue depth.
func SetWebhookDLQDepth(n int) {
	webhookDLQDepth.Set(float64(n))
}
