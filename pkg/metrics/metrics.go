package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GatewayCallLatency is payment gateway call latency in milliseconds.
	GatewayCallLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_call_latency_ms",
			Help:    "Payment gateway call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(5, 2, 12), // 5ms to ~10s
		},
		[]string{"operation", "outcome"},
	)

	SettlementCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_settlement_count",
			Help: "Settlement attempts grouped by transaction type and resulting outcome",
		},
		[]string{"type", "outcome"},
	)

	SettledAmount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_settled_amount_minor",
			Help: "Escrowed funds moved out of campaign pools, in minor currency units",
		},
		[]string{"type"},
	)

	EscalationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escrow_escalation_count",
			Help: "Settlements handed to the administrative queue",
		},
		[]string{"reason"},
	)

	MilestoneTransitionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_transition_count",
			Help: "Milestone state transitions",
		},
		[]string{"from", "to"},
	)

	VoteCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "milestone_vote_count",
			Help: "Votes cast, including re-casts",
		},
		[]string{"vote_type"},
	)

	DonationCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "donation_count",
			Help: "Donation attempts by gateway outcome",
		},
		[]string{"outcome"},
	)

	// MQConsumeLatency is message handling latency in milliseconds.
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		},
		[]string{"routing_key", "result"},
	)

	// HTTPRequestDuration is HTTP request latency in seconds.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"method", "path", "status"},
	)

	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Queries slower than the configured threshold",
		},
		[]string{"command"},
	)

	OutboxDispatchCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_dispatch_count",
			Help: "Outbox events dispatched to the broker",
		},
		[]string{"routing_key", "result"},
	)

	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of slow queries in seconds",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 8),
		},
	)
)

func RecordGatewayCall(operation, outcome string, duration time.Duration) {
	GatewayCallLatency.WithLabelValues(operation, outcome).Observe(float64(duration.Milliseconds()))
}

func IncrementSettlement(txType, outcome string) {
	SettlementCount.WithLabelValues(txType, outcome).Inc()
}

func AddSettledAmount(txType string, amount int64) {
	if amount > 0 {
		SettledAmount.WithLabelValues(txType).Add(float64(amount))
	}
}

func IncrementEscalation(reason string) {
	EscalationCount.WithLabelValues(reason).Inc()
}

func IncrementMilestoneTransition(from, to string) {
	MilestoneTransitionCount.WithLabelValues(from, to).Inc()
}

func IncrementVote(voteType string) {
	VoteCount.WithLabelValues(voteType).Inc()
}

func IncrementDonation(outcome string) {
	DonationCount.WithLabelValues(outcome).Inc()
}

func RecordMQConsumeLatency(routingKey, result string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, result).Observe(float64(duration.Milliseconds()))
}

func IncrementOutboxDispatch(routingKey, result string) {
	OutboxDispatchCount.WithLabelValues(routingKey, result).Inc()
}

func RecordHTTPRequestDuration(method, path, status string, duration time.Duration) {
	HTTPRequestDuration.WithLabelValues(method, path, status).Observe(duration.Seconds())
}

// IncrementSlowQuery counts a slow query.
func IncrementSlowQuery(command string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(command).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}
