package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushlink_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pushlink_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"method", "path"},
	)

	// Delivery metrics
	PushAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushlink_push_attempts_total",
			Help: "Push send attempts, including retries",
		},
		[]string{"mode", "outcome"}, // mode: relay|direct, outcome: ok|error
	)

	PushDeliveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushlink_push_deliveries_total",
			Help: "Push sends after retries",
		},
		[]string{"outcome"},
	)

	PushSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushlink_push_send_duration_seconds",
			Help:    "Duration of one push delivery including retries",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Chunk protocol metrics
	ChunksSent = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushlink_chunks_sent_total",
			Help: "Chunks handed to the delivery sender",
		},
	)

	ChunksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushlink_chunks_received_total",
			Help: "Chunks received",
		},
		[]string{"result"}, // stored|duplicate|rejected
	)

	MessagesReassembled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushlink_messages_reassembled_total",
			Help: "Logical messages reconstructed from chunks",
		},
	)

	ReassemblyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushlink_reassembly_failures_total",
			Help: "Reconstructed payloads dropped as malformed",
		},
		[]string{"reason"},
	)

	ChunksSwept = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushlink_chunks_swept_total",
			Help: "Stale chunk records removed by the sweeper",
		},
	)

	// Conversation metrics
	StatusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushlink_conversation_transitions_total",
			Help: "Conversation status transitions",
		},
		[]string{"from", "to"},
	)

	QuotaRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushlink_quota_rejections_total",
			Help: "Messages rejected by the storage quota",
		},
		[]string{"direction"},
	)

	// Relay metrics
	RelayRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushlink_relay_requests_total",
			Help: "Relay forward requests",
		},
		[]string{"outcome"}, // forwarded|rejected|upstream_error
	)

	RateLimitHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pushlink_rate_limit_hits_total",
			Help: "Requests refused by the rate limiter",
		},
	)
)
