package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ember_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	TurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_turns_total",
			Help: "Total number of conversation turns processed.",
		},
		[]string{"status"},
	)

	TurnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ember_turn_duration_seconds",
			Help:    "End-to-end turn duration in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
	)

	ToolCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_tool_calls_total",
			Help: "Total number of tool executions.",
		},
		[]string{"tool", "result"},
	)

	StoreRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_memory_store_retries_total",
			Help: "Total number of retried memory index operations.",
		},
		[]string{"op"},
	)

	ModelRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ember_model_request_duration_seconds",
			Help:    "Language model request duration in seconds.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	StreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_stream_chunks_total",
			Help: "Total number of stream chunks emitted.",
		},
		[]string{"type"},
	)

	ContextTokensAssembled = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ember_context_tokens_assembled",
			Help:    "Estimated token size of assembled context bundles.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 4000, 8000},
		},
	)
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TurnsTotal,
		TurnDuration,
		ToolCallsTotal,
		StoreRetriesTotal,
		ModelRequestDuration,
		StreamChunksTotal,
		ContextTokensAssembled,
	)
}
