package metrics

import (
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_query_duration_seconds",
			Help:    "Query handling duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"route"},
	)

	QueryTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_query_total",
			Help: "Total number of queries handled",
		},
		[]string{"status"},
	)

	ClassificationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_classification_total",
			Help: "Routing decisions by cascade tier and route",
		},
		[]string{"method", "route"},
	)

	ClassifierFallthrough = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_classifier_fallthrough_total",
			Help: "Times a classification tier handed over to the next one",
		},
		[]string{"method"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_confidence_score",
			Help:    "Routing confidence scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	EmbeddingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_embeddings_total",
			Help: "Embeddings generated by outcome",
		},
		[]string{"provider", "status"},
	)

	LLMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_llm_requests_total",
			Help: "Generative backend calls by provider and outcome",
		},
		[]string{"provider", "status"},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_llm_tokens_used",
			Help: "Total generative tokens used",
		},
		[]string{"provider", "model"},
	)

	VectorSearchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rag_vector_search_duration_seconds",
			Help:    "Vector search latency",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"backend"},
	)

	VectorResultsCount = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rag_vector_results_count",
			Help:    "Number of chunks retrieved per grounded query",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
	)

	InsufficientContext = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rag_insufficient_context_total",
			Help: "Grounded queries answered with a no-relevant-context result",
		},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	ChunksIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rag_chunks_ingested_total",
			Help: "Chunks produced during ingestion by outcome",
		},
		[]string{"status"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rag_active_session_locks",
			Help: "Sessions currently holding a handling lock",
		},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			QueryDuration,
			QueryTotal,
			ClassificationTotal,
			ClassifierFallthrough,
			ConfidenceScore,
			EmbeddingsTotal,
			LLMRequests,
			LLMTokensUsed,
			VectorSearchDuration,
			VectorResultsCount,
			InsufficientContext,
			CacheHits,
			CacheMisses,
			ChunksIngested,
			ActiveSessions,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
