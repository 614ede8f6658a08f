package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AnalysisRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_analysis_runs_total",
		Help: "Analysis runs by outcome (completed, failed, cancelled, rejected)",
	}, []string{"outcome"})

	AnalysisDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surprisal_analysis_duration_seconds",
		Help:    "Wall time of a full analysis run",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	AnalysisInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surprisal_analysis_in_flight",
		Help: "Number of analysis runs currently executing",
	})

	TokensAnalyzed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_tokens_total",
		Help: "Tokens processed by kind (initial, predicted, failed)",
	}, []string{"kind"})

	PredictionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surprisal_prediction_duration_seconds",
		Help:    "Latency of a single next-token prediction",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 16),
	})

	PredictionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_prediction_errors_total",
		Help: "Prediction failures recovered per token",
	}, []string{"reason"})

	TokenRank = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surprisal_token_rank",
		Help:    "Rank of the actual token in the predicted distribution",
		Buckets: []float64{0, 1, 4, 9, 24, 49, 99, 499, 999, 4999, 9999, 49999},
	})

	TokenCumulativeProbability = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surprisal_token_cumulative_probability",
		Help:    "Probability mass ranked ahead of the actual token",
		Buckets: prometheus.LinearBuckets(0, 0.1, 11),
	})

	ContextLength = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "surprisal_context_length_tokens",
		Help:    "Distribution of context lengths sent to the predictor",
		Buckets: []float64{1, 4, 16, 64, 256, 1024, 4096, 16384},
	})

	SubscriberPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "surprisal_progress_subscriber_panics_total",
		Help: "Progress subscribers that panicked and were isolated",
	})

	CodecOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_codec_operations_total",
		Help: "Codec encode/decode calls by codec and operation",
	}, []string{"codec", "op"})

	CodecPlaceholders = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_codec_placeholders_total",
		Help: "Tokens rendered as placeholders because decoding failed",
	}, []string{"codec"})

	CodecFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_codec_fallbacks_total",
		Help: "Codec constructions that fell back to the byte codec",
	}, []string{"requested"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "surprisal_http_requests_total",
		Help: "HTTP requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	WebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "surprisal_websocket_connections_active",
		Help: "Number of open websocket connections",
	})
)

// RecordRun records the outcome and duration of a finished run.
func RecordRun(outcome string, duration time.Duration) {
	AnalysisRuns.WithLabelValues(outcome).Inc()
	if duration > 0 {
		AnalysisDuration.Observe(duration.Seconds())
	}
}

func RecordRejectedRun() {
	AnalysisRuns.WithLabelValues("rejected").Inc()
}

func RecordInitialToken() {
	TokensAnalyzed.WithLabelValues("initial").Inc()
}

// RecordPrediction records a successfully scored token.
func RecordPrediction(rank int, cumulative float64, contextLen int, duration time.Duration) {
	TokensAnalyzed.WithLabelValues("predicted").Inc()
	TokenRank.Observe(float64(rank))
	TokenCumulativeProbability.Observe(cumulative)
	ContextLength.Observe(float64(contextLen))
	PredictionDuration.Observe(duration.Seconds())
}

// RecordPredictionFailure records a token whose prediction was recovered to null fields.
func RecordPredictionFailure(reason string) {
	TokensAnalyzed.WithLabelValues("failed").Inc()
	PredictionErrors.WithLabelValues(reason).Inc()
}

func RecordSubscriberPanic() {
	SubscriberPanics.Inc()
}

func RecordCodecOp(codec, op string) {
	CodecOperations.WithLabelValues(codec, op).Inc()
}

func RecordCodecPlaceholder(codec string) {
	CodecPlaceholders.WithLabelValues(codec).Inc()
}

func RecordCodecFallback(requested string) {
	CodecFallbacks.WithLabelValues(requested).Inc()
}

func RecordHTTPRequest(endpoint string, code int) {
	HTTPRequests.WithLabelValues(endpoint, statusText(code)).Inc()
}

func statusText(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
