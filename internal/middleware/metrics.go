package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_messages_processed_total",
		Help: "Total number of messages processed by outcome",
	}, []string{"outcome", "reason"})

	// Safety metrics
	crisisDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_crisis_detections_total",
		Help: "Total number of crisis detections by level",
	}, []string{"level"})

	abuseDetections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_abuse_detections_total",
		Help: "Total number of abuse patterns by type and action",
	}, []string{"type", "action"})

	detectorFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_detector_failures_total",
		Help: "Total number of recovered detector failures",
	}, []string{"detector"})

	// Budget metrics
	budgetDenials = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_budget_denials_total",
		Help: "Total number of requests denied by the cost guardian",
	}, []string{"tier"})

	degradationStages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_degradation_stage_total",
		Help: "Total number of requests handled at each degradation stage",
	}, []string{"stage"})

	trackedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatguard_budget_tracked_users",
		Help: "Number of users with a spend ledger today",
	})

	blockedUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "chatguard_budget_blocked_users",
		Help: "Number of users blocked for the rest of the day",
	})

	// Cache metrics
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatguard_cache_hits_total",
		Help: "Total number of cache hits",
	})

	cacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatguard_cache_misses_total",
		Help: "Total number of cache misses",
	})

	// LLM metrics
	llmRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "chatguard_llm_request_duration_seconds",
		Help:    "Duration of LLM requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"model", "status"})

	llmRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_llm_requests_total",
		Help: "Total number of LLM requests",
	}, []string{"model", "status"})

	llmCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "chatguard_llm_cost_dollars_total",
		Help: "Total recorded LLM spend in dollars",
	}, []string{"model"})

	// HTTP throttling
	httpThrottled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "chatguard_http_throttled_total",
		Help: "Total number of API requests rejected by the HTTP rate limiter",
	})
)

// Metrics provides methods to record metrics
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageProcessed records the outcome of one pipeline run
func (m *Metrics) RecordMessageProcessed(outcome, reason string) {
	messagesProcessed.WithLabelValues(outcome, reason).Inc()
}

// RecordCrisis records a crisis detection
func (m *Metrics) RecordCrisis(level string) {
	crisisDetections.WithLabelValues(level).Inc()
}

// RecordAbuse records a detected abuse pattern
func (m *Metrics) RecordAbuse(patternType, action string) {
	abuseDetections.WithLabelValues(patternType, action).Inc()
}

// RecordDetectorFailure records a recovered panic in a detector
func (m *Metrics) RecordDetectorFailure(detector string) {
	detectorFailures.WithLabelValues(detector).Inc()
}

// RecordBudgetDenied records a request refused by the cost guardian
func (m *Metrics) RecordBudgetDenied(tier string) {
	budgetDenials.WithLabelValues(tier).Inc()
}

// RecordStage records the degradation stage a request ran under
func (m *Metrics) RecordStage(stage string) {
	degradationStages.WithLabelValues(stage).Inc()
}

// SetBudgetUsers sets the tracked and blocked user gauges
func (m *Metrics) SetBudgetUsers(tracked, blocked int) {
	trackedUsers.Set(float64(tracked))
	blockedUsers.Set(float64(blocked))
}

// RecordCacheHit records a cache hit
func (m *Metrics) RecordCacheHit() {
	cacheHits.Inc()
}

// RecordCacheMiss records a cache miss
func (m *Metrics) RecordCacheMiss() {
	cacheMisses.Inc()
}

// RecordLLMRequest records an LLM request
func (m *Metrics) RecordLLMRequest(model, status string, duration time.Duration) {
	llmRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	llmRequestsTotal.WithLabelValues(model, status).Inc()
}

// RecordLLMCost adds recorded spend for a model
func (m *Metrics) RecordLLMCost(model string, dollars float64) {
	if dollars > 0 {
		llmCost.WithLabelValues(model).Add(dollars)
	}
}

// RecordThrottled records an API request rejected by the HTTP limiter
func (m *Metrics) RecordThrottled() {
	httpThrottled.Inc()
}

// NewMetricsServer builds the metrics HTTP server
func NewMetricsServer(port int, path string) *http.Server {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler())

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// StartMetricsServer serves metrics until ctx is done
func StartMetricsServer(ctx context.Context, port int, path string) error {
	server := NewMetricsServer(port, path)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}
