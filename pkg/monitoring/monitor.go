package monitoring

import (
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	RequestCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: []float64{0.1, 0.5, 1, 2, 5},
		},
		[]string{"method", "endpoint"},
	)

	// RelevanceVerdicts outcome: accepted / rejected / unfiltered / fail_open
	RelevanceVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relevance_verdicts_total",
			Help: "Relevance gate verdicts by outcome",
		},
		[]string{"outcome"},
	)

	RelevanceFailOpen = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relevance_fail_open_total",
			Help: "Relevance evaluations that failed open because the scorer was unavailable",
		},
	)

	RelevanceScoreDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "relevance_score_duration_seconds",
			Help:    "Latency of external relevance scoring calls",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
	)

	// QuestionSubmissions result: accepted / rejected / invalid / error
	QuestionSubmissions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "question_submissions_total",
			Help: "Question intake results",
		},
		[]string{"result"},
	)

	QuestionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "question_transitions_total",
			Help: "Question resolution state transitions",
		},
		[]string{"transition"},
	)

	EventSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "session_event_subscribers",
			Help: "Open session event streams",
		},
	)
)

var initOnce sync.Once

func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			RequestCounter,
			RequestDuration,
			RelevanceVerdicts,
			RelevanceFailOpen,
			RelevanceScoreDuration,
			QuestionSubmissions,
			QuestionTransitions,
			EventSubscribers,
		)
	})
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := c.Writer.Status()

		RequestCounter.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			strconv.Itoa(status),
		).Inc()

		RequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
		).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}
