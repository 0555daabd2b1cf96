package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "defectscan"

var (
	classifierReqs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "classifier_requests_total",
			Help:      "Classifier requests by phase and result",
		},
		[]string{"phase", "result"},
	)

	classifierLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "classifier_request_duration_seconds",
			Help:      "Duration of classifier requests by phase",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"phase"},
	)

	scans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_total",
			Help:      "Finished range scans by terminal status (DONE, EXHAUSTED, FAILED)",
		},
		[]string{"status"},
	)

	scanDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "scan_duration_seconds",
			Help:      "Wall time of range scans by terminal status",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"status"},
	)

	pagesScanned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_scanned_total",
			Help:      "Pages sent to the classifier by phase",
		},
		[]string{"phase"},
	)

	retriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Batch retries after transient classifier failures",
		},
		[]string{"phase"},
	)

	breakerEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_events_total",
			Help:      "Circuit breaker events by endpoint and action",
		},
		[]string{"endpoint", "action"},
	)

	jobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Scan jobs handled by the dispatcher by result",
		},
		[]string{"result"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Queue depth gauges for stream and dlq",
		},
		[]string{"type"},
	)
)

var once sync.Once

// Init registers collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		prometheus.MustRegister(classifierReqs, classifierLatency, scans, scanDuration,
			pagesScanned, retriesTotal, breakerEvents, jobs, queueDepth)
	})
}

// Handler returns the http.Handler for /metrics
func Handler() http.Handler { return promhttp.Handler() }

func ObserveClassifier(phase, result string, dur time.Duration) {
	classifierReqs.WithLabelValues(phase, result).Inc()
	classifierLatency.WithLabelValues(phase).Observe(dur.Seconds())
}

func ObserveScan(status string, dur time.Duration) {
	scans.WithLabelValues(status).Inc()
	scanDuration.WithLabelValues(status).Observe(dur.Seconds())
}

func AddPagesScanned(phase string, n int) { pagesScanned.WithLabelValues(phase).Add(float64(n)) }
func IncRetry(phase string)               { retriesTotal.WithLabelValues(phase).Inc() }
func IncJob(result string)                { jobs.WithLabelValues(result).Inc() }

func BreakerOpened(endpoint string) { breakerEvents.WithLabelValues(endpoint, "opened").Inc() }
func BreakerClosed(endpoint string) { breakerEvents.WithLabelValues(endpoint, "closed").Inc() }

func SetQueueDepth(kind string, v int64) { queueDepth.WithLabelValues(kind).Set(float64(v)) }
