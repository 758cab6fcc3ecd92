package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "litequeue"

var (
	// Producer
	puts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "puts_total",
			Help:      "Total number of put attempts by result (ok, full, error).",
		},
		[]string{"result"},
	)
	putWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "put_wait_seconds",
			Help:      "Time a put spent waiting for capacity.",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
	)

	// Consumer
	claims = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "claims_total",
			Help:      "Total number of claim attempts by result (claimed, empty, error).",
		},
		[]string{"result"},
	)
	completions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completions_total",
			Help:      "Total number of complete calls by result (done, stale, error).",
		},
		[]string{"result"},
	)
	releases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Total number of claims returned to pending, by cause (nack, expired).",
		},
		[]string{"cause"},
	)
	queueLag = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "claim_lag_seconds",
			Help:      "Time between enqueue and claim.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
	)
	handleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "handle_duration_seconds",
			Help:      "Handler execution time by outcome (ack, nack).",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	// Gauges (collectors)
	messages = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "messages",
			Help:      "Current number of messages by state.",
		},
		[]string{"state"},
	)
)

var registerOnce sync.Once

func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			puts,
			putWait,

			claims,
			completions,
			releases,
			queueLag,
			handleDuration,

			messages,
		)
	})
}

func Handler() http.Handler {
	return promhttp.Handler()
}

// --- Producer ---
func IncPut(result string)           { puts.WithLabelValues(result).Inc() }
func ObservePutWait(d time.Duration) { putWait.Observe(nonNegative(d.Seconds())) }

// --- Consumer ---
func IncClaim(result string)          { claims.WithLabelValues(result).Inc() }
func IncCompletion(result string)     { completions.WithLabelValues(result).Inc() }
func AddReleased(cause string, n int) { releases.WithLabelValues(cause).Add(float64(max(0, n))) }
func ObserveClaimLag(d time.Duration) { queueLag.Observe(nonNegative(d.Seconds())) }

// --- Runtime ---
func ObserveHandle(outcome string, d time.Duration) {
	handleDuration.WithLabelValues(outcome).Observe(nonNegative(d.Seconds()))
}

// --- Gauges (collectors) ---
func SetMessages(state string, count int) {
	messages.WithLabelValues(state).Set(float64(max(0, count)))
}

func nonNegative(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
