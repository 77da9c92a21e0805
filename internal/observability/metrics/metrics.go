// Package metrics exposes Prometheus collectors for the HTTP surface and
// the round lifecycle.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "eigentrust"

var (
	// Registry 是进程内所有指标的注册表。
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by handler, method and status code.",
	}, []string{"handler", "method", "code"})

	httpLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"handler", "method"})

	submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Submissions by kind and ingestion outcome.",
	}, []string{"kind", "outcome"})

	verifications = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "verifications_total",
		Help:      "Proof verification results by state and reason.",
	}, []string{"state", "reason"})

	rounds = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rounds_total",
		Help:      "Closed rounds by result.",
	}, []string{"result"})

	iterations = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "compute_iterations",
		Help:      "Power iterations per compute phase.",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
	})

	roundDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "round_duration_seconds",
		Help:      "Wall time from seal to publish.",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
	})

	currentRound = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "published_round",
		Help:      "Round id of the last published snapshot.",
	})

	peers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "peers",
		Help:      "Peers in the last published vector.",
	})

	anchorTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "anchor_transitions_total",
		Help:      "Anchor record transitions by target status.",
	}, []string{"status"})

	queueDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ingest_dropped_total",
		Help:      "Queue messages dropped by reason.",
	}, []string{"reason"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		httpRequests, httpLatency, submissions, verifications, rounds,
		iterations, roundDuration, currentRound, peers, anchorTransitions, queueDropped,
	)
}

// Handler 返回 Prometheus 抓取端点。
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if handler == "" {
		handler = "unmatched"
	}
	httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObserveSubmission 记录一次提交的入队结果。
func ObserveSubmission(kind, outcome string) {
	submissions.WithLabelValues(kind, outcome).Inc()
}

// ObserveVerification 记录一次验证状态变化。
func ObserveVerification(state, reason string) {
	verifications.WithLabelValues(state, reason).Inc()
}

// ObserveRound 记录一轮计算的结果。
func ObserveRound(result string, round uint64, iterationCount, peerCount int, elapsed time.Duration) {
	rounds.WithLabelValues(result).Inc()
	iterations.Observe(float64(iterationCount))
	roundDuration.Observe(elapsed.Seconds())
	if result != "failed" {
		currentRound.Set(float64(round))
		peers.Set(float64(peerCount))
	}
}

// ObserveAnchorTransition 记录锚定状态迁移。
func ObserveAnchorTransition(status string) {
	anchorTransitions.WithLabelValues(status).Inc()
}

// ObserveDropped 记录被丢弃的队列消息。
func ObserveDropped(reason string) {
	queueDropped.WithLabelValues(reason).Inc()
}
