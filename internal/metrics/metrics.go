// Package metrics は Prometheus メトリクスを定義します。
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawing_submissions_total",
			Help: "Submissions by outcome (queued/cache_hit/cached_failure/in_flight/rejected/scheduling_failed).",
		},
		[]string{"outcome"},
	)

	jobsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawing_jobs_finished_total",
			Help: "Jobs reaching a terminal state, by state and error kind.",
		},
		[]string{"state", "kind"},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawing_cache_lookups_total",
			Help: "Content cache lookups by result (miss/success/failure/processing).",
		},
		[]string{"result"},
	)

	backendCallsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "drawing_backend_calls_total",
			Help: "Backend calls by capability, backend and result.",
		},
		[]string{"capability", "backend", "result"},
	)

	backendLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drawing_backend_call_seconds",
			Help:    "Backend call latency distribution in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"capability", "backend"},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "drawing_stage_seconds",
			Help:    "Pipeline stage duration in seconds.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"stage", "success"},
	)

	queueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "drawing_queue_depth",
			Help: "Jobs waiting in the in-process worker queue.",
		},
	)
)

// MustRegister はコレクタをデフォルトレジストリに登録します（冪等）。
func MustRegister() {
	once.Do(func() {
		prometheus.MustRegister(
			submissionsTotal, jobsFinishedTotal, cacheLookupsTotal,
			backendCallsTotal, backendLatency, stageDuration, queueDepth,
		)
	})
}

// IncSubmission は Submit の結果を記録します。
func IncSubmission(outcome string) {
	submissionsTotal.WithLabelValues(outcome).Inc()
}

// IncJobFinished は終端状態に達したジョブを記録します。
func IncJobFinished(state, kind string) {
	jobsFinishedTotal.WithLabelValues(state, kind).Inc()
}

// IncCacheLookup はキャッシュ参照結果を記録します。
func IncCacheLookup(result string) {
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveStage はステージの所要時間を記録します。
func ObserveStage(stage string, ok bool, d time.Duration) {
	stageDuration.WithLabelValues(stage, boolLabel(ok)).Observe(d.Seconds())
}

// SetQueueDepth はワーカーキューの滞留数を記録します。
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}

// BackendObserver は指定ケーパビリティ用の呼び出し記録関数を返します。
func BackendObserver(capability string) func(backend string, err error, elapsed time.Duration) {
	return func(backend string, err error, elapsed time.Duration) {
		result := "success"
		if err != nil {
			result = "failure"
		}
		backendCallsTotal.WithLabelValues(capability, backend, result).Inc()
		backendLatency.WithLabelValues(capability, backend).Observe(elapsed.Seconds())
	}
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
