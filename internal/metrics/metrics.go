// Package metrics は動画生成パイプラインの Prometheus メトリクスを定義します。
//
// すべてのメソッドは nil レシーバで何もしないため、テストでは nil を渡せます。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "motion_forge"

// Metrics はパイプラインのメトリクス一式です。
type Metrics struct {
	// Admissions は受付判定の件数です。Labels: variant, decision
	Admissions *prometheus.CounterVec
	// JobsFinished は終端に達したジョブ数です。Labels: variant, status, reason
	JobsFinished *prometheus.CounterVec
	// JobRetries は再試行に回した試行数です。Labels: variant, reason
	JobRetries *prometheus.CounterVec
	// StageDuration はステージごとの所要時間です。Labels: stage
	StageDuration *prometheus.HistogramVec
	// JobsInFlight は実行中の試行数です。
	JobsInFlight prometheus.Gauge
}

// New はメトリクスを reg に登録して返します。
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Admissions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "admissions_total",
			Help:      "Number of admission decisions by variant and decision.",
		}, []string{"variant", "decision"}),
		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_finished_total",
			Help:      "Number of jobs that reached a terminal state.",
		}, []string{"variant", "status", "reason"}),
		JobRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_retries_total",
			Help:      "Number of failed attempts handed back to the queue for retry.",
		}, []string{"variant", "reason"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of pipeline stages.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"stage"}),
		JobsInFlight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Number of pipeline attempts currently running.",
		}),
	}
}

// ObserveAdmission は受付判定を記録します。
func (m *Metrics) ObserveAdmission(variant, decision string) {
	if m == nil {
		return
	}
	m.Admissions.WithLabelValues(variant, decision).Inc()
}

// JobFinished は終端に達したジョブを記録します。
func (m *Metrics) JobFinished(variant, status, reason string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(variant, status, reason).Inc()
}

// JobRetried は再試行を記録します。
func (m *Metrics) JobRetried(variant, reason string) {
	if m == nil {
		return
	}
	m.JobRetries.WithLabelValues(variant, reason).Inc()
}

// ObserveStage はステージの所要時間を記録します。
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// AttemptStarted は実行中の試行数を増やし、終了時に呼ぶ関数を返します。
func (m *Metrics) AttemptStarted() func() {
	if m == nil {
		return func() {}
	}
	m.JobsInFlight.Inc()
	return m.JobsInFlight.Dec
}
