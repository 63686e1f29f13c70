// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// 配信結果のラベル値。
const (
	ResultSent   = "sent"
	ResultFailed = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// シーケンスエンジンとサインアップ処理から利用する。
type MetricsCollector interface {
	RecordDelivery(result string)
	RecordAdvanceConflict()
	RecordLeadCaptured(created bool)
	RecordRunDuration(duration time.Duration)
	RecordGatewayLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	deliveries       *prometheus.CounterVec
	advanceConflicts prometheus.Counter
	leadsCaptured    *prometheus.CounterVec
	runDuration      prometheus.Histogram
	gatewayLatency   prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dripman_deliveries_total",
			Help: "配信結果別のメール送信数",
		}, []string{"result"}),
		advanceConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dripman_advance_conflicts_total",
			Help: "ステップ更新がcompare-and-setで競合した回数",
		}),
		leadsCaptured: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dripman_leads_captured_total",
			Help: "サインアップ受付数（created=falseは既存リードの再登録）",
		}, []string{"created"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dripman_engine_run_duration_seconds",
			Help:    "シーケンスエンジン1回の実行時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		gatewayLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dripman_gateway_latency_seconds",
			Help:    "配信ゲートウェイ呼び出しのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.deliveries,
		c.advanceConflicts,
		c.leadsCaptured,
		c.runDuration,
		c.gatewayLatency,
	)

	return c
}

// RecordDelivery は配信結果を記録する。
func (c *Collector) RecordDelivery(result string) {
	c.deliveries.WithLabelValues(result).Inc()
}

// RecordAdvanceConflict はステップ更新の競合を記録する。
func (c *Collector) RecordAdvanceConflict() {
	c.advanceConflicts.Inc()
}

// RecordLeadCaptured はサインアップ受付を記録する。
func (c *Collector) RecordLeadCaptured(created bool) {
	c.leadsCaptured.WithLabelValues(strconv.FormatBool(created)).Inc()
}

// RecordRunDuration はエンジン実行時間を記録する。
func (c *Collector) RecordRunDuration(duration time.Duration) {
	c.runDuration.Observe(duration.Seconds())
}

// RecordGatewayLatency はゲートウェイ呼び出しのレイテンシを記録する。
func (c *Collector) RecordGatewayLatency(duration time.Duration) {
	c.gatewayLatency.Observe(duration.Seconds())
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordDelivery(string)              {}
func (Nop) RecordAdvanceConflict()             {}
func (Nop) RecordLeadCaptured(bool)            {}
func (Nop) RecordRunDuration(time.Duration)    {}
func (Nop) RecordGatewayLatency(time.Duration) {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
var _ MetricsCollector = Nop{}
