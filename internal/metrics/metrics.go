// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector はメトリクス収集のインターフェース。
// サービス層・ゲートウェイ・ミドルウェアから利用する。
type MetricsCollector interface {
	RecordTaskMutation(op string)
	RecordMirrorResult(op string, ok bool)
	RecordMirrorLatency(op string, duration time.Duration)
	RecordBroadcast(frameType string)
	WSConnectionOpened()
	WSConnectionClosed()
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	taskMutations  *prometheus.CounterVec
	mirrorOps      *prometheus.CounterVec
	mirrorLatency  *prometheus.HistogramVec
	broadcasts     *prometheus.CounterVec
	wsConnections  prometheus.Gauge
	httpStatus     *prometheus.CounterVec
	requestLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		taskMutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmirror_task_mutations_total",
			Help: "ストアに適用されたタスク変更の合計数（操作別）",
		}, []string{"op"}),
		mirrorOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmirror_mirror_ops_total",
			Help: "カレンダーミラー操作の合計数（操作・結果別）",
		}, []string{"op", "result"}),
		mirrorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "taskmirror_mirror_latency_seconds",
			Help:    "カレンダーミラー操作のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmirror_broadcast_frames_total",
			Help: "配信されたリアルタイムフレームの合計数（種別別）",
		}, []string{"type"}),
		wsConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "taskmirror_ws_connections",
			Help: "現在のWebSocket接続数",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskmirror_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskmirror_request_latency_seconds",
			Help:    "HTTPリクエストのレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.taskMutations,
		c.mirrorOps,
		c.mirrorLatency,
		c.broadcasts,
		c.wsConnections,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordTaskMutation はストアに適用されたタスク変更を記録する。
func (c *Collector) RecordTaskMutation(op string) {
	c.taskMutations.WithLabelValues(op).Inc()
}

// RecordMirrorResult はミラー操作の結果を記録する。
func (c *Collector) RecordMirrorResult(op string, ok bool) {
	result := "success"
	if !ok {
		result = "degraded"
	}
	c.mirrorOps.WithLabelValues(op, result).Inc()
}

// RecordMirrorLatency はミラー操作のレイテンシを記録する。
func (c *Collector) RecordMirrorLatency(op string, duration time.Duration) {
	c.mirrorLatency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordBroadcast は配信されたリアルタイムフレームを記録する。
func (c *Collector) RecordBroadcast(frameType string) {
	c.broadcasts.WithLabelValues(frameType).Inc()
}

// WSConnectionOpened はWebSocket接続の確立を記録する。
func (c *Collector) WSConnectionOpened() {
	c.wsConnections.Inc()
}

// WSConnectionClosed はWebSocket接続の切断を記録する。
func (c *Collector) WSConnectionClosed() {
	c.wsConnections.Dec()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はHTTPリクエストのレイテンシを記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetupMetricsRoute は/metricsエンドポイントを提供するHTTPハンドラーを返す。
// Prometheusスクレイプに対応する。
func SetupMetricsRoute(gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(gatherer))
	return mux
}
