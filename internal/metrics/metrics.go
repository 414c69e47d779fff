// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Dezzy-dev/amara/internal/model"
)

// MetricsCollector はメトリクス収集のインターフェース。
// ハンドラー、チャットサービス、ワーカーから利用する。
type MetricsCollector interface {
	ObserveExchange(result string, kind model.UsageKind)
	ObserveQuotaDenied(kind model.UsageKind)
	ObserveLLM(d time.Duration, err error)
	ObserveSynthesis(err error)
	ObserveTranscription(err error)
	RecordHTTPStatus(statusCode int)
	RecordTrialsReverted(count int)
	RecordDevicesAbandoned(count int)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	exchanges        *prometheus.CounterVec
	quotaDenied      *prometheus.CounterVec
	llmLatency       prometheus.Histogram
	llmFail          prometheus.Counter
	synthesis        *prometheus.CounterVec
	transcriptions   *prometheus.CounterVec
	httpStatus       *prometheus.CounterVec
	trialsReverted   prometheus.Counter
	devicesAbandoned prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amara_chat_exchanges_total",
			Help: "結果・種別ごとのチャット交換数",
		}, []string{"result", "kind"}),
		quotaDenied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amara_quota_denied_total",
			Help: "日次クォータ超過で拒否された数",
		}, []string{"kind"}),
		llmLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "amara_llm_latency_seconds",
			Help:    "応答生成のレイテンシ（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		llmFail: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amara_llm_fail_total",
			Help: "応答生成失敗の合計数",
		}),
		synthesis: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amara_tts_total",
			Help: "結果ごとの音声合成数",
		}, []string{"result"}),
		transcriptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amara_transcriptions_total",
			Help: "結果ごとの文字起こし数",
		}, []string{"result"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "amara_http_status_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		trialsReverted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amara_trials_reverted_total",
			Help: "期限切れでfreemiumに戻したトライアルの合計数",
		}),
		devicesAbandoned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "amara_anonymous_devices_abandoned_total",
			Help: "保持期間を過ぎて放棄済みにした匿名デバイスの合計数",
		}),
	}

	reg.MustRegister(
		c.exchanges,
		c.quotaDenied,
		c.llmLatency,
		c.llmFail,
		c.synthesis,
		c.transcriptions,
		c.httpStatus,
		c.trialsReverted,
		c.devicesAbandoned,
	)

	return c
}

// ObserveExchange はチャット交換の結果を記録する。
func (c *Collector) ObserveExchange(result string, kind model.UsageKind) {
	c.exchanges.WithLabelValues(result, string(kind)).Inc()
}

// ObserveQuotaDenied はクォータ超過による拒否を記録する。
func (c *Collector) ObserveQuotaDenied(kind model.UsageKind) {
	c.quotaDenied.WithLabelValues(string(kind)).Inc()
}

// ObserveLLM は応答生成のレイテンシと失敗を記録する。
func (c *Collector) ObserveLLM(d time.Duration, err error) {
	c.llmLatency.Observe(d.Seconds())
	if err != nil {
		c.llmFail.Inc()
	}
}

// ObserveSynthesis は音声合成の結果を記録する。
func (c *Collector) ObserveSynthesis(err error) {
	c.synthesis.WithLabelValues(resultLabel(err)).Inc()
}

// ObserveTranscription は文字起こしの結果を記録する。
func (c *Collector) ObserveTranscription(err error) {
	c.transcriptions.WithLabelValues(resultLabel(err)).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordTrialsReverted は降格したトライアル数を記録する。
func (c *Collector) RecordTrialsReverted(count int) {
	c.trialsReverted.Add(float64(count))
}

// RecordDevicesAbandoned は放棄済みにした匿名デバイス数を記録する。
func (c *Collector) RecordDevicesAbandoned(count int) {
	c.devicesAbandoned.Add(float64(count))
}

func resultLabel(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var _ MetricsCollector = (*Collector)(nil)
