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
// リモートAPIクライアントやハンドラーから利用する。
type MetricsCollector interface {
	RecordAPICall(endpoint string, statusCode int, duration time.Duration)
	RecordAnalysis(kind string, outcome string)
	RecordUploadRejected(reason string)
	RecordLogin(outcome string)
	RecordSignup(outcome string)
	RecordReportDownload(outcome string)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	apiCalls        *prometheus.CounterVec
	apiLatency      *prometheus.HistogramVec
	analyses        *prometheus.CounterVec
	uploadsRejected *prometheus.CounterVec
	logins          *prometheus.CounterVec
	signups         *prometheus.CounterVec
	reports         *prometheus.CounterVec
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		apiCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaanalyzer_api_calls_total",
			Help: "リモートAPI呼び出しの合計数（エンドポイント・ステータスコード別）",
		}, []string{"endpoint", "status_code"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mediaanalyzer_api_latency_seconds",
			Help:    "リモートAPI呼び出しのレイテンシ（秒）",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"endpoint"}),
		analyses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaanalyzer_analyses_total",
			Help: "メディア解析の合計数（種別・結果別）",
		}, []string{"kind", "outcome"}),
		uploadsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaanalyzer_uploads_rejected_total",
			Help: "受け付けなかったアップロードの合計数（理由別）",
		}, []string{"reason"}),
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaanalyzer_logins_total",
			Help: "ログイン試行の合計数（結果別）",
		}, []string{"outcome"}),
		signups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaanalyzer_signups_total",
			Help: "サインアップ試行の合計数（結果別）",
		}, []string{"outcome"}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mediaanalyzer_report_downloads_total",
			Help: "レポートダウンロードの合計数（結果別）",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.apiCalls,
		c.apiLatency,
		c.analyses,
		c.uploadsRejected,
		c.logins,
		c.signups,
		c.reports,
	)

	return c
}

// RecordAPICall はリモートAPI呼び出しを記録する。
// 通信エラーでステータスコードが得られない場合は statusCode に 0 を渡す。
func (c *Collector) RecordAPICall(endpoint string, statusCode int, duration time.Duration) {
	c.apiCalls.WithLabelValues(endpoint, strconv.Itoa(statusCode)).Inc()
	c.apiLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}

// RecordAnalysis は解析結果を記録する。
func (c *Collector) RecordAnalysis(kind string, outcome string) {
	c.analyses.WithLabelValues(kind, outcome).Inc()
}

// RecordUploadRejected はアップロード拒否を記録する。
func (c *Collector) RecordUploadRejected(reason string) {
	c.uploadsRejected.WithLabelValues(reason).Inc()
}

// RecordLogin はログイン試行を記録する。
func (c *Collector) RecordLogin(outcome string) {
	c.logins.WithLabelValues(outcome).Inc()
}

// RecordSignup はサインアップ試行を記録する。
func (c *Collector) RecordSignup(outcome string) {
	c.signups.WithLabelValues(outcome).Inc()
}

// RecordReportDownload はレポートダウンロードを記録する。
func (c *Collector) RecordReportDownload(outcome string) {
	c.reports.WithLabelValues(outcome).Inc()
}

// Nop は何も記録しないMetricsCollector。テストやメトリクス無効時に使用する。
type Nop struct{}

func (Nop) RecordAPICall(string, int, time.Duration) {}
func (Nop) RecordAnalysis(string, string)            {}
func (Nop) RecordUploadRejected(string)              {}
func (Nop) RecordLogin(string)                       {}
func (Nop) RecordSignup(string)                      {}
func (Nop) RecordReportDownload(string)              {}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

var (
	_ MetricsCollector = (*Collector)(nil)
	_ MetricsCollector = Nop{}
)
