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
// サービス層とHTTPミドルウェアから利用する。
type MetricsCollector interface {
	RecordLogin(result string)
	RecordUserCreated()
	RecordPostCreated()
	RecordFavoriteToggle(action string)
	RecordHTTPStatus(statusCode int)
	RecordRequestLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	logins          *prometheus.CounterVec
	usersCreated    prometheus.Counter
	postsCreated    prometheus.Counter
	favoriteToggles *prometheus.CounterVec
	httpStatus      *prometheus.CounterVec
	requestLatency  prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatlink_login_total",
			Help: "結果別のログイン試行数",
		}, []string{"result"}),
		usersCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatlink_users_created_total",
			Help: "初回ログインで作成されたユーザーの合計数",
		}),
		postsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatlink_posts_created_total",
			Help: "作成された投稿と返信の合計数",
		}),
		favoriteToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatlink_favorite_toggles_total",
			Help: "お気に入りの追加・削除の回数",
		}, []string{"action"}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatlink_http_responses_total",
			Help: "HTTPステータスコード別のレスポンス数",
		}, []string{"status_code"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatlink_http_request_duration_seconds",
			Help:    "HTTPリクエストの処理時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		c.logins,
		c.usersCreated,
		c.postsCreated,
		c.favoriteToggles,
		c.httpStatus,
		c.requestLatency,
	)

	return c
}

// RecordLogin はログイン試行の結果を記録する。
func (c *Collector) RecordLogin(result string) {
	c.logins.WithLabelValues(result).Inc()
}

// RecordUserCreated はユーザー作成を記録する。
func (c *Collector) RecordUserCreated() {
	c.usersCreated.Inc()
}

// RecordPostCreated は投稿作成を記録する。
func (c *Collector) RecordPostCreated() {
	c.postsCreated.Inc()
}

// RecordFavoriteToggle はお気に入りのトグルを記録する。
func (c *Collector) RecordFavoriteToggle(action string) {
	c.favoriteToggles.WithLabelValues(action).Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordRequestLatency はリクエストの処理時間を記録する。
func (c *Collector) RecordRequestLatency(duration time.Duration) {
	c.requestLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// compile-time interface check
var _ MetricsCollector = (*Collector)(nil)
