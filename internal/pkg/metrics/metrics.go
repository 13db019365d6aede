package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics はアプリケーションのメトリクスを管理する
type Metrics struct {
	// HTTPリクエストの総数（method, path, status_code）
	HTTPRequestsTotal *prometheus.CounterVec

	// HTTPリクエストのレイテンシ（method, path）
	HTTPRequestDuration *prometheus.HistogramVec

	// 予約操作の総数（operation: create/reschedule/cancel/confirm_usage,
	// result: success, conflict, invalid, not_found, lock_failed, error）
	ReservationsTotal *prometheus.CounterVec

	// 予約操作の処理時間（operation）
	ReservationOperationDuration *prometheus.HistogramVec

	// 分散ロックの操作時間（operation: acquire/release, status: success/failed）
	DistributedLockDuration *prometheus.HistogramVec

	// 枠を占有している予約数（status: pending, confirmed）
	ActiveReservations *prometheus.GaugeVec

	// 集計キャッシュの参照結果（result: hit/miss/error）
	StatsCacheTotal *prometheus.CounterVec

	// 状態変更イベントの送信結果（result: success/failed）
	EventsPublishedTotal *prometheus.CounterVec
}

// New は新しいMetricsインスタンスを作成し、デフォルトレジストリに登録する
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer)
}

// NewWithRegistry は指定したレジストリにメトリクスを登録する
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservations_total",
				Help: "Total number of reservation operations by result",
			},
			[]string{"operation", "result"},
		),
		ReservationOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "reservation_operation_duration_seconds",
				Help:    "Time spent on reservation operations including conflict checks",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"operation"},
		),
		DistributedLockDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "distributed_lock_duration_seconds",
				Help:    "Time spent on distributed lock operations",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation", "status"},
		),
		ActiveReservations: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "active_reservations",
				Help: "Current number of reservations holding a slot",
			},
			[]string{"status"},
		),
		StatsCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_stats_cache_total",
				Help: "Reservation statistics cache lookups by result",
			},
			[]string{"result"},
		),
		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reservation_events_published_total",
				Help: "Reservation status events sent to the broker",
			},
			[]string{"result"},
		),
	}

	// レジストリに登録
	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReservationsTotal,
		m.ReservationOperationDuration,
		m.DistributedLockDuration,
		m.ActiveReservations,
		m.StatsCacheTotal,
		m.EventsPublishedTotal,
	)

	return m
}

// ObserveReservation は予約操作の結果と処理時間を記録する。nil レシーバでは何もしない
func (m *Metrics) ObserveReservation(operation, result string, started time.Time) {
	if m == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(operation, result).Inc()
	m.ReservationOperationDuration.WithLabelValues(operation).Observe(time.Since(started).Seconds())
}

// ObserveLock は分散ロック操作の時間を記録する
func (m *Metrics) ObserveLock(operation, status string, started time.Time) {
	if m == nil {
		return
	}
	m.DistributedLockDuration.WithLabelValues(operation, status).Observe(time.Since(started).Seconds())
}

// SetActive は状態別の有効予約数を設定する
func (m *Metrics) SetActive(pending, confirmed int) {
	if m == nil {
		return
	}
	m.ActiveReservations.WithLabelValues("pending").Set(float64(pending))
	m.ActiveReservations.WithLabelValues("confirmed").Set(float64(confirmed))
}

// CacheLookup はキャッシュ参照結果を記録する
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.StatsCacheTotal.WithLabelValues(result).Inc()
}

// EventPublished はイベント送信結果を記録する
func (m *Metrics) EventPublished(result string) {
	if m == nil {
		return
	}
	m.EventsPublishedTotal.WithLabelValues(result).Inc()
}

// デフォルトのメトリクスインスタンス
var defaultMetrics *Metrics

// Init はデフォルトのメトリクスインスタンスを初期化する
func Init() *Metrics {
	defaultMetrics = New()
	return defaultMetrics
}

// Get はデフォルトのメトリクスインスタンスを返す
func Get() *Metrics {
	return defaultMetrics
}
