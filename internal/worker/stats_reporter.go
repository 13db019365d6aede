package worker

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/logger"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/metrics"
)

// CountsProvider は状態別件数を返すインターフェース
type CountsProvider interface {
	AggregateCounts(ctx context.Context, ownerID string) (reservation.Counts, error)
}

// StatsReporter は予約件数を定期的に集計し、メトリクスに反映するワーカー
type StatsReporter struct {
	counts   CountsProvider
	metrics  *metrics.Metrics
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewStatsReporter は新しいレポーターを作成
func NewStatsReporter(counts CountsProvider, m *metrics.Metrics, interval time.Duration) *StatsReporter {
	return &StatsReporter{
		counts:   counts,
		metrics:  m,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start はレポーターを開始。起動直後に1回集計する
func (r *StatsReporter) Start(ctx context.Context) {
	logger.Info("予約件数レポーター開始", zap.Duration("interval", r.interval))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer close(r.doneCh)

	r.report(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Info("予約件数レポーター停止（コンテキストキャンセル）")
			return
		case <-r.stopCh:
			logger.Info("予約件数レポーター停止（シグナル受信）")
			return
		case <-ticker.C:
			r.report(ctx)
		}
	}
}

// Stop はレポーターを停止。Start の終了を待つ
func (r *StatsReporter) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

// report は全予約の件数を集計してゲージを更新する
func (r *StatsReporter) report(ctx context.Context) {
	counts, err := r.counts.AggregateCounts(ctx, "")
	if err != nil {
		logger.Error("予約件数の集計失敗", zap.Error(err))
		return
	}

	pending := counts.ByStatus[reservation.StatusPending]
	confirmed := counts.ByStatus[reservation.StatusConfirmed]
	r.metrics.SetActive(pending, confirmed)
	logger.Debug("予約件数を更新",
		zap.Int("total", counts.Total),
		zap.Int("pending", pending),
		zap.Int("confirmed", confirmed),
		zap.Int("active", counts.Active()),
	)
}
