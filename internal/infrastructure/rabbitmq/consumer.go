package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/logger"
)

// Handler は受信したイベントを処理する
type Handler func(ctx context.Context, ev reservation.StatusChangedEvent) error

// Consumer は状態変更イベントを購読する
type Consumer struct {
	url        string
	queue      string
	prefetch   int
	maxBackoff time.Duration
	handler    Handler
}

// NewConsumer は新しい Consumer を作成する
func NewConsumer(url, queue string, handler Handler) *Consumer {
	return &Consumer{
		url:        url,
		queue:      queue,
		prefetch:   50,
		maxBackoff: 30 * time.Second,
		handler:    handler,
	}
}

// Run は ctx がキャンセルされるまで購読を続ける。切断時は指数バックオフで再接続する
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			logger.Warn("ブローカーへの接続に失敗しました",
				zap.Error(err),
				zap.Duration("retry_in", backoff),
			)
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < c.maxBackoff {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consume(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger.Warn("購読が終了したため再接続します", zap.Error(err))
		if !sleepCtx(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consume(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("チャネルの作成に失敗: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		logger.Warn("QoSの設定に失敗しました", zap.Error(err))
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("キューの宣言に失敗: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("購読の開始に失敗: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("配信チャネルが閉じられました")
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				logger.Error("イベント処理に失敗しました", zap.Error(err))
				// 再投入すると同じメッセージで処理が詰まるため破棄する
				_ = d.Nack(false, false)
				continue
			}
			_ = d.Ack(false)
		}
	}
}

// Handle は1件のメッセージ本文をデコードしてハンドラに渡す
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var ev reservation.StatusChangedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("イベントのデコードに失敗: %w", err)
	}
	if ev.ReservationID == "" {
		return errors.New("reservation_id がありません")
	}
	return c.handler(ctx, ev)
}

// LogHandler はイベントを構造化ログとして出力するハンドラ
func LogHandler(ctx context.Context, ev reservation.StatusChangedEvent) error {
	logger.Info("予約の状態が変更されました",
		logger.ReservationID(ev.ReservationID),
		logger.OwnerID(ev.OwnerID),
		logger.ActorID(ev.ActorID),
		zap.String("action", ev.Action),
		zap.String("slot", ev.Date+" "+ev.Start+"-"+ev.End),
		zap.String("from_status", string(ev.FromStatus)),
		zap.String("to_status", string(ev.ToStatus)),
		zap.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
