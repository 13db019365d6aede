package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/sanosuguru/vrlab-reservation/internal/config"
	"github.com/sanosuguru/vrlab-reservation/internal/infrastructure/rabbitmq"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/logger"
)

// notifier は予約の状態変更イベントを購読してログに記録する
func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, ".env の読み込みに失敗しました: %v\n", err)
	}
	cfg := config.Load()

	logger.Init(cfg.App.Env)
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumer := rabbitmq.NewConsumer(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue, rabbitmq.LogHandler)
	logger.Info("状態変更イベントの購読を開始します", zap.String("queue", cfg.RabbitMQ.Queue))

	if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("購読が異常終了しました", zap.Error(err))
		return
	}
	logger.Info("購読を停止しました")
}
