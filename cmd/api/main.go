package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sanosuguru/vrlab-reservation/internal/api"
	"github.com/sanosuguru/vrlab-reservation/internal/api/handler"
	"github.com/sanosuguru/vrlab-reservation/internal/api/middleware"
	"github.com/sanosuguru/vrlab-reservation/internal/application"
	"github.com/sanosuguru/vrlab-reservation/internal/config"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/transaction"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/user"
	"github.com/sanosuguru/vrlab-reservation/internal/infrastructure/memory"
	"github.com/sanosuguru/vrlab-reservation/internal/infrastructure/postgres"
	"github.com/sanosuguru/vrlab-reservation/internal/infrastructure/rabbitmq"
	redisinfra "github.com/sanosuguru/vrlab-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/logger"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/metrics"
	"github.com/sanosuguru/vrlab-reservation/internal/worker"
)

// storage は選択したストレージドライバの構成要素
type storage struct {
	txManager    transaction.Manager
	reservations reservation.Repository
	users        user.Directory
	ping         handler.HealthCheck
	close        func()
}

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, ".env の読み込みに失敗しました: %v\n", err)
	}
	cfg := config.Load()

	logger.Init(cfg.App.Env)
	defer logger.Sync()

	m := metrics.Init()

	store, err := openStorage(cfg)
	if err != nil {
		logger.Fatal("ストレージの初期化に失敗しました", zap.Error(err))
	}
	defer store.close()

	opts := []application.Option{
		application.WithMetrics(m),
		application.WithLocation(cfg.App.Location()),
	}
	health := handler.NewHealthHandler()
	if store.ping != nil {
		health.WithCheck("database", store.ping)
	}

	// Redis が無効な場合はロックもキャッシュも使わない
	if cfg.Redis.Enabled {
		rc, err := redisinfra.NewClient(redisinfra.ConfigFrom(&cfg.Redis))
		if err != nil {
			logger.Fatal("Redis接続に失敗しました", zap.Error(err))
		}
		defer rc.Close()

		opts = append(opts,
			application.WithLockManager(redisinfra.NewLockManager(rc).WithMetrics(m), application.LockOptions{
				TTL:        cfg.Lock.TTL,
				MaxRetries: cfg.Lock.MaxRetries,
				RetryDelay: cfg.Lock.RetryDelay,
			}),
			application.WithStatsCache(redisinfra.NewStatsCache(rc, cfg.Redis.StatsTTL)),
		)
		health.WithCheck("redis", func(ctx context.Context) error { return redisinfra.Ping(ctx, rc) })
	}

	if cfg.RabbitMQ.Enabled {
		pub, err := rabbitmq.NewPublisher(cfg.RabbitMQ.URL, cfg.RabbitMQ.Queue)
		if err != nil {
			logger.Fatal("RabbitMQ接続に失敗しました", zap.Error(err))
		}
		defer pub.Close()
		opts = append(opts, application.WithEventPublisher(pub))
	}

	service := application.NewReservationService(store.txManager, store.reservations, store.users, opts...)

	e := echo.New()
	e.HideBanner = true
	e.Validator = api.NewValidator()
	e.HTTPErrorHandler = api.CustomHTTPErrorHandler
	e.Server.ReadTimeout = cfg.Server.ReadTimeout
	e.Server.WriteTimeout = cfg.Server.WriteTimeout

	middleware.SetupMiddleware(e)
	e.Use(middleware.PrometheusMiddleware(m))

	e.GET("/health", health.Check)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()), middleware.MetricsBasicAuth(middleware.MetricsAuthConfig{
		User:     cfg.Server.MetricsUser,
		Password: cfg.Server.MetricsPassword,
	}))
	handler.RegisterRoutes(e, service, cfg.Auth.JWTSecret)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reporter := worker.NewStatsReporter(service, m, cfg.Worker.StatsInterval)
	go reporter.Start(ctx)

	go func() {
		logger.Info("サーバーを起動します",
			zap.String("port", cfg.Server.Port),
			zap.String("storage", cfg.App.StorageDriver),
			zap.Bool("redis", cfg.Redis.Enabled),
			zap.Bool("rabbitmq", cfg.RabbitMQ.Enabled),
		)
		if err := e.Start(":" + cfg.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("サーバー起動エラー", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("サーバーをシャットダウンしています...")

	reporter.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("サーバーシャットダウンエラー", zap.Error(err))
		return
	}
	logger.Info("サーバーが正常にシャットダウンしました")
}

func openStorage(cfg *config.Config) (*storage, error) {
	switch cfg.App.StorageDriver {
	case "memory":
		users := memory.NewUserDirectory(demoUsers()...)
		logger.Warn("インメモリストレージで起動します。再起動するとデータは失われます")
		return &storage{
			txManager:    memory.NewTxManager(),
			reservations: memory.NewReservationRepository(users),
			users:        users,
			close:        func() {},
		}, nil

	case "postgres":
		db, err := postgres.NewConnection(&cfg.Database)
		if err != nil {
			return nil, err
		}
		if cfg.App.MigrationsPath != "" {
			version, err := postgres.RunMigrations(db.DB, cfg.App.MigrationsPath)
			if err != nil {
				db.Close()
				return nil, err
			}
			logger.Info("マイグレーションを適用しました", zap.Uint("version", version))
		}
		return &storage{
			txManager:    postgres.NewTxManager(db),
			reservations: postgres.NewReservationRepository(db),
			users:        postgres.NewUserDirectory(db),
			ping:         db.PingContext,
			close:        func() { db.Close() },
		}, nil

	default:
		return nil, fmt.Errorf("不明なストレージドライバです: %q", cfg.App.StorageDriver)
	}
}

// demoUsers はインメモリストレージで使う利用者
func demoUsers() []*user.User {
	now := time.Now()
	return []*user.User{
		{ID: "admin", Username: "admin", FullName: "Lab Admin", Email: "admin@example.com", Active: true, Admin: true, CreatedAt: now},
		{ID: "demo-user", Username: "demo", FullName: "Demo User", Email: "demo@example.com", Active: true, CreatedAt: now},
	}
}
