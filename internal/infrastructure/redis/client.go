package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sanosuguru/vrlab-reservation/internal/config"
)

// Config はRedisクライアントの接続設定
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// ConfigFrom はアプリケーション設定から Config を作る
func ConfigFrom(cfg *config.RedisConfig) *Config {
	return &Config{Host: cfg.Host, Port: cfg.Port, Password: cfg.Password, DB: cfg.DB}
}

// NewClient はRedisクライアントを作成し、接続を確認する
func NewClient(cfg *Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := Ping(ctx, client); err != nil {
		client.Close()
		return nil, err
	}
	return client, nil
}

// Ping はRedis接続を確認する
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("Redis接続に失敗しました: %w", err)
	}
	return nil
}
