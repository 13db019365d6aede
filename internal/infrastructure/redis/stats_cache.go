package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
)

var (
	ErrCacheMiss = errors.New("キャッシュが見つかりません")
	// ErrStaleCounts は集計中に無効化が入ったため保存を見送ったことを表す
	ErrStaleCounts = errors.New("集計中にキャッシュが無効化されました")
)

const (
	statsKeyPrefix = "reservations:stats:"
	statsGenPrefix = "reservations:stats-gen:"
	// 世代キーは無効化のたびに延長する
	statsGenTTL = 24 * time.Hour
)

// 世代が読み取り時と同じ場合だけ件数を保存する
var setCountsScript = redis.NewScript(`
	local gen = redis.call("GET", KEYS[1])
	if not gen then
		gen = "0"
	end
	if gen ~= ARGV[1] then
		return 0
	end
	if tonumber(ARGV[3]) > 0 then
		redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
	else
		redis.call("SET", KEYS[2], ARGV[2])
	end
	return 1
`)

// StatsScopeAll は全予約の集計を表すスコープ
const StatsScopeAll = "all"

// StatsScopeOwner は利用者ごとの集計スコープ
func StatsScopeOwner(ownerID string) string { return "owner:" + ownerID }

type cachedCounts struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	ByStatus map[string]int `json:"by_status"`
}

// StatsCache は予約の状態別件数のキャッシュを管理する
type StatsCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStatsCache は新しいStatsCacheインスタンスを作成する
func NewStatsCache(client *redis.Client, ttl time.Duration) *StatsCache {
	return &StatsCache{client: client, ttl: ttl}
}

// GetCounts はスコープの件数をキャッシュから取得する
func (c *StatsCache) GetCounts(ctx context.Context, scope string) (reservation.Counts, error) {
	raw, err := c.client.Get(ctx, c.key(scope)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return reservation.Counts{}, ErrCacheMiss
		}
		return reservation.Counts{}, fmt.Errorf("キャッシュ取得に失敗: %w", err)
	}
	var cc cachedCounts
	if err := json.Unmarshal(raw, &cc); err != nil {
		return reservation.Counts{}, fmt.Errorf("キャッシュの形式が不正です: %w", err)
	}
	byStatus := make(map[reservation.Status]int, len(cc.ByStatus))
	for s, n := range cc.ByStatus {
		byStatus[reservation.Status(s)] = n
	}
	return reservation.NewCounts(byStatus), nil
}

// Generation はスコープの世代番号を返す。集計前に読み、SetCounts に渡す
func (c *StatsCache) Generation(ctx context.Context, scope string) (int64, error) {
	gen, err := c.client.Get(ctx, c.genKey(scope)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("キャッシュ世代の取得に失敗: %w", err)
	}
	return gen, nil
}

// SetCounts はスコープの件数をキャッシュに保存する
// gen 以降に Invalidate されていれば保存せず ErrStaleCounts を返す
func (c *StatsCache) SetCounts(ctx context.Context, scope string, gen int64, counts reservation.Counts) error {
	cc := cachedCounts{Total: counts.Total, Pending: counts.Pending, ByStatus: make(map[string]int, len(counts.ByStatus))}
	for s, n := range counts.ByStatus {
		cc.ByStatus[string(s)] = n
	}
	raw, err := json.Marshal(cc)
	if err != nil {
		return fmt.Errorf("キャッシュのエンコードに失敗: %w", err)
	}
	stored, err := setCountsScript.Run(ctx, c.client,
		[]string{c.genKey(scope), c.key(scope)},
		strconv.FormatInt(gen, 10), raw, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("キャッシュ保存に失敗: %w", err)
	}
	if stored == 0 {
		return ErrStaleCounts
	}
	return nil
}

// Invalidate は指定スコープのキャッシュを削除し、世代を進める
func (c *StatsCache) Invalidate(ctx context.Context, scopes ...string) error {
	if len(scopes) == 0 {
		return nil
	}
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, s := range scopes {
			pipe.Incr(ctx, c.genKey(s))
			pipe.Expire(ctx, c.genKey(s), statsGenTTL)
			pipe.Del(ctx, c.key(s))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("キャッシュ無効化に失敗: %w", err)
	}
	return nil
}

func (c *StatsCache) key(scope string) string {
	return statsKeyPrefix + scope
}

func (c *StatsCache) genKey(scope string) string {
	return statsGenPrefix + scope
}
