package reservation

import (
	"context"
	"time"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/transaction"
)

// StatusCondition は条件付き状態更新の前提条件
type StatusCondition struct {
	// From は更新前に許容される状態
	From []Status
	// OwnerID が空でなければ所有者も一致する必要がある
	OwnerID string
}

// Repository は予約リポジトリのインターフェース
type Repository interface {
	// Create は新しい予約を作成する（トランザクション必須）
	Create(ctx context.Context, tx transaction.Tx, r *Reservation) error

	// GetByID はIDから予約を取得する
	GetByID(ctx context.Context, id string) (*Reservation, error)

	// GetForUpdate はトランザクション内で行ロックを取得して予約を読む
	GetForUpdate(ctx context.Context, tx transaction.Tx, id string) (*Reservation, error)

	// LockDates は予約日単位の排他ロックを取得する。ロックはトランザクション終了時に解放される
	LockDates(ctx context.Context, tx transaction.Tx, dates ...time.Time) error

	// ListActiveOnDate は指定日の保留中・確定済みの予約を取得する
	ListActiveOnDate(ctx context.Context, tx transaction.Tx, date time.Time) ([]*Reservation, error)

	// Update は予約日時と状態を更新する。現在の状態が expected でなければ ErrReservationNotFound
	Update(ctx context.Context, tx transaction.Tx, r *Reservation, expected Status) error

	// UpdateStatus は条件を満たす場合のみ状態を更新し、更新できたかを返す
	UpdateStatus(ctx context.Context, tx transaction.Tx, id string, to Status, cond StatusCondition, now time.Time) (bool, error)

	// List は条件に一致する予約のページと総件数を返す
	List(ctx context.Context, q ListQuery) ([]*Reservation, int, error)

	// CountByStatus は条件に一致する予約を状態別に集計する
	CountByStatus(ctx context.Context, f Filter) (map[Status]int, error)
}
