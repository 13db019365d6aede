package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/transaction"
)

const reservationColumns = `r.id, r.user_id, r.reservation_date, r.start_time, r.end_time, r.status, r.created_at, r.updated_at`

// 予約日単位のアドバイザリロックの名前空間
const dateLockPrefix = "reservation-date:"

type reservationRow struct {
	ID        string                `db:"id"`
	UserID    string                `db:"user_id"`
	Date      time.Time             `db:"reservation_date"`
	StartTime reservation.TimeOfDay `db:"start_time"`
	EndTime   reservation.TimeOfDay `db:"end_time"`
	Status    string                `db:"status"`
	CreatedAt time.Time             `db:"created_at"`
	UpdatedAt time.Time             `db:"updated_at"`
}

func (r *reservationRow) toEntity() *reservation.Reservation {
	return &reservation.Reservation{
		ID:      r.ID,
		OwnerID: r.UserID,
		Interval: reservation.Interval{
			Date:  reservation.NormalizeDate(r.Date),
			Start: r.StartTime,
			End:   r.EndTime,
		},
		Status:    reservation.Status(r.Status),
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

type statusCountRow struct {
	Status string `db:"status"`
	Count  int    `db:"count"`
}

type ReservationRepository struct{ db *sqlx.DB }

func NewReservationRepository(db *sqlx.DB) *ReservationRepository {
	return &ReservationRepository{db: db}
}

func (r *ReservationRepository) Create(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) error {
	stx, err := mustUnwrap(tx)
	if err != nil {
		return reservation.WrapStorage("予約作成に失敗", err)
	}
	if !validUUID(res.OwnerID) {
		return reservation.ErrOwnerNotActive
	}
	query := `INSERT INTO reservations (user_id, reservation_date, start_time, end_time, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`
	err = stx.QueryRowContext(ctx, query,
		res.OwnerID, dateParam(res.Interval.Date), res.Interval.Start, res.Interval.End,
		string(res.Status), res.CreatedAt, res.UpdatedAt,
	).Scan(&res.ID)
	if err != nil {
		return classifyWriteError("予約作成に失敗", err)
	}
	return nil
}

func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	if !validUUID(id) {
		return nil, reservation.ErrReservationNotFound
	}
	var row reservationRow
	query := `SELECT ` + reservationColumns + ` FROM reservations r WHERE r.id = $1`
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reservation.ErrReservationNotFound
		}
		return nil, reservation.WrapStorage("予約取得に失敗", err)
	}
	return row.toEntity(), nil
}

func (r *ReservationRepository) GetForUpdate(ctx context.Context, tx transaction.Tx, id string) (*reservation.Reservation, error) {
	stx, err := mustUnwrap(tx)
	if err != nil {
		return nil, reservation.WrapStorage("予約取得に失敗", err)
	}
	if !validUUID(id) {
		return nil, reservation.ErrReservationNotFound
	}
	var row reservationRow
	query := `SELECT ` + reservationColumns + ` FROM reservations r WHERE r.id = $1 FOR UPDATE`
	if err := stx.GetContext(ctx, &row, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, reservation.ErrReservationNotFound
		}
		return nil, reservation.WrapStorage("予約取得に失敗", err)
	}
	return row.toEntity(), nil
}

// LockDates は pg_advisory_xact_lock で予約日ごとの排他ロックを取得する
// デッドロックを避けるため日付をソートしてから取得する
func (r *ReservationRepository) LockDates(ctx context.Context, tx transaction.Tx, dates ...time.Time) error {
	stx, err := mustUnwrap(tx)
	if err != nil {
		return reservation.WrapStorage("日付ロック取得に失敗", err)
	}
	for _, key := range sortedDateKeys(dates) {
		if _, err := stx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, dateLockPrefix+key); err != nil {
			return reservation.WrapStorage("日付ロック取得に失敗", err)
		}
	}
	return nil
}

func (r *ReservationRepository) ListActiveOnDate(ctx context.Context, tx transaction.Tx, date time.Time) ([]*reservation.Reservation, error) {
	stx, err := mustUnwrap(tx)
	if err != nil {
		return nil, reservation.WrapStorage("予約一覧取得に失敗", err)
	}
	var rows []reservationRow
	query := `SELECT ` + reservationColumns + ` FROM reservations r
		WHERE r.reservation_date = $1 AND r.status IN ('pending', 'confirmed')
		ORDER BY r.start_time ASC`
	if err := stx.SelectContext(ctx, &rows, query, dateParam(date)); err != nil {
		return nil, reservation.WrapStorage("予約一覧取得に失敗", err)
	}
	return toEntities(rows), nil
}

func (r *ReservationRepository) Update(ctx context.Context, tx transaction.Tx, res *reservation.Reservation, expected reservation.Status) error {
	stx, err := mustUnwrap(tx)
	if err != nil {
		return reservation.WrapStorage("予約更新に失敗", err)
	}
	if !validUUID(res.ID) {
		return reservation.ErrReservationNotFound
	}
	query := `UPDATE reservations
		SET reservation_date = $1, start_time = $2, end_time = $3, status = $4, updated_at = $5
		WHERE id = $6 AND status = $7`
	result, err := stx.ExecContext(ctx, query,
		dateParam(res.Interval.Date), res.Interval.Start, res.Interval.End,
		string(res.Status), res.UpdatedAt, res.ID, string(expected),
	)
	if err != nil {
		return classifyWriteError("予約更新に失敗", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return reservation.WrapStorage("予約更新に失敗", err)
	}
	if rows == 0 {
		return reservation.ErrReservationNotFound
	}
	return nil
}

func (r *ReservationRepository) UpdateStatus(ctx context.Context, tx transaction.Tx, id string, to reservation.Status, cond reservation.StatusCondition, now time.Time) (bool, error) {
	stx, err := mustUnwrap(tx)
	if err != nil {
		return false, reservation.WrapStorage("予約状態の更新に失敗", err)
	}
	if !validUUID(id) || len(cond.From) == 0 {
		return false, nil
	}
	if cond.OwnerID != "" && !validUUID(cond.OwnerID) {
		return false, nil
	}

	from := make([]string, len(cond.From))
	for i, s := range cond.From {
		from[i] = string(s)
	}
	query := `UPDATE reservations SET status = ?, updated_at = ? WHERE id = ? AND status IN (?)`
	args := []any{string(to), now, id, from}
	if cond.OwnerID != "" {
		query += ` AND user_id = ?`
		args = append(args, cond.OwnerID)
	}
	query, args, err = sqlx.In(query, args...)
	if err != nil {
		return false, reservation.WrapStorage("予約状態の更新に失敗", err)
	}
	result, err := stx.ExecContext(ctx, stx.Rebind(query), args...)
	if err != nil {
		return false, classifyWriteError("予約状態の更新に失敗", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, reservation.WrapStorage("予約状態の更新に失敗", err)
	}
	return rows == 1, nil
}

func (r *ReservationRepository) List(ctx context.Context, q reservation.ListQuery) ([]*reservation.Reservation, int, error) {
	where, args := buildWhere(q.Filter)

	var total int
	countQuery := r.db.Rebind(`SELECT COUNT(*) FROM reservations r JOIN users u ON u.id = r.user_id` + where)
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, reservation.WrapStorage("予約件数取得に失敗", err)
	}
	if total == 0 || q.Page.Offset() >= total {
		return []*reservation.Reservation{}, total, nil
	}

	query := r.db.Rebind(`SELECT ` + reservationColumns + ` FROM reservations r JOIN users u ON u.id = r.user_id` +
		where + orderClause(q.Order) + ` LIMIT ? OFFSET ?`)
	var rows []reservationRow
	if err := r.db.SelectContext(ctx, &rows, query, append(args, q.Page.Limit(), q.Page.Offset())...); err != nil {
		return nil, 0, reservation.WrapStorage("予約一覧取得に失敗", err)
	}
	return toEntities(rows), total, nil
}

func (r *ReservationRepository) CountByStatus(ctx context.Context, f reservation.Filter) (map[reservation.Status]int, error) {
	where, args := buildWhere(f)
	query := r.db.Rebind(`SELECT r.status, COUNT(*) AS count FROM reservations r JOIN users u ON u.id = r.user_id` +
		where + ` GROUP BY r.status`)
	var rows []statusCountRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, reservation.WrapStorage("予約集計に失敗", err)
	}
	counts := make(map[reservation.Status]int, len(rows))
	for _, row := range rows {
		counts[reservation.Status(row.Status)] = row.Count
	}
	return counts, nil
}

// buildWhere は Filter の各条件を AND で結合した WHERE 句に変換する
// プレースホルダは ? で組み立て、呼び出し側で Rebind する
func buildWhere(f reservation.Filter) (string, []any) {
	conds := make([]string, 0, len(f))
	args := make([]any, 0, len(f))
	for _, p := range f {
		switch p.Kind {
		case reservation.PredicateSearch:
			if p.Text == "" {
				continue
			}
			pattern := "%" + likeEscaper.Replace(p.Text) + "%"
			conds = append(conds, `(u.username ILIKE ? OR u.full_name ILIKE ? OR u.email ILIKE ?)`)
			args = append(args, pattern, pattern, pattern)
		case reservation.PredicateStatus:
			conds = append(conds, `r.status = ?`)
			args = append(args, string(p.Status))
		case reservation.PredicateDate:
			conds = append(conds, `r.reservation_date = ?`)
			args = append(args, dateParam(p.Date))
		case reservation.PredicateDateFrom:
			conds = append(conds, `r.reservation_date >= ?`)
			args = append(args, dateParam(p.Date))
		case reservation.PredicateOwner:
			if !validUUID(p.Text) {
				// 存在し得ない所有者は常に不一致
				conds = append(conds, `FALSE`)
				continue
			}
			conds = append(conds, `r.user_id = ?`)
			args = append(args, p.Text)
		case reservation.PredicateActive:
			conds = append(conds, `r.status IN ('pending', 'confirmed')`)
		}
	}
	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func orderClause(o reservation.Order) string {
	switch o {
	case reservation.OrderByCreatedDesc:
		return ` ORDER BY r.created_at DESC, r.id DESC`
	default:
		return ` ORDER BY r.reservation_date ASC, r.start_time ASC, r.id ASC`
	}
}

// classifyWriteError は書き込み時のPostgreSQLエラーをドメインエラーに変換する
func classifyWriteError(op string, err error) error {
	var pgErr *pq.Error
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23P01": // exclusion_violation
			return reservation.ErrScheduleConflict
		case "23503": // foreign_key_violation
			return reservation.ErrOwnerNotActive
		case "23514": // check_violation
			return fmt.Errorf("%w: %s", reservation.ErrInvalidTimeRange, pgErr.Constraint)
		}
	}
	return reservation.WrapStorage(op, err)
}

func sortedDateKeys(dates []time.Time) []string {
	seen := make(map[string]struct{}, len(dates))
	keys := make([]string, 0, len(dates))
	for _, d := range dates {
		k := dateParam(d)
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func dateParam(d time.Time) string {
	return reservation.NormalizeDate(d).Format(reservation.DateLayout)
}

func validUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}

func toEntities(rows []reservationRow) []*reservation.Reservation {
	result := make([]*reservation.Reservation, len(rows))
	for i := range rows {
		result[i] = rows[i].toEntity()
	}
	return result
}

var _ reservation.Repository = (*ReservationRepository)(nil)
