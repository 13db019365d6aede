package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/transaction"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/user"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/keylock"
)

// ReservationRepository はプロセス内で予約を保持するリポジトリ
// 予約日ごとのキーロックで重複判定と書き込みを直列化する
type ReservationRepository struct {
	mu     sync.RWMutex
	byID   map[string]*reservation.Reservation
	byDate map[string]map[string]struct{}

	locks *keylock.KeyLock
	users user.Directory
}

// NewReservationRepository は新しいリポジトリを作成する
// users は検索条件の評価に使う。nil の場合、検索条件は常に不一致になる
func NewReservationRepository(users user.Directory) *ReservationRepository {
	return &ReservationRepository{
		byID:   make(map[string]*reservation.Reservation),
		byDate: make(map[string]map[string]struct{}),
		locks:  keylock.New(),
		users:  users,
	}
}

func dateKey(d time.Time) string {
	return "date:" + reservation.NormalizeDate(d).Format(reservation.DateLayout)
}

func rowKey(id string) string { return "reservation:" + id }

func (r *ReservationRepository) Create(ctx context.Context, tx transaction.Tx, res *reservation.Reservation) error {
	mt, err := unwrapTx(tx)
	if err != nil {
		return reservation.WrapStorage("予約作成に失敗", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if res.ID == "" {
		res.ID = uuid.NewString()
	}
	if _, exists := r.byID[res.ID]; exists {
		return reservation.WrapStorage("予約作成に失敗", fmt.Errorf("ID %s は既に存在します", res.ID))
	}
	id := res.ID
	if err := mt.addUndo(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removeLocked(id)
	}); err != nil {
		return reservation.WrapStorage("予約作成に失敗", err)
	}
	r.putLocked(res.Clone())
	return nil
}

func (r *ReservationRepository) GetByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byID[id]
	if !ok {
		return nil, reservation.ErrReservationNotFound
	}
	return res.Clone(), nil
}

func (r *ReservationRepository) GetForUpdate(ctx context.Context, tx transaction.Tx, id string) (*reservation.Reservation, error) {
	mt, err := unwrapTx(tx)
	if err != nil {
		return nil, reservation.WrapStorage("予約取得に失敗", err)
	}
	release, err := r.locks.Lock(ctx, rowKey(id))
	if err != nil {
		return nil, reservation.WrapStorage("行ロック取得に失敗", err)
	}
	if err := mt.addRelease(release); err != nil {
		return nil, reservation.WrapStorage("行ロック取得に失敗", err)
	}
	return r.GetByID(ctx, id)
}

func (r *ReservationRepository) LockDates(ctx context.Context, tx transaction.Tx, dates ...time.Time) error {
	mt, err := unwrapTx(tx)
	if err != nil {
		return reservation.WrapStorage("日付ロック取得に失敗", err)
	}
	keys := make([]string, len(dates))
	for i, d := range dates {
		keys[i] = dateKey(d)
	}
	release, err := r.locks.LockAll(ctx, keys...)
	if err != nil {
		return reservation.WrapStorage("日付ロック取得に失敗", err)
	}
	if err := mt.addRelease(release); err != nil {
		return reservation.WrapStorage("日付ロック取得に失敗", err)
	}
	return nil
}

func (r *ReservationRepository) ListActiveOnDate(ctx context.Context, tx transaction.Tx, date time.Time) ([]*reservation.Reservation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byDate[dateKey(date)]
	out := make([]*reservation.Reservation, 0, len(ids))
	for id := range ids {
		res := r.byID[id]
		if res.IsActive() {
			out = append(out, res.Clone())
		}
	}
	reservation.OrderBySchedule.Sort(out)
	return out, nil
}

func (r *ReservationRepository) Update(ctx context.Context, tx transaction.Tx, res *reservation.Reservation, expected reservation.Status) error {
	mt, err := unwrapTx(tx)
	if err != nil {
		return reservation.WrapStorage("予約更新に失敗", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[res.ID]
	if !ok || current.Status != expected {
		return reservation.ErrReservationNotFound
	}
	prev := current.Clone()
	if err := mt.addUndo(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.removeLocked(prev.ID)
		r.putLocked(prev)
	}); err != nil {
		return reservation.WrapStorage("予約更新に失敗", err)
	}
	next := current.Clone()
	next.Interval = res.Interval
	next.Status = res.Status
	next.UpdatedAt = res.UpdatedAt
	r.removeLocked(res.ID)
	r.putLocked(next)
	return nil
}

func (r *ReservationRepository) UpdateStatus(ctx context.Context, tx transaction.Tx, id string, to reservation.Status, cond reservation.StatusCondition, now time.Time) (bool, error) {
	mt, err := unwrapTx(tx)
	if err != nil {
		return false, reservation.WrapStorage("予約状態の更新に失敗", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.byID[id]
	if !ok || !statusIn(current.Status, cond.From) {
		return false, nil
	}
	if cond.OwnerID != "" && current.OwnerID != cond.OwnerID {
		return false, nil
	}
	prevStatus, prevUpdated := current.Status, current.UpdatedAt
	if err := mt.addUndo(func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if cur, ok := r.byID[id]; ok {
			cur.Status = prevStatus
			cur.UpdatedAt = prevUpdated
		}
	}); err != nil {
		return false, reservation.WrapStorage("予約状態の更新に失敗", err)
	}
	current.Status = to
	current.UpdatedAt = now
	return true, nil
}

func (r *ReservationRepository) List(ctx context.Context, q reservation.ListQuery) ([]*reservation.Reservation, int, error) {
	matched, err := r.match(ctx, q.Filter)
	if err != nil {
		return nil, 0, err
	}
	q.Order.Sort(matched)
	return q.Page.Slice(matched), len(matched), nil
}

func (r *ReservationRepository) CountByStatus(ctx context.Context, f reservation.Filter) (map[reservation.Status]int, error) {
	matched, err := r.match(ctx, f)
	if err != nil {
		return nil, err
	}
	counts := make(map[reservation.Status]int)
	for _, res := range matched {
		counts[res.Status]++
	}
	return counts, nil
}

// match はフィルタに一致する予約の複製を1回の走査で集める
func (r *ReservationRepository) match(ctx context.Context, f reservation.Filter) ([]*reservation.Reservation, error) {
	r.mu.RLock()
	snapshot := make([]*reservation.Reservation, 0, len(r.byID))
	for _, res := range r.byID {
		snapshot = append(snapshot, res.Clone())
	}
	r.mu.RUnlock()

	owners := map[string]*user.User{}
	if f.NeedsOwnerFields() && r.users != nil {
		ids := make([]string, 0, len(snapshot))
		for _, res := range snapshot {
			ids = append(ids, res.OwnerID)
		}
		var err error
		owners, err = r.users.GetByIDs(ctx, ids)
		if err != nil {
			return nil, reservation.WrapStorage("利用者情報の取得に失敗", err)
		}
	}

	out := make([]*reservation.Reservation, 0, len(snapshot))
	for _, res := range snapshot {
		var fields reservation.OwnerFields
		if u, ok := owners[res.OwnerID]; ok {
			fields = reservation.OwnerFields{Username: u.Username, FullName: u.FullName, Email: u.Email}
		}
		if f.Match(res, fields) {
			out = append(out, res)
		}
	}
	return out, nil
}

func (r *ReservationRepository) putLocked(res *reservation.Reservation) {
	r.byID[res.ID] = res
	key := dateKey(res.Interval.Date)
	if r.byDate[key] == nil {
		r.byDate[key] = make(map[string]struct{})
	}
	r.byDate[key][res.ID] = struct{}{}
}

func (r *ReservationRepository) removeLocked(id string) {
	res, ok := r.byID[id]
	if !ok {
		return
	}
	key := dateKey(res.Interval.Date)
	delete(r.byDate[key], id)
	if len(r.byDate[key]) == 0 {
		delete(r.byDate, key)
	}
	delete(r.byID, id)
}

func statusIn(s reservation.Status, set []reservation.Status) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}

var _ reservation.Repository = (*ReservationRepository)(nil)
