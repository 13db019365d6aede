package application

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/transaction"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/user"
	redislock "github.com/sanosuguru/vrlab-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/logger"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/metrics"
)

// ErrReservationBusy は同じ日付の予約処理が他で実行中のときに返される
var ErrReservationBusy = errors.New("同じ日付の予約が他のユーザーによって処理中です")

// 操作名。メトリクスのラベルとログに使う
const (
	opCreate       = "create"
	opReschedule   = "reschedule"
	opCancel       = "cancel"
	opConfirmUsage = "confirm_usage"
)

// StatsCache は状態別件数のキャッシュ
type StatsCache interface {
	GetCounts(ctx context.Context, scope string) (reservation.Counts, error)
	Generation(ctx context.Context, scope string) (int64, error)
	SetCounts(ctx context.Context, scope string, gen int64, counts reservation.Counts) error
	Invalidate(ctx context.Context, scopes ...string) error
}

// EventPublisher は状態変更イベントの送信先
type EventPublisher interface {
	PublishStatusChanged(ctx context.Context, ev reservation.StatusChangedEvent) error
}

// LockOptions は分散ロックの取得設定
type LockOptions struct {
	TTL        time.Duration
	MaxRetries int
	RetryDelay time.Duration
}

// DefaultLockOptions は分散ロックの既定値
var DefaultLockOptions = LockOptions{TTL: 10 * time.Second, MaxRetries: 3, RetryDelay: 100 * time.Millisecond}

type ReservationService struct {
	txManager       transaction.Manager
	reservationRepo reservation.Repository
	users           user.Directory
	lockManager     redislock.LockManagerInterface
	lockOpts        LockOptions
	statsCache      StatsCache
	publisher       EventPublisher
	metrics         *metrics.Metrics
	loc             *time.Location
	now             func() time.Time
}

// Option は ReservationService の任意設定
type Option func(*ReservationService)

// WithLockManager はプロセス間の日付ロックを有効にする
func WithLockManager(lm redislock.LockManagerInterface, opts LockOptions) Option {
	return func(s *ReservationService) {
		s.lockManager = lm
		s.lockOpts = opts
	}
}

// WithStatsCache は件数集計のキャッシュを有効にする
func WithStatsCache(c StatsCache) Option {
	return func(s *ReservationService) { s.statsCache = c }
}

// WithEventPublisher はコミット後の状態変更イベント送信を有効にする
func WithEventPublisher(p EventPublisher) Option {
	return func(s *ReservationService) { s.publisher = p }
}

// WithMetrics は操作結果を記録する
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *ReservationService) { s.metrics = m }
}

// WithLocation は「今日」と利用開始時刻の判定に使うタイムゾーンを設定する
func WithLocation(loc *time.Location) Option {
	return func(s *ReservationService) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithClock は現在時刻の取得元を差し替える
func WithClock(now func() time.Time) Option {
	return func(s *ReservationService) {
		if now != nil {
			s.now = now
		}
	}
}

func NewReservationService(tm transaction.Manager, rr reservation.Repository, users user.Directory, opts ...Option) *ReservationService {
	s := &ReservationService{
		txManager:       tm,
		reservationRepo: rr,
		users:           users,
		lockOpts:        DefaultLockOptions,
		loc:             time.UTC,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Location は判定に使うタイムゾーンを返す
func (s *ReservationService) Location() *time.Location { return s.loc }

// Today は研究室のタイムゾーンにおける今日の日付
func (s *ReservationService) Today() time.Time {
	return reservation.NormalizeDate(s.now().In(s.loc))
}

type CreateReservationInput struct {
	Actor    reservation.Actor
	OwnerID  string
	Interval reservation.Interval
}

// CreateReservation は保留中の予約を作成する
// 日付ロックを保持したまま同じトランザクション内で重複判定と書き込みを行う
func (s *ReservationService) CreateReservation(ctx context.Context, input CreateReservationInput) (*reservation.Reservation, error) {
	started := time.Now()
	res, err := s.createReservation(ctx, input)
	s.observe(opCreate, err, started)
	if err != nil {
		return nil, err
	}
	s.afterMutation(ctx, res, reservation.ActionCreated, "", input.Actor)
	return res, nil
}

func (s *ReservationService) createReservation(ctx context.Context, input CreateReservationInput) (*reservation.Reservation, error) {
	if err := reservation.AuthorizeCreate(input.Actor, input.OwnerID); err != nil {
		return nil, err
	}
	res := reservation.NewReservation(input.OwnerID, input.Interval, s.now())
	if err := res.Validate(); err != nil {
		return nil, err
	}

	active, err := s.users.IsActiveUser(ctx, input.OwnerID)
	if err != nil {
		return nil, reservation.WrapStorage("利用者の確認に失敗", err)
	}
	if !active {
		return nil, reservation.ErrOwnerNotActive
	}

	unlock, err := s.acquireDateLock(ctx, res.Interval.Date)
	if err != nil {
		return nil, err
	}
	defer unlock()

	tx, err := s.txManager.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	if err := s.reservationRepo.LockDates(ctx, tx, res.Interval.Date); err != nil {
		return nil, err
	}
	if err := s.checkConflict(ctx, tx, res.Interval, ""); err != nil {
		return nil, err
	}
	if err := s.reservationRepo.Create(ctx, tx, res); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, reservation.WrapStorage("コミットに失敗", err)
	}

	logger.Info("予約を作成しました",
		logger.ReservationID(res.ID),
		logger.OwnerID(res.OwnerID),
		logger.ActorID(input.Actor.UserID),
		logger.Slot(res.Interval.Date, res.Interval.Start.String(), res.Interval.End.String()),
	)
	return res, nil
}

type RescheduleReservationInput struct {
	ID       string
	Interval reservation.Interval
	Status   reservation.Status
	Actor    reservation.Actor
}

// RescheduleReservation は管理者が予約日時と状態を編集する
func (s *ReservationService) RescheduleReservation(ctx context.Context, input RescheduleReservationInput) (*reservation.Reservation, error) {
	started := time.Now()
	res, from, err := s.rescheduleReservation(ctx, input)
	s.observe(opReschedule, err, started)
	if err != nil {
		return nil, err
	}
	s.afterMutation(ctx, res, reservation.ActionRescheduled, from, input.Actor)
	return res, nil
}

func (s *ReservationService) rescheduleReservation(ctx context.Context, input RescheduleReservationInput) (*reservation.Reservation, reservation.Status, error) {
	if !input.Actor.Admin {
		return nil, "", reservation.ErrAdminRequired
	}
	if !input.Status.Valid() {
		return nil, "", reservation.ErrInvalidStatus
	}
	input.Interval.Date = reservation.NormalizeDate(input.Interval.Date)
	if err := input.Interval.Validate(); err != nil {
		return nil, "", err
	}

	// ロック対象の日付を決めるために現在の予約日を読む
	before, err := s.reservationRepo.GetByID(ctx, input.ID)
	if err != nil {
		return nil, "", err
	}
	dates := []time.Time{before.Interval.Date, input.Interval.Date}

	unlock, err := s.acquireDateLock(ctx, dates...)
	if err != nil {
		return nil, "", err
	}
	defer unlock()

	tx, err := s.txManager.Begin(ctx)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	if err := s.reservationRepo.LockDates(ctx, tx, dates...); err != nil {
		return nil, "", err
	}
	current, err := s.reservationRepo.GetForUpdate(ctx, tx, input.ID)
	if err != nil {
		return nil, "", err
	}
	if err := reservation.AuthorizeReschedule(input.Actor, current, input.Status); err != nil {
		return nil, "", err
	}
	if reservation.RequiresConflictCheck(current, input.Interval, input.Status) {
		if err := s.checkConflict(ctx, tx, input.Interval, current.ID); err != nil {
			return nil, "", err
		}
	}

	updated := current.Clone()
	if err := updated.Reschedule(input.Interval, input.Status, s.now()); err != nil {
		return nil, "", err
	}
	if err := s.reservationRepo.Update(ctx, tx, updated, current.Status); err != nil {
		return nil, "", err
	}
	if err := tx.Commit(); err != nil {
		return nil, "", reservation.WrapStorage("コミットに失敗", err)
	}

	logger.Info("予約を更新しました",
		logger.ReservationID(updated.ID),
		logger.ActorID(input.Actor.UserID),
		logger.Slot(updated.Interval.Date, updated.Interval.Start.String(), updated.Interval.End.String()),
		logger.Status(string(updated.Status)),
	)
	return updated, current.Status, nil
}

// CancelReservation は予約をキャンセルする。本人は自分の予約のみ、管理者は任意の予約を対象にできる
func (s *ReservationService) CancelReservation(ctx context.Context, id string, actor reservation.Actor) (*reservation.Reservation, error) {
	started := time.Now()
	res, from, err := s.changeStatus(ctx, id, (*reservation.Reservation).Cancel, func(current *reservation.Reservation) (reservation.StatusCondition, error) {
		if err := reservation.AuthorizeCancel(actor, current); err != nil {
			return reservation.StatusCondition{}, err
		}
		cond := reservation.StatusCondition{From: []reservation.Status{current.Status}}
		if !actor.Admin {
			cond.OwnerID = actor.UserID
		}
		return cond, nil
	})
	s.observe(opCancel, err, started)
	if err != nil {
		return nil, err
	}
	logger.Info("予約をキャンセルしました",
		logger.ReservationID(res.ID),
		logger.ActorID(actor.UserID),
		zap.Bool("admin", actor.Admin),
	)
	s.afterMutation(ctx, res, reservation.ActionCancelled, from, actor)
	return res, nil
}

// ConfirmUsage は本人が利用開始後に保留中の予約を確定する
func (s *ReservationService) ConfirmUsage(ctx context.Context, id, ownerID string) (*reservation.Reservation, error) {
	started := time.Now()
	res, from, err := s.changeStatus(ctx, id, (*reservation.Reservation).ConfirmUsage, func(current *reservation.Reservation) (reservation.StatusCondition, error) {
		if err := reservation.AuthorizeConfirmUsage(ownerID, current, s.now().In(s.loc), s.loc); err != nil {
			return reservation.StatusCondition{}, err
		}
		return reservation.StatusCondition{From: []reservation.Status{reservation.StatusPending}, OwnerID: ownerID}, nil
	})
	s.observe(opConfirmUsage, err, started)
	if err != nil {
		return nil, err
	}
	logger.Info("予約の利用を確認しました", logger.ReservationID(res.ID), logger.OwnerID(ownerID))
	s.afterMutation(ctx, res, reservation.ActionUsageConfirm, from, reservation.UserActor(ownerID))
	return res, nil
}

// changeStatus は行ロック下で権限を検証し、エンティティの遷移を適用して条件付きで状態を更新する
func (s *ReservationService) changeStatus(
	ctx context.Context,
	id string,
	apply func(r *reservation.Reservation, now time.Time) error,
	authorize func(current *reservation.Reservation) (reservation.StatusCondition, error),
) (*reservation.Reservation, reservation.Status, error) {
	tx, err := s.txManager.Begin(ctx)
	if err != nil {
		return nil, "", err
	}
	defer tx.Rollback()

	current, err := s.reservationRepo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return nil, "", err
	}
	cond, err := authorize(current)
	if err != nil {
		return nil, "", err
	}
	now := s.now()
	updated := current.Clone()
	if err := apply(updated, now); err != nil {
		return nil, "", err
	}
	ok, err := s.reservationRepo.UpdateStatus(ctx, tx, id, updated.Status, cond, now)
	if err != nil {
		return nil, "", err
	}
	if !ok {
		// 読み取り後に他の操作で状態が変わった
		return nil, "", fmt.Errorf("%w: 予約の状態が他の操作で変更されました", reservation.ErrInvalidTransition)
	}
	if err := tx.Commit(); err != nil {
		return nil, "", reservation.WrapStorage("コミットに失敗", err)
	}

	return updated, current.Status, nil
}

func (s *ReservationService) GetReservation(ctx context.Context, id string) (*reservation.Reservation, error) {
	return s.reservationRepo.GetByID(ctx, id)
}

// GetReservationFor は閲覧権限を確認して予約を返す。他人の予約は存在しないものとして扱う
func (s *ReservationService) GetReservationFor(ctx context.Context, id string, actor reservation.Actor) (*reservation.Reservation, error) {
	res, err := s.reservationRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !actor.Admin && !actor.Owns(res) {
		return nil, reservation.ErrReservationNotFound
	}
	return res, nil
}

// checkConflict は同日の有効な予約と候補区間の重複を判定する
func (s *ReservationService) checkConflict(ctx context.Context, tx transaction.Tx, candidate reservation.Interval, excludeID string) error {
	sameDay, err := s.reservationRepo.ListActiveOnDate(ctx, tx, candidate.Date)
	if err != nil {
		return err
	}
	if existing, ok := reservation.DetectConflict(candidate, excludeID, sameDay); ok {
		logger.Info("予約が重複しています",
			logger.Slot(candidate.Date, candidate.Start.String(), candidate.End.String()),
			zap.String("conflict_with", existing.ID),
		)
		return reservation.ErrScheduleConflict
	}
	return nil
}

// acquireDateLock は分散ロックが設定されていれば日付ごとのロックを昇順に取得する
// 途中で失敗した場合は取得済みのロックを解放する
func (s *ReservationService) acquireDateLock(ctx context.Context, dates ...time.Time) (func(), error) {
	if s.lockManager == nil {
		return func() {}, nil
	}
	keys := buildDateLockKeys(dates)
	locks := make([]redislock.Lock, 0, len(keys))
	release := func() {
		for i := len(locks) - 1; i >= 0; i-- {
			if err := locks[i].Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("日付ロックの解放に失敗しました", zap.String("lock_key", keys[i]), zap.Error(err))
			}
		}
	}
	for _, key := range keys {
		lock, err := s.lockManager.AcquireLockWithRetry(ctx, key, s.lockOpts.TTL, s.lockOpts.MaxRetries, s.lockOpts.RetryDelay)
		if err != nil {
			release()
			if errors.Is(err, redislock.ErrLockNotAcquired) {
				logger.Warn("日付ロックを取得できませんでした", zap.String("lock_key", key))
				return nil, ErrReservationBusy
			}
			return nil, fmt.Errorf("ロック取得に失敗: %w", err)
		}
		locks = append(locks, lock)
	}
	return release, nil
}

// buildDateLockKeys は予約日ごとのロックキーを重複なしの昇順で返す（デッドロック防止）
func buildDateLockKeys(dates []time.Time) []string {
	seen := make(map[string]bool, len(dates))
	keys := make([]string, 0, len(dates))
	for _, d := range dates {
		k := "reservation-date:" + reservation.NormalizeDate(d).Format(reservation.DateLayout)
		if !seen[k] {
			seen[k] = true
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// afterMutation はコミット後にキャッシュ無効化とイベント送信を行う。失敗しても操作は成功扱い
func (s *ReservationService) afterMutation(ctx context.Context, res *reservation.Reservation, action string, from reservation.Status, actor reservation.Actor) {
	ctx = context.WithoutCancel(ctx)
	if s.statsCache != nil {
		if err := s.statsCache.Invalidate(ctx, redislock.StatsScopeAll, redislock.StatsScopeOwner(res.OwnerID)); err != nil {
			logger.Warn("集計キャッシュの無効化に失敗しました", logger.ReservationID(res.ID), zap.Error(err))
		}
	}
	if s.publisher != nil {
		ev := reservation.NewStatusChangedEvent(res, action, from, actor.UserID, s.now())
		if err := s.publisher.PublishStatusChanged(ctx, ev); err != nil {
			s.metrics.EventPublished("failed")
			logger.Warn("状態変更イベントの送信に失敗しました", logger.ReservationID(res.ID), zap.String("action", action), zap.Error(err))
		} else {
			s.metrics.EventPublished("success")
		}
	}
}

func (s *ReservationService) observe(op string, err error, started time.Time) {
	result := resultLabel(err)
	s.metrics.ObserveReservation(op, result, started)
	if result == "error" {
		logger.Error("予約操作に失敗しました", zap.String("operation", op), zap.Error(err))
	}
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, reservation.ErrScheduleConflict):
		return "conflict"
	case errors.Is(err, reservation.ErrValidation), errors.Is(err, reservation.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, reservation.ErrReservationNotFound):
		return "not_found"
	case errors.Is(err, ErrReservationBusy):
		return "lock_failed"
	default:
		return "error"
	}
}
