package application

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/transaction"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/user"
	redisinfra "github.com/sanosuguru/vrlab-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/metrics"
)

// === Mock implementations ===

// MockTxManager implements transaction.Manager
type MockTxManager struct {
	mock.Mock
}

func (m *MockTxManager) Begin(ctx context.Context) (transaction.Tx, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(transaction.Tx), args.Error(1)
}

// MockTx implements transaction.Tx
type MockTx struct {
	mock.Mock
}

func (m *MockTx) Commit() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockTx) Rollback() error {
	args := m.Called()
	return args.Error(0)
}

// MockReservationRepository implements reservation.Repository
type MockReservationRepository struct {
	mock.Mock
}

func (m *MockReservationRepository) Create(ctx context.Context, tx transaction.Tx, r *reservation.Reservation) error {
	args := m.Called(ctx, tx, r)
	return args.Error(0)
}

func (m *MockReservationRepository) GetByID(ctx context.Context, id string) (*reservation.Reservation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reservation.Reservation), args.Error(1)
}

func (m *MockReservationRepository) GetForUpdate(ctx context.Context, tx transaction.Tx, id string) (*reservation.Reservation, error) {
	args := m.Called(ctx, tx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*reservation.Reservation), args.Error(1)
}

func (m *MockReservationRepository) LockDates(ctx context.Context, tx transaction.Tx, dates ...time.Time) error {
	args := m.Called(ctx, tx, dates)
	return args.Error(0)
}

func (m *MockReservationRepository) ListActiveOnDate(ctx context.Context, tx transaction.Tx, date time.Time) ([]*reservation.Reservation, error) {
	args := m.Called(ctx, tx, date)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*reservation.Reservation), args.Error(1)
}

func (m *MockReservationRepository) Update(ctx context.Context, tx transaction.Tx, r *reservation.Reservation, expected reservation.Status) error {
	args := m.Called(ctx, tx, r, expected)
	return args.Error(0)
}

func (m *MockReservationRepository) UpdateStatus(ctx context.Context, tx transaction.Tx, id string, to reservation.Status, cond reservation.StatusCondition, now time.Time) (bool, error) {
	args := m.Called(ctx, tx, id, to, cond, now)
	return args.Bool(0), args.Error(1)
}

func (m *MockReservationRepository) List(ctx context.Context, q reservation.ListQuery) ([]*reservation.Reservation, int, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Int(1), args.Error(2)
	}
	return args.Get(0).([]*reservation.Reservation), args.Int(1), args.Error(2)
}

func (m *MockReservationRepository) CountByStatus(ctx context.Context, f reservation.Filter) (map[reservation.Status]int, error) {
	args := m.Called(ctx, f)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[reservation.Status]int), args.Error(1)
}

// MockUserDirectory implements user.Directory
type MockUserDirectory struct {
	mock.Mock
}

func (m *MockUserDirectory) IsActiveUser(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *MockUserDirectory) GetByID(ctx context.Context, id string) (*user.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*user.User), args.Error(1)
}

func (m *MockUserDirectory) GetByIDs(ctx context.Context, ids []string) (map[string]*user.User, error) {
	args := m.Called(ctx, ids)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*user.User), args.Error(1)
}

func (m *MockUserDirectory) ListActive(ctx context.Context) ([]*user.User, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*user.User), args.Error(1)
}

// MockLockManager implements redisinfra.LockManagerInterface
type MockLockManager struct {
	mock.Mock
}

func (m *MockLockManager) AcquireLock(ctx context.Context, key string, ttl time.Duration) (redisinfra.Lock, error) {
	args := m.Called(ctx, key, ttl)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(redisinfra.Lock), args.Error(1)
}

func (m *MockLockManager) AcquireLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int, retryInterval time.Duration) (redisinfra.Lock, error) {
	args := m.Called(ctx, key, ttl, maxRetries, retryInterval)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(redisinfra.Lock), args.Error(1)
}

// MockLock implements redisinfra.Lock
type MockLock struct {
	mock.Mock
}

func (m *MockLock) Release(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockLock) Extend(ctx context.Context, ttl time.Duration) error {
	args := m.Called(ctx, ttl)
	return args.Error(0)
}

// MockStatsCache implements StatsCache
type MockStatsCache struct {
	mock.Mock
}

func (m *MockStatsCache) GetCounts(ctx context.Context, scope string) (reservation.Counts, error) {
	args := m.Called(ctx, scope)
	return args.Get(0).(reservation.Counts), args.Error(1)
}

func (m *MockStatsCache) Generation(ctx context.Context, scope string) (int64, error) {
	args := m.Called(ctx, scope)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockStatsCache) SetCounts(ctx context.Context, scope string, gen int64, counts reservation.Counts) error {
	args := m.Called(ctx, scope, gen, counts)
	return args.Error(0)
}

func (m *MockStatsCache) Invalidate(ctx context.Context, scopes ...string) error {
	args := m.Called(ctx, scopes)
	return args.Error(0)
}

// MockPublisher implements EventPublisher
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) PublishStatusChanged(ctx context.Context, ev reservation.StatusChangedEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}

// === Test helper ===

var unitNow = time.Date(2024, 6, 1, 10, 30, 0, 0, time.UTC)

type testDeps struct {
	txManager   *MockTxManager
	tx          *MockTx
	resRepo     *MockReservationRepository
	users       *MockUserDirectory
	lockManager *MockLockManager
	lock        *MockLock
	statsCache  *MockStatsCache
	publisher   *MockPublisher
	metrics     *metrics.Metrics
	service     *ReservationService
}

func newTestDeps() *testDeps {
	d := &testDeps{
		txManager:   new(MockTxManager),
		tx:          new(MockTx),
		resRepo:     new(MockReservationRepository),
		users:       new(MockUserDirectory),
		lockManager: new(MockLockManager),
		lock:        new(MockLock),
		statsCache:  new(MockStatsCache),
		publisher:   new(MockPublisher),
		metrics:     metrics.NewWithRegistry(prometheus.NewRegistry()),
	}
	d.service = NewReservationService(d.txManager, d.resRepo, d.users,
		WithLockManager(d.lockManager, DefaultLockOptions),
		WithStatsCache(d.statsCache),
		WithEventPublisher(d.publisher),
		WithMetrics(d.metrics),
		WithClock(func() time.Time { return unitNow }),
	)
	return d
}

// expectTx はトランザクション開始とロールバックを設定する
func (d *testDeps) expectTx() {
	d.txManager.On("Begin", mock.Anything).Return(d.tx, nil)
	d.tx.On("Rollback").Return(nil)
}

func (d *testDeps) expectLock() {
	d.lockManager.On("AcquireLockWithRetry", mock.Anything, mock.AnythingOfType("string"), 10*time.Second, 3, 100*time.Millisecond).
		Return(d.lock, nil)
	d.lock.On("Release", mock.Anything).Return(nil)
}

func (d *testDeps) expectAfterMutation() {
	d.statsCache.On("Invalidate", mock.Anything, mock.Anything).Return(nil)
	d.publisher.On("PublishStatusChanged", mock.Anything, mock.Anything).Return(nil)
}

func unitInterval(t *testing.T, date, start, end string) reservation.Interval {
	t.Helper()
	iv, err := reservation.ParseInterval(date, start, end)
	require.NoError(t, err)
	return iv
}

func unitReservation(t *testing.T, id, owner string, status reservation.Status) *reservation.Reservation {
	t.Helper()
	return &reservation.Reservation{
		ID:       id,
		OwnerID:  owner,
		Interval: unitInterval(t, "2024-06-01", "10:00", "11:00"),
		Status:   status,
	}
}

// === Tests ===

func TestReservationService_CreateReservation_Success(t *testing.T) {
	deps := newTestDeps()
	ctx := context.Background()
	iv := unitInterval(t, "2024-06-01", "11:00", "12:00")

	deps.users.On("IsActiveUser", ctx, "user-1").Return(true, nil)
	deps.expectLock()
	deps.expectTx()
	deps.tx.On("Commit").Return(nil)
	deps.resRepo.On("LockDates", ctx, deps.tx, []time.Time{iv.Date}).Return(nil)
	deps.resRepo.On("ListActiveOnDate", ctx, deps.tx, iv.Date).
		Return([]*reservation.Reservation{unitReservation(t, "existing", "user-2", reservation.StatusConfirmed)}, nil)
	deps.resRepo.On("Create", ctx, deps.tx, mock.AnythingOfType("*reservation.Reservation")).Return(nil)
	deps.statsCache.On("Invalidate", mock.Anything, []string{redisinfra.StatsScopeAll, redisinfra.StatsScopeOwner("user-1")}).Return(nil)
	deps.publisher.On("PublishStatusChanged", mock.Anything, mock.MatchedBy(func(ev reservation.StatusChangedEvent) bool {
		return ev.Action == reservation.ActionCreated && ev.ToStatus == reservation.StatusPending && ev.Start == "11:00"
	})).Return(nil)

	result, err := deps.service.CreateReservation(ctx, CreateReservationInput{
		Actor:    reservation.UserActor("user-1"),
		OwnerID:  "user-1",
		Interval: iv,
	})

	require.NoError(t, err)
	assert.Equal(t, "user-1", result.OwnerID)
	assert.Equal(t, reservation.StatusPending, result.Status)
	assert.Equal(t, unitNow, result.CreatedAt)
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.ReservationsTotal.WithLabelValues(opCreate, "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.EventsPublishedTotal.WithLabelValues("success")))

	deps.txManager.AssertExpectations(t)
	deps.resRepo.AssertExpectations(t)
	deps.lockManager.AssertExpectations(t)
	deps.lock.AssertExpectations(t)
	deps.statsCache.AssertExpectations(t)
	deps.publisher.AssertExpectations(t)
}

func TestReservationService_CreateReservation_Conflict(t *testing.T) {
	deps := newTestDeps()
	ctx := context.Background()
	iv := unitInterval(t, "2024-06-01", "10:30", "11:30")

	deps.users.On("IsActiveUser", ctx, "user-1").Return(true, nil)
	deps.expectLock()
	deps.expectTx()
	deps.resRepo.On("LockDates", ctx, deps.tx, []time.Time{iv.Date}).Return(nil)
	deps.resRepo.On("ListActiveOnDate", ctx, deps.tx, iv.Date).
		Return([]*reservation.Reservation{unitReservation(t, "existing", "user-2", reservation.StatusPending)}, nil)

	result, err := deps.service.CreateReservation(ctx, CreateReservationInput{
		Actor: reservation.UserActor("user-1"), OwnerID: "user-1", Interval: iv,
	})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, reservation.ErrScheduleConflict)
	assert.Equal(t, "schedule conflict", err.Error())
	deps.resRepo.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
	deps.tx.AssertNotCalled(t, "Commit")
	deps.publisher.AssertNotCalled(t, "PublishStatusChanged", mock.Anything, mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.ReservationsTotal.WithLabelValues(opCreate, "conflict")))
}

func TestReservationService_CreateReservation_Validation(t *testing.T) {
	ctx := context.Background()

	t.Run("開始時刻が終了時刻以降なら検証エラー", func(t *testing.T) {
		deps := newTestDeps()
		iv := reservation.Interval{
			Date:  time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC),
			Start: reservation.MustParseTimeOfDay("11:00"),
			End:   reservation.MustParseTimeOfDay("10:00"),
		}
		_, err := deps.service.CreateReservation(ctx, CreateReservationInput{
			Actor: reservation.UserActor("user-1"), OwnerID: "user-1", Interval: iv,
		})
		assert.ErrorIs(t, err, reservation.ErrInvalidTimeRange)
		assert.ErrorIs(t, err, reservation.ErrValidation)
		deps.txManager.AssertNotCalled(t, "Begin", mock.Anything)
	})

	t.Run("他人名義の予約は作成できない", func(t *testing.T) {
		deps := newTestDeps()
		_, err := deps.service.CreateReservation(ctx, CreateReservationInput{
			Actor: reservation.UserActor("user-2"), OwnerID: "user-1", Interval: unitInterval(t, "2024-06-01", "10:00", "11:00"),
		})
		assert.ErrorIs(t, err, reservation.ErrNotOwner)
	})

	t.Run("無効な利用者の予約は作成できない", func(t *testing.T) {
		deps := newTestDeps()
		deps.users.On("IsActiveUser", ctx, "user-1").Return(false, nil)
		_, err := deps.service.CreateReservation(ctx, CreateReservationInput{
			Actor: reservation.AdminActor("admin"), OwnerID: "user-1", Interval: unitInterval(t, "2024-06-01", "10:00", "11:00"),
		})
		assert.ErrorIs(t, err, reservation.ErrOwnerNotActive)
		deps.lockManager.AssertNotCalled(t, "AcquireLockWithRetry")
	})

	t.Run("利用者確認の失敗はストレージエラー", func(t *testing.T) {
		deps := newTestDeps()
		deps.users.On("IsActiveUser", ctx, "user-1").Return(false, errors.New("db down"))
		_, err := deps.service.CreateReservation(ctx, CreateReservationInput{
			Actor: reservation.UserActor("user-1"), OwnerID: "user-1", Interval: unitInterval(t, "2024-06-01", "10:00", "11:00"),
		})
		assert.True(t, reservation.IsStorageError(err))
	})
}

func TestReservationService_CreateReservation_LockFailed(t *testing.T) {
	deps := newTestDeps()
	ctx := context.Background()

	deps.users.On("IsActiveUser", ctx, "user-1").Return(true, nil)
	deps.lockManager.On("AcquireLockWithRetry", ctx, "reservation-date:2024-06-01", 10*time.Second, 3, 100*time.Millisecond).
		Return(nil, redisinfra.ErrLockNotAcquired)

	result, err := deps.service.CreateReservation(ctx, CreateReservationInput{
		Actor: reservation.UserActor("user-1"), OwnerID: "user-1", Interval: unitInterval(t, "2024-06-01", "10:00", "11:00"),
	})

	assert.Nil(t, result)
	assert.ErrorIs(t, err, ErrReservationBusy)
	assert.Contains(t, Describe(err), "処理中")
	deps.txManager.AssertNotCalled(t, "Begin", mock.Anything)
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.ReservationsTotal.WithLabelValues(opCreate, "lock_failed")))
}

func TestReservationService_CreateReservation_StorageErrors(t *testing.T) {
	ctx := context.Background()
	iv := unitInterval(t, "2024-06-01", "10:00", "11:00")
	input := CreateReservationInput{Actor: reservation.UserActor("user-1"), OwnerID: "user-1", Interval: iv}
	dbErr := reservation.WrapStorage("test", errors.New("connection reset"))

	t.Run("トランザクション開始に失敗", func(t *testing.T) {
		deps := newTestDeps()
		deps.users.On("IsActiveUser", ctx, "user-1").Return(true, nil)
		deps.expectLock()
		deps.txManager.On("Begin", ctx).Return(nil, dbErr)

		_, err := deps.service.CreateReservation(ctx, input)
		assert.ErrorIs(t, err, reservation.ErrStorage)
		deps.lock.AssertCalled(t, "Release", mock.Anything)
	})

	t.Run("重複判定の読み取りに失敗", func(t *testing.T) {
		deps := newTestDeps()
		deps.users.On("IsActiveUser", ctx, "user-1").Return(true, nil)
		deps.expectLock()
		deps.expectTx()
		deps.resRepo.On("LockDates", ctx, deps.tx, mock.Anything).Return(nil)
		deps.resRepo.On("ListActiveOnDate", ctx, deps.tx, iv.Date).Return(nil, dbErr)

		_, err := deps.service.CreateReservation(ctx, input)
		assert.ErrorIs(t, err, reservation.ErrStorage)
		deps.tx.AssertCalled(t, "Rollback")
		assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.ReservationsTotal.WithLabelValues(opCreate, "error")))
	})

	t.Run("コミットに失敗", func(t *testing.T) {
		deps := newTestDeps()
		deps.users.On("IsActiveUser", ctx, "user-1").Return(true, nil)
		deps.expectLock()
		deps.expectTx()
		deps.tx.On("Commit").Return(errors.New("commit failed"))
		deps.resRepo.On("LockDates", ctx, deps.tx, mock.Anything).Return(nil)
		deps.resRepo.On("ListActiveOnDate", ctx, deps.tx, iv.Date).Return([]*reservation.Reservation{}, nil)
		deps.resRepo.On("Create", ctx, deps.tx, mock.Anything).Return(nil)

		result, err := deps.service.CreateReservation(ctx, input)
		assert.Nil(t, result)
		assert.ErrorIs(t, err, reservation.ErrStorage)
		deps.publisher.AssertNotCalled(t, "PublishStatusChanged", mock.Anything, mock.Anything)
	})
}

func TestReservationService_CreateReservation_PublishFailureIsIgnored(t *testing.T) {
	deps := newTestDeps()
	ctx := context.Background()
	iv := unitInterval(t, "2024-06-01", "10:00", "11:00")

	deps.users.On("IsActiveUser", ctx, "user-1").Return(true, nil)
	deps.expectLock()
	deps.expectTx()
	deps.tx.On("Commit").Return(nil)
	deps.resRepo.On("LockDates", ctx, deps.tx, mock.Anything).Return(nil)
	deps.resRepo.On("ListActiveOnDate", ctx, deps.tx, iv.Date).Return([]*reservation.Reservation{}, nil)
	deps.resRepo.On("Create", ctx, deps.tx, mock.Anything).Return(nil)
	deps.statsCache.On("Invalidate", mock.Anything, mock.Anything).Return(errors.New("redis down"))
	deps.publisher.On("PublishStatusChanged", mock.Anything, mock.Anything).Return(errors.New("broker down"))

	result, err := deps.service.CreateReservation(ctx, CreateReservationInput{
		Actor: reservation.UserActor("user-1"), OwnerID: "user-1", Interval: iv,
	})

	require.NoError(t, err)
	assert.NotNil(t, result)
	assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.EventsPublishedTotal.WithLabelValues("failed")))
}

func TestReservationService_RescheduleReservation(t *testing.T) {
	ctx := context.Background()
	admin := reservation.AdminActor("admin")

	t.Run("管理者が別の日時に変更して確定する", func(t *testing.T) {
		deps := newTestDeps()
		current := unitReservation(t, "res-1", "user-1", reservation.StatusPending)
		next := unitInterval(t, "2024-06-02", "13:00", "14:00")

		deps.resRepo.On("GetByID", ctx, "res-1").Return(current.Clone(), nil)
		deps.lockManager.On("AcquireLockWithRetry", ctx, "reservation-date:2024-06-01", 10*time.Second, 3, 100*time.Millisecond).
			Return(deps.lock, nil).Once()
		deps.lockManager.On("AcquireLockWithRetry", ctx, "reservation-date:2024-06-02", 10*time.Second, 3, 100*time.Millisecond).
			Return(deps.lock, nil).Once()
		deps.lock.On("Release", mock.Anything).Return(nil)
		deps.expectTx()
		deps.tx.On("Commit").Return(nil)
		deps.resRepo.On("LockDates", ctx, deps.tx, []time.Time{current.Interval.Date, next.Date}).Return(nil)
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(current.Clone(), nil)
		deps.resRepo.On("ListActiveOnDate", ctx, deps.tx, next.Date).Return([]*reservation.Reservation{}, nil)
		deps.resRepo.On("Update", ctx, deps.tx, mock.MatchedBy(func(r *reservation.Reservation) bool {
			return r.Status == reservation.StatusConfirmed && r.Interval.Equal(next)
		}), reservation.StatusPending).Return(nil)
		deps.expectAfterMutation()

		result, err := deps.service.RescheduleReservation(ctx, RescheduleReservationInput{
			ID: "res-1", Interval: next, Status: reservation.StatusConfirmed, Actor: admin,
		})

		require.NoError(t, err)
		assert.Equal(t, reservation.StatusConfirmed, result.Status)
		assert.True(t, result.Interval.Equal(next))
		deps.resRepo.AssertExpectations(t)
		deps.lockManager.AssertExpectations(t)
		deps.lock.AssertNumberOfCalls(t, "Release", 2)
	})

	t.Run("変更先の日付がロック中なら取得済みのロックを解放する", func(t *testing.T) {
		deps := newTestDeps()
		current := unitReservation(t, "res-1", "user-1", reservation.StatusPending)
		next := unitInterval(t, "2024-06-02", "13:00", "14:00")

		deps.resRepo.On("GetByID", ctx, "res-1").Return(current.Clone(), nil)
		deps.lockManager.On("AcquireLockWithRetry", ctx, "reservation-date:2024-06-01", 10*time.Second, 3, 100*time.Millisecond).
			Return(deps.lock, nil).Once()
		deps.lockManager.On("AcquireLockWithRetry", ctx, "reservation-date:2024-06-02", 10*time.Second, 3, 100*time.Millisecond).
			Return(nil, redisinfra.ErrLockNotAcquired).Once()
		deps.lock.On("Release", mock.Anything).Return(nil)

		result, err := deps.service.RescheduleReservation(ctx, RescheduleReservationInput{
			ID: "res-1", Interval: next, Status: reservation.StatusConfirmed, Actor: admin,
		})

		assert.Nil(t, result)
		assert.ErrorIs(t, err, ErrReservationBusy)
		deps.lock.AssertNumberOfCalls(t, "Release", 1)
		deps.txManager.AssertNotCalled(t, "Begin", mock.Anything)
	})

	t.Run("重複する日時には変更できない", func(t *testing.T) {
		deps := newTestDeps()
		current := unitReservation(t, "res-1", "user-1", reservation.StatusConfirmed)
		other := unitReservation(t, "res-2", "user-2", reservation.StatusConfirmed)
		other.Interval = unitInterval(t, "2024-06-01", "12:00", "13:00")
		next := unitInterval(t, "2024-06-01", "11:30", "12:30")

		deps.resRepo.On("GetByID", ctx, "res-1").Return(current.Clone(), nil)
		deps.expectLock()
		deps.expectTx()
		deps.resRepo.On("LockDates", ctx, deps.tx, mock.Anything).Return(nil)
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(current.Clone(), nil)
		deps.resRepo.On("ListActiveOnDate", ctx, deps.tx, next.Date).Return([]*reservation.Reservation{current, other}, nil)

		_, err := deps.service.RescheduleReservation(ctx, RescheduleReservationInput{
			ID: "res-1", Interval: next, Status: reservation.StatusConfirmed, Actor: admin,
		})

		assert.ErrorIs(t, err, reservation.ErrScheduleConflict)
		deps.resRepo.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("区間が同じなら重複判定しない", func(t *testing.T) {
		deps := newTestDeps()
		current := unitReservation(t, "res-1", "user-1", reservation.StatusPending)

		deps.resRepo.On("GetByID", ctx, "res-1").Return(current.Clone(), nil)
		deps.expectLock()
		deps.expectTx()
		deps.tx.On("Commit").Return(nil)
		deps.resRepo.On("LockDates", ctx, deps.tx, mock.Anything).Return(nil)
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(current.Clone(), nil)
		deps.resRepo.On("Update", ctx, deps.tx, mock.Anything, reservation.StatusPending).Return(nil)
		deps.expectAfterMutation()

		_, err := deps.service.RescheduleReservation(ctx, RescheduleReservationInput{
			ID: "res-1", Interval: current.Interval, Status: reservation.StatusConfirmed, Actor: admin,
		})

		require.NoError(t, err)
		deps.resRepo.AssertNotCalled(t, "ListActiveOnDate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("一般利用者は編集できない", func(t *testing.T) {
		deps := newTestDeps()
		_, err := deps.service.RescheduleReservation(ctx, RescheduleReservationInput{
			ID: "res-1", Interval: unitInterval(t, "2024-06-01", "10:00", "11:00"),
			Status: reservation.StatusConfirmed, Actor: reservation.UserActor("user-1"),
		})
		assert.ErrorIs(t, err, reservation.ErrAdminRequired)
		deps.resRepo.AssertNotCalled(t, "GetByID", mock.Anything, mock.Anything)
	})

	t.Run("キャンセル済みの予約は編集できない", func(t *testing.T) {
		deps := newTestDeps()
		current := unitReservation(t, "res-1", "user-1", reservation.StatusCancelled)

		deps.resRepo.On("GetByID", ctx, "res-1").Return(current.Clone(), nil)
		deps.expectLock()
		deps.expectTx()
		deps.resRepo.On("LockDates", ctx, deps.tx, mock.Anything).Return(nil)
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(current.Clone(), nil)

		_, err := deps.service.RescheduleReservation(ctx, RescheduleReservationInput{
			ID: "res-1", Interval: current.Interval, Status: reservation.StatusConfirmed, Actor: admin,
		})
		assert.ErrorIs(t, err, reservation.ErrReservationAlreadyCancelled)
	})

	t.Run("存在しない予約", func(t *testing.T) {
		deps := newTestDeps()
		deps.resRepo.On("GetByID", ctx, "missing").Return(nil, reservation.ErrReservationNotFound)

		_, err := deps.service.RescheduleReservation(ctx, RescheduleReservationInput{
			ID: "missing", Interval: unitInterval(t, "2024-06-01", "10:00", "11:00"),
			Status: reservation.StatusConfirmed, Actor: admin,
		})
		assert.ErrorIs(t, err, reservation.ErrReservationNotFound)
		assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.ReservationsTotal.WithLabelValues(opReschedule, "not_found")))
	})
}

func TestReservationService_CancelReservation(t *testing.T) {
	ctx := context.Background()

	t.Run("本人が自分の予約をキャンセル", func(t *testing.T) {
		deps := newTestDeps()
		current := unitReservation(t, "res-1", "user-1", reservation.StatusPending)
		deps.expectTx()
		deps.tx.On("Commit").Return(nil)
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(current, nil)
		deps.resRepo.On("UpdateStatus", ctx, deps.tx, "res-1", reservation.StatusCancelled,
			reservation.StatusCondition{From: []reservation.Status{reservation.StatusPending}, OwnerID: "user-1"}, unitNow).
			Return(true, nil)
		deps.statsCache.On("Invalidate", mock.Anything, mock.Anything).Return(nil)
		deps.publisher.On("PublishStatusChanged", mock.Anything, mock.MatchedBy(func(ev reservation.StatusChangedEvent) bool {
			return ev.FromStatus == reservation.StatusPending && ev.ToStatus == reservation.StatusCancelled
		})).Return(nil)

		result, err := deps.service.CancelReservation(ctx, "res-1", reservation.UserActor("user-1"))

		require.NoError(t, err)
		assert.Equal(t, reservation.StatusCancelled, result.Status)
		assert.Equal(t, unitNow, result.UpdatedAt)
		// 読み取った予約自体は変更しない
		assert.Equal(t, reservation.StatusPending, current.Status)
		deps.resRepo.AssertExpectations(t)
		deps.publisher.AssertExpectations(t)
	})

	t.Run("管理者は所有者条件なしでキャンセル", func(t *testing.T) {
		deps := newTestDeps()
		current := unitReservation(t, "res-1", "user-1", reservation.StatusConfirmed)
		deps.expectTx()
		deps.tx.On("Commit").Return(nil)
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(current, nil)
		deps.resRepo.On("UpdateStatus", ctx, deps.tx, "res-1", reservation.StatusCancelled,
			reservation.StatusCondition{From: []reservation.Status{reservation.StatusConfirmed}}, unitNow).
			Return(true, nil)
		deps.expectAfterMutation()

		_, err := deps.service.CancelReservation(ctx, "res-1", reservation.AdminActor("admin"))
		require.NoError(t, err)
	})

	t.Run("他人の予約はキャンセルできない", func(t *testing.T) {
		deps := newTestDeps()
		deps.expectTx()
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(unitReservation(t, "res-1", "user-1", reservation.StatusPending), nil)

		_, err := deps.service.CancelReservation(ctx, "res-1", reservation.UserActor("user-2"))
		assert.ErrorIs(t, err, reservation.ErrNotOwner)
		deps.resRepo.AssertNotCalled(t, "UpdateStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("キャンセル済みの再キャンセル", func(t *testing.T) {
		deps := newTestDeps()
		deps.expectTx()
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(unitReservation(t, "res-1", "user-1", reservation.StatusCancelled), nil)

		_, err := deps.service.CancelReservation(ctx, "res-1", reservation.UserActor("user-1"))
		assert.ErrorIs(t, err, reservation.ErrReservationAlreadyCancelled)
	})

	t.Run("読み取り後に状態が変わった場合", func(t *testing.T) {
		deps := newTestDeps()
		deps.expectTx()
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(unitReservation(t, "res-1", "user-1", reservation.StatusPending), nil)
		deps.resRepo.On("UpdateStatus", ctx, deps.tx, "res-1", reservation.StatusCancelled, mock.Anything, unitNow).Return(false, nil)

		_, err := deps.service.CancelReservation(ctx, "res-1", reservation.UserActor("user-1"))
		assert.ErrorIs(t, err, reservation.ErrInvalidTransition)
		deps.tx.AssertNotCalled(t, "Commit")
	})

	t.Run("存在しない予約", func(t *testing.T) {
		deps := newTestDeps()
		deps.expectTx()
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "missing").Return(nil, reservation.ErrReservationNotFound)

		_, err := deps.service.CancelReservation(ctx, "missing", reservation.UserActor("user-1"))
		assert.ErrorIs(t, err, reservation.ErrReservationNotFound)
	})
}

func TestReservationService_ConfirmUsage(t *testing.T) {
	ctx := context.Background()

	t.Run("利用開始後に本人が確定", func(t *testing.T) {
		deps := newTestDeps()
		deps.expectTx()
		deps.tx.On("Commit").Return(nil)
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(unitReservation(t, "res-1", "user-1", reservation.StatusPending), nil)
		deps.resRepo.On("UpdateStatus", ctx, deps.tx, "res-1", reservation.StatusConfirmed,
			reservation.StatusCondition{From: []reservation.Status{reservation.StatusPending}, OwnerID: "user-1"}, unitNow).
			Return(true, nil)
		deps.expectAfterMutation()

		result, err := deps.service.ConfirmUsage(ctx, "res-1", "user-1")
		require.NoError(t, err)
		assert.Equal(t, reservation.StatusConfirmed, result.Status)
		assert.Equal(t, unitNow, result.UpdatedAt)
	})

	t.Run("利用開始前は確定できない", func(t *testing.T) {
		deps := newTestDeps()
		future := unitReservation(t, "res-1", "user-1", reservation.StatusPending)
		future.Interval = unitInterval(t, "2024-06-01", "15:00", "16:00")
		deps.expectTx()
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(future, nil)

		_, err := deps.service.ConfirmUsage(ctx, "res-1", "user-1")
		assert.ErrorIs(t, err, reservation.ErrUsageNotStarted)
	})

	t.Run("確定済みは再確定できない", func(t *testing.T) {
		deps := newTestDeps()
		deps.expectTx()
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(unitReservation(t, "res-1", "user-1", reservation.StatusConfirmed), nil)

		_, err := deps.service.ConfirmUsage(ctx, "res-1", "user-1")
		assert.ErrorIs(t, err, reservation.ErrReservationAlreadyConfirmed)
		assert.ErrorIs(t, err, reservation.ErrInvalidTransition)
	})

	t.Run("他人は確定できない", func(t *testing.T) {
		deps := newTestDeps()
		deps.expectTx()
		deps.resRepo.On("GetForUpdate", ctx, deps.tx, "res-1").Return(unitReservation(t, "res-1", "user-1", reservation.StatusPending), nil)

		_, err := deps.service.ConfirmUsage(ctx, "res-1", "user-2")
		assert.ErrorIs(t, err, reservation.ErrNotOwner)
	})
}

func TestReservationService_AggregateCounts(t *testing.T) {
	ctx := context.Background()

	t.Run("キャッシュヒット時はストアを参照しない", func(t *testing.T) {
		deps := newTestDeps()
		cached := reservation.NewCounts(map[reservation.Status]int{reservation.StatusPending: 4})
		deps.statsCache.On("GetCounts", ctx, redisinfra.StatsScopeAll).Return(cached, nil)

		counts, err := deps.service.AggregateCounts(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 4, counts.Pending)
		deps.resRepo.AssertNotCalled(t, "CountByStatus", mock.Anything, mock.Anything)
		assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.StatsCacheTotal.WithLabelValues("hit")))
	})

	t.Run("キャッシュミス時は集計して保存する", func(t *testing.T) {
		deps := newTestDeps()
		scope := redisinfra.StatsScopeOwner("user-1")
		deps.statsCache.On("GetCounts", ctx, scope).Return(reservation.Counts{}, redisinfra.ErrCacheMiss)
		deps.resRepo.On("CountByStatus", ctx, reservation.Filter{reservation.OwnedBy("user-1")}).
			Return(map[reservation.Status]int{reservation.StatusPending: 1, reservation.StatusConfirmed: 2}, nil)
		deps.statsCache.On("Generation", ctx, scope).Return(int64(7), nil)
		deps.statsCache.On("SetCounts", ctx, scope, int64(7), mock.Anything).Return(nil)

		counts, err := deps.service.AggregateCounts(ctx, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 3, counts.Total)
		assert.Equal(t, 1, counts.Pending)
		deps.statsCache.AssertExpectations(t)
		assert.Equal(t, 1.0, testutil.ToFloat64(deps.metrics.StatsCacheTotal.WithLabelValues("miss")))
	})

	t.Run("キャッシュ障害時もストアから集計する", func(t *testing.T) {
		deps := newTestDeps()
		deps.statsCache.On("GetCounts", ctx, redisinfra.StatsScopeAll).Return(reservation.Counts{}, errors.New("redis down"))
		deps.resRepo.On("CountByStatus", ctx, reservation.Filter(nil)).Return(map[reservation.Status]int{}, nil)
		deps.statsCache.On("Generation", ctx, redisinfra.StatsScopeAll).Return(int64(0), errors.New("redis down"))

		counts, err := deps.service.AggregateCounts(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 0, counts.Total)
		deps.statsCache.AssertNotCalled(t, "SetCounts", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("集計中に無効化された場合は古い件数を保存しない", func(t *testing.T) {
		deps := newTestDeps()
		deps.statsCache.On("GetCounts", ctx, redisinfra.StatsScopeAll).Return(reservation.Counts{}, redisinfra.ErrCacheMiss)
		deps.statsCache.On("Generation", ctx, redisinfra.StatsScopeAll).Return(int64(2), nil)
		deps.resRepo.On("CountByStatus", ctx, reservation.Filter(nil)).
			Return(map[reservation.Status]int{reservation.StatusPending: 1}, nil)
		deps.statsCache.On("SetCounts", ctx, redisinfra.StatsScopeAll, int64(2), mock.Anything).Return(redisinfra.ErrStaleCounts)

		counts, err := deps.service.AggregateCounts(ctx, "")
		require.NoError(t, err)
		assert.Equal(t, 1, counts.Total)
		deps.statsCache.AssertExpectations(t)
	})
}

func TestReservationService_ListReservations_InvalidFilter(t *testing.T) {
	deps := newTestDeps()
	_, err := deps.service.ListReservations(context.Background(), ListInput{
		Params: reservation.FilterParams{Status: "done"},
	})
	assert.ErrorIs(t, err, reservation.ErrInvalidStatus)
	deps.resRepo.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
}

func TestReservationService_Enrich(t *testing.T) {
	deps := newTestDeps()
	ctx := context.Background()
	r1 := unitReservation(t, "res-1", "user-1", reservation.StatusPending)
	r2 := unitReservation(t, "res-2", "user-1", reservation.StatusConfirmed)
	r3 := unitReservation(t, "res-3", "ghost", reservation.StatusCancelled)

	deps.users.On("GetByIDs", ctx, []string{"user-1", "ghost"}).Return(map[string]*user.User{
		"user-1": {ID: "user-1", Username: "taro", FullName: "Yamada Taro", Email: "taro@example.com"},
	}, nil)

	views := deps.service.Enrich(ctx, r1, r2, r3)

	require.Len(t, views, 3)
	assert.Equal(t, "Yamada Taro", views[0].Owner.Name)
	assert.Equal(t, "YT", views[1].Owner.Initials)
	assert.Equal(t, "確定", views[1].StatusLabel)
	assert.Empty(t, views[2].Owner.Name)
	assert.Equal(t, "キャンセル", views[2].StatusLabel)
}

func TestBuildDateLockKeys(t *testing.T) {
	d1 := time.Date(2024, 6, 2, 15, 0, 0, 0, time.UTC)
	d2 := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.Equal(t, []string{"reservation-date:2024-06-01", "reservation-date:2024-06-02"}, buildDateLockKeys([]time.Time{d1, d2}))
	assert.Equal(t, []string{"reservation-date:2024-06-01"}, buildDateLockKeys([]time.Time{d2, d2}))
	// 新規作成と日時変更で同じ日付のキーを共有する
	assert.Contains(t, buildDateLockKeys([]time.Time{d2, d1}), buildDateLockKeys([]time.Time{d1})[0])
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "schedule conflict", Describe(reservation.ErrScheduleConflict))
	assert.Equal(t, "schedule conflict", Describe(fmt.Errorf("作成: %w", reservation.ErrScheduleConflict)))
	assert.Equal(t, MsgNotFound, Describe(reservation.ErrReservationNotFound))
	assert.Equal(t, MsgStorageFailure, Describe(reservation.WrapStorage("op", errors.New("boom"))))
	assert.Equal(t, reservation.ErrNotOwner.Error(), Describe(reservation.ErrNotOwner))
	assert.Equal(t, MsgUnexpected, Describe(errors.New("boom")))
	assert.Empty(t, Describe(nil))
}
