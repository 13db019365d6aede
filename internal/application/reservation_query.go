package application

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/user"
	redislock "github.com/sanosuguru/vrlab-reservation/internal/infrastructure/redis"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/logger"
)

const (
	defaultUpcomingLimit = 5
	defaultRecentLimit   = 5
)

type ListInput struct {
	Params   reservation.FilterParams
	Order    reservation.Order
	Page     int
	PageSize int
}

// ListReservations は絞り込み条件に一致する予約をページ分割して返す
func (s *ReservationService) ListReservations(ctx context.Context, input ListInput) (*reservation.ListResult, error) {
	filter, err := reservation.BuildFilter(input.Params)
	if err != nil {
		return nil, err
	}
	page := reservation.NewPage(input.Page, input.PageSize)
	items, total, err := s.reservationRepo.List(ctx, reservation.ListQuery{
		Filter: filter,
		Order:  input.Order,
		Page:   page,
	})
	if err != nil {
		return nil, err
	}
	return reservation.NewListResult(items, page, total), nil
}

// AggregateCounts は状態別件数を返す。ownerID が空なら全予約を集計する
func (s *ReservationService) AggregateCounts(ctx context.Context, ownerID string) (reservation.Counts, error) {
	scope := redislock.StatsScopeAll
	var filter reservation.Filter
	if ownerID != "" {
		scope = redislock.StatsScopeOwner(ownerID)
		filter = reservation.Filter{reservation.OwnedBy(ownerID)}
	}

	cacheable := false
	var gen int64
	if s.statsCache != nil {
		counts, err := s.statsCache.GetCounts(ctx, scope)
		if err == nil {
			s.metrics.CacheLookup("hit")
			return counts, nil
		}
		if errors.Is(err, redislock.ErrCacheMiss) {
			s.metrics.CacheLookup("miss")
		} else {
			s.metrics.CacheLookup("error")
			logger.Warn("集計キャッシュの取得に失敗しました", zap.String("scope", scope), zap.Error(err))
		}
		// 集計前の世代を控え、集計中に無効化されたら保存しない
		if gen, err = s.statsCache.Generation(ctx, scope); err == nil {
			cacheable = true
		} else {
			logger.Warn("集計キャッシュの世代を取得できませんでした", zap.String("scope", scope), zap.Error(err))
		}
	}

	byStatus, err := s.reservationRepo.CountByStatus(ctx, filter)
	if err != nil {
		return reservation.Counts{}, err
	}
	counts := reservation.NewCounts(byStatus)

	if cacheable {
		switch err := s.statsCache.SetCounts(ctx, scope, gen, counts); {
		case errors.Is(err, redislock.ErrStaleCounts):
			logger.Debug("集計中に無効化されたためキャッシュを保存しません", zap.String("scope", scope))
		case err != nil:
			logger.Warn("集計キャッシュの保存に失敗しました", zap.String("scope", scope), zap.Error(err))
		}
	}
	return counts, nil
}

// UpcomingForOwner は本人の今日以降の有効な予約を日時順に返す
func (s *ReservationService) UpcomingForOwner(ctx context.Context, ownerID string, limit int) ([]*reservation.Reservation, error) {
	if ownerID == "" {
		return nil, reservation.ErrOwnerIDRequired
	}
	if limit <= 0 {
		limit = defaultUpcomingLimit
	}
	items, _, err := s.reservationRepo.List(ctx, reservation.ListQuery{
		Filter: reservation.Filter{
			reservation.OwnedBy(ownerID),
			reservation.FromDate(s.Today()),
			reservation.ActiveOnly(),
		},
		Order: reservation.OrderBySchedule,
		Page:  reservation.NewPage(1, limit),
	})
	return items, err
}

// TodaysConfirmed は今日の確定済み予約を開始時刻順に返す
func (s *ReservationService) TodaysConfirmed(ctx context.Context) ([]*reservation.Reservation, error) {
	items, _, err := s.reservationRepo.List(ctx, reservation.ListQuery{
		Filter: reservation.Filter{
			reservation.OnDate(s.Today()),
			reservation.WithStatus(reservation.StatusConfirmed),
		},
		Order: reservation.OrderBySchedule,
		Page:  reservation.NewPage(1, reservation.MaxPageSize),
	})
	return items, err
}

// RecentReservations は作成日時の新しい順に予約を返す
func (s *ReservationService) RecentReservations(ctx context.Context, limit int) ([]*reservation.Reservation, error) {
	if limit <= 0 {
		limit = defaultRecentLimit
	}
	items, _, err := s.reservationRepo.List(ctx, reservation.ListQuery{
		Order: reservation.OrderByCreatedDesc,
		Page:  reservation.NewPage(1, limit),
	})
	return items, err
}

// Dashboard は管理画面の集計情報
type Dashboard struct {
	Counts reservation.Counts
	Recent []*reservation.Reservation
	Today  []*reservation.Reservation
}

// GetDashboard は件数・最近の予約・今日の確定済み予約をまとめて返す
func (s *ReservationService) GetDashboard(ctx context.Context) (*Dashboard, error) {
	counts, err := s.AggregateCounts(ctx, "")
	if err != nil {
		return nil, err
	}
	recent, err := s.RecentReservations(ctx, defaultRecentLimit)
	if err != nil {
		return nil, err
	}
	today, err := s.TodaysConfirmed(ctx)
	if err != nil {
		return nil, err
	}
	return &Dashboard{Counts: counts, Recent: recent, Today: today}, nil
}

// ReservationView は表示用の利用者情報を付与した予約
type ReservationView struct {
	*reservation.Reservation
	Owner       user.DisplayInfo
	StatusLabel string
}

// Enrich は予約に表示用情報を付与する。利用者情報の取得に失敗しても予約自体は返す
func (s *ReservationService) Enrich(ctx context.Context, items ...*reservation.Reservation) []ReservationView {
	ids := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, r := range items {
		if !seen[r.OwnerID] {
			seen[r.OwnerID] = true
			ids = append(ids, r.OwnerID)
		}
	}

	var owners map[string]*user.User
	if len(ids) > 0 {
		var err error
		owners, err = s.users.GetByIDs(ctx, ids)
		if err != nil {
			logger.Warn("利用者情報の取得に失敗しました", zap.Int("count", len(ids)), zap.Error(err))
		}
	}

	views := make([]ReservationView, len(items))
	for i, r := range items {
		v := ReservationView{Reservation: r, StatusLabel: r.Status.Label()}
		if u, ok := owners[r.OwnerID]; ok {
			v.Owner = u.DisplayInfo()
		}
		views[i] = v
	}
	return views
}

// ListActiveUsers は予約の代理作成で選択できる利用者を返す
func (s *ReservationService) ListActiveUsers(ctx context.Context) ([]*user.User, error) {
	users, err := s.users.ListActive(ctx)
	if err != nil {
		return nil, reservation.WrapStorage("利用者一覧の取得に失敗", err)
	}
	return users, nil
}
