package handler

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/sanosuguru/vrlab-reservation/internal/api/middleware"
	"github.com/sanosuguru/vrlab-reservation/internal/application"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/pkg/logger"
)

type OwnerResponse struct {
	Username string `json:"username" example:"tanaka"`
	Name     string `json:"name" example:"田中 太郎"`
	Email    string `json:"email" example:"tanaka@example.com"`
	Initials string `json:"avatar_initials" example:"田太"`
}

type ReservationResponse struct {
	ID            string         `json:"id" example:"550e8400-e29b-41d4-a716-446655440000"`
	OwnerID       string         `json:"user_id" example:"user-123"`
	Owner         *OwnerResponse `json:"user,omitempty"`
	Date          string         `json:"reservation_date" example:"2024-06-01"`
	StartTime     string         `json:"start_time" example:"10:00"`
	EndTime       string         `json:"end_time" example:"11:00"`
	Status        string         `json:"status" example:"pending"`
	StatusDisplay string         `json:"status_display" example:"承認待ち"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

type MutationResponse struct {
	Success     bool                `json:"success"`
	Message     string              `json:"message"`
	Reservation ReservationResponse `json:"reservation"`
}

type PaginationResponse struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	TotalCount int `json:"total_count"`
	TotalPages int `json:"total_pages"`
}

type ListResponse struct {
	Success      bool                  `json:"success"`
	Reservations []ReservationResponse `json:"reservations"`
	Pagination   *PaginationResponse   `json:"pagination,omitempty"`
}

func toReservationResponse(v application.ReservationView) ReservationResponse {
	r := v.Reservation
	resp := ReservationResponse{
		ID:            r.ID,
		OwnerID:       r.OwnerID,
		Date:          r.Interval.DateKey(),
		StartTime:     r.Interval.Start.String(),
		EndTime:       r.Interval.End.String(),
		Status:        string(r.Status),
		StatusDisplay: v.StatusLabel,
		CreatedAt:     r.CreatedAt,
		UpdatedAt:     r.UpdatedAt,
	}
	if v.Owner.Username != "" {
		resp.Owner = &OwnerResponse{
			Username: v.Owner.Username,
			Name:     v.Owner.Name,
			Email:    v.Owner.Email,
			Initials: v.Owner.Initials,
		}
	}
	return resp
}

func toReservationResponses(views []application.ReservationView) []ReservationResponse {
	out := make([]ReservationResponse, len(views))
	for i, v := range views {
		out[i] = toReservationResponse(v)
	}
	return out
}

func toPagination(res *reservation.ListResult) *PaginationResponse {
	return &PaginationResponse{
		Page:       res.Page,
		PerPage:    res.PageSize,
		TotalCount: res.TotalCount,
		TotalPages: res.TotalPages,
	}
}

// statusFor はエラー種別をHTTPステータスに対応付ける
func statusFor(err error) int {
	switch {
	case errors.Is(err, reservation.ErrNotOwner), errors.Is(err, reservation.ErrAdminRequired):
		return http.StatusForbidden
	case errors.Is(err, reservation.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, reservation.ErrReservationNotFound):
		return http.StatusNotFound
	case errors.Is(err, reservation.ErrScheduleConflict),
		errors.Is(err, reservation.ErrInvalidTransition),
		errors.Is(err, application.ErrReservationBusy):
		return http.StatusConflict
	case reservation.IsStorageError(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// serviceError はサービス層のエラーを利用者向けメッセージ付きの HTTPError に変換する
func serviceError(err error) *echo.HTTPError {
	code := statusFor(err)
	he := echo.NewHTTPError(code, application.Describe(err))
	if code >= http.StatusInternalServerError {
		// 内部の詳細はログにのみ残す
		he = he.SetInternal(err)
	}
	return he
}

func currentActor(c echo.Context) (reservation.Actor, error) {
	actor, ok := middleware.CurrentActor(c)
	if !ok {
		return reservation.Actor{}, echo.NewHTTPError(http.StatusUnauthorized, "認証が必要です")
	}
	return actor, nil
}

func bindAndValidate(c echo.Context, req interface{}) error {
	if err := c.Bind(req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "無効なリクエスト")
	}
	return c.Validate(req)
}

func parseInterval(date, start, end string) (reservation.Interval, error) {
	iv, err := reservation.ParseInterval(date, start, end)
	if err != nil {
		return reservation.Interval{}, serviceError(err)
	}
	return iv, nil
}

// queryInt は数値のクエリパラメータを返す。未指定や不正な値は 0
func queryInt(c echo.Context, name string) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		logger.Debug("数値でないクエリパラメータを無視しました", zap.String("param", name))
		return 0
	}
	return n
}

func enrichOne(ctx context.Context, s ReservationServiceInterface, r *reservation.Reservation) application.ReservationView {
	if views := s.Enrich(ctx, r); len(views) == 1 {
		return views[0]
	}
	return application.ReservationView{Reservation: r, StatusLabel: r.Status.Label()}
}
