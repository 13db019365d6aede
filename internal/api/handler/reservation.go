package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/vrlab-reservation/internal/application"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
)

type ReservationHandler struct {
	service ReservationServiceInterface
}

func NewReservationHandler(s ReservationServiceInterface) *ReservationHandler {
	return &ReservationHandler{service: s}
}

type CreateReservationRequest struct {
	Date  string `json:"reservation_date" validate:"required,labdate" example:"2024-06-01"`
	Start string `json:"start_time" validate:"required,timeofday" example:"10:00"`
	End   string `json:"end_time" validate:"required,timeofday" example:"11:00"`
}

// Create godoc
// @Summary 予約を作成
// @Description 自分の予約を保留中として作成します
// @Tags reservations
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body CreateReservationRequest true "予約日時"
// @Success 201 {object} MutationResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 409 {object} map[string]string "時間帯が重複"
// @Router /reservations [post]
func (h *ReservationHandler) Create(c echo.Context) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req CreateReservationRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	iv, err := parseInterval(req.Date, req.Start, req.End)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	r, err := h.service.CreateReservation(ctx, application.CreateReservationInput{
		Actor: actor, OwnerID: actor.UserID, Interval: iv,
	})
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusCreated, MutationResponse{
		Success:     true,
		Message:     application.MsgReservationCreated,
		Reservation: toReservationResponse(enrichOne(ctx, h.service, r)),
	})
}

// List godoc
// @Summary 自分の予約一覧を取得
// @Description 状態・日付で絞り込み、予約日時順にページ分割して返します
// @Tags reservations
// @Produce json
// @Security BearerAuth
// @Param status query string false "pending / confirmed / cancelled / all"
// @Param date query string false "予約日 (YYYY-MM-DD)"
// @Param page query int false "ページ番号" default(1)
// @Param per_page query int false "1ページの件数" default(15)
// @Success 200 {object} ListResponse
// @Failure 400 {object} map[string]string
// @Router /reservations [get]
func (h *ReservationHandler) List(c echo.Context) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	res, err := h.service.ListReservations(ctx, application.ListInput{
		Params: reservation.FilterParams{
			Status:  c.QueryParam("status"),
			Date:    c.QueryParam("date"),
			OwnerID: actor.UserID,
		},
		Order:    reservation.OrderBySchedule,
		Page:     queryInt(c, "page"),
		PageSize: queryInt(c, "per_page"),
	})
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, ListResponse{
		Success:      true,
		Reservations: toReservationResponses(h.service.Enrich(ctx, res.Items...)),
		Pagination:   toPagination(res),
	})
}

// Upcoming godoc
// @Summary 今後の予約を取得
// @Description 今日以降の保留中・確定済みの予約を予約日時順に返します
// @Tags reservations
// @Produce json
// @Security BearerAuth
// @Param limit query int false "取得件数" default(5)
// @Success 200 {object} ListResponse
// @Router /reservations/upcoming [get]
func (h *ReservationHandler) Upcoming(c echo.Context) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	items, err := h.service.UpcomingForOwner(ctx, actor.UserID, queryInt(c, "limit"))
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, ListResponse{
		Success:      true,
		Reservations: toReservationResponses(h.service.Enrich(ctx, items...)),
	})
}

// GetByID godoc
// @Summary 予約を取得
// @Description 指定IDの予約を取得します。他人の予約は見つからない扱いになります
// @Tags reservations
// @Produce json
// @Security BearerAuth
// @Param id path string true "予約ID"
// @Success 200 {object} ReservationResponse
// @Failure 404 {object} map[string]string
// @Router /reservations/{id} [get]
func (h *ReservationHandler) GetByID(c echo.Context) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	r, err := h.service.GetReservationFor(ctx, c.Param("id"), actor)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, toReservationResponse(enrichOne(ctx, h.service, r)))
}

// Cancel godoc
// @Summary 予約をキャンセル
// @Description 自分の保留中または確定済みの予約をキャンセルします
// @Tags reservations
// @Produce json
// @Security BearerAuth
// @Param id path string true "予約ID"
// @Success 200 {object} MutationResponse
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string "キャンセル済み"
// @Router /reservations/{id}/cancel [put]
func (h *ReservationHandler) Cancel(c echo.Context) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	r, err := h.service.CancelReservation(ctx, c.Param("id"), actor)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, MutationResponse{
		Success:     true,
		Message:     application.MsgReservationCancelled,
		Reservation: toReservationResponse(enrichOne(ctx, h.service, r)),
	})
}

// Confirm godoc
// @Summary 利用を確認
// @Description 開始時刻を過ぎた自分の保留中の予約を確定済みにします
// @Tags reservations
// @Produce json
// @Security BearerAuth
// @Param id path string true "予約ID"
// @Success 200 {object} MutationResponse
// @Failure 403 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string "開始前または保留中でない"
// @Router /reservations/{id}/confirm [put]
func (h *ReservationHandler) Confirm(c echo.Context) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	r, err := h.service.ConfirmUsage(ctx, c.Param("id"), actor.UserID)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, MutationResponse{
		Success:     true,
		Message:     application.MsgUsageConfirmed,
		Reservation: toReservationResponse(enrichOne(ctx, h.service, r)),
	})
}
