package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/vrlab-reservation/internal/application"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
)

// AdminReservationHandler は管理者向けの予約管理ハンドラー
type AdminReservationHandler struct {
	service ReservationServiceInterface
}

func NewAdminReservationHandler(s ReservationServiceInterface) *AdminReservationHandler {
	return &AdminReservationHandler{service: s}
}

type AdminCreateReservationRequest struct {
	OwnerID string `json:"user_id" validate:"required" example:"user-123"`
	CreateReservationRequest
}

type UpdateReservationRequest struct {
	Date   string `json:"reservation_date" validate:"required,labdate" example:"2024-06-01"`
	Start  string `json:"start_time" validate:"required,timeofday" example:"10:00"`
	End    string `json:"end_time" validate:"required,timeofday" example:"11:00"`
	Status string `json:"status" validate:"required,status" example:"confirmed"`
}

type CountsResponse struct {
	Total    int            `json:"total"`
	Pending  int            `json:"pending"`
	ByStatus map[string]int `json:"by_status"`
}

type StatsResponse struct {
	Success bool                  `json:"success"`
	Stats   CountsResponse        `json:"stats"`
	Recent  []ReservationResponse `json:"recent_reservations"`
	Today   []ReservationResponse `json:"today_reservations"`
}

type ActiveUserResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"full_name"`
	Email    string `json:"email"`
}

type ActiveUsersResponse struct {
	Success bool                 `json:"success"`
	Users   []ActiveUserResponse `json:"users"`
}

func toCountsResponse(c reservation.Counts) CountsResponse {
	by := make(map[string]int, len(c.ByStatus))
	for s, n := range c.ByStatus {
		by[string(s)] = n
	}
	return CountsResponse{Total: c.Total, Pending: c.Pending, ByStatus: by}
}

// List godoc
// @Summary 予約一覧を取得（管理者）
// @Description 氏名・ユーザー名・メールの部分一致、状態、日付で絞り込み、予約日時順に返します
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param search query string false "検索語"
// @Param status query string false "pending / confirmed / cancelled / all"
// @Param date query string false "予約日 (YYYY-MM-DD)"
// @Param user_id query string false "利用者ID"
// @Param page query int false "ページ番号" default(1)
// @Param per_page query int false "1ページの件数" default(15)
// @Success 200 {object} ListResponse
// @Failure 400 {object} map[string]string
// @Failure 403 {object} map[string]string
// @Router /admin/reservations [get]
func (h *AdminReservationHandler) List(c echo.Context) error {
	ctx := c.Request().Context()
	res, err := h.service.ListReservations(ctx, application.ListInput{
		Params: reservation.FilterParams{
			Search:  c.QueryParam("search"),
			Status:  c.QueryParam("status"),
			Date:    c.QueryParam("date"),
			OwnerID: c.QueryParam("user_id"),
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

// Create godoc
// @Summary 利用者の予約を代理作成
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param request body AdminCreateReservationRequest true "利用者と予約日時"
// @Success 201 {object} MutationResponse
// @Failure 400 {object} map[string]string
// @Failure 409 {object} map[string]string "時間帯が重複"
// @Router /admin/reservations [post]
func (h *AdminReservationHandler) Create(c echo.Context) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req AdminCreateReservationRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	iv, err := parseInterval(req.Date, req.Start, req.End)
	if err != nil {
		return err
	}

	ctx := c.Request().Context()
	r, err := h.service.CreateReservation(ctx, application.CreateReservationInput{
		Actor: actor, OwnerID: req.OwnerID, Interval: iv,
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

// Update godoc
// @Summary 予約日時と状態を編集
// @Description 日時が変わる場合、または有効な状態にする場合は重複判定を行います
// @Tags admin
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "予約ID"
// @Param request body UpdateReservationRequest true "予約日時と状態"
// @Success 200 {object} MutationResponse
// @Failure 400 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /admin/reservations/{id} [put]
func (h *AdminReservationHandler) Update(c echo.Context) error {
	actor, err := currentActor(c)
	if err != nil {
		return err
	}
	var req UpdateReservationRequest
	if err := bindAndValidate(c, &req); err != nil {
		return err
	}
	iv, err := parseInterval(req.Date, req.Start, req.End)
	if err != nil {
		return err
	}
	status, err := reservation.ParseStatus(req.Status)
	if err != nil {
		return serviceError(err)
	}

	ctx := c.Request().Context()
	r, err := h.service.RescheduleReservation(ctx, application.RescheduleReservationInput{
		ID: c.Param("id"), Interval: iv, Status: status, Actor: actor,
	})
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, MutationResponse{
		Success:     true,
		Message:     application.MsgReservationUpdated,
		Reservation: toReservationResponse(enrichOne(ctx, h.service, r)),
	})
}

// Cancel godoc
// @Summary 予約をキャンセル（管理者）
// @Description 削除も同じ操作で、記録は残したままキャンセル済みにします
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Param id path string true "予約ID"
// @Success 200 {object} MutationResponse
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string "キャンセル済み"
// @Router /admin/reservations/{id}/cancel [put]
// @Router /admin/reservations/{id} [delete]
func (h *AdminReservationHandler) Cancel(c echo.Context) error {
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

// Stats godoc
// @Summary ダッシュボードの集計
// @Description 状態別件数、最近の予約、今日の確定済み予約を返します
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} StatsResponse
// @Failure 503 {object} map[string]string
// @Router /admin/stats [get]
func (h *AdminReservationHandler) Stats(c echo.Context) error {
	ctx := c.Request().Context()
	d, err := h.service.GetDashboard(ctx)
	if err != nil {
		return serviceError(err)
	}
	return c.JSON(http.StatusOK, StatsResponse{
		Success: true,
		Stats:   toCountsResponse(d.Counts),
		Recent:  toReservationResponses(h.service.Enrich(ctx, d.Recent...)),
		Today:   toReservationResponses(h.service.Enrich(ctx, d.Today...)),
	})
}

// ActiveUsers godoc
// @Summary 有効な利用者一覧
// @Description 代理作成で選択できる利用者を氏名順に返します
// @Tags admin
// @Produce json
// @Security BearerAuth
// @Success 200 {object} ActiveUsersResponse
// @Router /admin/users/active [get]
func (h *AdminReservationHandler) ActiveUsers(c echo.Context) error {
	users, err := h.service.ListActiveUsers(c.Request().Context())
	if err != nil {
		return serviceError(err)
	}
	resp := ActiveUsersResponse{Success: true, Users: make([]ActiveUserResponse, len(users))}
	for i, u := range users {
		resp.Users[i] = ActiveUserResponse{ID: u.ID, Username: u.Username, Name: u.DisplayName(), Email: u.Email}
	}
	return c.JSON(http.StatusOK, resp)
}
