package handler

import (
	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/vrlab-reservation/internal/api/middleware"
)

// RegisterRoutes は /api/v1 配下のルートを登録する。すべて JWT 認証が必要
func RegisterRoutes(e *echo.Echo, service ReservationServiceInterface, jwtSecret string) {
	reservations := NewReservationHandler(service)
	admin := NewAdminReservationHandler(service)

	v1 := e.Group("/api/v1", middleware.JWTAuth(jwtSecret))

	v1.POST("/reservations", reservations.Create)
	v1.GET("/reservations", reservations.List)
	v1.GET("/reservations/upcoming", reservations.Upcoming)
	v1.GET("/reservations/:id", reservations.GetByID)
	v1.PUT("/reservations/:id/cancel", reservations.Cancel)
	v1.PUT("/reservations/:id/confirm", reservations.Confirm)

	a := v1.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	a.GET("/reservations", admin.List)
	a.POST("/reservations", admin.Create)
	a.PUT("/reservations/:id", admin.Update)
	a.PUT("/reservations/:id/cancel", admin.Cancel)
	a.DELETE("/reservations/:id", admin.Cancel)
	a.GET("/stats", admin.Stats)
	a.GET("/users/active", admin.ActiveUsers)
}
