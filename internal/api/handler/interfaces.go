package handler

import (
	"context"

	"github.com/sanosuguru/vrlab-reservation/internal/application"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/user"
)

// ReservationServiceInterface は予約サービスのインターフェース
type ReservationServiceInterface interface {
	CreateReservation(ctx context.Context, input application.CreateReservationInput) (*reservation.Reservation, error)
	RescheduleReservation(ctx context.Context, input application.RescheduleReservationInput) (*reservation.Reservation, error)
	CancelReservation(ctx context.Context, id string, actor reservation.Actor) (*reservation.Reservation, error)
	ConfirmUsage(ctx context.Context, id, ownerID string) (*reservation.Reservation, error)
	GetReservationFor(ctx context.Context, id string, actor reservation.Actor) (*reservation.Reservation, error)
	ListReservations(ctx context.Context, input application.ListInput) (*reservation.ListResult, error)
	UpcomingForOwner(ctx context.Context, ownerID string, limit int) ([]*reservation.Reservation, error)
	GetDashboard(ctx context.Context) (*application.Dashboard, error)
	Enrich(ctx context.Context, items ...*reservation.Reservation) []application.ReservationView
	ListActiveUsers(ctx context.Context) ([]*user.User, error)
}
