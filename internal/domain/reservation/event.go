package reservation

import "time"

// 状態変更イベントの操作種別
const (
	ActionCreated      = "created"
	ActionRescheduled  = "rescheduled"
	ActionCancelled    = "cancelled"
	ActionUsageConfirm = "usage_confirmed"
)

// StatusChangedEvent は予約の作成・状態変更をコミット後に通知するイベント
type StatusChangedEvent struct {
	ReservationID string    `json:"reservation_id"`
	OwnerID       string    `json:"owner_id"`
	ActorID       string    `json:"actor_id"`
	Action        string    `json:"action"`
	Date          string    `json:"date"`
	Start         string    `json:"start"`
	End           string    `json:"end"`
	FromStatus    Status    `json:"from_status,omitempty"`
	ToStatus      Status    `json:"to_status"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// NewStatusChangedEvent は更新後の予約からイベントを作成する。作成時は from を空にする
func NewStatusChangedEvent(r *Reservation, action string, from Status, actorID string, now time.Time) StatusChangedEvent {
	return StatusChangedEvent{
		ReservationID: r.ID,
		OwnerID:       r.OwnerID,
		ActorID:       actorID,
		Action:        action,
		Date:          r.Interval.DateKey(),
		Start:         r.Interval.Start.String(),
		End:           r.Interval.End.String(),
		FromStatus:    from,
		ToStatus:      r.Status,
		OccurredAt:    now.UTC(),
	}
}
