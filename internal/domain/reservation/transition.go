package reservation

import (
	"fmt"
	"time"
)

// Actor は操作を要求した利用者
type Actor struct {
	UserID string
	Admin  bool
}

// UserActor は一般利用者の Actor を返す
func UserActor(userID string) Actor { return Actor{UserID: userID} }

// AdminActor は管理者の Actor を返す
func AdminActor(userID string) Actor { return Actor{UserID: userID, Admin: true} }

// Owns は予約の所有者かを返す
func (a Actor) Owns(r *Reservation) bool {
	return a.UserID != "" && a.UserID == r.OwnerID
}

// 許可される状態遷移。cancelled は終端
var transitions = map[Status]map[Status]bool{
	StatusPending:   {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed: {StatusConfirmed: true, StatusCancelled: true},
}

// CheckStatusTransition は from から to への遷移が許可されているかを検証する
func CheckStatusTransition(from, to Status) error {
	if !to.Valid() {
		return ErrInvalidStatus
	}
	if from == StatusCancelled {
		return ErrReservationAlreadyCancelled
	}
	if transitions[from][to] {
		return nil
	}
	if from == StatusConfirmed && to == StatusPending {
		return ErrReservationAlreadyConfirmed
	}
	return fmt.Errorf("%w: %sから%sへは変更できません", ErrInvalidTransition, from.Label(), to.Label())
}

// AuthorizeCreate は予約作成の権限を検証する。本人か管理者のみ作成できる
func AuthorizeCreate(actor Actor, ownerID string) error {
	if ownerID == "" {
		return ErrOwnerIDRequired
	}
	if actor.Admin || actor.UserID == ownerID {
		return nil
	}
	return ErrNotOwner
}

// AuthorizeReschedule は管理者による予約編集を検証する
func AuthorizeReschedule(actor Actor, r *Reservation, to Status) error {
	if !actor.Admin {
		return ErrAdminRequired
	}
	return CheckStatusTransition(r.Status, to)
}

// AuthorizeCancel はキャンセルの権限と状態を検証する
func AuthorizeCancel(actor Actor, r *Reservation) error {
	if !actor.Admin && !actor.Owns(r) {
		return ErrNotOwner
	}
	return CheckStatusTransition(r.Status, StatusCancelled)
}

// AuthorizeConfirmUsage は本人による利用確認を検証する
// 利用開始時刻を過ぎた保留中の予約のみ確定できる
func AuthorizeConfirmUsage(ownerID string, r *Reservation, now time.Time, loc *time.Location) error {
	if ownerID == "" || r.OwnerID != ownerID {
		return ErrNotOwner
	}
	switch r.Status {
	case StatusConfirmed:
		return ErrReservationAlreadyConfirmed
	case StatusCancelled:
		return ErrReservationAlreadyCancelled
	}
	if now.Before(r.Interval.StartsAt(loc)) {
		return ErrUsageNotStarted
	}
	return nil
}

// RequiresConflictCheck は編集後に重複判定が必要かを返す
func RequiresConflictCheck(current *Reservation, next Interval, nextStatus Status) bool {
	if !nextStatus.IsActive() {
		return false
	}
	return !current.Interval.Equal(next)
}
