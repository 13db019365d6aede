package reservation

import (
	"strings"
	"time"
)

// Status は予約の状態を表す
type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCancelled Status = "cancelled"
)

// AllStatuses は集計や表示で使う状態の一覧
var AllStatuses = []Status{StatusPending, StatusConfirmed, StatusCancelled}

// ActiveStatuses は枠を占有する状態。保留中も確定済みと同様に重複判定の対象になる
var ActiveStatuses = []Status{StatusPending, StatusConfirmed}

// ParseStatus は文字列を Status に変換する
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", ErrInvalidStatus
	}
	return st, nil
}

// Valid は既知の状態かを返す
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCancelled:
		return true
	}
	return false
}

// IsActive は重複判定の対象となる状態かを返す
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusConfirmed
}

// Label は画面表示用の状態名
func (s Status) Label() string {
	switch s {
	case StatusPending:
		return "承認待ち"
	case StatusConfirmed:
		return "確定"
	case StatusCancelled:
		return "キャンセル"
	}
	return string(s)
}

// Reservation は予約エンティティを表す
type Reservation struct {
	ID        string
	OwnerID   string
	Interval  Interval
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewReservation は保留中の新しい予約を作成する
func NewReservation(ownerID string, interval Interval, now time.Time) *Reservation {
	interval.Date = NormalizeDate(interval.Date)
	return &Reservation{
		OwnerID:   ownerID,
		Interval:  interval,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Validate は予約の検証を行う
func (r *Reservation) Validate() error {
	if r.OwnerID == "" {
		return ErrOwnerIDRequired
	}
	if !r.Status.Valid() {
		return ErrInvalidStatus
	}
	return r.Interval.Validate()
}

// IsActive は枠を占有しているかを返す
func (r *Reservation) IsActive() bool {
	return r.Status.IsActive()
}

// Reschedule は区間と状態を更新する。権限は事前に AuthorizeReschedule で検証すること
func (r *Reservation) Reschedule(interval Interval, status Status, now time.Time) error {
	if err := CheckStatusTransition(r.Status, status); err != nil {
		return err
	}
	interval.Date = NormalizeDate(interval.Date)
	if err := interval.Validate(); err != nil {
		return err
	}
	r.Interval = interval
	r.Status = status
	r.UpdatedAt = now
	return nil
}

// Cancel は予約をキャンセルする。権限は事前に AuthorizeCancel で検証すること
func (r *Reservation) Cancel(now time.Time) error {
	if err := CheckStatusTransition(r.Status, StatusCancelled); err != nil {
		return err
	}
	r.Status = StatusCancelled
	r.UpdatedAt = now
	return nil
}

// ConfirmUsage は利用実績として保留中の予約を確定する
// 本人確認と利用開始時刻の検証は事前に AuthorizeConfirmUsage で行うこと
func (r *Reservation) ConfirmUsage(now time.Time) error {
	switch r.Status {
	case StatusConfirmed:
		return ErrReservationAlreadyConfirmed
	case StatusCancelled:
		return ErrReservationAlreadyCancelled
	}
	if err := CheckStatusTransition(r.Status, StatusConfirmed); err != nil {
		return err
	}
	r.Status = StatusConfirmed
	r.UpdatedAt = now
	return nil
}

// Clone は複製を返す
func (r *Reservation) Clone() *Reservation {
	c := *r
	return &c
}
