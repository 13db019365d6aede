package application

import (
	"errors"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
)

// 操作成功時のメッセージ
const (
	MsgReservationCreated   = "予約を作成しました"
	MsgReservationUpdated   = "予約を更新しました"
	MsgReservationCancelled = "予約をキャンセルしました"
	MsgUsageConfirmed       = "予約の利用を確認しました"
)

// 操作失敗時のメッセージ
const (
	MsgScheduleConflict = "schedule conflict"
	MsgNotFound         = "予約が見つかりません"
	MsgStorageFailure   = "予約情報の保存に失敗しました。しばらくしてから再試行してください"
	MsgBusy             = "同じ日付の予約が処理中です。しばらくしてから再試行してください"
	MsgUnexpected       = "予期しないエラーが発生しました"
)

// Describe は利用者に表示するエラーメッセージを返す
// 入力検証と状態遷移のエラーは個別の理由をそのまま使う
// 時間帯の競合は常に "schedule conflict" を返す
func Describe(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, reservation.ErrScheduleConflict):
		return MsgScheduleConflict
	case errors.Is(err, reservation.ErrReservationNotFound):
		return MsgNotFound
	case errors.Is(err, ErrReservationBusy):
		return MsgBusy
	case errors.Is(err, reservation.ErrStorage):
		return MsgStorageFailure
	case errors.Is(err, reservation.ErrValidation), errors.Is(err, reservation.ErrInvalidTransition):
		return err.Error()
	default:
		return MsgUnexpected
	}
}
