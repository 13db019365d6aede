package reservation

import (
	"errors"
	"fmt"
)

// エラー種別。呼び出し側は errors.Is で種別を判定する
var (
	ErrValidation          = errors.New("入力値が不正です")
	ErrScheduleConflict    = errors.New("schedule conflict")
	ErrInvalidTransition   = errors.New("許可されていない操作です")
	ErrReservationNotFound = errors.New("予約が見つかりません")
	ErrStorage             = errors.New("ストレージエラーが発生しました")
)

// 入力検証エラー
var (
	ErrOwnerIDRequired   = fmt.Errorf("%w: ユーザーIDは必須です", ErrValidation)
	ErrDateRequired      = fmt.Errorf("%w: 予約日は必須です", ErrValidation)
	ErrInvalidDateFormat = fmt.Errorf("%w: 日付の形式が不正です", ErrValidation)
	ErrInvalidTimeFormat = fmt.Errorf("%w: 時刻の形式が不正です", ErrValidation)
	ErrInvalidTimeRange  = fmt.Errorf("%w: 開始時刻は終了時刻より前である必要があります", ErrValidation)
	ErrInvalidStatus     = fmt.Errorf("%w: 不明な予約状態です", ErrValidation)
	ErrOwnerNotActive    = fmt.Errorf("%w: 有効なユーザーではありません", ErrValidation)
)

// 状態遷移エラー
var (
	ErrReservationAlreadyCancelled = fmt.Errorf("%w: 予約は既にキャンセルされています", ErrInvalidTransition)
	ErrReservationAlreadyConfirmed = fmt.Errorf("%w: 予約は既に利用確認済みです", ErrInvalidTransition)
	ErrUsageNotStarted             = fmt.Errorf("%w: 利用開始時刻前のため利用確認できません", ErrInvalidTransition)
	ErrNotOwner                    = fmt.Errorf("%w: 他のユーザーの予約は操作できません", ErrInvalidTransition)
	ErrAdminRequired               = fmt.Errorf("%w: 管理者権限が必要です", ErrInvalidTransition)
)

// IsStorageError はストレージ起因のエラーかを返す
func IsStorageError(err error) bool {
	return errors.Is(err, ErrStorage)
}

// WrapStorage は下位層のエラーを ErrStorage 種別として包む
func WrapStorage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorage, err)
}
