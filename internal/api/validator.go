package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
)

// CustomValidator はEcho用のカスタムバリデーター
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator は予約日・時刻・状態のタグを登録したバリデーターを作成する
//
//	labdate:   YYYY-MM-DD
//	timeofday: HH:MM または HH:MM:SS（24:00 まで）
//	status:    pending / confirmed / cancelled
func NewValidator() *CustomValidator {
	v := validator.New()
	_ = v.RegisterValidation("labdate", func(fl validator.FieldLevel) bool {
		_, err := reservation.ParseDate(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("timeofday", func(fl validator.FieldLevel) bool {
		_, err := reservation.ParseTimeOfDay(fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("status", func(fl validator.FieldLevel) bool {
		_, err := reservation.ParseStatus(fl.Field().String())
		return err == nil
	})
	return &CustomValidator{validator: v}
}

// Validate はリクエストのバリデーションを実行する
func (cv *CustomValidator) Validate(i interface{}) error {
	if err := cv.validator.Struct(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, describeValidation(err))
	}
	return nil
}

func describeValidation(err error) string {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err.Error()
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fieldMessage(fe))
	}
	return strings.Join(msgs, ", ")
}

func fieldMessage(fe validator.FieldError) string {
	field := strings.ToLower(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s は必須です", field)
	case "labdate":
		return fmt.Sprintf("%s は YYYY-MM-DD 形式で指定してください", field)
	case "timeofday":
		return fmt.Sprintf("%s は HH:MM 形式で指定してください", field)
	case "status":
		return fmt.Sprintf("%s は pending, confirmed, cancelled のいずれかです", field)
	default:
		return fmt.Sprintf("%s が不正です (%s)", field, fe.Tag())
	}
}
