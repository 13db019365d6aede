package api

import (
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type slotRequest struct {
	Date   string `validate:"required,labdate"`
	Start  string `validate:"required,timeofday"`
	End    string `validate:"required,timeofday"`
	Status string `validate:"omitempty,status"`
}

func TestCustomValidator(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name    string
		req     slotRequest
		wantErr string
	}{
		{"正常", slotRequest{Date: "2024-06-01", Start: "10:00", End: "11:00"}, ""},
		{"秒付きの時刻と24:00", slotRequest{Date: "2024-06-01", Start: "23:00:00", End: "24:00"}, ""},
		{"状態指定あり", slotRequest{Date: "2024-06-01", Start: "10:00", End: "11:00", Status: "confirmed"}, ""},
		{"日付なし", slotRequest{Start: "10:00", End: "11:00"}, "date は必須です"},
		{"日付形式が不正", slotRequest{Date: "06/01/2024", Start: "10:00", End: "11:00"}, "date は YYYY-MM-DD 形式で指定してください"},
		{"時刻形式が不正", slotRequest{Date: "2024-06-01", Start: "10時", End: "11:00"}, "start は HH:MM 形式で指定してください"},
		{"不明な状態", slotRequest{Date: "2024-06-01", Start: "10:00", End: "11:00", Status: "done"}, "status は pending, confirmed, cancelled のいずれかです"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.req)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			he, ok := err.(*echo.HTTPError)
			require.True(t, ok)
			assert.Equal(t, http.StatusBadRequest, he.Code)
			assert.Contains(t, he.Message, tt.wantErr)
		})
	}
}
