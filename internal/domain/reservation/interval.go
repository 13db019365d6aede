package reservation

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DateLayout は予約日の文字列表現
const DateLayout = "2006-01-02"

// TimeOfDay は0時からの経過分で表す時刻
type TimeOfDay int

// MinutesPerDay は1日の分数
const MinutesPerDay = 24 * 60

// ParseTimeOfDay は "HH:MM" または "HH:MM:SS" 形式の文字列を解析する
// 時は1〜2桁、分と秒は2桁の数字のみ受け付ける（符号は不可）
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	h, ok := parseDigits(parts[0], 1, 2)
	if !ok || h > 24 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	m, ok := parseDigits(parts[1], 2, 2)
	if !ok || m > 59 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	if len(parts) == 3 {
		// 秒は切り捨てる
		if sec, ok := parseDigits(parts[2], 2, 2); !ok || sec > 59 {
			return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
		}
	}
	t := TimeOfDay(h*60 + m)
	if t > MinutesPerDay {
		return 0, fmt.Errorf("%w: %q", ErrInvalidTimeFormat, s)
	}
	return t, nil
}

// parseDigits は minLen〜maxLen 桁の10進数字だけからなる文字列を数値にする
func parseDigits(s string, minLen, maxLen int) (int, bool) {
	if len(s) < minLen || len(s) > maxLen {
		return 0, false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, false
		}
	}
	n, err := strconv.Atoi(s)
	return n, err == nil
}

// MustParseTimeOfDay はテストや定数定義向けの ParseTimeOfDay
func MustParseTimeOfDay(s string) TimeOfDay {
	t, err := ParseTimeOfDay(s)
	if err != nil {
		panic(err)
	}
	return t
}

// String は "HH:MM" 形式で返す
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// Duration は0時からの経過時間を返す
func (t TimeOfDay) Duration() time.Duration {
	return time.Duration(t) * time.Minute
}

// Scan は PostgreSQL の TIME 型を読み込む
func (t *TimeOfDay) Scan(src any) error {
	switch v := src.(type) {
	case []byte:
		return t.scanString(string(v))
	case string:
		return t.scanString(v)
	case time.Time:
		// ドライバは 24:00:00 を翌日の0時として返す
		if v.YearDay() > 1 && v.Hour() == 0 && v.Minute() == 0 {
			*t = MinutesPerDay
			return nil
		}
		*t = TimeOfDay(v.Hour()*60 + v.Minute())
		return nil
	case nil:
		return fmt.Errorf("%w: 時刻がNULLです", ErrInvalidTimeFormat)
	default:
		return fmt.Errorf("%w: 未対応の型 %T", ErrInvalidTimeFormat, src)
	}
}

func (t *TimeOfDay) scanString(s string) error {
	parsed, err := ParseTimeOfDay(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Value は PostgreSQL の TIME 型として書き込む
func (t TimeOfDay) Value() (driver.Value, error) {
	if t == MinutesPerDay {
		return "24:00:00", nil
	}
	return t.String() + ":00", nil
}

// Interval は予約日と半開区間 [Start, End) の組
type Interval struct {
	Date  time.Time
	Start TimeOfDay
	End   TimeOfDay
}

// NormalizeDate は日付部分だけを残したUTCの0時に揃える
func NormalizeDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate は "YYYY-MM-DD" 形式の日付を解析する
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidDateFormat, s)
	}
	return d, nil
}

// NewInterval は検証済みの Interval を作成する
func NewInterval(date time.Time, start, end TimeOfDay) (Interval, error) {
	iv := Interval{Date: NormalizeDate(date), Start: start, End: end}
	if err := iv.Validate(); err != nil {
		return Interval{}, err
	}
	return iv, nil
}

// ParseInterval は文字列表現から Interval を作成する
func ParseInterval(date, start, end string) (Interval, error) {
	d, err := ParseDate(date)
	if err != nil {
		return Interval{}, err
	}
	st, err := ParseTimeOfDay(start)
	if err != nil {
		return Interval{}, err
	}
	en, err := ParseTimeOfDay(end)
	if err != nil {
		return Interval{}, err
	}
	return NewInterval(d, st, en)
}

// Validate は区間の整合性を検証する
func (i Interval) Validate() error {
	if i.Date.IsZero() {
		return ErrDateRequired
	}
	if i.Start < 0 || i.End > MinutesPerDay {
		return ErrInvalidTimeRange
	}
	if i.Start >= i.End {
		return ErrInvalidTimeRange
	}
	return nil
}

// SameDate は同じ予約日かを返す
func (i Interval) SameDate(other Interval) bool {
	return NormalizeDate(i.Date).Equal(NormalizeDate(other.Date))
}

// Overlaps は同日かつ [Start, End) が交差するかを返す
// 終了時刻と開始時刻が一致する連続予約は重複とみなさない
func (i Interval) Overlaps(other Interval) bool {
	if !i.SameDate(other) {
		return false
	}
	return i.Start < other.End && other.Start < i.End
}

// Equal は同一の区間かを返す
func (i Interval) Equal(other Interval) bool {
	return i.SameDate(other) && i.Start == other.Start && i.End == other.End
}

// DateKey は日付単位のロックキーなどに使う文字列を返す
func (i Interval) DateKey() string {
	return NormalizeDate(i.Date).Format(DateLayout)
}

// StartsAt は指定タイムゾーンにおける開始日時を返す
func (i Interval) StartsAt(loc *time.Location) time.Time {
	y, m, d := i.Date.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc).Add(i.Start.Duration())
}

func (i Interval) String() string {
	return fmt.Sprintf("%s %s-%s", i.DateKey(), i.Start, i.End)
}
