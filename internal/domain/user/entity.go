package user

import (
	"strings"
	"time"
	"unicode"
)

// User は予約を行う利用者。認証情報はこのサービスでは扱わない
type User struct {
	ID        string
	Username  string
	Email     string
	FullName  string
	Active    bool
	Admin     bool
	CreatedAt time.Time
}

// DisplayInfo はレスポンスに付与する表示用の利用者情報
type DisplayInfo struct {
	Username string
	Name     string
	Email    string
	Initials string
}

// DisplayName は氏名があれば氏名、なければユーザー名を返す
func (u *User) DisplayName() string {
	if strings.TrimSpace(u.FullName) != "" {
		return u.FullName
	}
	return u.Username
}

// DisplayInfo は表示用情報を返す
func (u *User) DisplayInfo() DisplayInfo {
	return DisplayInfo{
		Username: u.Username,
		Name:     u.DisplayName(),
		Email:    u.Email,
		Initials: Initials(u.DisplayName()),
	}
}

// Initials はアバター表示用の頭文字（最大2文字）を返す
func Initials(name string) string {
	var out []rune
	for _, f := range strings.Fields(name) {
		out = append(out, unicode.ToUpper([]rune(f)[0]))
		if len(out) == 2 {
			break
		}
	}
	return string(out)
}
