package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
)

// コンテキストに格納する認証情報のキー
const (
	ContextKeyUserID = "user_id"
	ContextKeyRole   = "role"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// JWTAuth は Bearer トークンを検証し、sub と role をコンテキストに格納する
// トークンの発行は認証基盤が行い、このサービスは検証のみを行う
func JWTAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			auth := c.Request().Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(auth, "Bearer ") {
				return echo.NewHTTPError(http.StatusUnauthorized, "認証トークンがありません")
			}
			raw := strings.TrimPrefix(auth, "Bearer ")

			tok, err := jwt.Parse(raw, func(t *jwt.Token) (interface{}, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, echo.ErrUnauthorized
				}
				return []byte(secret), nil
			})
			if err != nil || !tok.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "認証トークンが無効です")
			}

			claims, ok := tok.Claims.(jwt.MapClaims)
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "認証トークンが無効です")
			}
			sub, _ := claims["sub"].(string)
			if sub == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "認証トークンにユーザーIDがありません")
			}
			role, _ := claims["role"].(string)
			if role == "" {
				role = RoleUser
			}

			c.Set(ContextKeyUserID, sub)
			c.Set(ContextKeyRole, role)
			return next(c)
		}
	}
}

// RequireRole は指定ロールのいずれかを持つ利用者だけを通す
func RequireRole(roles ...string) echo.MiddlewareFunc {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			role, ok := c.Get(ContextKeyRole).(string)
			if !ok || !allowed[role] {
				return echo.NewHTTPError(http.StatusForbidden, "この操作を行う権限がありません")
			}
			return next(c)
		}
	}
}

// CurrentActor は JWTAuth が格納した認証情報から操作者を返す
func CurrentActor(c echo.Context) (reservation.Actor, bool) {
	userID, ok := c.Get(ContextKeyUserID).(string)
	if !ok || userID == "" {
		return reservation.Actor{}, false
	}
	if role, _ := c.Get(ContextKeyRole).(string); role == RoleAdmin {
		return reservation.AdminActor(userID), true
	}
	return reservation.UserActor(userID), true
}

// IssueToken は HS256 で署名したアクセストークンを作成する。開発用のトークン発行とテストで使う
func IssueToken(secret, userID, role string, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":  userID,
		"role": role,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
