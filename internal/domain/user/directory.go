package user

import "context"

// Directory は利用者情報の参照口。予約の所有者検証と表示用情報の取得に使う
type Directory interface {
	// IsActiveUser は有効な利用者かを返す。存在しない場合は false
	IsActiveUser(ctx context.Context, id string) (bool, error)

	// GetByID はIDから利用者を取得する
	GetByID(ctx context.Context, id string) (*User, error)

	// GetByIDs は複数の利用者をまとめて取得する。存在しないIDは結果に含まれない
	GetByIDs(ctx context.Context, ids []string) (map[string]*User, error)

	// ListActive は有効な利用者を氏名順に返す
	ListActive(ctx context.Context) ([]*User, error)
}
