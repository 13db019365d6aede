package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/reservation"
	"github.com/sanosuguru/vrlab-reservation/internal/domain/user"
)

const userColumns = `id, username, email, full_name, is_active, is_admin, created_at`

type userRow struct {
	ID        string    `db:"id"`
	Username  string    `db:"username"`
	Email     string    `db:"email"`
	FullName  string    `db:"full_name"`
	IsActive  bool      `db:"is_active"`
	IsAdmin   bool      `db:"is_admin"`
	CreatedAt time.Time `db:"created_at"`
}

func (r *userRow) toEntity() *user.User {
	return &user.User{
		ID: r.ID, Username: r.Username, Email: r.Email, FullName: r.FullName,
		Active: r.IsActive, Admin: r.IsAdmin, CreatedAt: r.CreatedAt,
	}
}

// UserDirectory は users テーブルを参照する利用者ディレクトリ
type UserDirectory struct{ db *sqlx.DB }

func NewUserDirectory(db *sqlx.DB) *UserDirectory { return &UserDirectory{db: db} }

func (d *UserDirectory) IsActiveUser(ctx context.Context, id string) (bool, error) {
	if !validUUID(id) {
		return false, nil
	}
	var active bool
	err := d.db.GetContext(ctx, &active, `SELECT is_active FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, reservation.WrapStorage("利用者確認に失敗", err)
	}
	return active, nil
}

func (d *UserDirectory) GetByID(ctx context.Context, id string) (*user.User, error) {
	if !validUUID(id) {
		return nil, user.ErrUserNotFound
	}
	var row userRow
	if err := d.db.GetContext(ctx, &row, `SELECT `+userColumns+` FROM users WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, user.ErrUserNotFound
		}
		return nil, reservation.WrapStorage("利用者取得に失敗", err)
	}
	return row.toEntity(), nil
}

func (d *UserDirectory) GetByIDs(ctx context.Context, ids []string) (map[string]*user.User, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if validUUID(id) {
			valid = append(valid, id)
		}
	}
	out := make(map[string]*user.User, len(valid))
	if len(valid) == 0 {
		return out, nil
	}
	query, args, err := sqlx.In(`SELECT `+userColumns+` FROM users WHERE id IN (?)`, valid)
	if err != nil {
		return nil, reservation.WrapStorage("利用者取得に失敗", err)
	}
	var rows []userRow
	if err := d.db.SelectContext(ctx, &rows, d.db.Rebind(query), args...); err != nil {
		return nil, reservation.WrapStorage("利用者取得に失敗", err)
	}
	for i := range rows {
		out[rows[i].ID] = rows[i].toEntity()
	}
	return out, nil
}

func (d *UserDirectory) ListActive(ctx context.Context) ([]*user.User, error) {
	var rows []userRow
	query := `SELECT ` + userColumns + ` FROM users WHERE is_active = TRUE ORDER BY COALESCE(NULLIF(full_name, ''), username) ASC, id ASC`
	if err := d.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, reservation.WrapStorage("利用者一覧取得に失敗", err)
	}
	out := make([]*user.User, len(rows))
	for i := range rows {
		out[i] = rows[i].toEntity()
	}
	return out, nil
}

// Create は利用者を登録する。初期データ投入とテストで使う
func (d *UserDirectory) Create(ctx context.Context, u *user.User) error {
	query := `INSERT INTO users (username, email, full_name, is_active, is_admin) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`
	if err := d.db.QueryRowContext(ctx, query, u.Username, u.Email, u.FullName, u.Active, u.Admin).Scan(&u.ID, &u.CreatedAt); err != nil {
		return reservation.WrapStorage("利用者作成に失敗", err)
	}
	return nil
}

var _ user.Directory = (*UserDirectory)(nil)
