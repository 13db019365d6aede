package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/user"
)

// UserDirectory はインメモリの利用者ディレクトリ
type UserDirectory struct {
	mu    sync.RWMutex
	users map[string]*user.User
}

// NewUserDirectory は初期利用者を登録したディレクトリを作成する
func NewUserDirectory(users ...*user.User) *UserDirectory {
	d := &UserDirectory{users: make(map[string]*user.User, len(users))}
	for _, u := range users {
		d.Put(u)
	}
	return d
}

// Put は利用者を登録または置き換える
func (d *UserDirectory) Put(u *user.User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c := *u
	d.users[u.ID] = &c
}

func (d *UserDirectory) IsActiveUser(ctx context.Context, id string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return ok && u.Active, nil
}

func (d *UserDirectory) GetByID(ctx context.Context, id string) (*user.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	if !ok {
		return nil, user.ErrUserNotFound
	}
	c := *u
	return &c, nil
}

func (d *UserDirectory) GetByIDs(ctx context.Context, ids []string) (map[string]*user.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*user.User, len(ids))
	for _, id := range ids {
		if u, ok := d.users[id]; ok {
			c := *u
			out[id] = &c
		}
	}
	return out, nil
}

func (d *UserDirectory) ListActive(ctx context.Context) ([]*user.User, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*user.User, 0, len(d.users))
	for _, u := range d.users {
		if u.Active {
			c := *u
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName() != out[j].DisplayName() {
			return out[i].DisplayName() < out[j].DisplayName()
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

var _ user.Directory = (*UserDirectory)(nil)
