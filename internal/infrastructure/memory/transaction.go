package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/sanosuguru/vrlab-reservation/internal/domain/transaction"
)

// ErrTxDone は終了済みトランザクションの操作で返される
var ErrTxDone = errors.New("トランザクションは既に終了しています")

// Tx はインメモリストアのトランザクション
// 取得したキーロックと取り消し操作を保持し、Commit/Rollback で解放する
type Tx struct {
	mu       sync.Mutex
	releases []func()
	undo     []func()
	done     bool
}

// Commit は変更を確定しロックを解放する
func (t *Tx) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.done = true
	t.undo = nil
	t.releaseLocked()
	return nil
}

// Rollback は変更を取り消しロックを解放する。終了済みなら何もしない
func (t *Tx) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
	t.releaseLocked()
	return nil
}

func (t *Tx) releaseLocked() {
	for i := len(t.releases) - 1; i >= 0; i-- {
		t.releases[i]()
	}
	t.releases = nil
}

func (t *Tx) addRelease(f func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		f()
		return ErrTxDone
	}
	t.releases = append(t.releases, f)
	return nil
}

func (t *Tx) addUndo(f func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTxDone
	}
	t.undo = append(t.undo, f)
	return nil
}

// TxManager はインメモリストア用のトランザクションマネージャー
type TxManager struct{}

// NewTxManager は新しい TxManager を作成する
func NewTxManager() *TxManager { return &TxManager{} }

// Begin は新しいトランザクションを開始する
func (m *TxManager) Begin(ctx context.Context) (transaction.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Tx{}, nil
}

func unwrapTx(tx transaction.Tx) (*Tx, error) {
	mt, ok := tx.(*Tx)
	if !ok || mt == nil {
		return nil, errors.New("インメモリストアのトランザクションではありません")
	}
	return mt, nil
}

var _ transaction.Manager = (*TxManager)(nil)
