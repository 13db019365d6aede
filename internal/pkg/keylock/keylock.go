// Package keylock はキー単位の排他ロックを提供する。異なるキー同士は互いにブロックしない
package keylock

import (
	"context"
	"sort"
	"sync"
)

type entry struct {
	ch   chan struct{}
	refs int
}

// KeyLock はキーごとのミューテックス。未使用のキーは自動的に破棄される
type KeyLock struct {
	mu    sync.Mutex
	locks map[string]*entry
}

// New は新しい KeyLock を作成する
func New() *KeyLock {
	return &KeyLock{locks: make(map[string]*entry)}
}

// Lock は key のロックを取得し、解放関数を返す
func (k *KeyLock) Lock(ctx context.Context, key string) (func(), error) {
	e := k.ref(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.unref(key, e)
		})
	}, nil
}

// LockAll は複数のキーをソート順に取得する。重複キーは1回だけ取得する
func (k *KeyLock) LockAll(ctx context.Context, keys ...string) (func(), error) {
	sorted := uniqueSorted(keys)
	releases := make([]func(), 0, len(sorted))
	unlockAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range sorted {
		release, err := k.Lock(ctx, key)
		if err != nil {
			unlockAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	return unlockAll, nil
}

// Len は現在保持されているキー数を返す
func (k *KeyLock) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}

func (k *KeyLock) ref(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyLock) unref(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

func uniqueSorted(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
