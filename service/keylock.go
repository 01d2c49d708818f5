package service

import (
	"context"
	"slices"
	"sync"
)

// KeyLock 按 key 加锁的锁表
//
// 不同 key 互不阻塞；同一个 key 串行。
// 锁在没有持有者和等待者时从表中移除，表的大小只与并发度有关。
//
// 加锁可以被 ctx 取消：锁用容量为 1 的 channel 实现。
type KeyLock[K comparable] struct {
	mu    sync.Mutex
	locks map[K]*keyLockEntry
}

type keyLockEntry struct {
	ch   chan struct{}
	refs int
}

// NewKeyLock 创建锁表
func NewKeyLock[K comparable]() *KeyLock[K] {
	return &KeyLock[K]{locks: make(map[K]*keyLockEntry)}
}

func (l *KeyLock[K]) acquireRef(key K) *keyLockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[key]
	if !ok {
		e = &keyLockEntry{ch: make(chan struct{}, 1)}
		l.locks[key] = e
	}
	e.refs++
	return e
}

func (l *KeyLock[K]) releaseRef(key K) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(l.locks, key)
	}
}

// Lock 获取 key 的锁，返回解锁函数
func (l *KeyLock[K]) Lock(ctx context.Context, key K) (func(), error) {
	e := l.acquireRef(key)
	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		l.releaseRef(key)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			l.releaseRef(key)
		})
	}, nil
}

// LockAll 按 cmp 的顺序依次获取多个 key 的锁（去重），防止死锁
func (l *KeyLock[K]) LockAll(ctx context.Context, cmp func(a, b K) int, keys ...K) (func(), error) {
	keys = slices.Clone(keys)
	slices.SortFunc(keys, cmp)
	keys = slices.CompactFunc(keys, func(a, b K) bool { return cmp(a, b) == 0 })

	unlocks := make([]func(), 0, len(keys))
	unlockAll := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}

	for _, k := range keys {
		unlock, err := l.Lock(ctx, k)
		if err != nil {
			unlockAll()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return unlockAll, nil
}

// Len 当前表中的 key 数量（测试用）
func (l *KeyLock[K]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
