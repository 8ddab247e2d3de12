package service

import (
	"sync"

	"baton-attendance/backend/internal/model"
)

// keyedMutex 按 key 互斥，不同 key 之间完全并行；无人等待的 key 会被回收
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock 获取 key 的锁，返回解锁函数
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

// seedKey 同一会话同一阶段的播种与重新播种互斥，避免选出重复持有人
func seedKey(sessionID string, phase model.Phase) string {
	return "seed:" + sessionID + ":" + string(phase)
}
