package lock

import (
	"context"
	"sync"
)

// LocalLocker serializes callers by key within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]*localSlot
}

type localSlot struct {
	token   chan struct{}
	waiters int
}

// NewLocalLocker returns an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: make(map[string]*localSlot)}
}

// Lock blocks until key is free or ctx is done. The returned unlock is idempotent.
func (locker *LocalLocker) Lock(ctx context.Context, key string) (func(), error) {
	locker.mu.Lock()
	slot, ok := locker.slots[key]
	if !ok {
		slot = &localSlot{token: make(chan struct{}, 1)}
		locker.slots[key] = slot
	}
	slot.waiters++
	locker.mu.Unlock()

	select {
	case slot.token <- struct{}{}:
	case <-ctx.Done():
		locker.release(key, slot, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { locker.release(key, slot, true) })
	}, nil
}

func (locker *LocalLocker) release(key string, slot *localSlot, held bool) {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	if held {
		<-slot.token
	}
	slot.waiters--
	if slot.waiters == 0 {
		delete(locker.slots, key)
	}
}

// size reports the number of tracked keys.
func (locker *LocalLocker) size() int {
	locker.mu.Lock()
	defer locker.mu.Unlock()
	return len(locker.slots)
}
