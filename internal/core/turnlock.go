package core

import (
	"context"
	"sync"
)

// chatLocks serializes turns per chat within this process.
type chatLocks struct {
	mu    sync.Mutex
	locks map[string]*chatLock
}

type chatLock struct {
	ch   chan struct{}
	refs int
}

func newChatLocks() *chatLocks {
	return &chatLocks{locks: make(map[string]*chatLock)}
}

// acquire blocks until the chat is free or ctx is done. The returned release
// must be called exactly once.
func (l *chatLocks) acquire(ctx context.Context, chatID string) (func(), error) {
	l.mu.Lock()
	lk, ok := l.locks[chatID]
	if !ok {
		lk = &chatLock{ch: make(chan struct{}, 1)}
		l.locks[chatID] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return func() {
			<-lk.ch
			l.unref(chatID, lk)
		}, nil
	case <-ctx.Done():
		l.unref(chatID, lk)
		return nil, ctx.Err()
	}
}

func (l *chatLocks) unref(chatID string, lk *chatLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs == 0 {
		delete(l.locks, chatID)
	}
}
