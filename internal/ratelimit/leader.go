package ratelimit

import (
	"context"
	"sync"
	"time"
)

// LeaderLock elects one holder of a named role across replicas. Without a
// locker it always reports leadership.
type LeaderLock struct {
	locker *Locker
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

func NewLeaderLock(locker *Locker, key string, ttl time.Duration) *LeaderLock {
	return &LeaderLock{locker: locker, key: key, ttl: ttl}
}

// Acquire takes or renews leadership. It reports false when another replica
// holds the role.
func (l *LeaderLock) Acquire(ctx context.Context) (bool, error) {
	if l == nil || l.locker == nil {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token != "" {
		ok, err := l.locker.Extend(ctx, l.key, l.token, l.ttl)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		l.token = ""
	}

	token, ok, err := l.locker.TryLock(ctx, l.key, l.ttl)
	if err != nil || !ok {
		return false, err
	}
	l.token = token
	return true, nil
}

func (l *LeaderLock) Release(ctx context.Context) error {
	if l == nil || l.locker == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.token == "" {
		return nil
	}
	err := l.locker.Release(ctx, l.key, l.token)
	l.token = ""
	return err
}
