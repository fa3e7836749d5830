// Package lock serializes work on one sending account, so the allowance
// check and the sends that spend it are never interleaved.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL bounds how long a crashed holder can block an account.
const DefaultTTL = 10 * time.Minute

// Locker acquires a named lock, waiting until it is free or ctx ends.
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// AccountKey names the lock guarding a sender's daily allowance.
func AccountKey(senderID uint) string {
	return fmt.Sprintf("replypilot:lock:sender:%d", senderID)
}

// LocalLocker serializes callers within one process.
type LocalLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{slots: map[string]chan struct{}{}}
}

func (l *LocalLocker) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	ch, ok := l.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		l.slots[key] = ch
	}
	return ch
}

func (l *LocalLocker) Lock(ctx context.Context, key string, _ time.Duration) (func(), error) {
	ch := l.slot(key)
	select {
	case ch <- struct{}{}:
		var once sync.Once
		return func() { once.Do(func() { <-ch }) }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
	}
}
