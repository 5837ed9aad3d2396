package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type lease struct {
	token   string
	expires time.Time
}

// Locker is an in-process admission lock with the same token semantics as
// the Redis one.
type Locker struct {
	mu    sync.Mutex
	held  map[string]lease
	Now   func() time.Time
	Fail  func(key string) error
	taken int
}

func NewLocker() *Locker {
	return &Locker{held: map[string]lease{}, Now: time.Now}
}

func (l *Locker) Acquire(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Fail != nil {
		if err := l.Fail(key); err != nil {
			return "", false, err
		}
	}
	now := l.Now()
	if cur, ok := l.held[key]; ok && now.Before(cur.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = lease{token: token, expires: now.Add(ttl)}
	l.taken++
	return token, true, nil
}

func (l *Locker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.held[key]; ok && cur.token == token {
		delete(l.held, key)
	}
	return nil
}

// Taken counts successful acquisitions.
func (l *Locker) Taken() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.taken
}
