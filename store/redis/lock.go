// Package redis holds the Redis-backed admission lock used to serialize plan
// submissions for one user and request signature.
package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Locker takes short-lived exclusive locks with SET NX and releases them only
// when the caller still holds the token.
type Locker struct {
	cli    *redis.Client
	prefix string
}

// Options mirrors the connection settings in the store config.
type Options struct {
	Addr     string
	Password string
	DB       int
}

// NewClient connects and pings within a short timeout.
func NewClient(ctx context.Context, o Options) (*redis.Client, error) {
	cli := redis.NewClient(&redis.Options{Addr: o.Addr, Password: o.Password, DB: o.DB})
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := cli.Ping(ctx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return cli, nil
}

func NewLocker(cli *redis.Client) *Locker {
	return &Locker{cli: cli, prefix: "mealplan:lock:"}
}

// Acquire reports ok=false when someone else holds key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.cli.SetNX(ctx, l.prefix+key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

var luaUnlock = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)

func (l *Locker) Release(ctx context.Context, key, token string) error {
	if err := luaUnlock.Run(ctx, l.cli, []string{l.prefix + key}, token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lock %s: %w", key, err)
	}
	return nil
}
