package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// unlockScript deletes the key only while it still holds our token.
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

// RedisLocker serializes callers across processes with SET NX PX.
type RedisLocker struct {
	client *redis.Client
	retry  time.Duration
	log    *logrus.Entry
}

func NewRedisLocker(client *redis.Client, log *logrus.Entry) *RedisLocker {
	return &RedisLocker{client: client, retry: 200 * time.Millisecond, log: log}
}

func (r *RedisLocker) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	token := uuid.NewString()
	for {
		ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return func() {
				// The caller's context may already be done.
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := unlockScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil {
					r.log.WithError(err).WithField("key", key).Warn("Failed to release lock")
				}
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire %s: %w", key, ctx.Err())
		case <-time.After(r.retry):
		}
	}
}
