package window

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"kycgate/internal/ratelimit/models"
)

// RedisStore shares fixed windows between replicas. The first hit in a window
// creates the counter and sets its expiry; the key vanishing ends the window.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces keys, e.g. per environment.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

func NewRedisStore(client redis.Cmdable, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: "kycgate:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) Hit(ctx context.Context, key string, limit models.Limit, now time.Time) (*models.Result, error) {
	key = s.prefix + key

	count, err := s.client.Incr(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("incr window: %w", err)
	}
	if count == 1 {
		if err := s.client.PExpire(ctx, key, limit.Window).Err(); err != nil {
			return nil, fmt.Errorf("expire window: %w", err)
		}
	}

	ttl, err := s.client.PTTL(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("ttl window: %w", err)
	}
	if ttl < 0 {
		// Counter without expiry, e.g. the process died between INCR and PEXPIRE.
		if err := s.client.PExpire(ctx, key, limit.Window).Err(); err != nil {
			return nil, fmt.Errorf("expire window: %w", err)
		}
		ttl = limit.Window
	}
	return models.NewResult(int(count), limit, now.Add(ttl), now), nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
