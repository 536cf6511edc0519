//go:build integration

package containers

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"

	"kycgate/internal/platform/redis"
)

// RedisContainer is the shared window store that gateway replicas talk to.
// Client is built by the same constructor the server uses.
type RedisContainer struct {
	Container testcontainers.Container
	URL       string
	Client    *redis.Client
}

func NewRedisContainer(t *testing.T) *RedisContainer {
	t.Helper()
	ctx := context.Background()

	c, err := tcredis.Run(ctx, "redis:7-alpine")
	require.NoError(t, err, "start redis")

	rc := &RedisContainer{Container: c}
	rc.URL, err = c.ConnectionString(ctx)
	if err == nil {
		rc.Client, err = redis.New(ctx, redis.Options{URL: rc.URL, PoolSize: 16})
	}
	if err != nil {
		_ = c.Terminate(ctx)
		require.NoError(t, err, "connect to redis")
	}
	return rc
}

// FlushAll drops every key so suites sharing the container start clean.
func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}
