package repository

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisKV es el subconjunto de *redis.Client que usan los stores efimeros.
type redisKV interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	GetDel(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

const redisOpTimeout = 500 * time.Millisecond

func withRedisTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, redisOpTimeout)
}
