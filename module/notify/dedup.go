package notify

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Deduper 记录已成功推送的 key；事件重投时跳过同一设备。
// key 只在推送成功之后写入。
type Deduper interface {
	Delivered(ctx context.Context, key string) (bool, error)
	MarkDelivered(ctx context.Context, key string) error
}

type RedisDeduper struct {
	rdb    redis.Cmdable
	prefix string
	ttl    time.Duration
}

func NewRedisDeduper(rdb redis.Cmdable, ttl time.Duration) *RedisDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisDeduper{rdb: rdb, prefix: "im:push:", ttl: ttl}
}

func (d *RedisDeduper) Delivered(ctx context.Context, key string) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.prefix+key).Result()
	return n > 0, err
}

func (d *RedisDeduper) MarkDelivered(ctx context.Context, key string) error {
	return d.rdb.Set(ctx, d.prefix+key, 1, d.ttl).Err()
}
