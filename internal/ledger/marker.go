package ledger

import (
	"context"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/stockpile-erp/stockpile/internal/shared"
)

// RedisMarker publishes the projection cursor to redis so API readers and
// workers can observe the staleness window.
type RedisMarker struct {
	client *redis.Client
}

// NewRedisMarker constructs a RedisMarker.
func NewRedisMarker(client *redis.Client) *RedisMarker {
	return &RedisMarker{client: client}
}

// Publish stores the sequence under the well-known as-of key.
func (m *RedisMarker) Publish(ctx context.Context, seq int64) error {
	return m.client.Set(ctx, shared.ProjectionAsOfKey, seq, 0).Err()
}

// Read returns the published sequence, zero when the key is absent.
func (m *RedisMarker) Read(ctx context.Context) (int64, error) {
	val, err := m.client.Get(ctx, shared.ProjectionAsOfKey).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, err
	}
	return strconv.ParseInt(val, 10, 64)
}
