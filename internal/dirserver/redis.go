package dirserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sealbox/internal/domain"
)

// envelopeTTL bounds how long undelivered envelopes are retained.
const envelopeTTL = 30 * 24 * time.Hour

// RedisQueue is a Queue backed by a redis list per recipient device.
type RedisQueue struct {
	rdb *redis.Client
}

func NewRedisQueue(rdb *redis.Client) *RedisQueue {
	return &RedisQueue{rdb: rdb}
}

func queueKey(to domain.Address) string {
	return fmt.Sprintf("q:%s:%s", to.User, to.Device)
}

func (q *RedisQueue) Enqueue(ctx context.Context, env domain.Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	key := queueKey(env.To)
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, envelopeTTL)
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) List(ctx context.Context, to domain.Address, limit int) ([]domain.Envelope, error) {
	if limit <= 0 {
		limit = 100
	}
	raws, err := q.rdb.LRange(ctx, queueKey(to), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.Envelope, 0, len(raws))
	for _, raw := range raws {
		var env domain.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (q *RedisQueue) Ack(ctx context.Context, to domain.Address, count int) error {
	if count <= 0 {
		return nil
	}
	return q.rdb.LTrim(ctx, queueKey(to), int64(count), -1).Err()
}

var _ Queue = (*RedisQueue)(nil)
