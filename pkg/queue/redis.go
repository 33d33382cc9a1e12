package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisKey is the list the requests are pushed onto.
const DefaultRedisKey = "repair:requests"

// pollInterval bounds each BRPOP so cancellation is noticed promptly.
const pollInterval = time.Second

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Key      string `mapstructure:"key"`
}

// RedisQueue is a Queue on a Redis list: LPUSH to enqueue, BRPOP to dequeue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

func NewRedisQueue(cfg RedisConfig) *RedisQueue {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	key := cfg.Key
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: rdb, key: key}
}

// Ping checks the connection.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

func (q *RedisQueue) Enqueue(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return err
	}
	data, err := encode(req)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("redis enqueue: %w", err)
	}
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Request, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Request{}, err
		}
		res, err := q.client.BRPop(ctx, pollInterval, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if errors.Is(err, redis.ErrClosed) {
			return Request{}, ErrClosed
		}
		if err != nil {
			if ctx.Err() != nil {
				return Request{}, ctx.Err()
			}
			return Request{}, fmt.Errorf("redis dequeue: %w", err)
		}
		// res is [key, value].
		if len(res) != 2 {
			return Request{}, fmt.Errorf("redis dequeue: unexpected reply of %d elements", len(res))
		}
		return decode([]byte(res[1]))
	}
}

func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis len: %w", err)
	}
	return int(n), nil
}

func (q *RedisQueue) Close() error {
	return q.client.Close()
}
