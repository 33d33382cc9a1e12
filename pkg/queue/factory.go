package queue

import (
	"context"
	"fmt"

	repairerrors "github.com/mosesy5688-cell/ai-nexus-sub001/pkg/errors"
)

type Type string

const (
	TypeMemory Type = "memory"
	TypeRedis  Type = "redis"
)

type Config struct {
	Type          Type        `mapstructure:"type"`
	Capacity      int         `mapstructure:"capacity"`
	Redis         RedisConfig `mapstructure:"redis"`
	Partitions    int         `mapstructure:"partitions"`
	RatePerSecond float64     `mapstructure:"rate_per_second"`
}

// Open builds the configured queue. A Redis queue is pinged before it is returned.
func Open(ctx context.Context, cfg Config) (Queue, error) {
	switch cfg.Type {
	case "", TypeMemory:
		return NewMemoryQueue(cfg.Capacity), nil
	case TypeRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("queue.redis.addr is required for the redis queue")
		}
		q := NewRedisQueue(cfg.Redis)
		if err := q.Ping(ctx); err != nil {
			_ = q.Close()
			return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		return q, nil
	default:
		return nil, fmt.Errorf("unsupported queue type: %s", cfg.Type)
	}
}

// OpenShared is Open for commands whose producer and consumer run in separate
// processes. The memory queue never leaves its process, so it is refused.
func OpenShared(ctx context.Context, cfg Config) (Queue, error) {
	if cfg.Type == "" || cfg.Type == TypeMemory {
		err := fmt.Errorf("%w: queue.type %q is local to one process", repairerrors.ErrInvalidInput, TypeMemory)
		return nil, repairerrors.Wrap(err, repairerrors.CategoryInvalidInput, "invalid_input", "set queue.type=redis", false)
	}
	return Open(ctx, cfg)
}
