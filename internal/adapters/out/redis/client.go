package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/EthanQC/liveroom/internal/config"
	"github.com/EthanQC/liveroom/internal/domain/errkind"
)

// NewClient 创建客户端并探活
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return client, nil
}

// mapErr 把 redis 错误映射为统一的错误类别
func mapErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, redis.Nil):
		return errkind.E(errkind.NotFound, op, err)
	case errors.Is(err, context.Canceled):
		return errkind.E(errkind.Cancelled, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return errkind.E(errkind.Timeout, op, err)
	default:
		return errkind.E(errkind.Unavailable, op, err)
	}
}
