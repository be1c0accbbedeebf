package database

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"

	"neora-go/internal/config"
	"neora-go/pkg/log"
)

var RDB *redis.Client

// InitRedis 初始化 Redis 客户端连接，供分布式广播使用。
func InitRedis(ctx context.Context, cfg config.RedisConfig) error {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// 测试连接
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	RDB = rdb
	log.Info("Redis client connected successfully")
	return nil
}
