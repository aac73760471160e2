package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kernelci/kcidb-ingester/pkg/common/config"
	"github.com/kernelci/kcidb-ingester/pkg/common/logger"
	"github.com/redis/go-redis/v9"
)

var (
	redisClient *redis.Client
	redisErr    error
	redisOnce   sync.Once
)

// GetRedis returns the shared client used as the log excerpt side store.
// The ping error is returned so callers can refuse to start with extraction
// enabled against an unreachable server.
func GetRedis(ctx context.Context) (*redis.Client, error) {
	redisOnce.Do(func() {
		cfg := config.Load()
		redisClient = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", cfg.RedisHost, cfg.RedisPort),
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			redisErr = fmt.Errorf("redis ping %s: %w", redisClient.Options().Addr, err)
			logger.Log.WithError(err).Error("Failed to connect to Redis")
			return
		}
		logger.Log.WithField("addr", redisClient.Options().Addr).Info("Connected to Redis")
	})

	return redisClient, redisErr
}

func CloseRedis() error {
	if redisClient != nil {
		return redisClient.Close()
	}
	return nil
}
