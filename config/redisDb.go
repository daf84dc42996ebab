package config

import (
	"context"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ConnectRedisWithRetry retries until Redis answers a ping and returns the client with a
// lock client on top of it. Both are nil once ctx is done.
func ConnectRedisWithRetry(ctx context.Context) (*redis.Client, *redislock.Client) {
	redisAddr := EnvString("REDIS_ADDRESS", "")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
		logg.Warnf("REDIS_ADDRESS not set; defaulting to %s", redisAddr)
	}

	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: EnvString("REDIS_PASSWORD", ""),
			DB:       intFromEnv("REDIS_DB", 0),
			PoolSize: intFromEnv("REDIS_POOL_SIZE", 50),
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			logg.WithFields(logrus.Fields{"attempt": attempt, "addr": redisAddr}).Info("connected to redis")
			return rdb, redislock.New(rdb)
		}
		_ = rdb.Close()
		if ctx.Err() != nil {
			logg.WithError(ctx.Err()).Error("gave up connecting to redis")
			return nil, nil
		}
		sleep := retrySleep(attempt)
		logg.WithError(err).WithFields(logrus.Fields{"attempt": attempt, "addr": redisAddr}).
			Warnf("failed to connect redis; retrying in %s", sleep)
		select {
		case <-ctx.Done():
		case <-time.After(sleep):
		}
	}
}
