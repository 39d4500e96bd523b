package redis

import (
	"context"
	"strconv"
	"time"

	rd "github.com/redis/go-redis/v9"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/persistence"
	"go.uber.org/zap"
)

const DEADLINE_KEY string = "RUN_DEADLINES"

var _ persistence.DeadlineIndex = new(redisDeadlineIndex)

// Sorted set scored by deadline epoch millis, same structure as the
// delay queue. The watchdog drains expired members each tick.
type redisDeadlineIndex struct {
	baseDao
}

func NewRedisDeadlineIndex(baseDao baseDao) *redisDeadlineIndex {
	return &redisDeadlineIndex{
		baseDao: baseDao,
	}
}

func (di *redisDeadlineIndex) Add(ctx context.Context, runKey string, deadline time.Time) error {
	key := di.getNamespaceKey(DEADLINE_KEY)
	member := rd.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: runKey,
	}
	if err := di.redisClient.ZAdd(ctx, key, member).Err(); err != nil {
		logger.Error("error adding run deadline", zap.String("runKey", runKey), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (di *redisDeadlineIndex) Remove(ctx context.Context, runKey string) error {
	key := di.getNamespaceKey(DEADLINE_KEY)
	if err := di.redisClient.ZRem(ctx, key, runKey).Err(); err != nil {
		logger.Error("error removing run deadline", zap.String("runKey", runKey), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (di *redisDeadlineIndex) Expired(ctx context.Context, now time.Time) ([]string, error) {
	key := di.getNamespaceKey(DEADLINE_KEY)
	max := strconv.FormatInt(now.UnixMilli(), 10)
	pipe := di.redisClient.TxPipeline()
	zr := pipe.ZRangeByScore(ctx, key, &rd.ZRangeBy{Min: "0", Max: max})
	pipe.ZRemRangeByScore(ctx, key, "0", max)
	if _, err := pipe.Exec(ctx); err != nil {
		logger.Error("error scanning run deadlines", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return zr.Result()
}
