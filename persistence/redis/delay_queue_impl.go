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

type redisDelayQueue struct {
	baseDao
}

var _ persistence.DelayQueue = new(redisDelayQueue)

func NewRedisDelayQueue(baseDao baseDao) *redisDelayQueue {
	return &redisDelayQueue{
		baseDao: baseDao,
	}
}

func (rq *redisDelayQueue) PushWithDelay(ctx context.Context, queueName string, delay time.Duration, message []byte) error {
	key := rq.getNamespaceKey("DELAY", queueName)
	dueTime := time.Now().Add(delay).UnixMilli()
	member := rd.Z{
		Score:  float64(dueTime),
		Member: message,
	}
	err := rq.redisClient.ZAdd(ctx, key, member).Err()
	if err != nil {
		logger.Error("error while push to redis delay queue", zap.String("queue", queueName), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

// Pop atomically drains all members whose due time has passed.
func (rq *redisDelayQueue) Pop(ctx context.Context, queueName string) ([][]byte, error) {
	key := rq.getNamespaceKey("DELAY", queueName)
	currentTime := time.Now().UnixMilli()
	pipe := rq.redisClient.TxPipeline()

	opt := &rd.ZRangeBy{
		Min: "0",
		Max: strconv.FormatInt(currentTime, 10),
	}
	zr := pipe.ZRangeByScore(ctx, key, opt)
	pipe.ZRemRangeByScore(ctx, key, "0", strconv.FormatInt(currentTime, 10))

	_, err := pipe.Exec(ctx)
	if err != nil {
		logger.Error("error while pop from redis delay queue", zap.String("queue", queueName), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}

	res, err := zr.Result()
	if err != nil {
		logger.Error("error while pop from redis delay queue", zap.String("queue", queueName), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([][]byte, 0, len(res))
	for _, r := range res {
		out = append(out, []byte(r))
	}
	return out, nil
}
