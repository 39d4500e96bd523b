package redis

import (
	"context"
	"errors"

	rd "github.com/redis/go-redis/v9"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/persistence"
	"go.uber.org/zap"
)

type redisQueue struct {
	baseDao
}

var _ persistence.Queue = new(redisQueue)

func NewRedisQueue(baseDao baseDao) *redisQueue {
	return &redisQueue{
		baseDao: baseDao,
	}
}

func (rq *redisQueue) Push(ctx context.Context, queueName string, message []byte) error {
	key := rq.getNamespaceKey("QUEUE", queueName)
	err := rq.redisClient.LPush(ctx, key, message).Err()
	if err != nil {
		logger.Error("error while push to redis list", zap.String("queue", queueName), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rq *redisQueue) Pop(ctx context.Context, queueName string, batchSize int) ([][]byte, error) {
	key := rq.getNamespaceKey("QUEUE", queueName)
	res, err := rq.redisClient.RPopCount(ctx, key, batchSize).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return [][]byte{}, nil
		}
		logger.Error("error while pop from redis list", zap.String("queue", queueName), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	out := make([][]byte, 0, len(res))
	for _, r := range res {
		out = append(out, []byte(r))
	}
	return out, nil
}
