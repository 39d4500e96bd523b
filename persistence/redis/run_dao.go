package redis

import (
	"context"
	"errors"

	rd "github.com/redis/go-redis/v9"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
	"github.com/offerpipe/offerpipe/util"
	"go.uber.org/zap"
)

const RUN_KEY string = "RUN"

var _ persistence.RunStore = new(redisRunDao)

type redisRunDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.WorkflowRun]
}

func NewRedisRunDao(baseDao baseDao) *redisRunDao {
	return &redisRunDao{
		baseDao:        baseDao,
		encoderDecoder: util.NewJsonEncoderDecoder[model.WorkflowRun](),
	}
}

func (rr *redisRunDao) Save(ctx context.Context, run *model.WorkflowRun) error {
	key := rr.getNamespaceKey(RUN_KEY, run.Key)
	data, err := rr.encoderDecoder.Encode(*run)
	if err != nil {
		return err
	}
	if err := rr.redisClient.Set(ctx, key, data, 0).Err(); err != nil {
		logger.Error("error in saving workflow run", zap.String("runKey", run.Key), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rr *redisRunDao) Get(ctx context.Context, key string) (*model.WorkflowRun, error) {
	str, err := rr.redisClient.Get(ctx, rr.getNamespaceKey(RUN_KEY, key)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "workflow run", Id: key}
		}
		logger.Error("error in getting workflow run", zap.String("runKey", key), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rr.encoderDecoder.Decode([]byte(str))
}
