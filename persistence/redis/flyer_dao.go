package redis

import (
	"context"
	"errors"
	"time"

	rd "github.com/redis/go-redis/v9"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
	"github.com/offerpipe/offerpipe/util"
	"go.uber.org/zap"
)

const FLYER_KEY string = "FLYER"

var _ persistence.FlyerStore = new(redisFlyerDao)

type redisFlyerDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.Flyer]
}

func NewRedisFlyerDao(baseDao baseDao) *redisFlyerDao {
	return &redisFlyerDao{
		baseDao:        baseDao,
		encoderDecoder: util.NewJsonEncoderDecoder[model.Flyer](),
	}
}

func (rf *redisFlyerDao) Save(ctx context.Context, flyer *model.Flyer) error {
	key := rf.getNamespaceKey(FLYER_KEY, flyer.Id)
	flyer.UpdatedAt = time.Now()
	data, err := rf.encoderDecoder.Encode(*flyer)
	if err != nil {
		return err
	}
	if err := rf.redisClient.Set(ctx, key, data, 0).Err(); err != nil {
		logger.Error("error in saving flyer", zap.String("flyerId", flyer.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rf *redisFlyerDao) Get(ctx context.Context, id string) (*model.Flyer, error) {
	key := rf.getNamespaceKey(FLYER_KEY, id)
	str, err := rf.redisClient.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "flyer", Id: id}
		}
		logger.Error("error in getting flyer", zap.String("flyerId", id), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rf.encoderDecoder.Decode([]byte(str))
}

func (rf *redisFlyerDao) UpdateStatus(ctx context.Context, id string, status model.FlyerStatus, errMsg string) error {
	flyer, err := rf.Get(ctx, id)
	if err != nil {
		return err
	}
	flyer.Status = status
	flyer.Error = errMsg
	return rf.Save(ctx, flyer)
}
