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

const ITEM_KEY string = "ITEM"
const FLYER_ITEMS_KEY string = "FLYER_ITEMS"

var _ persistence.ItemStore = new(redisItemDao)

// Items live at one key per entity so the discount transaction can WATCH
// a single item without colliding with sibling writes.
type redisItemDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.FlyerItem]
}

func NewRedisItemDao(baseDao baseDao) *redisItemDao {
	return &redisItemDao{
		baseDao:        baseDao,
		encoderDecoder: util.NewJsonEncoderDecoder[model.FlyerItem](),
	}
}

func (ri *redisItemDao) itemKey(id string) string {
	return ri.getNamespaceKey(ITEM_KEY, id)
}

func (ri *redisItemDao) Save(ctx context.Context, item *model.FlyerItem) error {
	if err := ri.Update(ctx, item); err != nil {
		return err
	}
	indexKey := ri.getNamespaceKey(FLYER_ITEMS_KEY, item.FlyerId)
	if err := ri.redisClient.SAdd(ctx, indexKey, item.Id).Err(); err != nil {
		logger.Error("error in indexing item", zap.String("itemId", item.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (ri *redisItemDao) Update(ctx context.Context, item *model.FlyerItem) error {
	item.UpdatedAt = time.Now()
	data, err := ri.encoderDecoder.Encode(*item)
	if err != nil {
		return err
	}
	if err := ri.redisClient.Set(ctx, ri.itemKey(item.Id), data, 0).Err(); err != nil {
		logger.Error("error in saving item", zap.String("itemId", item.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (ri *redisItemDao) Get(ctx context.Context, id string) (*model.FlyerItem, error) {
	str, err := ri.redisClient.Get(ctx, ri.itemKey(id)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "item", Id: id}
		}
		logger.Error("error in getting item", zap.String("itemId", id), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return ri.encoderDecoder.Decode([]byte(str))
}

func (ri *redisItemDao) ListByFlyer(ctx context.Context, flyerId string) ([]*model.FlyerItem, error) {
	indexKey := ri.getNamespaceKey(FLYER_ITEMS_KEY, flyerId)
	ids, err := ri.redisClient.SMembers(ctx, indexKey).Result()
	if err != nil {
		logger.Error("error in listing flyer items", zap.String("flyerId", flyerId), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	items := make([]*model.FlyerItem, 0, len(ids))
	for _, id := range ids {
		item, err := ri.Get(ctx, id)
		if err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}
