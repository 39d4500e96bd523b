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

const CATALOG_KEY string = "CATALOG"

// Bounded optimistic retries when a watched key changes under us.
const txMaxRetries = 5

var _ persistence.CatalogStore = new(redisCatalogDao)

type redisCatalogDao struct {
	baseDao
	entryEncDec util.EncoderDecoder[model.CatalogEntry]
	itemEncDec  util.EncoderDecoder[model.FlyerItem]
}

func NewRedisCatalogDao(baseDao baseDao) *redisCatalogDao {
	return &redisCatalogDao{
		baseDao:     baseDao,
		entryEncDec: util.NewJsonEncoderDecoder[model.CatalogEntry](),
		itemEncDec:  util.NewJsonEncoderDecoder[model.FlyerItem](),
	}
}

func (rc *redisCatalogDao) entryKey(id string) string {
	return rc.getNamespaceKey(CATALOG_KEY, id)
}

func (rc *redisCatalogDao) itemKey(id string) string {
	return rc.getNamespaceKey(ITEM_KEY, id)
}

func (rc *redisCatalogDao) Save(ctx context.Context, entry *model.CatalogEntry) error {
	entry.UpdatedAt = time.Now()
	data, err := rc.entryEncDec.Encode(*entry)
	if err != nil {
		return err
	}
	if err := rc.redisClient.Set(ctx, rc.entryKey(entry.Id), data, 0).Err(); err != nil {
		logger.Error("error in saving catalog entry", zap.String("entryId", entry.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rc *redisCatalogDao) Get(ctx context.Context, id string) (*model.CatalogEntry, error) {
	str, err := rc.redisClient.Get(ctx, rc.entryKey(id)).Result()
	if err != nil {
		if errors.Is(err, rd.Nil) {
			return nil, persistence.NotFoundError{Kind: "catalog entry", Id: id}
		}
		logger.Error("error in getting catalog entry", zap.String("entryId", id), zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	return rc.entryEncDec.Decode([]byte(str))
}

// UpdateInTx runs fn under WATCH on both the item and the entry key and
// commits both writes in one MULTI/EXEC. A concurrent write to either key
// aborts the EXEC and the whole read-modify-write is retried.
func (rc *redisCatalogDao) UpdateInTx(ctx context.Context, itemId string, entryId string, fn persistence.TxFunc) error {
	itemKey := rc.itemKey(itemId)
	entryKey := rc.entryKey(entryId)

	txf := func(tx *rd.Tx) error {
		itemStr, err := tx.Get(ctx, itemKey).Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				return persistence.NotFoundError{Kind: "item", Id: itemId}
			}
			return persistence.StorageLayerError{Message: err.Error()}
		}
		entryStr, err := tx.Get(ctx, entryKey).Result()
		if err != nil {
			if errors.Is(err, rd.Nil) {
				return persistence.NotFoundError{Kind: "catalog entry", Id: entryId}
			}
			return persistence.StorageLayerError{Message: err.Error()}
		}
		item, err := rc.itemEncDec.Decode([]byte(itemStr))
		if err != nil {
			return err
		}
		entry, err := rc.entryEncDec.Decode([]byte(entryStr))
		if err != nil {
			return err
		}
		commit, err := fn(item, entry)
		if err != nil {
			return err
		}
		if !commit {
			return nil
		}
		now := time.Now()
		item.UpdatedAt = now
		entry.UpdatedAt = now
		itemData, err := rc.itemEncDec.Encode(*item)
		if err != nil {
			return err
		}
		entryData, err := rc.entryEncDec.Encode(*entry)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe rd.Pipeliner) error {
			pipe.Set(ctx, itemKey, itemData, 0)
			pipe.Set(ctx, entryKey, entryData, 0)
			return nil
		})
		return err
	}

	for i := 0; i < txMaxRetries; i++ {
		err := rc.redisClient.Watch(ctx, txf, itemKey, entryKey)
		if err == nil {
			return nil
		}
		if errors.Is(err, rd.TxFailedErr) {
			logger.Debug("discount transaction raced, retrying", zap.String("itemId", itemId), zap.String("entryId", entryId))
			continue
		}
		return err
	}
	return model.TransactionConflict{Reason: "optimistic retries exhausted"}
}
