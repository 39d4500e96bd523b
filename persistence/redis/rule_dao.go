package redis

import (
	"context"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
	"github.com/offerpipe/offerpipe/util"
	"go.uber.org/zap"
)

const RULE_KEY string = "APPROVAL_RULE"

var _ persistence.RuleStore = new(redisRuleDao)

type redisRuleDao struct {
	baseDao
	encoderDecoder util.EncoderDecoder[model.ApprovalRule]
}

func NewRedisRuleDao(baseDao baseDao) *redisRuleDao {
	return &redisRuleDao{
		baseDao:        baseDao,
		encoderDecoder: util.NewJsonEncoderDecoder[model.ApprovalRule](),
	}
}

func (rr *redisRuleDao) Save(ctx context.Context, rule *model.ApprovalRule) error {
	key := rr.getNamespaceKey(RULE_KEY)
	data, err := rr.encoderDecoder.Encode(*rule)
	if err != nil {
		return err
	}
	if err := rr.redisClient.HSet(ctx, key, rule.Id, string(data)).Err(); err != nil {
		logger.Error("error in saving approval rule", zap.String("ruleId", rule.Id), zap.Error(err))
		return persistence.StorageLayerError{Message: err.Error()}
	}
	return nil
}

func (rr *redisRuleDao) List(ctx context.Context) ([]*model.ApprovalRule, error) {
	key := rr.getNamespaceKey(RULE_KEY)
	values, err := rr.redisClient.HGetAll(ctx, key).Result()
	if err != nil {
		logger.Error("error in listing approval rules", zap.Error(err))
		return nil, persistence.StorageLayerError{Message: err.Error()}
	}
	rules := make([]*model.ApprovalRule, 0, len(values))
	for _, v := range values {
		rule, err := rr.encoderDecoder.Decode([]byte(v))
		if err != nil {
			logger.Error("can not decode approval rule", zap.Error(err))
			continue
		}
		rules = append(rules, rule)
	}
	return rules, nil
}
