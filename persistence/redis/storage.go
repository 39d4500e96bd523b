package redis

import (
	"github.com/offerpipe/offerpipe/persistence"
)

var _ persistence.Storage = new(redisStorage)

type redisStorage struct {
	flyers    *redisFlyerDao
	items     *redisItemDao
	catalog   *redisCatalogDao
	runs      *redisRunDao
	rules     *redisRuleDao
	queue     *redisQueue
	delay     *redisDelayQueue
	deadlines *redisDeadlineIndex
}

func NewRedisStorage(conf Config) *redisStorage {
	base := newBaseDao(conf)
	return &redisStorage{
		flyers:    NewRedisFlyerDao(*base),
		items:     NewRedisItemDao(*base),
		catalog:   NewRedisCatalogDao(*base),
		runs:      NewRedisRunDao(*base),
		rules:     NewRedisRuleDao(*base),
		queue:     NewRedisQueue(*base),
		delay:     NewRedisDelayQueue(*base),
		deadlines: NewRedisDeadlineIndex(*base),
	}
}

func (s *redisStorage) Flyers() persistence.FlyerStore       { return s.flyers }
func (s *redisStorage) Items() persistence.ItemStore         { return s.items }
func (s *redisStorage) Catalog() persistence.CatalogStore    { return s.catalog }
func (s *redisStorage) Runs() persistence.RunStore           { return s.runs }
func (s *redisStorage) Rules() persistence.RuleStore         { return s.rules }
func (s *redisStorage) Queue() persistence.Queue             { return s.queue }
func (s *redisStorage) DelayQueue() persistence.DelayQueue   { return s.delay }
func (s *redisStorage) Deadlines() persistence.DeadlineIndex { return s.deadlines }
