package persistence

import (
	"context"
	"time"

	"github.com/offerpipe/offerpipe/model"
)

type FlyerStore interface {
	Save(ctx context.Context, flyer *model.Flyer) error
	Get(ctx context.Context, id string) (*model.Flyer, error)
	UpdateStatus(ctx context.Context, id string, status model.FlyerStatus, errMsg string) error
}

type ItemStore interface {
	Save(ctx context.Context, item *model.FlyerItem) error
	Get(ctx context.Context, id string) (*model.FlyerItem, error)
	ListByFlyer(ctx context.Context, flyerId string) ([]*model.FlyerItem, error)
	Update(ctx context.Context, item *model.FlyerItem) error
}

type CatalogStore interface {
	Save(ctx context.Context, entry *model.CatalogEntry) error
	Get(ctx context.Context, id string) (*model.CatalogEntry, error)
	// UpdateInTx atomically reads the item and the catalog entry, applies
	// fn and, when fn reports commit, writes both back in one transaction.
	// Both writes succeed or neither does.
	UpdateInTx(ctx context.Context, itemId string, entryId string, fn TxFunc) error
}

// TxFunc mutates the item and entry in place. Returning commit=false is
// a successful no-op, nothing is written.
type TxFunc func(item *model.FlyerItem, entry *model.CatalogEntry) (commit bool, err error)

type RunStore interface {
	Save(ctx context.Context, run *model.WorkflowRun) error
	Get(ctx context.Context, key string) (*model.WorkflowRun, error)
}

type RuleStore interface {
	Save(ctx context.Context, rule *model.ApprovalRule) error
	List(ctx context.Context) ([]*model.ApprovalRule, error)
}

type Queue interface {
	Push(ctx context.Context, queueName string, message []byte) error
	Pop(ctx context.Context, queueName string, batchSize int) ([][]byte, error)
}

type DelayQueue interface {
	PushWithDelay(ctx context.Context, queueName string, delay time.Duration, message []byte) error
	Pop(ctx context.Context, queueName string) ([][]byte, error)
}

// DeadlineIndex tracks run watchdog deadlines. Expired returns run keys
// whose deadline has passed and removes them from the index.
type DeadlineIndex interface {
	Add(ctx context.Context, runKey string, deadline time.Time) error
	Remove(ctx context.Context, runKey string) error
	Expired(ctx context.Context, now time.Time) ([]string, error)
}

type Storage interface {
	Flyers() FlyerStore
	Items() ItemStore
	Catalog() CatalogStore
	Runs() RunStore
	Rules() RuleStore
	Queue() Queue
	DelayQueue() DelayQueue
	Deadlines() DeadlineIndex
}
