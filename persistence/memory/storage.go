package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
)

var _ persistence.Storage = new(Storage)

// Storage is a mutex-guarded in-memory implementation of every store
// interface. It backs the memory storage type and the engine tests.
type Storage struct {
	mu        sync.Mutex
	flyers    map[string]model.Flyer
	items     map[string]model.FlyerItem
	catalog   map[string]model.CatalogEntry
	runs      map[string]model.WorkflowRun
	rules     map[string]model.ApprovalRule
	queues    map[string][][]byte
	delayed   map[string][]delayedMessage
	deadlines map[string]time.Time
}

type delayedMessage struct {
	due     time.Time
	message []byte
}

func NewStorage() *Storage {
	return &Storage{
		flyers:    make(map[string]model.Flyer),
		items:     make(map[string]model.FlyerItem),
		catalog:   make(map[string]model.CatalogEntry),
		runs:      make(map[string]model.WorkflowRun),
		rules:     make(map[string]model.ApprovalRule),
		queues:    make(map[string][][]byte),
		delayed:   make(map[string][]delayedMessage),
		deadlines: make(map[string]time.Time),
	}
}

func (s *Storage) Flyers() persistence.FlyerStore       { return (*flyerStore)(s) }
func (s *Storage) Items() persistence.ItemStore         { return (*itemStore)(s) }
func (s *Storage) Catalog() persistence.CatalogStore    { return (*catalogStore)(s) }
func (s *Storage) Runs() persistence.RunStore           { return (*runStore)(s) }
func (s *Storage) Rules() persistence.RuleStore         { return (*ruleStore)(s) }
func (s *Storage) Queue() persistence.Queue             { return (*queueStore)(s) }
func (s *Storage) DelayQueue() persistence.DelayQueue   { return (*delayQueueStore)(s) }
func (s *Storage) Deadlines() persistence.DeadlineIndex { return (*deadlineStore)(s) }

type flyerStore Storage

func (s *flyerStore) Save(ctx context.Context, flyer *model.Flyer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flyer.UpdatedAt = time.Now()
	s.flyers[flyer.Id] = *flyer
	return nil
}

func (s *flyerStore) Get(ctx context.Context, id string) (*model.Flyer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	flyer, ok := s.flyers[id]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "flyer", Id: id}
	}
	return &flyer, nil
}

func (s *flyerStore) UpdateStatus(ctx context.Context, id string, status model.FlyerStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flyer, ok := s.flyers[id]
	if !ok {
		return persistence.NotFoundError{Kind: "flyer", Id: id}
	}
	flyer.Status = status
	flyer.Error = errMsg
	flyer.UpdatedAt = time.Now()
	s.flyers[id] = flyer
	return nil
}

type itemStore Storage

func (s *itemStore) Save(ctx context.Context, item *model.FlyerItem) error {
	return s.Update(ctx, item)
}

func (s *itemStore) Update(ctx context.Context, item *model.FlyerItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.UpdatedAt = time.Now()
	s.items[item.Id] = *item
	return nil
}

func (s *itemStore) Get(ctx context.Context, id string) (*model.FlyerItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "item", Id: id}
	}
	return &item, nil
}

func (s *itemStore) ListByFlyer(ctx context.Context, flyerId string) ([]*model.FlyerItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var items []*model.FlyerItem
	for _, item := range s.items {
		if item.FlyerId == flyerId {
			copied := item
			items = append(items, &copied)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Id < items[j].Id })
	return items, nil
}

type catalogStore Storage

func (s *catalogStore) Save(ctx context.Context, entry *model.CatalogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.UpdatedAt = time.Now()
	s.catalog[entry.Id] = *entry
	return nil
}

func (s *catalogStore) Get(ctx context.Context, id string) (*model.CatalogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.catalog[id]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "catalog entry", Id: id}
	}
	return &entry, nil
}

// UpdateInTx holds the store lock for the whole read-modify-write, so
// both writes are applied atomically or not at all.
func (s *catalogStore) UpdateInTx(ctx context.Context, itemId string, entryId string, fn persistence.TxFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[itemId]
	if !ok {
		return persistence.NotFoundError{Kind: "item", Id: itemId}
	}
	entry, ok := s.catalog[entryId]
	if !ok {
		return persistence.NotFoundError{Kind: "catalog entry", Id: entryId}
	}
	commit, err := fn(&item, &entry)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}
	now := time.Now()
	item.UpdatedAt = now
	entry.UpdatedAt = now
	s.items[itemId] = item
	s.catalog[entryId] = entry
	return nil
}

type runStore Storage

func (s *runStore) Save(ctx context.Context, run *model.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.Key] = *run
	return nil
}

func (s *runStore) Get(ctx context.Context, key string) (*model.WorkflowRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[key]
	if !ok {
		return nil, persistence.NotFoundError{Kind: "workflow run", Id: key}
	}
	copied := run
	copied.Steps = make(map[string]model.StepRecord, len(run.Steps))
	for k, v := range run.Steps {
		copied.Steps[k] = v
	}
	return &copied, nil
}

type ruleStore Storage

func (s *ruleStore) Save(ctx context.Context, rule *model.ApprovalRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rules[rule.Id] = *rule
	return nil
}

func (s *ruleStore) List(ctx context.Context) ([]*model.ApprovalRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rules := make([]*model.ApprovalRule, 0, len(s.rules))
	for _, rule := range s.rules {
		copied := rule
		rules = append(rules, &copied)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].Id < rules[j].Id })
	return rules, nil
}

type queueStore Storage

func (s *queueStore) Push(ctx context.Context, queueName string, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[queueName] = append(s.queues[queueName], message)
	return nil
}

func (s *queueStore) Pop(ctx context.Context, queueName string, batchSize int) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.queues[queueName]
	if len(queue) == 0 {
		return [][]byte{}, nil
	}
	n := batchSize
	if n > len(queue) {
		n = len(queue)
	}
	batch := queue[:n]
	s.queues[queueName] = queue[n:]
	return batch, nil
}

type delayQueueStore Storage

func (s *delayQueueStore) PushWithDelay(ctx context.Context, queueName string, delay time.Duration, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed[queueName] = append(s.delayed[queueName], delayedMessage{
		due:     time.Now().Add(delay),
		message: message,
	})
	return nil
}

func (s *delayQueueStore) Pop(ctx context.Context, queueName string) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	var due [][]byte
	var remaining []delayedMessage
	for _, m := range s.delayed[queueName] {
		if !m.due.After(now) {
			due = append(due, m.message)
		} else {
			remaining = append(remaining, m)
		}
	}
	s.delayed[queueName] = remaining
	return due, nil
}

type deadlineStore Storage

func (s *deadlineStore) Add(ctx context.Context, runKey string, deadline time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadlines[runKey] = deadline
	return nil
}

func (s *deadlineStore) Remove(ctx context.Context, runKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.deadlines, runKey)
	return nil
}

func (s *deadlineStore) Expired(ctx context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []string
	for key, deadline := range s.deadlines {
		if !deadline.After(now) {
			expired = append(expired, key)
			delete(s.deadlines, key)
		}
	}
	sort.Strings(expired)
	return expired, nil
}
