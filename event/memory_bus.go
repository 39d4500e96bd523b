package event

import (
	"context"
	"sync"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"go.uber.org/zap"
)

var _ Bus = new(MemoryBus)

// MemoryBus delivers events synchronously to the registered handler.
// Used by tests; keeps the same terminal-vs-retryable contract as
// QueueBus but retries inline.
type MemoryBus struct {
	mu        sync.RWMutex
	handlers  map[string]Handler
	published []model.Event
}

func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		handlers: make(map[string]Handler),
	}
}

func (b *MemoryBus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = handler
}

func (b *MemoryBus) Publish(ctx context.Context, evt model.Event) error {
	b.mu.Lock()
	b.published = append(b.published, evt)
	handler, ok := b.handlers[evt.Name]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	for attempt := 0; attempt < maxDeliveries; attempt++ {
		err := handler(ctx, evt)
		if err == nil || !model.IsRetryable(err) {
			if err != nil {
				logger.Error("event handler failed terminally", zap.String("event", evt.Name), zap.Error(err))
			}
			return nil
		}
	}
	return nil
}

// Published returns every event that passed through the bus, for
// assertions on fan-out behavior.
func (b *MemoryBus) Published(name string) []model.Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []model.Event
	for _, evt := range b.published {
		if evt.Name == name {
			out = append(out, evt)
		}
	}
	return out
}
