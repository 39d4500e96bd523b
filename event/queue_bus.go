package event

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
	"github.com/offerpipe/offerpipe/util"
	"go.uber.org/zap"
)

const eventQueuePrefix = "events"
const popBatchSize = 16
const maxDeliveries = 5

var _ Bus = new(QueueBus)

// QueueBus carries events over one durable queue per event name. A tick
// worker polls the subscribed queues and feeds a worker pool; a handler
// error re-enqueues the event (at-least-once) until maxDeliveries.
type QueueBus struct {
	queue    persistence.Queue
	encDec   util.EncoderDecoder[model.Event]
	handlers map[string]Handler
	mu       sync.RWMutex
	worker   *util.Worker
	ticker   *util.TickWorker
	wg       *sync.WaitGroup
}

func NewQueueBus(queue persistence.Queue, capacity int, wg *sync.WaitGroup) *QueueBus {
	bus := &QueueBus{
		queue:    queue,
		encDec:   util.NewJsonEncoderDecoder[model.Event](),
		handlers: make(map[string]Handler),
		wg:       wg,
	}
	bus.worker = util.NewWorker("event-dispatcher", wg, bus.dispatch, capacity)
	bus.ticker = util.NewTickWorker("event-poller", 200*time.Millisecond, bus.poll, wg)
	return bus
}

func (b *QueueBus) Publish(ctx context.Context, evt model.Event) error {
	data, err := b.encDec.Encode(evt)
	if err != nil {
		return err
	}
	return b.queue.Push(ctx, queueName(evt.Name), data)
}

func (b *QueueBus) Subscribe(eventName string, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[eventName] = handler
}

func (b *QueueBus) Start() error {
	b.worker.Start()
	b.ticker.Start()
	logger.Info("event bus started")
	return nil
}

func (b *QueueBus) Stop() error {
	b.ticker.Stop()
	b.worker.Stop()
	return nil
}

func (b *QueueBus) poll() {
	b.mu.RLock()
	names := make([]string, 0, len(b.handlers))
	for name := range b.handlers {
		names = append(names, name)
	}
	b.mu.RUnlock()

	ctx := context.Background()
	for _, name := range names {
		messages, err := b.queue.Pop(ctx, queueName(name), popBatchSize)
		if err != nil {
			logger.Error("error while polling event queue", zap.String("event", name), zap.Error(err))
			continue
		}
		for _, message := range messages {
			evt, err := b.encDec.Decode(message)
			if err != nil {
				logger.Error("can not decode event envelope, dropping", zap.String("event", name), zap.Error(err))
				continue
			}
			b.worker.Sender() <- *evt
		}
	}
}

func (b *QueueBus) dispatch(task util.Task) error {
	evt, ok := task.(model.Event)
	if !ok {
		return nil
	}
	b.mu.RLock()
	handler, ok := b.handlers[evt.Name]
	b.mu.RUnlock()
	if !ok {
		logger.Warn("no handler registered for event", zap.String("event", evt.Name))
		return nil
	}
	ctx := context.Background()
	err := b.invoke(ctx, handler, evt)
	if err == nil {
		return nil
	}
	// Redeliver only transport-class failures. Validation errors are
	// terminal: the payload will be just as malformed next time.
	if !model.IsRetryable(err) {
		logger.Error("event handler failed terminally", zap.String("event", evt.Name), zap.String("eventId", evt.Id), zap.Error(err))
		return nil
	}
	evt.Attempt++
	if evt.Attempt >= maxDeliveries {
		logger.Error("event exhausted deliveries, dropping", zap.String("event", evt.Name), zap.String("eventId", evt.Id), zap.Error(err))
		return nil
	}
	logger.Warn("event handler failed, re-enqueueing", zap.String("event", evt.Name), zap.String("eventId", evt.Id), zap.Int("attempt", evt.Attempt), zap.Error(err))
	return b.Publish(ctx, evt)
}

// invoke shields the worker pool from handler panics. A panic is treated
// as a transient failure so the event goes back through the redelivery path.
func (b *QueueBus) invoke(ctx context.Context, handler Handler, evt model.Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("event handler panicked", zap.String("event", evt.Name), zap.String("eventId", evt.Id), zap.Any("panic", r))
			err = model.NewTransientError("event handler", fmt.Errorf("panic: %v", r))
		}
	}()
	return handler(ctx, evt)
}

func queueName(eventName string) string {
	return eventQueuePrefix + ":" + eventName
}
