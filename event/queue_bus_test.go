package event

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence/memory"
)

func newTestBus(t *testing.T) (*QueueBus, *memory.Storage) {
	t.Helper()
	storage := memory.NewStorage()
	return NewQueueBus(storage.Queue(), 16, &sync.WaitGroup{}), storage
}

func testEvt(t *testing.T, id string) model.Event {
	t.Helper()
	evt, err := model.NewEvent(id, model.EVENT_STATUS_UPDATE, model.StatusUpdatePayload{
		EntityId: "entity-1",
		Status:   "failed",
	})
	require.NoError(t, err)
	return evt
}

func TestQueueBus(t *testing.T) {
	for scenario, fn := range map[string]func(t *testing.T){
		"test publish lands on the event queue": testPublishEnqueues,
		"test retryable failure re-enqueues":    testRetryableRedelivery,
		"test terminal failure drops":           testTerminalDrop,
		"test deliveries are bounded":           testBoundedDeliveries,
	} {
		t.Run(scenario, fn)
	}
}

func testPublishEnqueues(t *testing.T) {
	bus, storage := newTestBus(t)
	require.NoError(t, bus.Publish(context.Background(), testEvt(t, "evt-1")))

	messages, err := storage.Queue().Pop(context.Background(), queueName(model.EVENT_STATUS_UPDATE), 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)

	evt, err := bus.encDec.Decode(messages[0])
	require.NoError(t, err)
	require.Equal(t, "evt-1", evt.Id)
}

func testRetryableRedelivery(t *testing.T) {
	bus, storage := newTestBus(t)
	attempts := 0
	bus.Subscribe(model.EVENT_STATUS_UPDATE, func(ctx context.Context, evt model.Event) error {
		attempts++
		return model.NewTransientError("handler", errors.New("busy"))
	})

	require.NoError(t, bus.dispatch(testEvt(t, "evt-1")))
	require.Equal(t, 1, attempts)

	// the failed event went back on the queue with a bumped attempt
	messages, err := storage.Queue().Pop(context.Background(), queueName(model.EVENT_STATUS_UPDATE), 10)
	require.NoError(t, err)
	require.Len(t, messages, 1)
	evt, err := bus.encDec.Decode(messages[0])
	require.NoError(t, err)
	require.Equal(t, 1, evt.Attempt)
}

func testTerminalDrop(t *testing.T) {
	bus, storage := newTestBus(t)
	bus.Subscribe(model.EVENT_STATUS_UPDATE, func(ctx context.Context, evt model.Event) error {
		return model.NewValidationError("bad payload")
	})

	require.NoError(t, bus.dispatch(testEvt(t, "evt-1")))

	messages, err := storage.Queue().Pop(context.Background(), queueName(model.EVENT_STATUS_UPDATE), 10)
	require.NoError(t, err)
	require.Empty(t, messages)
}

func testBoundedDeliveries(t *testing.T) {
	bus, storage := newTestBus(t)
	bus.Subscribe(model.EVENT_STATUS_UPDATE, func(ctx context.Context, evt model.Event) error {
		return model.NewTransientError("handler", errors.New("busy"))
	})

	evt := testEvt(t, "evt-1")
	evt.Attempt = maxDeliveries - 1
	require.NoError(t, bus.dispatch(evt))

	messages, err := storage.Queue().Pop(context.Background(), queueName(model.EVENT_STATUS_UPDATE), 10)
	require.NoError(t, err)
	require.Empty(t, messages)
}
