package event

import (
	"context"

	"github.com/offerpipe/offerpipe/model"
)

// Handler processes one delivered event. Delivery is at-least-once, so
// handlers must tolerate redelivery of an event they already processed.
type Handler func(ctx context.Context, evt model.Event) error

type Bus interface {
	Publish(ctx context.Context, evt model.Event) error
	Subscribe(eventName string, handler Handler)
}
