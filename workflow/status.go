package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/offerpipe/offerpipe/event"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
)

// StatusUpdates consumes the terminal status events the engine emits
// when a run fails. The entity itself is already updated by the failing
// workflow; this handler is the audit trail for operators and keeps the
// queue drained.
func StatusUpdates() event.Handler {
	return func(ctx context.Context, evt model.Event) error {
		payload, err := model.DecodePayload[model.StatusUpdatePayload](evt)
		if err != nil {
			return err
		}
		logger.Warn("entity reached terminal failure",
			zap.String("entityType", payload.EntityType),
			zap.String("entityId", payload.EntityId),
			zap.String("status", payload.Status),
			zap.String("error", payload.Error))
		return nil
	}
}
