package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/offerpipe/offerpipe/engine"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
)

// Images runs the image sub-pipeline for a whole flyer. The run always
// completes: per-item outcomes land on the items themselves, and an
// exhausted flyer never blocks matching.
func Images(d Deps) engine.WorkflowDef {
	return engine.WorkflowDef{
		Name:         WORKFLOW_IMAGES,
		EventName:    model.EVENT_EXTRACT_IMAGES,
		HardDeadline: d.Pipeline.RunDeadline,
		EntityId: func(evt model.Event) (string, error) {
			p, err := model.DecodePayload[model.ExtractImagesPayload](evt)
			if err != nil {
				return "", err
			}
			return p.FlyerId, nil
		},
		OnFailure: func(ctx context.Context, flyerId string, cause error) {
			logger.Error("image extraction run failed", zap.String("flyerId", flyerId), zap.Error(cause))
		},
		Steps: []engine.StepDef{
			{Name: "process-items", Run: imagesProcessItems(d)},
		},
	}
}

func imagesProcessItems(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		payload, err := model.DecodePayload[model.ExtractImagesPayload](rc.Event)
		if err != nil {
			return nil, err
		}
		summary := d.Images.Process(ctx, payload.FlyerId, payload.ItemIds)
		logger.Info("image pipeline finished",
			zap.String("flyerId", payload.FlyerId),
			zap.Int("completed", summary.Completed),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped))
		return map[string]any{"summary": summary}, nil
	}
}
