package workflow

import (
	"context"
	"fmt"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offerpipe/offerpipe/engine"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
)

const fanOutPublishRetries = 2

// Parse turns a submitted flyer image into persisted flyer items and
// fans out one match event per item plus a single image extraction event.
func Parse(d Deps) engine.WorkflowDef {
	return engine.WorkflowDef{
		Name:         WORKFLOW_PARSE,
		EventName:    model.EVENT_PARSE,
		HardDeadline: d.Pipeline.RunDeadline,
		EntityId: func(evt model.Event) (string, error) {
			p, err := model.DecodePayload[model.ParsePayload](evt)
			if err != nil {
				return "", err
			}
			return p.FlyerId, nil
		},
		OnFailure: func(ctx context.Context, flyerId string, cause error) {
			err := d.Storage.Flyers().UpdateStatus(ctx, flyerId, model.FLYER_FAILED, model.TruncateError(cause, 500))
			if err != nil {
				logger.Error("failed to mark flyer failed", zap.String("flyerId", flyerId), zap.Error(err))
			}
		},
		Steps: []engine.StepDef{
			{Name: "mark-processing", Run: parseMarkProcessing(d)},
			{Name: "fetch-and-extract", MaxAttempts: d.Pipeline.MaxAttempts, Run: parseFetchAndExtract(d)},
			{Name: "persist-items", Run: parsePersistItems(d)},
			{Name: "fan-out", Run: parseFanOut(d)},
			{Name: "mark-completed", Run: parseMarkCompleted(d)},
		},
	}
}

func parseMarkProcessing(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		payload, err := model.DecodePayload[model.ParsePayload](rc.Event)
		if err != nil {
			return nil, err
		}
		flyer, err := d.Storage.Flyers().Get(ctx, payload.FlyerId)
		if err != nil {
			return nil, err
		}
		if flyer.Status == model.FLYER_COMPLETED {
			// redelivered after a prior run already finished the flyer
			rc.Halt()
			return nil, nil
		}
		if err := d.Storage.Flyers().UpdateStatus(ctx, flyer.Id, model.FLYER_PROCESSING, ""); err != nil {
			return nil, err
		}
		return map[string]any{"sourceUrl": flyer.SourceUrl}, nil
	}
}

func parseFetchAndExtract(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		sourceUrl, err := engine.Value[string](rc, "sourceUrl")
		if err != nil {
			return nil, err
		}
		dlCtx, cancel := context.WithTimeout(ctx, d.Pipeline.DownloadTimeout)
		image, err := d.Downloader.Download(dlCtx, sourceUrl)
		cancel()
		if err != nil {
			return nil, err
		}
		exCtx, cancel := context.WithTimeout(ctx, d.Pipeline.ExtractTimeout)
		defer cancel()
		offers, err := d.Extractor.Extract(exCtx, image)
		if err != nil {
			return nil, err
		}
		valid := make([]model.OfferRecord, 0, len(offers))
		for _, offer := range offers {
			if !offer.Valid() {
				logger.Warn("dropping malformed offer from extraction",
					zap.String("flyerId", rc.Run.EntityId), zap.String("name", offer.Name))
				continue
			}
			valid = append(valid, offer)
		}
		if len(valid) == 0 {
			return nil, model.NewValidationError("extraction yielded no usable offers")
		}
		return map[string]any{"offers": valid}, nil
	}
}

func parsePersistItems(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		offers, err := engine.Value[[]model.OfferRecord](rc, "offers")
		if err != nil {
			return nil, err
		}
		itemIds := make([]string, 0, len(offers))
		for i, offer := range offers {
			item := itemFromOffer(rc.Run.Key, i, rc.Run.EntityId, offer)
			if err := d.Storage.Items().Save(ctx, item); err != nil {
				logger.Error("failed to persist flyer item, skipping offer",
					zap.String("flyerId", rc.Run.EntityId), zap.String("name", offer.Name), zap.Error(err))
				continue
			}
			itemIds = append(itemIds, item.Id)
		}
		if len(itemIds) == 0 {
			return nil, model.NewTransientError("persist items", fmt.Errorf("no items out of %d offers could be saved", len(offers)))
		}
		return map[string]any{"itemIds": itemIds}, nil
	}
}

func parseFanOut(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		itemIds, err := engine.Value[[]string](rc, "itemIds")
		if err != nil {
			return nil, err
		}
		published := 0
		for _, itemId := range itemIds {
			item, err := d.Storage.Items().Get(ctx, itemId)
			if err != nil {
				logger.Error("failed to load item for fan-out", zap.String("itemId", itemId), zap.Error(err))
				continue
			}
			evt, err := model.NewEvent(stableEventId(rc.Run.Key, "match", itemId), model.EVENT_MATCH, model.MatchPayload{
				ItemId:   item.Id,
				FlyerId:  item.FlyerId,
				Name:     item.Name,
				Keywords: item.Keywords,
			})
			if err != nil {
				logger.Error("failed to build match event", zap.String("itemId", itemId), zap.Error(err))
				continue
			}
			if err := publishWithRetry(ctx, d, evt); err != nil {
				logger.Error("match event publish exhausted retries, marking item failed",
					zap.String("itemId", itemId), zap.Error(err))
				if serr := setMatchingStatus(ctx, d, item.Id, model.MATCHING_FAILED, model.TruncateError(err, 500)); serr != nil {
					logger.Error("failed to mark orphaned item failed", zap.String("itemId", itemId), zap.Error(serr))
				}
				continue
			}
			published++
		}
		if published == 0 {
			logger.Error("CRITICAL: fan-out published no match events, all items need requeue",
				zap.String("flyerId", rc.Run.EntityId), zap.Int("items", len(itemIds)))
			return map[string]any{"published": 0}, nil
		}
		evt, err := model.NewEvent(stableEventId(rc.Run.Key, "images", rc.Run.EntityId), model.EVENT_EXTRACT_IMAGES, model.ExtractImagesPayload{
			FlyerId: rc.Run.EntityId,
			ItemIds: itemIds,
		})
		if err != nil {
			return nil, err
		}
		if err := publishWithRetry(ctx, d, evt); err != nil {
			// matching proceeds regardless, items just keep pending images
			logger.Error("failed to publish image extraction event", zap.String("flyerId", rc.Run.EntityId), zap.Error(err))
		}
		return map[string]any{"published": published}, nil
	}
}

// publishWithRetry absorbs short bus outages during fan-out so a single
// transient publish failure does not orphan an item.
func publishWithRetry(ctx context.Context, d Deps, evt model.Event) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	return backoff.Retry(func() error {
		return d.Bus.Publish(ctx, evt)
	}, backoff.WithContext(backoff.WithMaxRetries(bo, fanOutPublishRetries), ctx))
}

func parseMarkCompleted(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		itemIds, err := engine.Value[[]string](rc, "itemIds")
		if err != nil {
			return nil, err
		}
		flyer, err := d.Storage.Flyers().Get(ctx, rc.Run.EntityId)
		if err != nil {
			return nil, err
		}
		flyer.Status = model.FLYER_COMPLETED
		flyer.Error = ""
		flyer.ItemCount = len(itemIds)
		if err := d.Storage.Flyers().Save(ctx, flyer); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func itemFromOffer(runKey string, idx int, flyerId string, offer model.OfferRecord) *model.FlyerItem {
	return &model.FlyerItem{
		Id:             stableEventId(runKey, "item", fmt.Sprintf("%d", idx)),
		FlyerId:        flyerId,
		Name:           offer.Name,
		OriginalPrice:  offer.OriginalPrice,
		DiscountPrice:  offer.DiscountPrice,
		DiscountPhrase: offer.DiscountPhrase,
		Currency:       offer.Currency,
		Keywords:       offer.Keywords,
		ImagePrompt:    offer.ImagePrompt,
		MatchingStatus: model.MATCHING_PENDING,
		ImageStatus:    model.IMAGE_PENDING,
		CreatedAt:      time.Now(),
	}
}

// stableEventId derives the same id on every redelivery so duplicate
// deliveries of the parse event collapse onto the same downstream runs.
func stableEventId(runKey, kind, suffix string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(runKey+"/"+kind+"/"+suffix)).String()
}
