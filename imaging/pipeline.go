package imaging

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/offerpipe/offerpipe/ai"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/objectstore"
	"github.com/offerpipe/offerpipe/persistence"
)

const generateRetries = 2
const generateMaxInterval = 20 * time.Second

// Summary reports how a batch of item images ended up.
type Summary struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Pipeline produces a product image for every item of a flyer:
// generate, optimize, upload, persist the final url on the item. Items
// are processed concurrently and independently; one item failing only
// marks that item.
type Pipeline struct {
	items       persistence.ItemStore
	gen         ai.ImageGenerator
	optimizer   Optimizer
	store       objectstore.Store
	concurrency int
}

func NewPipeline(items persistence.ItemStore, gen ai.ImageGenerator, optimizer Optimizer, store objectstore.Store, concurrency int) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Pipeline{
		items:       items,
		gen:         gen,
		optimizer:   optimizer,
		store:       store,
		concurrency: concurrency,
	}
}

func (p *Pipeline) Process(ctx context.Context, flyerId string, itemIds []string) Summary {
	var summary Summary
	results := make([]error, len(itemIds))

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLimit(p.concurrency)
	for i, itemId := range itemIds {
		i, itemId := i, itemId
		grp.Go(func() error {
			results[i] = p.processOne(grpCtx, flyerId, itemId)
			return nil
		})
	}
	grp.Wait()

	for i, err := range results {
		switch {
		case err == nil:
			summary.Completed++
		case err == errAlreadyDone:
			summary.Skipped++
		default:
			summary.Failed++
			logger.Error("image pipeline failed for item",
				zap.String("flyerId", flyerId), zap.String("itemId", itemIds[i]), zap.Error(err))
		}
	}
	return summary
}

var errAlreadyDone = fmt.Errorf("image already produced")

func (p *Pipeline) processOne(ctx context.Context, flyerId, itemId string) error {
	item, err := p.items.Get(ctx, itemId)
	if err != nil {
		return err
	}
	if item.ImageStatus == model.IMAGE_COMPLETED {
		return errAlreadyDone
	}

	prompt := item.ImagePrompt
	if prompt == "" {
		prompt = item.Name
	}

	image, err := p.generate(ctx, prompt)
	if err != nil {
		return p.markFailed(ctx, item, err)
	}

	optimized, err := p.optimizer.Optimize(ctx, image)
	if err != nil {
		if model.IsRetryable(err) {
			logger.Warn("image optimization unavailable, uploading original",
				zap.String("itemId", itemId), zap.Error(err))
			optimized = image
		} else {
			return p.markFailed(ctx, item, err)
		}
	}

	url, err := p.store.Upload(ctx, optimized, fmt.Sprintf("flyers/%s/%s.png", flyerId, itemId))
	if err != nil {
		return p.markFailed(ctx, item, err)
	}

	item.ImageUrl = url
	item.ImageStatus = model.IMAGE_COMPLETED
	return p.items.Update(ctx, item)
}

// generate retries transient generator failures (rate limits, upstream
// 5xx) with exponential backoff. Safety rejections and other terminal
// errors surface immediately.
func (p *Pipeline) generate(ctx context.Context, prompt string) ([]byte, error) {
	var image []byte
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = generateMaxInterval
	err := backoff.Retry(func() error {
		var genErr error
		image, genErr = p.gen.Generate(ctx, prompt, nil)
		if genErr != nil && !model.IsRetryable(genErr) {
			return backoff.Permanent(genErr)
		}
		return genErr
	}, backoff.WithContext(backoff.WithMaxRetries(bo, generateRetries), ctx))
	if err != nil {
		return nil, err
	}
	return image, nil
}

func (p *Pipeline) markFailed(ctx context.Context, item *model.FlyerItem, cause error) error {
	item.ImageStatus = model.IMAGE_FAILED
	if model.IsSafetyRejection(cause) {
		logger.Warn("image generation rejected by safety filter",
			zap.String("itemId", item.Id), zap.Error(cause))
	}
	if updErr := p.items.Update(ctx, item); updErr != nil {
		return updErr
	}
	return cause
}
