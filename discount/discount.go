package discount

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/offerpipe/offerpipe/ai"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
	"go.uber.org/zap"
)

const methodPhrase = "ai_phrase"
const methodStructured = "structured_prices"

// Result reports what the discount transaction did.
type Result struct {
	Applied    bool
	NoOp       bool
	Percentage float64
	Method     string
}

// Applier commits a computed discount to the matched catalog entry and
// marks the source item, atomically. An existing equal-or-better discount
// makes the whole transaction a successful no-op.
type Applier struct {
	catalog      persistence.CatalogStore
	items        persistence.ItemStore
	parser       ai.DiscountParser
	parseTimeout time.Duration
}

func NewApplier(catalog persistence.CatalogStore, items persistence.ItemStore, parser ai.DiscountParser, parseTimeout time.Duration) *Applier {
	return &Applier{
		catalog:      catalog,
		items:        items,
		parser:       parser,
		parseTimeout: parseTimeout,
	}
}

func (a *Applier) Apply(ctx context.Context, sourceItemId string, targetCatalogId string, confidence float64) (Result, error) {
	item, err := a.items.Get(ctx, sourceItemId)
	if err != nil {
		return Result{}, err
	}

	// Interpretation happens before the transaction: the inputs (the
	// item's price fields and phrase) are immutable, only the target
	// entry needs the optimistic re-read.
	percentage, method, err := a.computePercentage(ctx, item)
	if err != nil {
		return Result{}, err
	}

	result := Result{Percentage: percentage, Method: method}
	err = a.catalog.UpdateInTx(ctx, sourceItemId, targetCatalogId, func(txItem *model.FlyerItem, entry *model.CatalogEntry) (bool, error) {
		if entry.HasActiveDiscount && entry.DiscountPercentage >= percentage {
			result.NoOp = true
			return false, nil
		}
		if !entry.HasActiveDiscount || entry.RegularPrice == 0 {
			entry.RegularPrice = entry.CurrentPrice
		}
		entry.CurrentPrice = round2(entry.RegularPrice * (1 - percentage/100))
		entry.DiscountPercentage = percentage
		entry.HasActiveDiscount = true
		entry.DiscountProvenance = &model.DiscountProvenance{
			SourceItemId: txItem.Id,
			AppliedAt:    time.Now(),
			Confidence:   confidence,
			Method:       method,
		}
		txItem.DiscountApplied = true
		return true, nil
	})
	if err != nil {
		if model.IsConflict(err) {
			// Lost the monotonic-improvement race: someone else committed
			// first. By contract that is success, not failure.
			logger.Debug("discount transaction conflicted, treating as no-op", zap.String("itemId", sourceItemId))
			result.NoOp = true
			return result, nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return Result{}, model.NewTransientError("discount transaction", err)
		}
		return Result{}, err
	}
	result.Applied = !result.NoOp
	if result.Applied {
		logger.Info("discount committed",
			zap.String("itemId", sourceItemId),
			zap.String("catalogId", targetCatalogId),
			zap.Float64("percentage", percentage),
			zap.String("method", method))
	}
	return result, nil
}

// computePercentage prefers the AI interpretation of free-text phrasing
// and falls back to the structured price fields.
func (a *Applier) computePercentage(ctx context.Context, item *model.FlyerItem) (float64, string, error) {
	if item.DiscountPhrase != "" {
		parseCtx, cancel := context.WithTimeout(ctx, a.parseTimeout)
		newPrice, err := a.parser.ParseDiscount(parseCtx, item.DiscountPhrase, item.OriginalPrice)
		cancel()
		if err == nil {
			return percentageOf(item.OriginalPrice, newPrice), methodPhrase, nil
		}
		logger.Warn("discount phrase interpretation failed, using structured prices", zap.String("itemId", item.Id), zap.Error(err))
	}
	if item.DiscountPrice > 0 && item.DiscountPrice < item.OriginalPrice {
		return percentageOf(item.OriginalPrice, item.DiscountPrice), methodStructured, nil
	}
	return 0, "", model.NewValidationError(fmt.Sprintf("item %s carries no usable discount information", item.Id))
}

func percentageOf(oldPrice, newPrice float64) float64 {
	return round2((oldPrice - newPrice) / oldPrice * 100)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
