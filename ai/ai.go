package ai

import (
	"context"

	"github.com/offerpipe/offerpipe/model"
)

// Extractor turns a flyer image into structured offer records.
// A flyer with no recognizable products is a terminal ValidationError
// carrying the model's reason (e.g. NO_PRODUCTS_FOUND).
type Extractor interface {
	Extract(ctx context.Context, image []byte) ([]model.OfferRecord, error)
}

// Scorer rates catalog candidates for relevance against a flyer item.
type Scorer interface {
	Score(ctx context.Context, item *model.FlyerItem, candidates []model.CandidateProduct) ([]model.ScoredMatch, error)
}

type Judgment struct {
	Approve   bool   `json:"approve"`
	Reasoning string `json:"reasoning"`
}

// Judge evaluates one approval rule against an item/candidate pair.
type Judge interface {
	Judge(ctx context.Context, item *model.FlyerItem, candidate model.MatchedCandidate, rule *model.ApprovalRule) (Judgment, error)
}

// ImageGenerator produces a promotional image for an item. Content-safety
// blocks surface as model.SafetyRejection: terminal, never retried.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, image []byte) ([]byte, error)
}

// DiscountParser interprets free-text discount phrasing ("2 for 1",
// "30% off") into the resulting price for a given original price.
type DiscountParser interface {
	ParseDiscount(ctx context.Context, phrase string, originalPrice float64) (float64, error)
}
