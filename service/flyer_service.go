package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/offerpipe/offerpipe/discount"
	"github.com/offerpipe/offerpipe/event"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
)

// FlyerService is the request-facing entry point: it accepts flyer
// submissions, exposes read models and handles manual approval of items
// the automatic evaluation left for review.
type FlyerService struct {
	storage   persistence.Storage
	bus       event.Bus
	discounts *discount.Applier
}

func NewFlyerService(storage persistence.Storage, bus event.Bus, discounts *discount.Applier) *FlyerService {
	return &FlyerService{
		storage:   storage,
		bus:       bus,
		discounts: discounts,
	}
}

// SubmitFlyer persists the flyer and publishes the parse event that
// starts the processing workflow.
func (s *FlyerService) SubmitFlyer(ctx context.Context, sourceUrl string) (*model.Flyer, error) {
	if sourceUrl == "" {
		return nil, model.NewValidationError("sourceUrl is required")
	}
	flyer := &model.Flyer{
		Id:        uuid.NewString(),
		SourceUrl: sourceUrl,
		Status:    model.FLYER_PENDING,
		CreatedAt: time.Now(),
	}
	if err := s.storage.Flyers().Save(ctx, flyer); err != nil {
		return nil, err
	}
	evt, err := model.NewEvent(uuid.NewString(), model.EVENT_PARSE, model.ParsePayload{
		FlyerId:   flyer.Id,
		SourceUrl: flyer.SourceUrl,
	})
	if err != nil {
		return nil, err
	}
	if err := s.bus.Publish(ctx, evt); err != nil {
		return nil, err
	}
	logger.Info("flyer submitted", zap.String("flyerId", flyer.Id), zap.String("sourceUrl", sourceUrl))
	return flyer, nil
}

func (s *FlyerService) GetFlyer(ctx context.Context, flyerId string) (*model.Flyer, error) {
	return s.storage.Flyers().Get(ctx, flyerId)
}

func (s *FlyerService) ListItems(ctx context.Context, flyerId string) ([]*model.FlyerItem, error) {
	if _, err := s.storage.Flyers().Get(ctx, flyerId); err != nil {
		return nil, err
	}
	return s.storage.Items().ListByFlyer(ctx, flyerId)
}

func (s *FlyerService) GetItem(ctx context.Context, itemId string) (*model.FlyerItem, error) {
	return s.storage.Items().Get(ctx, itemId)
}

// ApproveItem applies an operator's match choice for an item the
// automatic evaluation left waiting. The chosen candidate must be one
// of the matches recorded on the item.
func (s *FlyerService) ApproveItem(ctx context.Context, itemId string, candidateId string) (*model.FlyerItem, error) {
	item, err := s.storage.Items().Get(ctx, itemId)
	if err != nil {
		return nil, err
	}
	if item.MatchingStatus != model.MATCHING_WAITING_FOR_APPROVAL {
		return nil, model.NewValidationError(fmt.Sprintf("item %s is %s, only waiting items can be approved", itemId, item.MatchingStatus))
	}
	if !hasCandidate(item.MatchedCandidates, candidateId) {
		return nil, model.NewValidationError(fmt.Sprintf("candidate %s is not among the recorded matches of item %s", candidateId, itemId))
	}

	// the selection is the decision of record; it must survive even if
	// the discount transaction below cannot complete
	item.SelectedCandidateId = candidateId
	item.MatchingStatus = model.MATCHING_APPLIED_TO_PRODUCT
	item.ApprovalReasoning = "manually approved by operator"
	if err := s.storage.Items().Update(ctx, item); err != nil {
		return nil, err
	}

	res, err := s.discounts.Apply(ctx, itemId, candidateId, 1.0)
	if err != nil {
		if model.IsRetryable(err) {
			return nil, err
		}
		logger.Error("discount failed after manual approval, item needs reconciliation",
			zap.String("itemId", itemId), zap.String("candidateId", candidateId), zap.Error(err))
	} else {
		logger.Info("manual approval applied",
			zap.String("itemId", itemId), zap.String("candidateId", candidateId),
			zap.Bool("discountApplied", res.Applied), zap.Bool("noOp", res.NoOp))
	}

	// re-read: the discount transaction mutates the item on success
	return s.storage.Items().Get(ctx, itemId)
}

func hasCandidate(matches []model.MatchedCandidate, candidateId string) bool {
	for _, m := range matches {
		if m.CandidateId == candidateId {
			return true
		}
	}
	return false
}
