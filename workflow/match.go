package workflow

import (
	"context"

	"go.uber.org/zap"

	"github.com/offerpipe/offerpipe/approval"
	"github.com/offerpipe/offerpipe/catalog"
	"github.com/offerpipe/offerpipe/engine"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
)

// Match resolves one flyer item against the product catalog, scores the
// candidates, evaluates auto-approval and applies the discount when the
// item auto-approves. Each item runs in its own workflow instance so a
// failing sibling never blocks the rest of the flyer.
func Match(d Deps) engine.WorkflowDef {
	return engine.WorkflowDef{
		Name:         WORKFLOW_MATCH,
		EventName:    model.EVENT_MATCH,
		HardDeadline: d.Pipeline.RunDeadline,
		EntityId: func(evt model.Event) (string, error) {
			p, err := model.DecodePayload[model.MatchPayload](evt)
			if err != nil {
				return "", err
			}
			return p.ItemId, nil
		},
		OnFailure: func(ctx context.Context, itemId string, cause error) {
			if err := setMatchingStatus(ctx, d, itemId, model.MATCHING_FAILED, model.TruncateError(cause, 500)); err != nil {
				logger.Error("failed to mark item matching failed", zap.String("itemId", itemId), zap.Error(err))
			}
		},
		Steps: []engine.StepDef{
			{Name: "mark-processing", Run: matchMarkProcessing(d)},
			{Name: "search-catalog", MaxAttempts: d.Pipeline.MaxAttempts, Run: matchSearchCatalog(d)},
			{Name: "score-candidates", Run: matchScoreCandidates(d)},
			{Name: "filter-matches", Run: matchFilterMatches(d)},
			{Name: "evaluate-approval", Run: matchEvaluateApproval(d)},
			{Name: "persist-decision", Run: matchPersistDecision(d)},
			{Name: "apply-discount", Run: matchApplyDiscount(d)},
		},
	}
}

func matchMarkProcessing(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		item, err := d.Storage.Items().Get(ctx, rc.Run.EntityId)
		if err != nil {
			return nil, err
		}
		if !model.CanTransitionMatching(item.MatchingStatus, model.MATCHING_PROCESSING) {
			// a prior delivery already carried this item past processing
			rc.Halt()
			return nil, nil
		}
		item.MatchingStatus = model.MATCHING_PROCESSING
		item.MatchingError = ""
		if err := d.Storage.Items().Update(ctx, item); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

func matchSearchCatalog(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		item, err := d.Storage.Items().Get(ctx, rc.Run.EntityId)
		if err != nil {
			return nil, err
		}
		candidates, err := d.Catalog.Search(ctx, catalog.Query{
			Name:     item.Name,
			Keywords: item.Keywords,
		})
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			logger.Info("no catalog candidates for item, completing without matches",
				zap.String("itemId", item.Id), zap.String("name", item.Name))
			item.MatchingStatus = model.MATCHING_COMPLETED
			item.MatchedCandidates = nil
			if err := d.Storage.Items().Update(ctx, item); err != nil {
				return nil, err
			}
			rc.Halt()
			return nil, nil
		}
		return map[string]any{"candidates": candidates}, nil
	}
}

// matchScoreCandidates asks the relevance scorer for each deduplicated
// candidate. A scorer failure or timeout does not fail the run: the top
// candidates are kept with a flat fallback score and flagged so that
// auto-approval skips them.
func matchScoreCandidates(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		candidates, err := engine.Value[[]model.CandidateProduct](rc, "candidates")
		if err != nil {
			return nil, err
		}
		candidates = dedupeCandidates(candidates)

		item, err := d.Storage.Items().Get(ctx, rc.Run.EntityId)
		if err != nil {
			return nil, err
		}

		scoreCtx, cancel := context.WithTimeout(ctx, d.Pipeline.ScoreTimeout)
		defer cancel()
		scored, err := d.Scorer.Score(scoreCtx, item, candidates)
		if err != nil {
			logger.Warn("scorer unavailable, using deterministic fallback",
				zap.String("itemId", item.Id), zap.Error(err))
			return map[string]any{"matches": fallbackMatches(candidates, d.Approval.FallbackTopN, d.Approval.FallbackScore)}, nil
		}

		matches := make([]model.MatchedCandidate, 0, len(scored))
		for _, s := range scored {
			matches = append(matches, model.MatchedCandidate{
				CandidateId:    s.CandidateId,
				RelevanceScore: s.RelevanceScore,
				Reason:         s.Reason,
			})
		}
		return map[string]any{"matches": matches}, nil
	}
}

func matchFilterMatches(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		matches, err := engine.Value[[]model.MatchedCandidate](rc, "matches")
		if err != nil {
			return nil, err
		}
		kept := make([]model.MatchedCandidate, 0, len(matches))
		for _, m := range matches {
			if m.RelevanceScore < d.Approval.MinRelevance {
				continue
			}
			kept = append(kept, m)
		}
		return map[string]any{"matches": kept}, nil
	}
}

func matchEvaluateApproval(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		matches, err := engine.Value[[]model.MatchedCandidate](rc, "matches")
		if err != nil {
			return nil, err
		}
		item, err := d.Storage.Items().Get(ctx, rc.Run.EntityId)
		if err != nil {
			return nil, err
		}
		decision := d.Evaluator.Evaluate(ctx, item, matches)
		return map[string]any{"decision": decision}, nil
	}
}

func matchPersistDecision(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		matches, err := engine.Value[[]model.MatchedCandidate](rc, "matches")
		if err != nil {
			return nil, err
		}
		decision, err := engine.Value[approval.Decision](rc, "decision")
		if err != nil {
			return nil, err
		}
		item, err := d.Storage.Items().Get(ctx, rc.Run.EntityId)
		if err != nil {
			return nil, err
		}

		item.MatchedCandidates = matches
		item.ApprovalReasoning = decision.Reasoning
		switch {
		case decision.ShouldApprove:
			item.SelectedCandidateId = decision.CandidateId
			item.AutoApprovalStatus = model.APPROVAL_SUCCESS
			item.MatchingStatus = model.MATCHING_APPLIED_TO_PRODUCT
		case len(matches) == 0:
			item.AutoApprovalStatus = model.APPROVAL_NONE
			item.MatchingStatus = model.MATCHING_COMPLETED
		default:
			item.AutoApprovalStatus = model.APPROVAL_FAILED
			item.MatchingStatus = model.MATCHING_WAITING_FOR_APPROVAL
		}
		if err := d.Storage.Items().Update(ctx, item); err != nil {
			return nil, err
		}
		return nil, nil
	}
}

// matchApplyDiscount transfers the flyer price onto the approved catalog
// product. A discount failure is logged but never reopens the approval
// decision already persisted for the item.
func matchApplyDiscount(d Deps) engine.StepFunc {
	return func(ctx context.Context, rc *engine.RunContext) (map[string]any, error) {
		decision, err := engine.Value[approval.Decision](rc, "decision")
		if err != nil {
			return nil, err
		}
		if !decision.ShouldApprove {
			return nil, nil
		}
		res, err := d.Discounts.Apply(ctx, rc.Run.EntityId, decision.CandidateId, decision.Confidence)
		if err != nil {
			if model.IsRetryable(err) {
				return nil, err
			}
			logger.Error("discount application failed, item stays applied without discount",
				zap.String("itemId", rc.Run.EntityId), zap.String("catalogId", decision.CandidateId), zap.Error(err))
			return map[string]any{"discountError": model.TruncateError(err, 200)}, nil
		}
		return map[string]any{"applied": res.Applied, "noOp": res.NoOp, "method": res.Method}, nil
	}
}

func setMatchingStatus(ctx context.Context, d Deps, itemId string, status model.MatchingStatus, errMsg string) error {
	item, err := d.Storage.Items().Get(ctx, itemId)
	if err != nil {
		return err
	}
	if !model.CanTransitionMatching(item.MatchingStatus, status) {
		return nil
	}
	item.MatchingStatus = status
	item.MatchingError = errMsg
	return d.Storage.Items().Update(ctx, item)
}

func dedupeCandidates(candidates []model.CandidateProduct) []model.CandidateProduct {
	seen := make(map[string]bool, len(candidates))
	out := make([]model.CandidateProduct, 0, len(candidates))
	for _, c := range candidates {
		if c.Id == "" || seen[c.Id] {
			continue
		}
		seen[c.Id] = true
		out = append(out, c)
	}
	return out
}

func fallbackMatches(candidates []model.CandidateProduct, topN int, score float64) []model.MatchedCandidate {
	if topN > len(candidates) {
		topN = len(candidates)
	}
	matches := make([]model.MatchedCandidate, 0, topN)
	for _, c := range candidates[:topN] {
		matches = append(matches, model.MatchedCandidate{
			CandidateId:    c.Id,
			RelevanceScore: score,
			Reason:         "relevance scorer unavailable, kept by catalog order",
			LowConfidence:  true,
		})
	}
	return matches
}
