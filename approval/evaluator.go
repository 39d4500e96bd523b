package approval

import (
	"context"
	"fmt"
	"sort"
	"time"

	c "github.com/patrickmn/go-cache"

	"github.com/offerpipe/offerpipe/ai"
	"github.com/offerpipe/offerpipe/config"
	"github.com/offerpipe/offerpipe/logger"
	"github.com/offerpipe/offerpipe/model"
	"github.com/offerpipe/offerpipe/persistence"
	"go.uber.org/zap"
)

const rulesCacheKey = "active-rules"

// Decision is the outcome of auto-approval evaluation for one item.
type Decision struct {
	ShouldApprove bool    `json:"shouldApprove"`
	CandidateId   string  `json:"candidateId"`
	Confidence    float64 `json:"confidence"`
	Reasoning     string  `json:"reasoning"`
}

// Evaluator decides whether a match may be applied without human review.
// Highest-confidence-first: the best match at or above the approve
// threshold wins; failing that, the best match above the fallback
// threshold wins with an explicit fallback tag; otherwise no approval.
// Configured rules must all pass, and any rule error denies.
type Evaluator struct {
	conf        config.ApprovalConfig
	judge       ai.Judge
	rules       persistence.RuleStore
	rulesCache  *c.Cache
	evalTimeout time.Duration
}

func NewEvaluator(conf config.ApprovalConfig, judge ai.Judge, rules persistence.RuleStore, evalTimeout time.Duration) *Evaluator {
	return &Evaluator{
		conf:        conf,
		judge:       judge,
		rules:       rules,
		rulesCache:  c.New(conf.RuleCacheTTL, 10*time.Minute),
		evalTimeout: evalTimeout,
	}
}

func (e *Evaluator) Evaluate(ctx context.Context, item *model.FlyerItem, matches []model.MatchedCandidate) Decision {
	if len(matches) == 0 {
		return Decision{Reasoning: "no matches to evaluate"}
	}

	eligible := make([]model.MatchedCandidate, 0, len(matches))
	for _, m := range matches {
		if m.LowConfidence {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return Decision{Reasoning: "all matches are low-confidence fallback scores"}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].RelevanceScore > eligible[j].RelevanceScore
	})
	best := eligible[0]

	var reasoning string
	switch {
	case best.RelevanceScore >= e.conf.ApproveThreshold:
		reasoning = fmt.Sprintf("best match %s scored %.2f, above approval threshold %.2f", best.CandidateId, best.RelevanceScore, e.conf.ApproveThreshold)
	case best.RelevanceScore >= e.conf.FallbackThreshold:
		reasoning = fmt.Sprintf("fallback: best match %s scored %.2f, above secondary threshold %.2f", best.CandidateId, best.RelevanceScore, e.conf.FallbackThreshold)
	default:
		return Decision{
			Confidence: best.RelevanceScore,
			Reasoning:  fmt.Sprintf("best match %s scored %.2f, below secondary threshold %.2f", best.CandidateId, best.RelevanceScore, e.conf.FallbackThreshold),
		}
	}

	if denied, denyReason := e.applyRules(ctx, item, best, matches); denied {
		return Decision{
			Confidence: best.RelevanceScore,
			Reasoning:  denyReason,
		}
	}

	return Decision{
		ShouldApprove: true,
		CandidateId:   best.CandidateId,
		Confidence:    best.RelevanceScore,
		Reasoning:     reasoning,
	}
}

// applyRules runs every enabled rule against the chosen candidate.
// Rule loading or evaluation errors deny: never approve on a broken rule.
func (e *Evaluator) applyRules(ctx context.Context, item *model.FlyerItem, best model.MatchedCandidate, matches []model.MatchedCandidate) (bool, string) {
	rules, err := e.activeRules(ctx)
	if err != nil {
		logger.Error("error loading approval rules, denying", zap.Error(err))
		return true, "approval rules unavailable"
	}
	rctx := ruleContext{
		Item:      item,
		Candidate: best,
		Matches:   matches,
	}
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}
		ruleCtx, cancel := context.WithTimeout(ctx, e.evalTimeout)
		passed, err := evalRule(ruleCtx, e.judge, rule, rctx)
		cancel()
		if err != nil {
			logger.Error("error evaluating approval rule, denying", zap.String("rule", rule.Name), zap.Error(err))
			return true, fmt.Sprintf("rule %q could not be evaluated", rule.Name)
		}
		if !passed {
			return true, fmt.Sprintf("rule %q rejected the match", rule.Name)
		}
	}
	return false, ""
}

func (e *Evaluator) activeRules(ctx context.Context) ([]*model.ApprovalRule, error) {
	if cached, found := e.rulesCache.Get(rulesCacheKey); found {
		return cached.([]*model.ApprovalRule), nil
	}
	rules, err := e.rules.List(ctx)
	if err != nil {
		return nil, err
	}
	e.rulesCache.Set(rulesCacheKey, rules, c.DefaultExpiration)
	return rules, nil
}
