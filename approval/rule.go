package approval

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dop251/goja"
	"github.com/oliveagle/jsonpath"

	"github.com/offerpipe/offerpipe/ai"
	"github.com/offerpipe/offerpipe/model"
)

// ruleContext is the document every rule evaluates against.
type ruleContext struct {
	Item      *model.FlyerItem         `json:"item"`
	Candidate model.MatchedCandidate   `json:"candidate"`
	Matches   []model.MatchedCandidate `json:"matches"`
}

// evalRule applies one rule to the match context. Any evaluation error is
// returned to the caller, which treats it as a deny (safe default).
func evalRule(ctx context.Context, judge ai.Judge, rule *model.ApprovalRule, rctx ruleContext) (bool, error) {
	switch rule.Type {
	case model.RULE_TYPE_SCRIPT:
		return evalScript(rule.Expression, rctx)
	case model.RULE_TYPE_FIELD:
		return evalField(rule.Expression, rctx)
	case model.RULE_TYPE_AI_JUDGE:
		judgment, err := judge.Judge(ctx, rctx.Item, rctx.Candidate, rule)
		if err != nil {
			return false, err
		}
		return judgment.Approve, nil
	default:
		return false, fmt.Errorf("unknown rule type %q", rule.Type)
	}
}

// evalScript runs a javascript predicate with the match context bound to $.
// The expression's final value decides, e.g.
// `$.candidate.relevanceScore > 0.9 && $.item.originalPrice < 100`.
func evalScript(expression string, rctx ruleContext) (bool, error) {
	data, err := json.Marshal(rctx)
	if err != nil {
		return false, err
	}
	vm := goja.New()
	script := fmt.Sprintf("var $ = %s;\n%s", data, expression)
	val, err := vm.RunString(script)
	if err != nil {
		return false, fmt.Errorf("error executing rule script: %w", err)
	}
	return val.ToBoolean(), nil
}

// evalField evaluates a jsonpath lookup against the match context; the
// rule passes when the lookup yields a truthy value, e.g.
// `$.matches[?(@.relevanceScore > 0.8)]`.
func evalField(expression string, rctx ruleContext) (bool, error) {
	data, err := json.Marshal(rctx)
	if err != nil {
		return false, err
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, err
	}
	res, err := jsonpath.JsonPathLookup(doc, expression)
	if err != nil {
		return false, fmt.Errorf("error evaluating rule path: %w", err)
	}
	return truthy(res), nil
}

func truthy(v any) bool {
	switch value := v.(type) {
	case nil:
		return false
	case bool:
		return value
	case float64:
		return value != 0
	case string:
		return value != ""
	case []any:
		return len(value) > 0
	case map[string]any:
		return len(value) > 0
	default:
		return true
	}
}
