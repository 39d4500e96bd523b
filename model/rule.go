package model

type RuleType string

const RULE_TYPE_SCRIPT RuleType = "script"
const RULE_TYPE_FIELD RuleType = "field"
const RULE_TYPE_AI_JUDGE RuleType = "ai_judge"

// ApprovalRule is one configured auto-approval rule. Script rules hold a
// javascript predicate over the match context, field rules a jsonpath
// expression, ai_judge rules an instruction for the judge collaborator.
// All enabled rules must pass for an approval to stand.
type ApprovalRule struct {
	Id          string   `json:"id"`
	Name        string   `json:"name"`
	Type        RuleType `json:"type"`
	Expression  string   `json:"expression"`
	Description string   `json:"description,omitempty"`
	Enabled     bool     `json:"enabled"`
}
