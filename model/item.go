package model

import "time"

type MatchingStatus string

const MATCHING_PENDING MatchingStatus = "pending"
const MATCHING_PROCESSING MatchingStatus = "processing"
const MATCHING_COMPLETED MatchingStatus = "completed"
const MATCHING_FAILED MatchingStatus = "failed"
const MATCHING_WAITING_FOR_APPROVAL MatchingStatus = "waiting_for_approval"
const MATCHING_APPLIED_TO_PRODUCT MatchingStatus = "applied_to_product"

type AutoApprovalStatus string

const APPROVAL_NONE AutoApprovalStatus = "none"
const APPROVAL_SUCCESS AutoApprovalStatus = "success"
const APPROVAL_FAILED AutoApprovalStatus = "failed"

type ImageStatus string

const IMAGE_PENDING ImageStatus = "pending"
const IMAGE_COMPLETED ImageStatus = "completed"
const IMAGE_FAILED ImageStatus = "failed"

type MatchedCandidate struct {
	CandidateId    string  `json:"candidateId"`
	RelevanceScore float64 `json:"relevanceScore"`
	Reason         string  `json:"reason"`
	LowConfidence  bool    `json:"lowConfidence,omitempty"`
}

// FlyerItem is one extracted product offer. Created once by the parse
// workflow, mutated at each match workflow step, never deleted.
type FlyerItem struct {
	Id             string   `json:"id"`
	FlyerId        string   `json:"flyerId"`
	Name           string   `json:"name"`
	OriginalPrice  float64  `json:"originalPrice"`
	DiscountPrice  float64  `json:"discountPrice,omitempty"`
	DiscountPhrase string   `json:"discountPhrase,omitempty"`
	Currency       string   `json:"currency"`
	Keywords       []string `json:"keywords,omitempty"`

	MatchingStatus      MatchingStatus     `json:"matchingStatus"`
	MatchingError       string             `json:"matchingError,omitempty"`
	MatchedCandidates   []MatchedCandidate `json:"matchedCandidates,omitempty"`
	SelectedCandidateId string             `json:"selectedCandidateId,omitempty"`
	AutoApprovalStatus  AutoApprovalStatus `json:"autoApprovalStatus"`
	ApprovalReasoning   string             `json:"approvalReasoning,omitempty"`
	DiscountApplied     bool               `json:"discountApplied"`

	ImageStatus ImageStatus `json:"imageStatus"`
	ImageUrl    string      `json:"imageUrl,omitempty"`
	ImagePrompt string      `json:"imagePrompt,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// matchingRank encodes the monotonic status path
// pending -> processing -> terminal. A transition may never move backwards.
var matchingRank = map[MatchingStatus]int{
	MATCHING_PENDING:              0,
	MATCHING_PROCESSING:           1,
	MATCHING_COMPLETED:            2,
	MATCHING_FAILED:               2,
	MATCHING_WAITING_FOR_APPROVAL: 2,
	MATCHING_APPLIED_TO_PRODUCT:   2,
}

func CanTransitionMatching(from, to MatchingStatus) bool {
	if from == to {
		return true
	}
	return matchingRank[to] > matchingRank[from]
}
