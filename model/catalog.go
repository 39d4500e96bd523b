package model

import "time"

// CandidateProduct is a catalog search result considered for matching.
type CandidateProduct struct {
	Id       string   `json:"id"`
	Name     string   `json:"name"`
	Price    float64  `json:"price"`
	Currency string   `json:"currency"`
	Keywords []string `json:"keywords,omitempty"`
}

// ScoredMatch is the scorer's verdict for one candidate.
type ScoredMatch struct {
	CandidateId    string  `json:"candidateId"`
	RelevanceScore float64 `json:"relevanceScore"`
	Reason         string  `json:"reason"`
}

type DiscountProvenance struct {
	SourceItemId string    `json:"sourceItemId"`
	AppliedAt    time.Time `json:"appliedAt"`
	Confidence   float64   `json:"confidence"`
	Method       string    `json:"method"`
}

// CatalogEntry is the matched product record. Mutated only inside the
// discount transaction.
type CatalogEntry struct {
	Id                 string              `json:"id"`
	Name               string              `json:"name"`
	CurrentPrice       float64             `json:"currentPrice"`
	RegularPrice       float64             `json:"regularPrice"`
	Currency           string              `json:"currency"`
	DiscountPercentage float64             `json:"discountPercentage"`
	HasActiveDiscount  bool                `json:"hasActiveDiscount"`
	DiscountProvenance *DiscountProvenance `json:"discountProvenance,omitempty"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}
