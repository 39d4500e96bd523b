package model

import "time"

type FlyerStatus string

const FLYER_PENDING FlyerStatus = "pending"
const FLYER_PROCESSING FlyerStatus = "processing"
const FLYER_COMPLETED FlyerStatus = "completed"
const FLYER_FAILED FlyerStatus = "failed"

type Flyer struct {
	Id        string      `json:"id"`
	SourceUrl string      `json:"sourceUrl"`
	Status    FlyerStatus `json:"status"`
	Error     string      `json:"error,omitempty"`
	ItemCount int         `json:"itemCount"`
	CreatedAt time.Time   `json:"createdAt"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// OfferRecord is one structured offer as returned by the extraction AI.
// OriginalPrice and Currency are mandatory; records missing either are
// dropped from the batch, not failed.
type OfferRecord struct {
	Name           string   `json:"name"`
	OriginalPrice  float64  `json:"originalPrice"`
	DiscountPrice  float64  `json:"discountPrice,omitempty"`
	DiscountPhrase string   `json:"discountPhrase,omitempty"`
	Currency       string   `json:"currency"`
	Keywords       []string `json:"keywords,omitempty"`
	ImagePrompt    string   `json:"imagePrompt,omitempty"`
}

func (o OfferRecord) Valid() bool {
	return o.Name != "" && o.OriginalPrice > 0 && o.Currency != ""
}
