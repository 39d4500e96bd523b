package model

import (
	"encoding/json"
	"fmt"
	"time"
)

const EVENT_PARSE string = "parse"
const EVENT_MATCH string = "match"
const EVENT_EXTRACT_IMAGES string = "extract-images"
const EVENT_STATUS_UPDATE string = "status-update"

// Event is the envelope carried on the bus. Payload is one of the
// typed payload structs below; handlers decode and validate on receipt.
type Event struct {
	Id         string          `json:"id"`
	Name       string          `json:"name"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	Attempt    int             `json:"attempt"`
}

type ParsePayload struct {
	FlyerId   string `json:"flyerId"`
	SourceUrl string `json:"sourceUrl"`
}

func (p ParsePayload) Validate() error {
	if p.FlyerId == "" {
		return NewValidationError("parse payload missing flyerId")
	}
	if p.SourceUrl == "" {
		return NewValidationError("parse payload missing sourceUrl")
	}
	return nil
}

type MatchPayload struct {
	ItemId   string            `json:"itemId"`
	FlyerId  string            `json:"flyerId"`
	Name     string            `json:"name"`
	Keywords []string          `json:"keywords,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func (p MatchPayload) Validate() error {
	if p.ItemId == "" {
		return NewValidationError("match payload missing itemId")
	}
	if p.FlyerId == "" {
		return NewValidationError("match payload missing flyerId")
	}
	if p.Name == "" {
		return NewValidationError("match payload missing name")
	}
	return nil
}

type ExtractImagesPayload struct {
	FlyerId string   `json:"flyerId"`
	ItemIds []string `json:"itemIds"`
}

func (p ExtractImagesPayload) Validate() error {
	if p.FlyerId == "" {
		return NewValidationError("extract-images payload missing flyerId")
	}
	if len(p.ItemIds) == 0 {
		return NewValidationError("extract-images payload has no items")
	}
	return nil
}

type StatusUpdatePayload struct {
	EntityId   string `json:"entityId"`
	EntityType string `json:"entityType"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
}

func (p StatusUpdatePayload) Validate() error {
	if p.EntityId == "" {
		return NewValidationError("status-update payload missing entityId")
	}
	if p.Status == "" {
		return NewValidationError("status-update payload missing status")
	}
	return nil
}

// NewEvent wraps a typed payload into an envelope. The payload must be
// json-serializable; anything else is a programming error.
func NewEvent(id string, name string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Event{
		Id:         id,
		Name:       name,
		Payload:    data,
		EnqueuedAt: time.Now(),
	}, nil
}

// DecodePayload decodes and validates an event payload into dst.
// A malformed or incomplete payload is a ValidationError: terminal, no retry.
func DecodePayload[T interface{ Validate() error }](evt Event) (T, error) {
	var payload T
	if err := json.Unmarshal(evt.Payload, &payload); err != nil {
		return payload, NewValidationError(fmt.Sprintf("malformed %s payload: %v", evt.Name, err))
	}
	if err := payload.Validate(); err != nil {
		return payload, err
	}
	return payload, nil
}
