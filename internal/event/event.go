package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is one seller-lifecycle fact as delivered by the bus.
// It is immutable once ingested.
type Event struct {
	ID         string                 `json:"id"`
	Topic      string                 `json:"topic"`
	Domain     string                 `json:"domain"`     // "onboarding", "listing", "payout", "ato", ...
	EventType  string                 `json:"event_type"` // "account_created", "bank_account_changed", ...
	SellerID   string                 `json:"seller_id"`
	Payload    map[string]interface{} `json:"payload"`
	OccurredAt time.Time              `json:"occurred_at"`
	ReceivedAt time.Time              `json:"-"`
}

// Prepare fills server-side fields and rejects events that cannot be routed.
func (e *Event) Prepare(now time.Time) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Domain == "" {
		return fmt.Errorf("event %s: domain is required", e.ID)
	}
	if e.EventType == "" {
		return fmt.Errorf("event %s: event_type is required", e.ID)
	}
	if e.SellerID == "" {
		return fmt.Errorf("event %s: seller_id is required", e.ID)
	}
	if e.Topic == "" {
		e.Topic = e.Domain
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = now
	}
	e.ReceivedAt = now
	return nil
}

// UnmarshalJSON accepts the camelCase spellings producers also use
// (eventType, sellerId, occurredAt).
func (e *Event) UnmarshalJSON(data []byte) error {
	type plain Event
	var w struct {
		plain
		EventTypeCamel  string     `json:"eventType"`
		SellerIDCamel   string     `json:"sellerId"`
		OccurredAtCamel *time.Time `json:"occurredAt"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*e = Event(w.plain)
	if e.EventType == "" {
		e.EventType = w.EventTypeCamel
	}
	if e.SellerID == "" {
		e.SellerID = w.SellerIDCamel
	}
	if e.OccurredAt.IsZero() && w.OccurredAtCamel != nil {
		e.OccurredAt = *w.OccurredAtCamel
	}
	return nil
}

// Decode parses one JSON event and prepares it. topic is used when the
// event names none; an empty topic falls back to the domain.
func Decode(data []byte, topic string, now time.Time) (Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if e.Topic == "" {
		e.Topic = topic
	}
	if err := e.Prepare(now); err != nil {
		return Event{}, err
	}
	return e, nil
}
