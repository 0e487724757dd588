package domain

import (
	"time"

	"github.com/google/uuid"
)

// EventType enumerates the kinds of life events the stream accepts.
type EventType string

const (
	EventGeo      EventType = "geo"
	EventPurchase EventType = "purchase"
	EventSocial   EventType = "social"
	EventHealth   EventType = "health"
	EventActivity EventType = "activity"
)

func (t EventType) Valid() bool {
	switch t {
	case EventGeo, EventPurchase, EventSocial, EventHealth, EventActivity:
		return true
	default:
		return false
	}
}

// EventSource identifies the origin channel of an event.
type EventSource string

const (
	SourceAPI      EventSource = "api"
	SourceMobile   EventSource = "mobile"
	SourceWearable EventSource = "wearable"
	SourceImport   EventSource = "import"
	SourceWebhook  EventSource = "webhook"
)

func (s EventSource) Valid() bool {
	switch s {
	case SourceAPI, SourceMobile, SourceWearable, SourceImport, SourceWebhook:
		return true
	default:
		return false
	}
}

// Event is an immutable fact about one subject at one instant. Events are
// append-only: corrections arrive as new events, never as mutations.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	SubjectID uuid.UUID      `json:"subject_id"`
	Timestamp time.Time      `json:"timestamp"`
	Seq       uint64         `json:"-"`
	Type      EventType      `json:"type"`
	Subtype   string         `json:"subtype,omitempty"`
	Source    EventSource    `json:"source"`
	Lat       *float64       `json:"lat,omitempty"`
	Lon       *float64       `json:"lon,omitempty"`
	Accuracy  *float64       `json:"accuracy,omitempty"`
	Speed     *float64       `json:"speed,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// HasGeo reports whether the event carries usable coordinates.
func (e *Event) HasGeo() bool {
	return e.Lat != nil && e.Lon != nil
}
