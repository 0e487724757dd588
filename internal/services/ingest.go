package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/soulmesh/lifestream-backend/internal/data/events"
	types "github.com/soulmesh/lifestream-backend/internal/domain"
	apperr "github.com/soulmesh/lifestream-backend/internal/pkg/errors"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// EventInput is the flat wire shape of one raw event. Type-specific fields
// are validated against the declared type and folded into the payload.
type EventInput struct {
	Type      string     `json:"type"`
	Subtype   string     `json:"subtype,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Source    string     `json:"source,omitempty"`

	Lat      *float64 `json:"lat,omitempty"`
	Lon      *float64 `json:"lon,omitempty"`
	Accuracy *float64 `json:"accuracy,omitempty"`
	Speed    *float64 `json:"speed,omitempty"`

	Item     string   `json:"item,omitempty"`
	Amount   *float64 `json:"amount,omitempty"`
	Category string   `json:"category,omitempty"`
	Place    string   `json:"place,omitempty"`

	Action     string `json:"action,omitempty"`
	PersonID   string `json:"person_id,omitempty"`
	PersonName string `json:"person_name,omitempty"`

	Metric string   `json:"metric,omitempty"`
	Value  *float64 `json:"value,omitempty"`
	Unit   string   `json:"unit,omitempty"`

	Activity        string `json:"activity,omitempty"`
	DurationMinutes *int   `json:"duration_minutes,omitempty"`

	Payload map[string]any `json:"payload,omitempty"`
}

// IngestService is the ingestion gateway: it validates a batch for one
// subject, assigns ids and timestamps, and appends to the event store.
// Batches are all-or-nothing; a rejected batch writes nothing, so clients
// may re-submit the same batch safely.
type IngestService interface {
	Ingest(ctx context.Context, subjectID uuid.UUID, inputs []EventInput) (int, error)
}

type ingestService struct {
	store        events.Store
	log          *logger.Logger
	maxBatchSize int
	now          func() time.Time
}

func NewIngestService(store events.Store, baseLog *logger.Logger, maxBatchSize int) IngestService {
	if maxBatchSize <= 0 {
		maxBatchSize = 1000
	}
	return &ingestService{
		store:        store,
		log:          baseLog.With("service", "IngestService"),
		maxBatchSize: maxBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
	}
}

func (s *ingestService) Ingest(ctx context.Context, subjectID uuid.UUID, inputs []EventInput) (int, error) {
	if subjectID == uuid.Nil {
		return 0, apperr.NewValidation(0, "subject_id", "required")
	}
	if len(inputs) == 0 {
		return 0, nil
	}
	if len(inputs) > s.maxBatchSize {
		return 0, fmt.Errorf("%w: %d events exceeds limit %d",
			apperr.ErrBatchTooLarge, len(inputs), s.maxBatchSize)
	}

	batch := make([]*types.Event, 0, len(inputs))
	for i, in := range inputs {
		ev, err := s.buildEvent(subjectID, i, in)
		if err != nil {
			return 0, err
		}
		batch = append(batch, ev)
	}

	if err := s.store.Append(ctx, batch); err != nil {
		return 0, err
	}
	s.log.Debug("Ingested event batch", "subject_id", subjectID, "count", len(batch))
	return len(batch), nil
}

func (s *ingestService) buildEvent(subjectID uuid.UUID, index int, in EventInput) (*types.Event, error) {
	eventType := types.EventType(in.Type)
	if in.Type == "" {
		return nil, apperr.NewValidation(index, "type", "required")
	}
	if !eventType.Valid() {
		return nil, apperr.NewValidation(index, "type", fmt.Sprintf("unknown event type %q", in.Type))
	}

	source := types.SourceAPI
	if in.Source != "" {
		source = types.EventSource(in.Source)
		if !source.Valid() {
			return nil, apperr.NewValidation(index, "source", fmt.Sprintf("unknown source %q", in.Source))
		}
	}

	payload, err := validatePayload(index, in.Payload)
	if err != nil {
		return nil, err
	}

	ev := &types.Event{
		ID:        uuid.New(),
		SubjectID: subjectID,
		Type:      eventType,
		Subtype:   in.Subtype,
		Source:    source,
		Lat:       in.Lat,
		Lon:       in.Lon,
		Accuracy:  in.Accuracy,
		Speed:     in.Speed,
		Payload:   payload,
	}
	if in.Timestamp != nil {
		ev.Timestamp = in.Timestamp.UTC()
	} else {
		ev.Timestamp = s.now()
	}

	if in.Lat != nil && (*in.Lat < -90 || *in.Lat > 90) {
		return nil, apperr.NewValidation(index, "lat", "must be within [-90, 90]")
	}
	if in.Lon != nil && (*in.Lon < -180 || *in.Lon > 180) {
		return nil, apperr.NewValidation(index, "lon", "must be within [-180, 180]")
	}
	if in.Accuracy != nil && *in.Accuracy < 0 {
		return nil, apperr.NewValidation(index, "accuracy", "must be non-negative")
	}
	if in.Speed != nil && *in.Speed < 0 {
		return nil, apperr.NewValidation(index, "speed", "must be non-negative")
	}

	switch eventType {
	case types.EventGeo:
		if in.Lat == nil || in.Lon == nil {
			return nil, apperr.NewValidation(index, "lat", "geo events require lat and lon")
		}
	case types.EventPurchase:
		if in.Item == "" {
			return nil, apperr.NewValidation(index, "item", "purchase events require item")
		}
		if in.Amount == nil {
			return nil, apperr.NewValidation(index, "amount", "purchase events require amount")
		}
		if *in.Amount < 0 {
			return nil, apperr.NewValidation(index, "amount", "must be non-negative")
		}
		setPayload(ev, "item", in.Item)
		setPayload(ev, "amount", *in.Amount)
		if in.Place != "" {
			setPayload(ev, "place", in.Place)
		}
		if in.Category != "" {
			setPayload(ev, "category", in.Category)
		}
		if ev.Subtype == "" {
			ev.Subtype = in.Category
		}
	case types.EventSocial:
		if in.Action == "" {
			return nil, apperr.NewValidation(index, "action", "social events require action")
		}
		setPayload(ev, "action", in.Action)
		if in.PersonID != "" {
			setPayload(ev, "person_id", in.PersonID)
		}
		if in.PersonName != "" {
			setPayload(ev, "person_name", in.PersonName)
		}
		if ev.Subtype == "" {
			ev.Subtype = in.Action
		}
	case types.EventHealth:
		if in.Metric == "" {
			return nil, apperr.NewValidation(index, "metric", "health events require metric")
		}
		if in.Value == nil {
			return nil, apperr.NewValidation(index, "value", "health events require value")
		}
		setPayload(ev, "metric", in.Metric)
		setPayload(ev, "value", *in.Value)
		if in.Unit != "" {
			setPayload(ev, "unit", in.Unit)
		}
		if ev.Subtype == "" {
			ev.Subtype = in.Metric
		}
	case types.EventActivity:
		if in.Activity == "" {
			return nil, apperr.NewValidation(index, "activity", "activity events require activity")
		}
		if in.DurationMinutes == nil || *in.DurationMinutes <= 0 {
			return nil, apperr.NewValidation(index, "duration_minutes", "activity events require a positive duration")
		}
		setPayload(ev, "activity", in.Activity)
		setPayload(ev, "duration_minutes", float64(*in.DurationMinutes))
		if ev.Subtype == "" {
			ev.Subtype = in.Activity
		}
	}

	return ev, nil
}

func setPayload(ev *types.Event, key string, val any) {
	if ev.Payload == nil {
		ev.Payload = map[string]any{}
	}
	ev.Payload[key] = val
}

// validatePayload enforces the closed set of payload value kinds: string,
// number, boolean. Nested structures are rejected rather than silently kept.
func validatePayload(index int, payload map[string]any) (map[string]any, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(payload))
	for k, v := range payload {
		switch v.(type) {
		case string, bool, float64, float32, int, int32, int64:
			out[k] = v
		default:
			return nil, apperr.NewValidation(index, "payload."+k, "payload values must be string, number, or boolean")
		}
	}
	return out, nil
}
