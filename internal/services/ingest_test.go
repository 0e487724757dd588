package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/soulmesh/lifestream-backend/internal/data/events"
	types "github.com/soulmesh/lifestream-backend/internal/domain"
	apperr "github.com/soulmesh/lifestream-backend/internal/pkg/errors"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

type fakeStore struct {
	appended  [][]*types.Event
	appendErr error
}

func (s *fakeStore) Append(_ context.Context, evs []*types.Event) error {
	if s.appendErr != nil {
		return s.appendErr
	}
	s.appended = append(s.appended, evs)
	return nil
}

func (s *fakeStore) Scan(context.Context, uuid.UUID, []types.EventType, time.Time, time.Time, int) ([]*types.Event, error) {
	return nil, nil
}

func (s *fakeStore) GeoPoints(context.Context, uuid.UUID, time.Time, time.Time, int) ([]*types.Event, error) {
	return nil, nil
}

func (s *fakeStore) Stats(context.Context, uuid.UUID) (map[types.EventType]events.TypeStats, error) {
	return nil, nil
}

func (s *fakeStore) ActiveSubjects(context.Context, time.Time) ([]uuid.UUID, error) {
	return nil, nil
}

func newTestIngest(t *testing.T, store *fakeStore, maxBatch int) IngestService {
	t.Helper()
	log, err := logger.New("test")
	if err != nil {
		t.Fatalf("init logger: %v", err)
	}
	return NewIngestService(store, log, maxBatch)
}

func f64(v float64) *float64 { return &v }

func validGeo() EventInput {
	return EventInput{Type: "geo", Lat: f64(55.75), Lon: f64(37.61)}
}

func TestIngestValidation(t *testing.T) {
	tests := []struct {
		name  string
		input EventInput
		field string
	}{
		{"missing type", EventInput{}, "type"},
		{"unknown type", EventInput{Type: "telepathy"}, "type"},
		{"unknown source", EventInput{Type: "geo", Source: "carrier_pigeon", Lat: f64(1), Lon: f64(1)}, "source"},
		{"geo without coordinates", EventInput{Type: "geo"}, "lat"},
		{"lat out of range", EventInput{Type: "geo", Lat: f64(91), Lon: f64(0)}, "lat"},
		{"lon out of range", EventInput{Type: "geo", Lat: f64(0), Lon: f64(181)}, "lon"},
		{"negative accuracy", EventInput{Type: "geo", Lat: f64(1), Lon: f64(1), Accuracy: f64(-1)}, "accuracy"},
		{"purchase without item", EventInput{Type: "purchase", Amount: f64(3)}, "item"},
		{"purchase without amount", EventInput{Type: "purchase", Item: "coffee"}, "amount"},
		{"negative amount", EventInput{Type: "purchase", Item: "coffee", Amount: f64(-3)}, "amount"},
		{"social without action", EventInput{Type: "social"}, "action"},
		{"health without metric", EventInput{Type: "health", Value: f64(60)}, "metric"},
		{"health without value", EventInput{Type: "health", Metric: "heart_rate"}, "value"},
		{"activity without name", EventInput{Type: "activity", DurationMinutes: intp(30)}, "activity"},
		{"activity without duration", EventInput{Type: "activity", Activity: "run"}, "duration_minutes"},
		{"nested payload", EventInput{Type: "geo", Lat: f64(1), Lon: f64(1), Payload: map[string]any{"nested": map[string]any{"a": 1}}}, "payload.nested"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			store := &fakeStore{}
			svc := newTestIngest(t, store, 100)

			_, err := svc.Ingest(context.Background(), uuid.New(), []EventInput{tc.input})
			if !errors.Is(err, apperr.ErrValidation) {
				t.Fatalf("expected validation error, got %v", err)
			}
			var verr *apperr.ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T", err)
			}
			if verr.Field != tc.field {
				t.Fatalf("field = %q, want %q", verr.Field, tc.field)
			}
			if len(store.appended) != 0 {
				t.Fatal("rejected batch must not reach the store")
			}
		})
	}
}

func intp(v int) *int { return &v }

func TestIngestAllOrNothing(t *testing.T) {
	store := &fakeStore{}
	svc := newTestIngest(t, store, 100)

	inputs := []EventInput{
		validGeo(),
		validGeo(),
		{Type: "geo"}, // invalid at index 2
	}
	_, err := svc.Ingest(context.Background(), uuid.New(), inputs)
	if err == nil {
		t.Fatal("expected error")
	}
	var verr *apperr.ValidationError
	if !errors.As(err, &verr) || verr.Index != 2 {
		t.Fatalf("expected validation error at index 2, got %v", err)
	}
	if len(store.appended) != 0 {
		t.Fatal("partial batch must not be written")
	}
}

func TestIngestBatchTooLarge(t *testing.T) {
	store := &fakeStore{}
	svc := newTestIngest(t, store, 2)

	inputs := []EventInput{validGeo(), validGeo(), validGeo()}
	_, err := svc.Ingest(context.Background(), uuid.New(), inputs)
	if !errors.Is(err, apperr.ErrBatchTooLarge) {
		t.Fatalf("expected batch-too-large error, got %v", err)
	}
	if len(store.appended) != 0 {
		t.Fatal("oversized batch must not be written")
	}
}

func TestIngestEmptyBatch(t *testing.T) {
	store := &fakeStore{}
	svc := newTestIngest(t, store, 100)

	n, err := svc.Ingest(context.Background(), uuid.New(), nil)
	if err != nil || n != 0 {
		t.Fatalf("empty batch: n=%d err=%v", n, err)
	}
	if len(store.appended) != 0 {
		t.Fatal("empty batch must not touch the store")
	}
}

func TestIngestRequiresSubject(t *testing.T) {
	svc := newTestIngest(t, &fakeStore{}, 100)
	_, err := svc.Ingest(context.Background(), uuid.Nil, []EventInput{validGeo()})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestIngestDefaultsAndInference(t *testing.T) {
	store := &fakeStore{}
	svc := newTestIngest(t, store, 100)
	subjectID := uuid.New()

	before := time.Now().UTC()
	inputs := []EventInput{
		{Type: "purchase", Item: "espresso", Amount: f64(3.5), Category: "coffee"},
		{Type: "health", Metric: "heart_rate", Value: f64(62), Unit: "bpm"},
	}
	n, err := svc.Ingest(context.Background(), subjectID, inputs)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if n != 2 {
		t.Fatalf("accepted = %d, want 2", n)
	}

	batch := store.appended[0]
	first := batch[0]
	if first.ID == uuid.Nil {
		t.Fatal("event id must be assigned")
	}
	if first.SubjectID != subjectID {
		t.Fatal("subject id must be stamped")
	}
	if first.Source != types.SourceAPI {
		t.Fatalf("source = %q, want api default", first.Source)
	}
	if first.Timestamp.Before(before) || first.Timestamp.After(time.Now().UTC().Add(time.Second)) {
		t.Fatalf("timestamp not defaulted to now: %v", first.Timestamp)
	}
	if first.Subtype != "coffee" {
		t.Fatalf("subtype = %q, want inferred from category", first.Subtype)
	}
	if first.Payload["item"] != "espresso" {
		t.Fatalf("payload item = %v", first.Payload["item"])
	}
	if batch[1].Subtype != "heart_rate" {
		t.Fatalf("health subtype = %q, want metric", batch[1].Subtype)
	}
}

func TestIngestPreservesExplicitFields(t *testing.T) {
	store := &fakeStore{}
	svc := newTestIngest(t, store, 100)

	ts := time.Date(2026, 3, 2, 8, 30, 0, 0, time.FixedZone("MSK", 3*3600))
	inputs := []EventInput{{
		Type:      "geo",
		Subtype:   "commute",
		Timestamp: &ts,
		Source:    "mobile",
		Lat:       f64(55.75),
		Lon:       f64(37.61),
		Accuracy:  f64(12),
	}}
	if _, err := svc.Ingest(context.Background(), uuid.New(), inputs); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	ev := store.appended[0][0]
	if !ev.Timestamp.Equal(ts) || ev.Timestamp.Location() != time.UTC {
		t.Fatalf("timestamp must be normalized to UTC, got %v", ev.Timestamp)
	}
	if ev.Source != types.SourceMobile {
		t.Fatalf("source = %q", ev.Source)
	}
	if ev.Subtype != "commute" {
		t.Fatalf("explicit subtype must win, got %q", ev.Subtype)
	}
}

func TestIngestStoreErrorPropagates(t *testing.T) {
	store := &fakeStore{appendErr: apperr.ErrStoreUnavailable}
	svc := newTestIngest(t, store, 100)

	_, err := svc.Ingest(context.Background(), uuid.New(), []EventInput{validGeo()})
	if !errors.Is(err, apperr.ErrStoreUnavailable) {
		t.Fatalf("expected store error, got %v", err)
	}
}
