package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	types "github.com/soulmesh/lifestream-backend/internal/domain"
	apperr "github.com/soulmesh/lifestream-backend/internal/pkg/errors"
	"github.com/soulmesh/lifestream-backend/internal/platform/clickhousedb"
	"github.com/soulmesh/lifestream-backend/internal/platform/logger"
)

// TypeStats summarizes one event type for a subject.
type TypeStats struct {
	Count int64     `json:"count"`
	First time.Time `json:"first"`
	Last  time.Time `json:"last"`
}

// Store is the append-only event store the pipeline reads and the gateway
// writes. Once appended, an event is visible to all subsequent queries for
// that subject within this process; the miner tolerates bounded lag across
// partitions by re-scanning overlapping windows each cycle.
type Store interface {
	Append(ctx context.Context, events []*types.Event) error
	Scan(ctx context.Context, subjectID uuid.UUID, typeFilter []types.EventType, start, end time.Time, limit int) ([]*types.Event, error)
	GeoPoints(ctx context.Context, subjectID uuid.UUID, start, end time.Time, limit int) ([]*types.Event, error)
	Stats(ctx context.Context, subjectID uuid.UUID) (map[types.EventType]TypeStats, error)
	ActiveSubjects(ctx context.Context, since time.Time) ([]uuid.UUID, error)
}

type clickhouseStore struct {
	db  *sql.DB
	log *logger.Logger
	seq atomic.Uint64
}

func NewClickHouseStore(client *clickhousedb.Client, baseLog *logger.Logger) Store {
	s := &clickhouseStore{
		db:  client.DB,
		log: baseLog.With("store", "EventStore"),
	}
	// Seed the arrival counter so scan order survives a restart without a
	// distributed sequencer: equal-timestamp events still sort by arrival.
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s
}

func (s *clickhouseStore) Append(ctx context.Context, events []*types.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin batch: %v", apperr.ErrStoreUnavailable, err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (
			id, subject_id, timestamp, seq, event_type, event_subtype,
			source, lat, lon, accuracy, speed, payload
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: prepare insert: %v", apperr.ErrStoreUnavailable, err)
	}

	for _, ev := range events {
		ev.Seq = s.seq.Add(1)
		payload := "{}"
		if len(ev.Payload) > 0 {
			raw, mErr := json.Marshal(ev.Payload)
			if mErr != nil {
				_ = tx.Rollback()
				return fmt.Errorf("marshal payload for event %s: %w", ev.ID, mErr)
			}
			payload = string(raw)
		}
		if _, err := stmt.ExecContext(ctx,
			ev.ID, ev.SubjectID, ev.Timestamp.UTC(), ev.Seq,
			string(ev.Type), ev.Subtype, string(ev.Source),
			ev.Lat, ev.Lon, ev.Accuracy, ev.Speed, payload,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("%w: insert event: %v", apperr.ErrStoreUnavailable, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit batch: %v", apperr.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *clickhouseStore) Scan(ctx context.Context, subjectID uuid.UUID, typeFilter []types.EventType, start, end time.Time, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 10000
	}

	query := `
		SELECT id, subject_id, timestamp, seq, event_type, event_subtype,
		       source, lat, lon, accuracy, speed, payload
		FROM events
		WHERE subject_id = ?
	`
	args := []any{subjectID}

	// Zero-value bounds mean "open": the query endpoint omits them, the
	// miner always passes a real window.
	if !start.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, start.UTC())
	}
	if !end.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, end.UTC())
	}

	if len(typeFilter) > 0 {
		query += " AND event_type IN ("
		for i, t := range typeFilter {
			if i > 0 {
				query += ", "
			}
			query += "?"
			args = append(args, string(t))
		}
		query += ")"
	}

	query += " ORDER BY timestamp ASC, seq ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan events: %v", apperr.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func (s *clickhouseStore) GeoPoints(ctx context.Context, subjectID uuid.UUID, start, end time.Time, limit int) ([]*types.Event, error) {
	if limit <= 0 {
		limit = 10000
	}
	query := `
		SELECT id, subject_id, timestamp, seq, event_type, event_subtype,
		       source, lat, lon, accuracy, speed, payload
		FROM events
		WHERE subject_id = ?
		  AND lat IS NOT NULL AND lon IS NOT NULL
	`
	args := []any{subjectID}
	if !start.IsZero() {
		query += " AND timestamp >= ?"
		args = append(args, start.UTC())
	}
	if !end.IsZero() {
		query += " AND timestamp < ?"
		args = append(args, end.UTC())
	}
	query += " ORDER BY timestamp ASC, seq ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan geo points: %v", apperr.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func (s *clickhouseStore) Stats(ctx context.Context, subjectID uuid.UUID) (map[types.EventType]TypeStats, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_type, count() AS cnt, min(timestamp) AS first_event, max(timestamp) AS last_event
		FROM events
		WHERE subject_id = ?
		GROUP BY event_type
		ORDER BY cnt DESC
	`, subjectID)
	if err != nil {
		return nil, fmt.Errorf("%w: event stats: %v", apperr.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	stats := map[types.EventType]TypeStats{}
	for rows.Next() {
		var eventType string
		var st TypeStats
		if err := rows.Scan(&eventType, &st.Count, &st.First, &st.Last); err != nil {
			return nil, fmt.Errorf("scan stats row: %w", err)
		}
		stats[types.EventType(eventType)] = st
	}
	return stats, rows.Err()
}

func (s *clickhouseStore) ActiveSubjects(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT subject_id
		FROM events
		WHERE timestamp >= ?
	`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("%w: active subjects: %v", apperr.ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan subject id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanRows(rows *sql.Rows) ([]*types.Event, error) {
	var out []*types.Event
	for rows.Next() {
		var (
			ev      types.Event
			evType  string
			source  string
			payload string
		)
		if err := rows.Scan(
			&ev.ID, &ev.SubjectID, &ev.Timestamp, &ev.Seq, &evType, &ev.Subtype,
			&source, &ev.Lat, &ev.Lon, &ev.Accuracy, &ev.Speed, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		ev.Type = types.EventType(evType)
		ev.Source = types.EventSource(source)
		if payload != "" && payload != "{}" {
			if err := json.Unmarshal([]byte(payload), &ev.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal payload for event %s: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
