package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// PatternType enumerates the kinds of recurring behavior the miner detects.
type PatternType string

const (
	PatternLocationCluster PatternType = "location_cluster"
	PatternRoutine         PatternType = "routine"
	PatternHabit           PatternType = "habit"
)

// Pattern is the durable record of a recurring behavior. Exactly one active
// row exists per (subject_id, pattern_type, normalized_name); re-detection
// updates the row in place and disappearing evidence deactivates it, never
// deletes it.
type Pattern struct {
	ID             uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SubjectID      uuid.UUID      `gorm:"type:uuid;not null;index:idx_pattern_subject" json:"subject_id"`
	PatternType    PatternType    `gorm:"column:pattern_type;not null;index" json:"pattern_type"`
	Name           string         `gorm:"column:name;not null" json:"name"`
	NormalizedName string         `gorm:"column:normalized_name;not null;index:idx_pattern_key" json:"-"`
	Confidence     float64        `gorm:"column:confidence;not null" json:"confidence"`
	Data           datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
	FirstSeen      time.Time      `gorm:"column:first_seen;not null" json:"first_seen"`
	LastSeen       time.Time      `gorm:"column:last_seen;not null;index" json:"last_seen"`
	Occurrences    int            `gorm:"column:occurrences;not null;default:1" json:"occurrences"`
	IsActive       bool           `gorm:"column:is_active;not null;default:true;index" json:"is_active"`

	// Projector snapshot: last confidence/occurrences an insight was emitted
	// for. Suppresses no-op re-projection of an unchanged pattern.
	LastProjectedConfidence  *float64 `gorm:"column:last_projected_confidence" json:"-"`
	LastProjectedOccurrences *int     `gorm:"column:last_projected_occurrences" json:"-"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (Pattern) TableName() string { return "pattern" }

// PatternData is the structured descriptor stored in the pattern's data
// column: cluster geometry for location patterns, time-of-day shape for
// routines and habits.
type PatternData struct {
	CenterLat *float64 `json:"center_lat,omitempty"`
	CenterLon *float64 `json:"center_lon,omitempty"`
	RadiusM   *float64 `json:"radius_m,omitempty"`
	Stability *float64 `json:"stability,omitempty"`

	HourStart *int   `json:"hour_start,omitempty"`
	HourEnd   *int   `json:"hour_end,omitempty"`
	DayScope  string `json:"day_scope,omitempty"`
	DayOfWeek *int   `json:"day_of_week,omitempty"`

	EventType string `json:"event_type,omitempty"`
	Subtype   string `json:"subtype,omitempty"`

	VisitCount    int            `json:"visit_count,omitempty"`
	HourHistogram map[string]int `json:"hour_histogram,omitempty"`
}

// NormalizeName builds the case- and whitespace-insensitive match key the
// reconciler looks patterns up by.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), " ")
}
