package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// InsightChange records why an insight was emitted.
type InsightChange string

const (
	InsightCreated     InsightChange = "created"
	InsightUpdated     InsightChange = "updated"
	InsightDeactivated InsightChange = "deactivated"
)

// Insight is an externally consumable summary of a pattern change. Rows are
// immutable after creation: superseding insights are new rows, so consumers
// can replay history.
type Insight struct {
	ID               uuid.UUID      `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SubjectID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"subject_id"`
	PatternID        uuid.UUID      `gorm:"type:uuid;not null;index" json:"pattern_id"`
	InsightType      string         `gorm:"column:insight_type;not null" json:"insight_type"`
	Title            string         `gorm:"column:title;not null" json:"title"`
	Description      string         `gorm:"column:description" json:"description"`
	Change           InsightChange  `gorm:"column:change;not null" json:"change"`
	EvidenceEventIDs datatypes.JSON `gorm:"column:evidence_event_ids;type:jsonb" json:"evidence_event_ids"`
	EvidenceCount    int            `gorm:"column:evidence_count;not null;default:0" json:"evidence_count"`
	TimeRangeStart   time.Time      `gorm:"column:time_range_start" json:"time_range_start"`
	TimeRangeEnd     time.Time      `gorm:"column:time_range_end" json:"time_range_end"`
	Confidence       float64        `gorm:"column:confidence;not null" json:"confidence"`
	CreatedAt        time.Time      `gorm:"not null;default:now();index" json:"created_at"`
}

func (Insight) TableName() string { return "insight" }
