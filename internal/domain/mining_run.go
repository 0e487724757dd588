package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	MiningRunRunning   = "running"
	MiningRunSucceeded = "succeeded"
	MiningRunFailed    = "failed"
	MiningRunSkipped   = "skipped"
)

// MiningRun is the per-subject job record for one mining cycle. The latest
// row per subject is the durable resume point after a restart; scheduling
// never depends on process-lifetime timers alone.
type MiningRun struct {
	ID          uuid.UUID  `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	SubjectID   uuid.UUID  `gorm:"type:uuid;not null;index" json:"subject_id"`
	Status      string     `gorm:"column:status;not null;index" json:"status"`
	WindowStart time.Time  `gorm:"column:window_start;not null" json:"window_start"`
	WindowEnd   time.Time  `gorm:"column:window_end;not null" json:"window_end"`
	StartedAt   time.Time  `gorm:"column:started_at;not null;index" json:"started_at"`
	FinishedAt  *time.Time `gorm:"column:finished_at" json:"finished_at,omitempty"`

	EventsScanned       int    `gorm:"column:events_scanned;not null;default:0" json:"events_scanned"`
	ClustersFound       int    `gorm:"column:clusters_found;not null;default:0" json:"clusters_found"`
	CandidatesDetected  int    `gorm:"column:candidates_detected;not null;default:0" json:"candidates_detected"`
	PatternsCreated     int    `gorm:"column:patterns_created;not null;default:0" json:"patterns_created"`
	PatternsUpdated     int    `gorm:"column:patterns_updated;not null;default:0" json:"patterns_updated"`
	PatternsDeactivated int    `gorm:"column:patterns_deactivated;not null;default:0" json:"patterns_deactivated"`
	InsightsEmitted     int    `gorm:"column:insights_emitted;not null;default:0" json:"insights_emitted"`
	Error               string `gorm:"column:error" json:"error,omitempty"`

	CreatedAt time.Time `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null;default:now()" json:"updated_at"`
}

func (MiningRun) TableName() string { return "mining_run" }
