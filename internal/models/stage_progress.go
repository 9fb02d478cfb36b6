package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// StageProgressStatus enumerates the lifecycle of a user stage.
const (
	StageStatusInProgress = "in_progress"
	StageStatusCompleted  = "completed"
)

// TestResult enumerates the outcome of the latest test run for a user stage.
const (
	TestResultFailed = "failed"
	TestResultPassed = "passed"
)

// StageProgress is a user's instance of a stage, scoped to one enrollment.
type StageProgress struct {
	ID           uuid.UUID         `gorm:"type:uuid;primaryKey" json:"id"`
	EnrollmentID uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_progress_enrollment_stage" json:"enrollment_id"`
	Enrollment   Enrollment        `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	StageID      uuid.UUID         `gorm:"type:uuid;not null;uniqueIndex:idx_progress_enrollment_stage" json:"stage_id"`
	Stage        Stage             `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Status       string            `gorm:"size:32;not null;index" json:"status"`
	TestResult   string            `gorm:"size:32;not null" json:"test_result"`
	Report       datatypes.JSONMap `json:"report"`
	StartedAt    time.Time         `gorm:"not null" json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// TableName pins the table name; "progress" has no useful plural.
func (StageProgress) TableName() string {
	return "stage_progress"
}

// NewStageProgress builds an in-progress record for the given enrollment and stage.
func NewStageProgress(enrollmentID, stageID uuid.UUID) StageProgress {
	return StageProgress{
		ID:           uuid.New(),
		EnrollmentID: enrollmentID,
		StageID:      stageID,
		Status:       StageStatusInProgress,
		TestResult:   TestResultFailed,
		StartedAt:    time.Now().UTC(),
	}
}

// IsCompleted reports whether the stage has been completed.
func (p StageProgress) IsCompleted() bool {
	return p.Status == StageStatusCompleted
}

// IsInProgress reports whether the stage is the active one for its enrollment.
func (p StageProgress) IsInProgress() bool {
	return p.Status == StageStatusInProgress
}

func (p *StageProgress) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.StartedAt.IsZero() {
		p.StartedAt = time.Now().UTC()
	}
	return nil
}

// ProgressionModels lists the tables owned by the progression core, in migration order.
func ProgressionModels() []interface{} {
	return []interface{}{&Course{}, &Extension{}, &Stage{}, &Enrollment{}, &StageProgress{}}
}
