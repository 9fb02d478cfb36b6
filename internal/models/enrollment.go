package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Enrollment is a user's instance of a course. Its ID doubles as the learner repository name.
type Enrollment struct {
	ID                  uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	UserID              string     `gorm:"size:128;not null;uniqueIndex:idx_enrollment_user_course" json:"user_id"`
	CourseID            uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_enrollment_user_course" json:"course_id"`
	Course              Course     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	CurrentStageID      *uuid.UUID `gorm:"type:uuid" json:"current_stage_id"`
	CurrentStage        *Stage     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:SET NULL" json:"-"`
	CompletedStageCount int        `gorm:"not null;default:0" json:"completed_stage_count"`
	Activated           bool       `gorm:"not null;default:false" json:"activated"`
	StartedAt           time.Time  `json:"started_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// IsCurrentStage reports whether the given stage is the enrollment's current stage.
func (e Enrollment) IsCurrentStage(stageID uuid.UUID) bool {
	return e.CurrentStageID != nil && *e.CurrentStageID == stageID
}

func (e *Enrollment) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}
	return nil
}
