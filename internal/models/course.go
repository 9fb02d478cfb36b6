package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Course is a read-only course definition supplied by the authoring pipeline.
type Course struct {
	ID         uuid.UUID   `gorm:"type:uuid;primaryKey" json:"id"`
	Slug       string      `gorm:"size:128;uniqueIndex;not null" json:"slug"`
	Name       string      `gorm:"size:255;not null" json:"name"`
	Repository string      `gorm:"size:512" json:"repository"`
	StageCount int         `gorm:"default:0" json:"stage_count"`
	Stages     []Stage     `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Extensions []Extension `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// Extension groups optional stages of a course. Its weight orders extensions relative to each other.
type Extension struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID   uuid.UUID `gorm:"type:uuid;not null;uniqueIndex:idx_extension_course_slug" json:"course_id"`
	Slug       string    `gorm:"size:128;not null;uniqueIndex:idx_extension_course_slug" json:"slug"`
	Name       string    `gorm:"size:255" json:"name"`
	Weight     int       `gorm:"default:0" json:"weight"`
	StageCount int       `gorm:"default:0" json:"stage_count"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Stage is one step of a course. Weight totally orders the stages of a course;
// extension stages live in coarser buckets (1000, 2000, ...) so they sort after the base stages.
type Stage struct {
	ID          uuid.UUID  `gorm:"type:uuid;primaryKey" json:"id"`
	CourseID    uuid.UUID  `gorm:"type:uuid;not null;uniqueIndex:idx_stage_course_slug;index:idx_stage_course_weight" json:"course_id"`
	ExtensionID *uuid.UUID `gorm:"type:uuid" json:"extension_id"`
	Extension   *Extension `gorm:"constraint:OnUpdate:CASCADE,OnDelete:CASCADE" json:"-"`
	Slug        string     `gorm:"size:128;not null;uniqueIndex:idx_stage_course_slug" json:"slug"`
	Name        string     `gorm:"size:255;not null" json:"name"`
	Difficulty  string     `gorm:"size:32" json:"difficulty"`
	Weight      int        `gorm:"not null;default:0;index:idx_stage_course_weight" json:"weight"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ExtensionSlug returns the slug of the owning extension, or an empty string for base stages.
func (s Stage) ExtensionSlug() string {
	if s.Extension == nil {
		return ""
	}
	return s.Extension.Slug
}

func (c *Course) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}

func (e *Extension) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

func (s *Stage) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}
