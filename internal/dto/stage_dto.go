package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/noah-isme/stagerun-api/internal/models"
)

// StageResponse describes a stage definition.
type StageResponse struct {
	ID         uuid.UUID `json:"id"`
	Slug       string    `json:"slug"`
	Name       string    `json:"name"`
	Difficulty string    `json:"difficulty"`
	Weight     int       `json:"weight"`
	Extension  string    `json:"extension,omitempty"`
}

// NewStageResponse converts a stage model into a DTO.
func NewStageResponse(stage models.Stage) StageResponse {
	return StageResponse{
		ID:         stage.ID,
		Slug:       stage.Slug,
		Name:       stage.Name,
		Difficulty: stage.Difficulty,
		Weight:     stage.Weight,
		Extension:  stage.ExtensionSlug(),
	}
}

// UserStageResponse describes a user's progress on one stage.
type UserStageResponse struct {
	ID           uuid.UUID              `json:"id"`
	EnrollmentID uuid.UUID              `json:"enrollment_id"`
	Stage        StageResponse          `json:"stage"`
	Status       string                 `json:"status"`
	TestResult   string                 `json:"test_result"`
	Report       map[string]interface{} `json:"report,omitempty"`
	StartedAt    time.Time              `json:"started_at"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// NewUserStageResponse converts a progress record into a DTO.
func NewUserStageResponse(progress models.StageProgress) UserStageResponse {
	return UserStageResponse{
		ID:           progress.ID,
		EnrollmentID: progress.EnrollmentID,
		Stage:        NewStageResponse(progress.Stage),
		Status:       progress.Status,
		TestResult:   progress.TestResult,
		Report:       progress.Report,
		StartedAt:    progress.StartedAt,
		CompletedAt:  progress.CompletedAt,
	}
}

// NewUserStageResponseSlice converts progress records into DTOs.
func NewUserStageResponseSlice(progresses []models.StageProgress) []UserStageResponse {
	out := make([]UserStageResponse, 0, len(progresses))
	for _, progress := range progresses {
		out = append(out, NewUserStageResponse(progress))
	}
	return out
}

// UserStageStatusResponse is the compact status streamed to learners.
type UserStageStatusResponse struct {
	Status     string `json:"status"`
	TestResult string `json:"test_result"`
}

// EnrollmentResponse describes a user's enrollment in a course.
type EnrollmentResponse struct {
	ID                  uuid.UUID `json:"id"`
	UserID              string    `json:"user_id"`
	Course              string    `json:"course"`
	CurrentStage        string    `json:"current_stage,omitempty"`
	CompletedStageCount int       `json:"completed_stage_count"`
	StageCount          int       `json:"stage_count"`
	Activated           bool      `json:"activated"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// NewEnrollmentResponse converts an enrollment into a DTO.
func NewEnrollmentResponse(enrollment models.Enrollment) EnrollmentResponse {
	response := EnrollmentResponse{
		ID:                  enrollment.ID,
		UserID:              enrollment.UserID,
		Course:              enrollment.Course.Slug,
		CompletedStageCount: enrollment.CompletedStageCount,
		StageCount:          enrollment.Course.StageCount,
		Activated:           enrollment.Activated,
		StartedAt:           enrollment.StartedAt,
		UpdatedAt:           enrollment.UpdatedAt,
	}
	if enrollment.CurrentStage != nil {
		response.CurrentStage = enrollment.CurrentStage.Slug
	}
	return response
}

// StageProgressEvent is fanned out to learners when a stage changes state.
type StageProgressEvent struct {
	UserID       string    `json:"user_id"`
	EnrollmentID uuid.UUID `json:"enrollment_id"`
	Course       string    `json:"course"`
	Stage        string    `json:"stage"`
	NextStage    string    `json:"next_stage,omitempty"`
	Status       string    `json:"status"`
	TestResult   string    `json:"test_result"`
	Reason       string    `json:"reason,omitempty"`
	OccurredAt   time.Time `json:"occurred_at"`
}

// PipelineTriggerResponse is returned when a run is submitted on demand.
type PipelineTriggerResponse struct {
	Name   string `json:"name"`
	Repo   string `json:"repo"`
	Course string `json:"course"`
	Stage  string `json:"stage"`
}
