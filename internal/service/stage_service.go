package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/datatypes"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/models"
	"github.com/noah-isme/stagerun-api/internal/observability"
	"github.com/noah-isme/stagerun-api/internal/repository"
)

// Completion sources recorded on the report and in metrics.
const (
	CompletionSourceWatch   = "watch"
	CompletionSourceWebhook = "webhook"
)

// CompletionRequest identifies the stage a verified job result completes.
type CompletionRequest struct {
	UserID string
	Course string
	Stage  string
	Source string
	Job    string
	Reason string
}

// FailureRequest identifies the stage a verified failed job result applies to.
type FailureRequest struct {
	UserID string
	Course string
	Stage  string
	Job    string
	Reason string
}

// StageService owns stage progression for enrolled users.
type StageService interface {
	Complete(ctx context.Context, req CompletionRequest) (models.StageProgress, error)
	RecordFailure(ctx context.Context, req FailureRequest) (models.StageProgress, error)
	ListUserStages(ctx context.Context, userID, course string) ([]dto.UserStageResponse, error)
	GetUserStage(ctx context.Context, userID, course, stage string) (dto.UserStageResponse, error)
	GetEnrollment(ctx context.Context, userID, course string) (dto.EnrollmentResponse, error)
	StageStatus(ctx context.Context, userID, course, stage string) (dto.UserStageStatusResponse, error)
}

type stageService struct {
	store     repository.ProgressionStore
	publisher ProgressPublisher
	logger    zerolog.Logger
	now       func() time.Time
}

// NewStageService builds the stage progression service. publisher may be nil.
func NewStageService(store repository.ProgressionStore, publisher ProgressPublisher, logger zerolog.Logger) StageService {
	return &stageService{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "stage_service").Logger(),
		now:       time.Now,
	}
}

// Complete marks the user's current stage as passed and opens the next stage by weight.
// Checks run in a fixed order inside one transaction: the stage must exist, must not already
// be completed, must be in progress and must be the enrollment's current stage. Nothing is
// written when any check or write fails.
func (s *stageService) Complete(ctx context.Context, req CompletionRequest) (models.StageProgress, error) {
	source := req.Source
	if source == "" {
		source = CompletionSourceWebhook
	}

	var (
		completed models.StageProgress
		enrolled  models.Enrollment
		nextSlug  string
	)

	err := s.store.Transaction(ctx, func(tx repository.ProgressionStore) error {
		enrollment, err := tx.Enrollments().GetByUserCourse(ctx, req.UserID, req.Course)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrEnrollmentNotFound
			}
			return err
		}

		progress, err := tx.StageProgress().GetBySlug(ctx, req.UserID, req.Course, req.Stage)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrStageNotFound
			}
			return err
		}

		switch {
		case progress.IsCompleted():
			return ErrStageAlreadyCompleted
		case !progress.IsInProgress():
			return ErrStageNotInProgress
		case !enrollment.IsCurrentStage(progress.StageID):
			return ErrStageOutOfOrder
		}

		report := datatypes.JSONMap{"source": source}
		if req.Job != "" {
			report["job"] = req.Job
		}
		if req.Reason != "" {
			report["reason"] = req.Reason
		}

		if err := tx.StageProgress().MarkCompleted(ctx, &progress, s.now().UTC(), report); err != nil {
			if errors.Is(err, repository.ErrStale) {
				return ErrStageAlreadyCompleted
			}
			return err
		}

		next, err := tx.Courses().NextStage(ctx, enrollment.CourseID, progress.Stage.Weight)
		switch {
		case err == nil:
			nextProgress := models.NewStageProgress(enrollment.ID, next.ID)
			if err := tx.StageProgress().Create(ctx, &nextProgress); err != nil {
				if errors.Is(err, repository.ErrDuplicate) {
					return ErrStageConflict
				}
				return err
			}
			nextID := next.ID
			enrollment.CurrentStageID = &nextID
			nextSlug = next.Slug
		case errors.Is(err, repository.ErrNotFound):
			// Last stage: the course is finished and the current stage stays put.
		default:
			return err
		}

		enrollment.CompletedStageCount++
		if err := tx.Enrollments().Update(ctx, &enrollment); err != nil {
			return err
		}

		completed = progress
		enrolled = enrollment
		return nil
	})
	if err != nil {
		observability.StageCompletions().WithLabelValues(source, completionResult(err)).Inc()
		return models.StageProgress{}, err
	}

	observability.StageCompletions().WithLabelValues(source, "completed").Inc()
	s.logger.Info().
		Str("user_id", req.UserID).
		Str("course", req.Course).
		Str("stage", req.Stage).
		Str("next_stage", nextSlug).
		Str("source", source).
		Int("completed_stage_count", enrolled.CompletedStageCount).
		Msg("stage completed")

	s.publish(ctx, dto.StageProgressEvent{
		UserID:       req.UserID,
		EnrollmentID: enrolled.ID,
		Course:       req.Course,
		Stage:        req.Stage,
		NextStage:    nextSlug,
		Status:       completed.Status,
		TestResult:   completed.TestResult,
	})

	return completed, nil
}

// RecordFailure stores a failed test result on the in-progress stage. The status is unchanged.
func (s *stageService) RecordFailure(ctx context.Context, req FailureRequest) (models.StageProgress, error) {
	var recorded models.StageProgress

	err := s.store.Transaction(ctx, func(tx repository.ProgressionStore) error {
		progress, err := tx.StageProgress().GetBySlug(ctx, req.UserID, req.Course, req.Stage)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrStageNotFound
			}
			return err
		}

		if progress.IsCompleted() {
			return ErrStageAlreadyCompleted
		}
		if !progress.IsInProgress() {
			return ErrStageNotInProgress
		}

		report := datatypes.JSONMap{"source": CompletionSourceWebhook}
		if req.Job != "" {
			report["job"] = req.Job
		}
		if reason := strings.TrimSpace(req.Reason); reason != "" {
			report["reason"] = reason
		}

		if err := tx.StageProgress().RecordFailure(ctx, &progress, report); err != nil {
			if errors.Is(err, repository.ErrStale) {
				return ErrStageAlreadyCompleted
			}
			return err
		}

		recorded = progress
		return nil
	})
	if err != nil {
		return models.StageProgress{}, err
	}

	s.publish(ctx, dto.StageProgressEvent{
		UserID:       req.UserID,
		EnrollmentID: recorded.EnrollmentID,
		Course:       req.Course,
		Stage:        req.Stage,
		Status:       recorded.Status,
		TestResult:   recorded.TestResult,
		Reason:       strings.TrimSpace(req.Reason),
	})

	return recorded, nil
}

func (s *stageService) ListUserStages(ctx context.Context, userID, course string) ([]dto.UserStageResponse, error) {
	enrollment, err := s.store.Enrollments().GetByUserCourse(ctx, userID, course)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrEnrollmentNotFound
		}
		return nil, err
	}

	progresses, err := s.store.StageProgress().ListByEnrollment(ctx, enrollment.ID)
	if err != nil {
		return nil, err
	}

	return dto.NewUserStageResponseSlice(progresses), nil
}

func (s *stageService) GetUserStage(ctx context.Context, userID, course, stage string) (dto.UserStageResponse, error) {
	progress, err := s.store.StageProgress().GetBySlug(ctx, userID, course, stage)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return dto.UserStageResponse{}, ErrStageNotFound
		}
		return dto.UserStageResponse{}, err
	}

	return dto.NewUserStageResponse(progress), nil
}

func (s *stageService) GetEnrollment(ctx context.Context, userID, course string) (dto.EnrollmentResponse, error) {
	enrollment, err := s.store.Enrollments().GetByUserCourse(ctx, userID, course)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return dto.EnrollmentResponse{}, ErrEnrollmentNotFound
		}
		return dto.EnrollmentResponse{}, err
	}

	return dto.NewEnrollmentResponse(enrollment), nil
}

func (s *stageService) StageStatus(ctx context.Context, userID, course, stage string) (dto.UserStageStatusResponse, error) {
	progress, err := s.store.StageProgress().GetBySlug(ctx, userID, course, stage)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return dto.UserStageStatusResponse{}, ErrStageNotFound
		}
		return dto.UserStageStatusResponse{}, err
	}

	return dto.UserStageStatusResponse{Status: progress.Status, TestResult: progress.TestResult}, nil
}

func (s *stageService) publish(ctx context.Context, event dto.StageProgressEvent) {
	if s.publisher == nil {
		return
	}
	event.OccurredAt = s.now().UTC()
	if err := s.publisher.Publish(ctx, event); err != nil {
		s.logger.Warn().Err(err).Str("user_id", event.UserID).Msg("failed to publish progress event")
	}
}

func completionResult(err error) string {
	switch {
	case errors.Is(err, ErrStageAlreadyCompleted):
		return "already_completed"
	case errors.Is(err, ErrStageNotInProgress):
		return "not_in_progress"
	case errors.Is(err, ErrStageOutOfOrder):
		return "out_of_order"
	case errors.Is(err, ErrStageConflict):
		return "conflict"
	case errors.Is(err, ErrEnrollmentNotFound), errors.Is(err, ErrStageNotFound):
		return "not_found"
	default:
		return "error"
	}
}
