package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/models"
	"github.com/noah-isme/stagerun-api/internal/repository"
	"github.com/noah-isme/stagerun-api/pkg/pipeline"
)

// PushOutcome describes what a push caused.
type PushOutcome string

const (
	PushIgnored   PushOutcome = "ignored"
	PushActivated PushOutcome = "activated"
	PushTriggered PushOutcome = "triggered"
	PushFinished  PushOutcome = "finished"
)

// PushConfig selects which pushes are processed.
type PushConfig struct {
	TemplateOwner string
	MainRef       string
}

// PushService routes learner repository pushes to activation or a test run.
type PushService interface {
	HandlePush(ctx context.Context, event dto.PushEvent) (PushOutcome, error)
	TriggerCurrentStage(ctx context.Context, enrollmentID uuid.UUID) (pipeline.PipelineRun, error)
}

type pushService struct {
	store     repository.ProgressionStore
	pipelines PipelineService
	stages    StageService
	publisher ProgressPublisher
	validator *validator.Validate
	cfg       PushConfig
	logger    zerolog.Logger
}

// NewPushService constructs the push handler service.
func NewPushService(store repository.ProgressionStore, pipelines PipelineService, stages StageService, publisher ProgressPublisher, validate *validator.Validate, cfg PushConfig, logger zerolog.Logger) PushService {
	if cfg.MainRef == "" {
		cfg.MainRef = "refs/heads/main"
	}
	return &pushService{
		store:     store,
		pipelines: pipelines,
		stages:    stages,
		publisher: publisher,
		validator: validate,
		cfg:       cfg,
		logger:    logger.With().Str("component", "push_service").Logger(),
	}
}

func (s *pushService) HandlePush(ctx context.Context, event dto.PushEvent) (PushOutcome, error) {
	if err := s.validator.Struct(event); err != nil {
		return PushIgnored, err
	}

	logger := s.logger.With().
		Str("repository", event.Repository.FullName).
		Str("ref", event.Ref).
		Logger()

	if s.ignored(event) {
		logger.Debug().Msg("push ignored")
		return PushIgnored, nil
	}

	enrollment, err := s.resolve(ctx, event.Repository.Name)
	if err != nil {
		return PushIgnored, err
	}

	if !enrollment.Activated {
		if err := s.activate(ctx, enrollment.ID); err != nil {
			return PushIgnored, err
		}
		logger.Info().Str("enrollment_id", enrollment.ID.String()).Msg("enrollment activated")
		return PushActivated, nil
	}

	if _, err := s.triggerCurrent(ctx, enrollment); err != nil {
		if errors.Is(err, ErrCourseFinished) {
			logger.Info().Str("enrollment_id", enrollment.ID.String()).Msg("course already finished, no run submitted")
			return PushFinished, nil
		}
		return PushIgnored, err
	}

	return PushTriggered, nil
}

// TriggerCurrentStage submits a run for the enrollment's current stage on demand.
func (s *pushService) TriggerCurrentStage(ctx context.Context, enrollmentID uuid.UUID) (pipeline.PipelineRun, error) {
	enrollment, err := s.store.Enrollments().GetByID(ctx, enrollmentID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return pipeline.PipelineRun{}, ErrEnrollmentNotFound
		}
		return pipeline.PipelineRun{}, err
	}
	if !enrollment.Activated {
		return pipeline.PipelineRun{}, ErrEnrollmentNotActivated
	}

	return s.triggerCurrent(ctx, enrollment)
}

func (s *pushService) ignored(event dto.PushEvent) bool {
	repo := event.Repository
	if repo.Template || strings.EqualFold(repo.Owner.Username, s.cfg.TemplateOwner) {
		return true
	}
	return event.Ref != s.cfg.MainRef
}

// resolve maps a repository name to its enrollment. Learner repositories are named after the enrollment id.
func (s *pushService) resolve(ctx context.Context, repoName string) (models.Enrollment, error) {
	id, err := uuid.Parse(strings.TrimSpace(repoName))
	if err != nil {
		return models.Enrollment{}, ErrEnrollmentNotFound
	}

	enrollment, err := s.store.Enrollments().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return models.Enrollment{}, ErrEnrollmentNotFound
		}
		return models.Enrollment{}, err
	}
	return enrollment, nil
}

// activate opens the lowest weighted stage and flags the enrollment as started. No run is submitted.
func (s *pushService) activate(ctx context.Context, enrollmentID uuid.UUID) error {
	var activated models.Enrollment
	var first models.Stage

	err := s.store.Transaction(ctx, func(tx repository.ProgressionStore) error {
		enrollment, err := tx.Enrollments().GetByID(ctx, enrollmentID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrEnrollmentNotFound
			}
			return err
		}
		if enrollment.Activated {
			return ErrStageConflict
		}

		first, err = tx.Courses().FirstStage(ctx, enrollment.CourseID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrStageNotFound
			}
			return err
		}

		progress := models.NewStageProgress(enrollment.ID, first.ID)
		if err := tx.StageProgress().Create(ctx, &progress); err != nil {
			if errors.Is(err, repository.ErrDuplicate) {
				return ErrStageConflict
			}
			return err
		}

		stageID := first.ID
		enrollment.CurrentStageID = &stageID
		enrollment.Activated = true
		if err := tx.Enrollments().Update(ctx, &enrollment); err != nil {
			return err
		}

		activated = enrollment
		return nil
	})
	if errors.Is(err, ErrStageConflict) {
		// A concurrent push activated the enrollment first.
		return nil
	}
	if err != nil {
		return err
	}

	if s.publisher != nil {
		event := dto.StageProgressEvent{
			UserID:       activated.UserID,
			EnrollmentID: activated.ID,
			Course:       activated.Course.Slug,
			Stage:        first.Slug,
			Status:       models.StageStatusInProgress,
			TestResult:   models.TestResultFailed,
			OccurredAt:   time.Now().UTC(),
		}
		if err := s.publisher.Publish(ctx, event); err != nil {
			s.logger.Warn().Err(err).Msg("failed to publish activation event")
		}
	}
	return nil
}

func (s *pushService) triggerCurrent(ctx context.Context, enrollment models.Enrollment) (pipeline.PipelineRun, error) {
	if enrollment.CurrentStageID == nil || enrollment.CurrentStage == nil {
		return pipeline.PipelineRun{}, ErrStageNotFound
	}

	current, err := s.store.StageProgress().Get(ctx, enrollment.ID, *enrollment.CurrentStageID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return pipeline.PipelineRun{}, ErrStageNotFound
		}
		return pipeline.PipelineRun{}, err
	}
	if current.IsCompleted() {
		return pipeline.PipelineRun{}, ErrCourseFinished
	}

	userID := enrollment.UserID
	course := enrollment.Course.Slug
	stage := enrollment.CurrentStage.Slug

	onSuccess := func(ctx context.Context, run string) error {
		_, err := s.stages.Complete(ctx, CompletionRequest{
			UserID: userID,
			Course: course,
			Stage:  stage,
			Source: CompletionSourceWatch,
			Job:    run,
		})
		return err
	}

	return s.pipelines.Trigger(ctx, TriggerRequest{
		Repo:   enrollment.ID.String(),
		Course: course,
		Stage:  stage,
	}, onSuccess)
}
