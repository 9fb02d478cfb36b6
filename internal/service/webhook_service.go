package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/repository"
	"github.com/noah-isme/stagerun-api/pkg/signature"
)

// NotificationOutcome describes what a job notification caused.
type NotificationOutcome string

const (
	NotificationCompleted NotificationOutcome = "completed"
	NotificationFailed    NotificationOutcome = "failure_recorded"
	NotificationIgnored   NotificationOutcome = "ignored"
	NotificationDuplicate NotificationOutcome = "duplicate"
)

const maxReasonLength = 2000

const pipelineNotificationSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "status", "repo", "course", "stage", "secret"],
  "properties": {
    "name":   {"type": "string", "minLength": 1},
    "status": {"type": "string"},
    "repo":   {"type": "string", "minLength": 1},
    "course": {"type": "string", "minLength": 1},
    "stage":  {"type": "string", "minLength": 1},
    "secret": {"type": "string", "minLength": 1},
    "tasks": {
      "type": "object",
      "properties": {
        "test": {
          "type": "object",
          "properties": {
            "status": {"type": "string"},
            "reason": {"type": "string"}
          }
        }
      }
    }
  }
}`

// ErrInvalidNotification indicates a malformed job notification body.
var ErrInvalidNotification = errors.New("invalid pipeline notification")

// WebhookService applies verified job notifications to stage progress.
type WebhookService interface {
	HandlePipelineNotification(ctx context.Context, body []byte) (NotificationOutcome, error)
}

type webhookService struct {
	store     repository.ProgressionStore
	stages    StageService
	signer    signature.Signer
	validator *validator.Validate
	schema    *jsonschema.Schema
	sanitizer *bluemonday.Policy
	logger    zerolog.Logger
}

// NewWebhookService constructs the job notification handler.
func NewWebhookService(store repository.ProgressionStore, stages StageService, signer signature.Signer, validate *validator.Validate, logger zerolog.Logger) (WebhookService, error) {
	schema, err := jsonschema.CompileString("pipeline_notification.json", pipelineNotificationSchema)
	if err != nil {
		return nil, fmt.Errorf("compile notification schema: %w", err)
	}

	return &webhookService{
		store:     store,
		stages:    stages,
		signer:    signer,
		validator: validate,
		schema:    schema,
		sanitizer: bluemonday.StrictPolicy(),
		logger:    logger.With().Str("component", "webhook_service").Logger(),
	}, nil
}

func (s *webhookService) HandlePipelineNotification(ctx context.Context, body []byte) (NotificationOutcome, error) {
	notification, err := s.decode(body)
	if err != nil {
		return NotificationIgnored, err
	}

	logger := s.logger.With().
		Str("run", notification.Name).
		Str("repo", notification.Repo).
		Str("course", notification.Course).
		Str("stage", notification.Stage).
		Logger()

	if !s.signer.VerifyJob(notification.Repo, notification.Course, notification.Stage, notification.Secret) {
		logger.Warn().Bool("potential_forgery", true).Msg("rejected pipeline notification with invalid signature")
		return NotificationIgnored, ErrInvalidSignature
	}

	if notification.Status != dto.JobStatusSucceeded {
		logger.Info().Str("status", notification.Status).Msg("ignoring unfinished pipeline notification")
		return NotificationIgnored, nil
	}

	testStatus := notification.Tasks.Test.Status
	if testStatus != dto.JobStatusSucceeded && testStatus != dto.JobStatusFailed {
		logger.Info().Str("test_status", testStatus).Msg("ignoring pipeline notification without test verdict")
		return NotificationIgnored, nil
	}

	userID, err := s.owner(ctx, notification.Repo, notification.Course)
	if err != nil {
		return NotificationIgnored, err
	}

	reason := s.sanitize(notification.Tasks.Test.Reason)

	if testStatus == dto.JobStatusFailed {
		_, err := s.stages.RecordFailure(ctx, FailureRequest{
			UserID: userID,
			Course: notification.Course,
			Stage:  notification.Stage,
			Job:    notification.Name,
			Reason: reason,
		})
		if err != nil {
			if IsOrderingViolation(err) {
				logger.Info().Err(err).Msg("failure notification for a stage that is no longer active")
				return NotificationDuplicate, nil
			}
			return NotificationIgnored, err
		}
		return NotificationFailed, nil
	}

	_, err = s.stages.Complete(ctx, CompletionRequest{
		UserID: userID,
		Course: notification.Course,
		Stage:  notification.Stage,
		Source: CompletionSourceWebhook,
		Job:    notification.Name,
		Reason: reason,
	})
	if err != nil {
		if IsOrderingViolation(err) {
			logger.Info().Err(err).Msg("completion already handled")
			return NotificationDuplicate, nil
		}
		return NotificationIgnored, err
	}

	return NotificationCompleted, nil
}

func (s *webhookService) decode(body []byte) (dto.PipelineNotification, error) {
	var raw interface{}
	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.UseNumber()
	if err := decoder.Decode(&raw); err != nil {
		return dto.PipelineNotification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := s.schema.Validate(raw); err != nil {
		return dto.PipelineNotification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}

	var notification dto.PipelineNotification
	if err := json.Unmarshal(body, &notification); err != nil {
		return dto.PipelineNotification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	if err := s.validator.Struct(notification); err != nil {
		return dto.PipelineNotification{}, fmt.Errorf("%w: %v", ErrInvalidNotification, err)
	}
	return notification, nil
}

// owner returns the user enrolled through repo, checking the enrollment belongs to course.
func (s *webhookService) owner(ctx context.Context, repo, course string) (string, error) {
	id, err := uuid.Parse(repo)
	if err != nil {
		return "", ErrEnrollmentNotFound
	}

	enrollment, err := s.store.Enrollments().GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrEnrollmentNotFound
		}
		return "", err
	}
	if enrollment.Course.Slug != course {
		return "", ErrEnrollmentNotFound
	}
	return enrollment.UserID, nil
}

func (s *webhookService) sanitize(reason string) string {
	clean := strings.TrimSpace(s.sanitizer.Sanitize(reason))
	if len(clean) > maxReasonLength {
		clean = clean[:maxReasonLength]
	}
	return clean
}
