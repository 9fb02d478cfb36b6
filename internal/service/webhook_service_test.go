package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/models"
	"github.com/noah-isme/stagerun-api/internal/repository"
	"github.com/noah-isme/stagerun-api/pkg/pipeline"
	"github.com/noah-isme/stagerun-api/pkg/signature"
)

const webhookSecret = "k"

func newTestWebhookService(t *testing.T, db *gorm.DB) WebhookService {
	t.Helper()
	store := repository.NewProgressionStore(db)
	svc, err := NewWebhookService(store, NewStageService(store, nil, zerolog.Nop()), signature.NewSigner(webhookSecret), validator.New(), zerolog.Nop())
	require.NoError(t, err)
	return svc
}

func notificationBody(t *testing.T, repo, course, stage, status, testStatus, reason string) []byte {
	t.Helper()
	body, err := json.Marshal(dto.PipelineNotification{
		Name:   "run-1",
		Status: status,
		Repo:   repo,
		Course: course,
		Stage:  stage,
		Secret: signature.NewSigner(webhookSecret).SignJob(repo, course, stage),
		Tasks:  dto.PipelineTasks{Test: dto.TaskResult{Status: testStatus, Reason: reason}},
	})
	require.NoError(t, err)
	return body
}

func TestWebhookCompletesStageOnce(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	svc := newTestWebhookService(t, db)
	body := notificationBody(t, enrollment.ID.String(), "redis", "bind-port", "Succeeded", "Succeeded", "")

	outcome, err := svc.HandlePipelineNotification(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, NotificationCompleted, outcome)

	outcome, err = svc.HandlePipelineNotification(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, NotificationDuplicate, outcome)

	updated := loadEnrollment(t, db, enrollment.ID)
	require.Equal(t, 1, updated.CompletedStageCount)
	require.Equal(t, fixture.stage("respond").ID, *updated.CurrentStageID)
}

func TestWebhookRejectsForgedSignature(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	svc := newTestWebhookService(t, db)

	var notification dto.PipelineNotification
	require.NoError(t, json.Unmarshal(notificationBody(t, enrollment.ID.String(), "redis", "bind-port", "Succeeded", "Succeeded", ""), &notification))

	// The signature covers bind-port; claiming a later stage must fail.
	notification.Stage = "respond"
	forged, err := json.Marshal(notification)
	require.NoError(t, err)

	_, err = svc.HandlePipelineNotification(context.Background(), forged)
	require.ErrorIs(t, err, ErrInvalidSignature)
	require.Equal(t, 0, loadEnrollment(t, db, enrollment.ID).CompletedStageCount)
}

func TestWebhookIgnoresNonTerminalNotifications(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	svc := newTestWebhookService(t, db)
	repo := enrollment.ID.String()

	for _, body := range [][]byte{
		notificationBody(t, repo, "redis", "bind-port", "Running", "Succeeded", ""),
		notificationBody(t, repo, "redis", "bind-port", "Succeeded", "Skipped", ""),
		notificationBody(t, repo, "redis", "bind-port", "Succeeded", "", ""),
	} {
		outcome, err := svc.HandlePipelineNotification(context.Background(), body)
		require.NoError(t, err)
		require.Equal(t, NotificationIgnored, outcome)
	}

	require.Equal(t, 0, loadEnrollment(t, db, enrollment.ID).CompletedStageCount)
}

func TestWebhookRecordsSanitizedFailure(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	svc := newTestWebhookService(t, db)

	body := notificationBody(t, enrollment.ID.String(), "redis", "bind-port", "Succeeded", "Failed", "<script>x()</script>expected PONG")
	outcome, err := svc.HandlePipelineNotification(context.Background(), body)
	require.NoError(t, err)
	require.Equal(t, NotificationFailed, outcome)

	var progress models.StageProgress
	require.NoError(t, db.Where("enrollment_id = ? AND stage_id = ?", enrollment.ID, fixture.stage("bind-port").ID).First(&progress).Error)
	require.Equal(t, models.StageStatusInProgress, progress.Status)
	require.Equal(t, models.TestResultFailed, progress.TestResult)
	require.Equal(t, "expected PONG", progress.Report["reason"])
}

func TestWebhookRejectsMalformedAndUnknown(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	svc := newTestWebhookService(t, db)

	_, err := svc.HandlePipelineNotification(context.Background(), []byte(`{"name": "run-1"}`))
	require.ErrorIs(t, err, ErrInvalidNotification)

	_, err = svc.HandlePipelineNotification(context.Background(), []byte(`not json`))
	require.ErrorIs(t, err, ErrInvalidNotification)

	_, err = svc.HandlePipelineNotification(context.Background(), notificationBody(t, "not-a-uuid", "redis", "bind-port", "Succeeded", "Succeeded", ""))
	require.ErrorIs(t, err, ErrEnrollmentNotFound)

	_, err = svc.HandlePipelineNotification(context.Background(), notificationBody(t, enrollment.ID.String(), "git", "bind-port", "Succeeded", "Succeeded", ""))
	require.ErrorIs(t, err, ErrEnrollmentNotFound)
}

func TestWatchAndWebhookConvergeOnOneCompletion(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	store := repository.NewProgressionStore(db)
	stages := NewStageService(store, nil, zerolog.Nop())
	webhooks := newTestWebhookService(t, db)

	platform := &fakePlatform{script: []scriptedStatus{succeeded()}}
	pipelines := NewPipelineService(store.Courses(), platform, signature.NewSigner(webhookSecret), PipelineConfig{
		Render:        testRenderConfig,
		WatchInterval: 5 * time.Millisecond,
	}, zerolog.Nop())
	push := NewPushService(store, pipelines, stages, nil, validator.New(), PushConfig{TemplateOwner: "stackclass-templates"}, zerolog.Nop())

	run, err := push.TriggerCurrentStage(context.Background(), enrollment.ID)
	require.NoError(t, err)

	// The webhook carries the signature rendered into the run.
	body, err := json.Marshal(dto.PipelineNotification{
		Name:   run.Name(),
		Status: "Succeeded",
		Repo:   run.Param(pipeline.ParamRepo),
		Course: run.Param(pipeline.ParamCourse),
		Stage:  run.Param(pipeline.ParamStage),
		Secret: run.Param(pipeline.ParamSecret),
		Tasks:  dto.PipelineTasks{Test: dto.TaskResult{Status: "Succeeded"}},
	})
	require.NoError(t, err)

	outcome, err := webhooks.HandlePipelineNotification(context.Background(), body)
	require.NoError(t, err)
	require.Contains(t, []NotificationOutcome{NotificationCompleted, NotificationDuplicate}, outcome)

	require.Eventually(t, func() bool {
		return len(platform.releasedRuns()) > 0
	}, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, pipelines.Shutdown(ctx))

	updated := loadEnrollment(t, db, enrollment.ID)
	require.Equal(t, 1, updated.CompletedStageCount)
	require.Equal(t, fixture.stage("respond").ID, *updated.CurrentStageID)
	require.Len(t, progressByStatus(t, db, enrollment.ID, models.StageStatusCompleted), 1)
}
