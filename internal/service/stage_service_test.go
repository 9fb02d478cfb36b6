package service

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/noah-isme/stagerun-api/internal/models"
)

func TestCompleteAdvancesToNextStage(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	publisher := &recordingPublisher{}
	svc := newTestStageService(db, publisher)

	progress, err := svc.Complete(context.Background(), CompletionRequest{UserID: "user-1", Course: "redis", Stage: "bind-port", Source: CompletionSourceWatch, Job: "run-1"})
	require.NoError(t, err)
	require.Equal(t, models.StageStatusCompleted, progress.Status)
	require.Equal(t, models.TestResultPassed, progress.TestResult)
	require.NotNil(t, progress.CompletedAt)
	require.Equal(t, "watch", progress.Report["source"])
	require.Equal(t, "run-1", progress.Report["job"])

	updated := loadEnrollment(t, db, enrollment.ID)
	require.Equal(t, 1, updated.CompletedStageCount)
	require.NotNil(t, updated.CurrentStageID)
	require.Equal(t, fixture.stage("respond").ID, *updated.CurrentStageID)

	inProgress := progressByStatus(t, db, enrollment.ID, models.StageStatusInProgress)
	require.Len(t, inProgress, 1)
	require.Equal(t, "respond", inProgress[0].Stage.Slug)
	require.Equal(t, models.TestResultFailed, inProgress[0].TestResult)

	events := publisher.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "bind-port", events[0].Stage)
	require.Equal(t, "respond", events[0].NextStage)
}

func TestCompleteTwiceAdvancesOnce(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "respond")
	svc := newTestStageService(db, nil)
	req := CompletionRequest{UserID: "user-1", Course: "redis", Stage: "respond"}

	_, err := svc.Complete(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.Complete(context.Background(), req)
	require.ErrorIs(t, err, ErrStageAlreadyCompleted)
	require.True(t, IsOrderingViolation(err))

	updated := loadEnrollment(t, db, enrollment.ID)
	require.Equal(t, 2, updated.CompletedStageCount)
	require.Equal(t, fixture.stage("echo").ID, *updated.CurrentStageID)
	require.Len(t, progressByStatus(t, db, enrollment.ID, models.StageStatusInProgress), 1)
}

func TestCompleteRejectsOutOfOrderStage(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")

	// A stray in-progress record for a later stage must not be completable.
	stray := models.NewStageProgress(enrollment.ID, fixture.stage("echo").ID)
	require.NoError(t, db.Create(&stray).Error)

	svc := newTestStageService(db, nil)
	_, err := svc.Complete(context.Background(), CompletionRequest{UserID: "user-1", Course: "redis", Stage: "echo"})
	require.ErrorIs(t, err, ErrStageOutOfOrder)

	updated := loadEnrollment(t, db, enrollment.ID)
	require.Equal(t, 0, updated.CompletedStageCount)
	require.Equal(t, fixture.stage("bind-port").ID, *updated.CurrentStageID)

	var reloaded models.StageProgress
	require.NoError(t, db.First(&reloaded, "id = ?", stray.ID).Error)
	require.Equal(t, models.StageStatusInProgress, reloaded.Status)
	require.Nil(t, reloaded.CompletedAt)
}

func TestCompleteRejectsStageNotInProgress(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	require.NoError(t, db.Model(&models.StageProgress{}).
		Where("enrollment_id = ? AND stage_id = ?", enrollment.ID, fixture.stage("bind-port").ID).
		Update("status", "pending").Error)

	svc := newTestStageService(db, nil)
	_, err := svc.Complete(context.Background(), CompletionRequest{UserID: "user-1", Course: "redis", Stage: "bind-port"})
	require.ErrorIs(t, err, ErrStageNotInProgress)
}

func TestCompleteUnknownEnrollmentOrStage(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enroll(t, db, fixture, "user-1", "bind-port")
	svc := newTestStageService(db, nil)

	_, err := svc.Complete(context.Background(), CompletionRequest{UserID: "user-2", Course: "redis", Stage: "bind-port"})
	require.ErrorIs(t, err, ErrEnrollmentNotFound)

	_, err = svc.Complete(context.Background(), CompletionRequest{UserID: "user-1", Course: "redis", Stage: "echo"})
	require.ErrorIs(t, err, ErrStageNotFound)
}

func TestCompleteFollowsWeightOrderAcrossExtensions(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "respond")
	svc := newTestStageService(db, nil)
	ctx := context.Background()

	expected := []struct {
		complete string
		next     string
	}{
		{"respond", "echo"},
		{"echo", "rdb-file"},
		{"rdb-file", "rdb-keys"},
	}

	for _, step := range expected {
		_, err := svc.Complete(ctx, CompletionRequest{UserID: "user-1", Course: "redis", Stage: step.complete})
		require.NoError(t, err, step.complete)

		updated := loadEnrollment(t, db, enrollment.ID)
		require.Equal(t, fixture.stage(step.next).ID, *updated.CurrentStageID, "after %s", step.complete)
	}

	// Completing the last stage finishes the course without moving the current stage.
	_, err := svc.Complete(ctx, CompletionRequest{UserID: "user-1", Course: "redis", Stage: "rdb-keys"})
	require.NoError(t, err)

	updated := loadEnrollment(t, db, enrollment.ID)
	require.Equal(t, 5, updated.CompletedStageCount)
	require.Equal(t, fixture.stage("rdb-keys").ID, *updated.CurrentStageID)
	require.Empty(t, progressByStatus(t, db, enrollment.ID, models.StageStatusInProgress))

	_, err = svc.Complete(ctx, CompletionRequest{UserID: "user-1", Course: "redis", Stage: "rdb-keys"})
	require.ErrorIs(t, err, ErrStageAlreadyCompleted)
	require.Equal(t, 5, loadEnrollment(t, db, enrollment.ID).CompletedStageCount)
}

func TestCompleteConflictRollsBack(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")

	existing := models.NewStageProgress(enrollment.ID, fixture.stage("respond").ID)
	existing.Status = models.StageStatusCompleted
	require.NoError(t, db.Create(&existing).Error)

	svc := newTestStageService(db, nil)
	_, err := svc.Complete(context.Background(), CompletionRequest{UserID: "user-1", Course: "redis", Stage: "bind-port"})
	require.ErrorIs(t, err, ErrStageConflict)

	current := progressByStatus(t, db, enrollment.ID, models.StageStatusInProgress)
	require.Len(t, current, 1)
	require.Equal(t, "bind-port", current[0].Stage.Slug)
	require.Nil(t, current[0].CompletedAt)

	updated := loadEnrollment(t, db, enrollment.ID)
	require.Equal(t, 0, updated.CompletedStageCount)
	require.Equal(t, fixture.stage("bind-port").ID, *updated.CurrentStageID)
}

func TestConcurrentCompletionsAdvanceOnce(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	svc := newTestStageService(db, nil)

	sources := []string{CompletionSourceWatch, CompletionSourceWebhook}
	errs := make([]error, len(sources))

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i, source := range sources {
		wg.Add(1)
		go func(i int, source string) {
			defer wg.Done()
			<-start
			_, errs[i] = svc.Complete(context.Background(), CompletionRequest{UserID: "user-1", Course: "redis", Stage: "bind-port", Source: source})
		}(i, source)
	}
	close(start)
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		require.True(t, IsOrderingViolation(err), "unexpected error %v", err)
	}
	require.Equal(t, 1, succeeded)

	completed := progressByStatus(t, db, enrollment.ID, models.StageStatusCompleted)
	require.Len(t, completed, 1)
	inProgress := progressByStatus(t, db, enrollment.ID, models.StageStatusInProgress)
	require.Len(t, inProgress, 1)
	require.Equal(t, "respond", inProgress[0].Stage.Slug)
	require.Equal(t, 1, loadEnrollment(t, db, enrollment.ID).CompletedStageCount)
}

func TestRecordFailureKeepsStageInProgress(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enrollment := enroll(t, db, fixture, "user-1", "bind-port")
	publisher := &recordingPublisher{}
	svc := newTestStageService(db, publisher)

	progress, err := svc.RecordFailure(context.Background(), FailureRequest{UserID: "user-1", Course: "redis", Stage: "bind-port", Job: "run-9", Reason: " port 6379 closed "})
	require.NoError(t, err)
	require.Equal(t, models.StageStatusInProgress, progress.Status)
	require.Equal(t, models.TestResultFailed, progress.TestResult)
	require.Equal(t, "port 6379 closed", progress.Report["reason"])

	require.Equal(t, 0, loadEnrollment(t, db, enrollment.ID).CompletedStageCount)
	events := publisher.snapshot()
	require.Len(t, events, 1)
	require.Equal(t, "port 6379 closed", events[0].Reason)

	_, err = svc.Complete(context.Background(), CompletionRequest{UserID: "user-1", Course: "redis", Stage: "bind-port"})
	require.NoError(t, err)
	_, err = svc.RecordFailure(context.Background(), FailureRequest{UserID: "user-1", Course: "redis", Stage: "bind-port"})
	require.ErrorIs(t, err, ErrStageAlreadyCompleted)
}

func TestUserStageQueries(t *testing.T) {
	db := newProgressionDB(t)
	fixture := seedCourse(t, db)
	enroll(t, db, fixture, "user-1", "echo")
	svc := newTestStageService(db, nil)
	ctx := context.Background()

	stages, err := svc.ListUserStages(ctx, "user-1", "redis")
	require.NoError(t, err)
	require.Len(t, stages, 3)
	require.Equal(t, "bind-port", stages[0].Stage.Slug)
	require.Equal(t, "echo", stages[2].Stage.Slug)
	require.Equal(t, models.StageStatusInProgress, stages[2].Status)

	stage, err := svc.GetUserStage(ctx, "user-1", "redis", "respond")
	require.NoError(t, err)
	require.Equal(t, models.StageStatusCompleted, stage.Status)

	status, err := svc.StageStatus(ctx, "user-1", "redis", "echo")
	require.NoError(t, err)
	require.Equal(t, models.StageStatusInProgress, status.Status)

	enrollment, err := svc.GetEnrollment(ctx, "user-1", "redis")
	require.NoError(t, err)
	require.Equal(t, "echo", enrollment.CurrentStage)
	require.Equal(t, 2, enrollment.CompletedStageCount)
	require.True(t, enrollment.Activated)

	_, err = svc.ListUserStages(ctx, "user-2", "redis")
	require.ErrorIs(t, err, ErrEnrollmentNotFound)
	_, err = svc.GetUserStage(ctx, "user-1", "redis", "rdb-file")
	require.ErrorIs(t, err, ErrStageNotFound)
}
