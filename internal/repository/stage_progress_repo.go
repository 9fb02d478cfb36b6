package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/stagerun-api/internal/models"
)

// StageProgressRepository persists per-stage progress records.
type StageProgressRepository interface {
	Create(ctx context.Context, progress *models.StageProgress) error
	Get(ctx context.Context, enrollmentID, stageID uuid.UUID) (models.StageProgress, error)
	GetBySlug(ctx context.Context, userID, courseSlug, stageSlug string) (models.StageProgress, error)
	ListByEnrollment(ctx context.Context, enrollmentID uuid.UUID) ([]models.StageProgress, error)
	CountInProgress(ctx context.Context, enrollmentID uuid.UUID) (int64, error)
	MarkCompleted(ctx context.Context, progress *models.StageProgress, completedAt time.Time, report datatypes.JSONMap) error
	RecordFailure(ctx context.Context, progress *models.StageProgress, report datatypes.JSONMap) error
}

type stageProgressRepository struct {
	db *gorm.DB
}

// Create inserts a new record. A second record for the same (enrollment, stage) yields ErrDuplicate.
func (r *stageProgressRepository) Create(ctx context.Context, progress *models.StageProgress) error {
	return translateError(r.db.WithContext(ctx).Omit(clause.Associations).Create(progress).Error)
}

func (r *stageProgressRepository) Get(ctx context.Context, enrollmentID, stageID uuid.UUID) (models.StageProgress, error) {
	var progress models.StageProgress
	err := r.db.WithContext(ctx).
		Preload("Stage").
		Where("enrollment_id = ? AND stage_id = ?", enrollmentID, stageID).
		First(&progress).Error
	if err != nil {
		return models.StageProgress{}, translateError(err)
	}
	return progress, nil
}

func (r *stageProgressRepository) GetBySlug(ctx context.Context, userID, courseSlug, stageSlug string) (models.StageProgress, error) {
	var progress models.StageProgress
	err := r.db.WithContext(ctx).
		Preload("Stage").
		Joins("JOIN enrollments ON enrollments.id = stage_progress.enrollment_id").
		Joins("JOIN stages ON stages.id = stage_progress.stage_id").
		Joins("JOIN courses ON courses.id = enrollments.course_id").
		Where("enrollments.user_id = ? AND courses.slug = ? AND stages.slug = ?", userID, courseSlug, stageSlug).
		First(&progress).Error
	if err != nil {
		return models.StageProgress{}, translateError(err)
	}
	return progress, nil
}

func (r *stageProgressRepository) ListByEnrollment(ctx context.Context, enrollmentID uuid.UUID) ([]models.StageProgress, error) {
	var progresses []models.StageProgress
	err := r.db.WithContext(ctx).
		Preload("Stage").
		Joins("JOIN stages ON stages.id = stage_progress.stage_id").
		Where("stage_progress.enrollment_id = ?", enrollmentID).
		Order("stages.weight ASC").
		Find(&progresses).Error
	if err != nil {
		return nil, err
	}
	return progresses, nil
}

func (r *stageProgressRepository) CountInProgress(ctx context.Context, enrollmentID uuid.UUID) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.StageProgress{}).
		Where("enrollment_id = ? AND status = ?", enrollmentID, models.StageStatusInProgress).
		Count(&count).Error
	return count, err
}

// MarkCompleted moves an in_progress record to completed. The update is conditional on the
// record still being in progress; losing that race yields ErrStale.
func (r *stageProgressRepository) MarkCompleted(ctx context.Context, progress *models.StageProgress, completedAt time.Time, report datatypes.JSONMap) error {
	result := r.db.WithContext(ctx).
		Model(&models.StageProgress{}).
		Where("id = ? AND status = ?", progress.ID, models.StageStatusInProgress).
		Updates(map[string]interface{}{
			"status":       models.StageStatusCompleted,
			"test_result":  models.TestResultPassed,
			"completed_at": completedAt,
			"report":       report,
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}

	progress.Status = models.StageStatusCompleted
	progress.TestResult = models.TestResultPassed
	progress.CompletedAt = &completedAt
	progress.Report = report
	return nil
}

// RecordFailure stores a failed test result on an in_progress record without changing its status.
func (r *stageProgressRepository) RecordFailure(ctx context.Context, progress *models.StageProgress, report datatypes.JSONMap) error {
	result := r.db.WithContext(ctx).
		Model(&models.StageProgress{}).
		Where("id = ? AND status = ?", progress.ID, models.StageStatusInProgress).
		Updates(map[string]interface{}{
			"test_result": models.TestResultFailed,
			"report":      report,
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrStale
	}

	progress.TestResult = models.TestResultFailed
	progress.Report = report
	return nil
}
