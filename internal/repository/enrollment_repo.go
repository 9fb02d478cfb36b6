package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/stagerun-api/internal/models"
)

// EnrollmentRepository persists enrollments.
type EnrollmentRepository interface {
	Create(ctx context.Context, enrollment *models.Enrollment) error
	GetByID(ctx context.Context, id uuid.UUID) (models.Enrollment, error)
	GetByUserCourse(ctx context.Context, userID, courseSlug string) (models.Enrollment, error)
	Update(ctx context.Context, enrollment *models.Enrollment) error
}

type enrollmentRepository struct {
	db *gorm.DB
}

func (r *enrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment) error {
	return translateError(r.db.WithContext(ctx).Omit(clause.Associations).Create(enrollment).Error)
}

func (r *enrollmentRepository) GetByID(ctx context.Context, id uuid.UUID) (models.Enrollment, error) {
	var enrollment models.Enrollment
	err := r.db.WithContext(ctx).
		Preload("Course").
		Preload("CurrentStage").
		First(&enrollment, "id = ?", id).Error
	if err != nil {
		return models.Enrollment{}, translateError(err)
	}
	return enrollment, nil
}

func (r *enrollmentRepository) GetByUserCourse(ctx context.Context, userID, courseSlug string) (models.Enrollment, error) {
	var enrollment models.Enrollment
	err := r.db.WithContext(ctx).
		Preload("Course").
		Preload("CurrentStage").
		Joins("JOIN courses ON courses.id = enrollments.course_id").
		Where("enrollments.user_id = ? AND courses.slug = ?", userID, courseSlug).
		First(&enrollment).Error
	if err != nil {
		return models.Enrollment{}, translateError(err)
	}
	return enrollment, nil
}

func (r *enrollmentRepository) Update(ctx context.Context, enrollment *models.Enrollment) error {
	result := r.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ?", enrollment.ID).
		Updates(map[string]interface{}{
			"current_stage_id":      enrollment.CurrentStageID,
			"completed_stage_count": enrollment.CompletedStageCount,
			"activated":             enrollment.Activated,
		})
	if result.Error != nil {
		return translateError(result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}
