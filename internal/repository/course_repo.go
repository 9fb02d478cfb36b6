package repository

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/noah-isme/stagerun-api/internal/models"
)

// CourseRepository reads course and stage definitions. Definitions are never mutated by the progression core.
type CourseRepository interface {
	GetBySlug(ctx context.Context, slug string) (models.Course, error)
	GetStage(ctx context.Context, courseSlug, stageSlug string) (models.Stage, error)
	FirstStage(ctx context.Context, courseID uuid.UUID) (models.Stage, error)
	NextStage(ctx context.Context, courseID uuid.UUID, weight int) (models.Stage, error)
	ListStages(ctx context.Context, courseSlug string) ([]models.Stage, error)
	StagesUntil(ctx context.Context, courseSlug, stageSlug string) ([]models.Stage, error)
}

type courseRepository struct {
	db *gorm.DB
}

func (r *courseRepository) GetBySlug(ctx context.Context, slug string) (models.Course, error) {
	var course models.Course
	err := r.db.WithContext(ctx).Where("slug = ?", slug).First(&course).Error
	if err != nil {
		return models.Course{}, translateError(err)
	}
	return course, nil
}

func (r *courseRepository) GetStage(ctx context.Context, courseSlug, stageSlug string) (models.Stage, error) {
	var stage models.Stage
	err := r.stagesOfCourse(ctx, courseSlug).
		Where("stages.slug = ?", stageSlug).
		First(&stage).Error
	if err != nil {
		return models.Stage{}, translateError(err)
	}
	return stage, nil
}

func (r *courseRepository) FirstStage(ctx context.Context, courseID uuid.UUID) (models.Stage, error) {
	var stage models.Stage
	err := r.db.WithContext(ctx).
		Where("course_id = ?", courseID).
		Order("weight ASC").
		First(&stage).Error
	if err != nil {
		return models.Stage{}, translateError(err)
	}
	return stage, nil
}

// NextStage returns the lowest weighted stage of the course strictly heavier than weight.
// Base and extension stages are scanned as one sequence.
func (r *courseRepository) NextStage(ctx context.Context, courseID uuid.UUID, weight int) (models.Stage, error) {
	var stage models.Stage
	err := r.db.WithContext(ctx).
		Where("course_id = ? AND weight > ?", courseID, weight).
		Order("weight ASC").
		First(&stage).Error
	if err != nil {
		return models.Stage{}, translateError(err)
	}
	return stage, nil
}

func (r *courseRepository) ListStages(ctx context.Context, courseSlug string) ([]models.Stage, error) {
	var stages []models.Stage
	err := r.stagesOfCourse(ctx, courseSlug).
		Preload("Extension").
		Order("stages.weight ASC").
		Find(&stages).Error
	if err != nil {
		return nil, err
	}
	return stages, nil
}

// StagesUntil returns every stage of the course up to and including stageSlug, ordered by weight.
func (r *courseRepository) StagesUntil(ctx context.Context, courseSlug, stageSlug string) ([]models.Stage, error) {
	current, err := r.GetStage(ctx, courseSlug, stageSlug)
	if err != nil {
		return nil, err
	}

	var stages []models.Stage
	err = r.db.WithContext(ctx).
		Where("course_id = ? AND weight <= ?", current.CourseID, current.Weight).
		Order("weight ASC").
		Find(&stages).Error
	if err != nil {
		return nil, err
	}
	return stages, nil
}

func (r *courseRepository) stagesOfCourse(ctx context.Context, courseSlug string) *gorm.DB {
	return r.db.WithContext(ctx).
		Model(&models.Stage{}).
		Joins("JOIN courses ON courses.id = stages.course_id").
		Where("courses.slug = ?", courseSlug)
}
