package repository

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate indicates a uniqueness constraint rejected an insert.
var ErrDuplicate = errors.New("record already exists")

// ErrStale indicates a conditional update matched no rows because the record changed underneath.
var ErrStale = errors.New("record changed concurrently")

// ProgressionStore groups the repositories that make up the progression state and
// scopes them to a single database transaction when required.
type ProgressionStore interface {
	Courses() CourseRepository
	Enrollments() EnrollmentRepository
	StageProgress() StageProgressRepository
	Transaction(ctx context.Context, fn func(store ProgressionStore) error) error
}

// NewProgressionStore constructs a gorm backed progression store.
func NewProgressionStore(db *gorm.DB) ProgressionStore {
	return &progressionStore{db: db}
}

type progressionStore struct {
	db *gorm.DB
}

func (s *progressionStore) Courses() CourseRepository {
	return &courseRepository{db: s.db}
}

func (s *progressionStore) Enrollments() EnrollmentRepository {
	return &enrollmentRepository{db: s.db}
}

func (s *progressionStore) StageProgress() StageProgressRepository {
	return &stageProgressRepository{db: s.db}
}

func (s *progressionStore) Transaction(ctx context.Context, fn func(store ProgressionStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&progressionStore{db: tx})
	})
}

func translateError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	default:
		return err
	}
}
