package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/models"
	"github.com/noah-isme/stagerun-api/internal/repository"
)

type courseFixture struct {
	course models.Course
	// stages ordered by weight: bind-port(0), respond(1), echo(2), rdb-file(1000), rdb-keys(1001)
	stages []models.Stage
}

func (f courseFixture) stage(slug string) models.Stage {
	for _, stage := range f.stages {
		if stage.Slug == slug {
			return stage
		}
	}
	panic("unknown stage " + slug)
}

func newProgressionDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.AutoMigrate(models.ProgressionModels()...))
	return db
}

func seedCourse(t *testing.T, db *gorm.DB) courseFixture {
	t.Helper()

	course := models.Course{Slug: "redis", Name: "Build your own Redis", StageCount: 5}
	require.NoError(t, db.Create(&course).Error)

	extension := models.Extension{CourseID: course.ID, Slug: "persistence", Name: "Persistence", Weight: 1, StageCount: 2}
	require.NoError(t, db.Create(&extension).Error)

	// Inserted out of order so lookups cannot rely on insertion order.
	definitions := []models.Stage{
		{CourseID: course.ID, ExtensionID: &extension.ID, Slug: "rdb-keys", Name: "Read keys", Weight: 1001},
		{CourseID: course.ID, Slug: "echo", Name: "Implement ECHO", Weight: 2},
		{CourseID: course.ID, Slug: "bind-port", Name: "Bind to a port", Weight: 0},
		{CourseID: course.ID, ExtensionID: &extension.ID, Slug: "rdb-file", Name: "RDB file config", Weight: 1000},
		{CourseID: course.ID, Slug: "respond", Name: "Respond to PING", Weight: 1},
	}
	for i := range definitions {
		require.NoError(t, db.Create(&definitions[i]).Error)
	}

	var stages []models.Stage
	require.NoError(t, db.Where("course_id = ?", course.ID).Order("weight ASC").Find(&stages).Error)

	return courseFixture{course: course, stages: stages}
}

// enroll creates an enrollment. When current is non-empty the enrollment is activated at that
// stage, with every earlier stage completed.
func enroll(t *testing.T, db *gorm.DB, fixture courseFixture, userID, current string) models.Enrollment {
	t.Helper()

	enrollment := models.Enrollment{UserID: userID, CourseID: fixture.course.ID}
	require.NoError(t, db.Create(&enrollment).Error)
	if current == "" {
		return enrollment
	}

	completed := 0
	for _, stage := range fixture.stages {
		progress := models.NewStageProgress(enrollment.ID, stage.ID)
		if stage.Slug != current {
			progress.Status = models.StageStatusCompleted
			progress.TestResult = models.TestResultPassed
			completed++
		}
		require.NoError(t, db.Create(&progress).Error)
		if stage.Slug == current {
			break
		}
	}

	stageID := fixture.stage(current).ID
	require.NoError(t, db.Model(&models.Enrollment{}).Where("id = ?", enrollment.ID).Updates(map[string]interface{}{
		"current_stage_id":      stageID,
		"activated":             true,
		"completed_stage_count": completed,
	}).Error)

	enrollment.CurrentStageID = &stageID
	enrollment.Activated = true
	enrollment.CompletedStageCount = completed
	return enrollment
}

func loadEnrollment(t *testing.T, db *gorm.DB, id uuid.UUID) models.Enrollment {
	t.Helper()
	enrollment, err := repository.NewProgressionStore(db).Enrollments().GetByID(context.Background(), id)
	require.NoError(t, err)
	return enrollment
}

func progressByStatus(t *testing.T, db *gorm.DB, enrollmentID uuid.UUID, status string) []models.StageProgress {
	t.Helper()
	var progresses []models.StageProgress
	require.NoError(t, db.Preload("Stage").Where("enrollment_id = ? AND status = ?", enrollmentID, status).Find(&progresses).Error)
	return progresses
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []dto.StageProgressEvent
}

func (p *recordingPublisher) Publish(_ context.Context, event dto.StageProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *recordingPublisher) snapshot() []dto.StageProgressEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]dto.StageProgressEvent, len(p.events))
	copy(out, p.events)
	return out
}

func newTestStageService(db *gorm.DB, publisher ProgressPublisher) StageService {
	return NewStageService(repository.NewProgressionStore(db), publisher, zerolog.Nop())
}
