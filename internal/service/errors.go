package service

import "errors"

var (
	// ErrEnrollmentNotFound indicates no enrollment matches the request.
	ErrEnrollmentNotFound = errors.New("enrollment not found")
	// ErrStageNotFound indicates the stage or the user's progress on it does not exist.
	ErrStageNotFound = errors.New("stage not found")
	// ErrStageAlreadyCompleted is returned when a completion arrives for a completed stage.
	ErrStageAlreadyCompleted = errors.New("stage already completed")
	// ErrStageNotInProgress is returned when the stage is not the active one.
	ErrStageNotInProgress = errors.New("stage not in progress")
	// ErrStageOutOfOrder is returned when the stage is not the enrollment's current stage.
	ErrStageOutOfOrder = errors.New("stage out of order")
	// ErrStageConflict indicates a concurrent transition already created the next stage.
	ErrStageConflict = errors.New("stage progress already exists")
	// ErrInvalidSignature indicates a job notification failed HMAC verification.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrPlatformUnavailable wraps failures talking to the execution platform.
	ErrPlatformUnavailable = errors.New("execution platform unavailable")
	// ErrEnrollmentNotActivated is returned when a run is requested before the first push.
	ErrEnrollmentNotActivated = errors.New("enrollment not activated")
	// ErrCourseFinished is returned when a run is requested for a finished course.
	ErrCourseFinished = errors.New("course already finished")
)

// IsOrderingViolation reports whether err is an expected outcome of racing completions.
func IsOrderingViolation(err error) bool {
	return errors.Is(err, ErrStageAlreadyCompleted) ||
		errors.Is(err, ErrStageNotInProgress) ||
		errors.Is(err, ErrStageOutOfOrder) ||
		errors.Is(err, ErrStageConflict)
}
