package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/stagerun-api/internal/middleware"
	"github.com/noah-isme/stagerun-api/internal/service"
	"github.com/noah-isme/stagerun-api/internal/utils"
)

func userIDFromContext(c *fiber.Ctx) string {
	if v := c.Locals("user_id"); v != nil {
		switch id := v.(type) {
		case string:
			return strings.TrimSpace(id)
		case fmt.Stringer:
			return strings.TrimSpace(id.String())
		}
	}
	return ""
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// sendServiceError maps progression errors onto HTTP responses.
func sendServiceError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	switch {
	case errors.Is(err, service.ErrEnrollmentNotFound):
		return utils.Fail(c, fiber.StatusNotFound, "enrollment not found", errorCode("enrollment_not_found"))
	case errors.Is(err, service.ErrStageNotFound):
		return utils.Fail(c, fiber.StatusNotFound, "stage not found", errorCode("stage_not_found"))
	case errors.Is(err, service.ErrInvalidSignature):
		return utils.Fail(c, fiber.StatusUnauthorized, "invalid signature", errorCode("invalid_signature"))
	case errors.Is(err, service.ErrInvalidNotification), isValidationError(err):
		return utils.Fail(c, fiber.StatusBadRequest, err.Error(), errorCode("invalid_payload"))
	case errors.Is(err, service.ErrEnrollmentNotActivated):
		return utils.Fail(c, fiber.StatusConflict, "enrollment not activated", errorCode("enrollment_not_activated"))
	case errors.Is(err, service.ErrCourseFinished):
		return utils.Fail(c, fiber.StatusConflict, "course already finished", errorCode("course_finished"))
	case errors.Is(err, service.ErrStageAlreadyCompleted):
		return utils.Fail(c, fiber.StatusConflict, "stage already completed", errorCode("stage_already_completed"))
	case errors.Is(err, service.ErrStageNotInProgress):
		return utils.Fail(c, fiber.StatusConflict, "stage not in progress", errorCode("stage_not_in_progress"))
	case errors.Is(err, service.ErrStageOutOfOrder):
		return utils.Fail(c, fiber.StatusConflict, "stage out of order", errorCode("stage_out_of_order"))
	case errors.Is(err, service.ErrStageConflict):
		return utils.Fail(c, fiber.StatusConflict, "stage progress already exists", errorCode("stage_conflict"))
	case errors.Is(err, service.ErrPlatformUnavailable):
		requestLogger(logger, c).Error().Err(err).Msg("execution platform unavailable")
		return utils.Fail(c, fiber.StatusBadGateway, "execution platform unavailable", errorCode("platform_unavailable"))
	default:
		requestLogger(logger, c).Error().Err(err).Msg("request failed")
		return utils.Fail(c, fiber.StatusInternalServerError, "internal server error", errorCode("internal"))
	}
}

func errorCode(code string) fiber.Map {
	return fiber.Map{"code": code}
}

func writeSSEEvent(w *bufio.Writer, event string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return w.Flush()
}

func writeKeepAlive(w *bufio.Writer) error {
	if _, err := fmt.Fprintf(w, ": keep-alive %s\n\n", time.Now().UTC().Format(time.RFC3339)); err != nil {
		return err
	}
	return w.Flush()
}
