package handler

import (
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/service"
	"github.com/noah-isme/stagerun-api/internal/utils"
	"github.com/noah-isme/stagerun-api/pkg/pipeline"
)

// AdminPipelineHandler lets operators resubmit a learner's current stage.
type AdminPipelineHandler struct {
	pushes service.PushService
	logger zerolog.Logger
}

// NewAdminPipelineHandler constructs the handler.
func NewAdminPipelineHandler(pushes service.PushService, logger zerolog.Logger) *AdminPipelineHandler {
	return &AdminPipelineHandler{
		pushes: pushes,
		logger: logger.With().Str("component", "admin_pipeline_handler").Logger(),
	}
}

// Register binds the admin pipeline routes.
func (h *AdminPipelineHandler) Register(router fiber.Router) {
	router.Post("/enrollments/:id/pipelines", h.trigger)
}

func (h *AdminPipelineHandler) trigger(c *fiber.Ctx) error {
	id, err := uuid.Parse(c.Params("id"))
	if err != nil {
		return utils.Fail(c, fiber.StatusBadRequest, "invalid enrollment id", errorCode("invalid_id"))
	}

	run, err := h.pushes.TriggerCurrentStage(requestContext(c), id)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	requestLogger(h.logger, c).Info().
		Str("enrollment_id", id.String()).
		Str("run", run.Name()).
		Str("triggered_by", userIDFromContext(c)).
		Msg("pipeline run resubmitted")

	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "pipeline run submitted", dto.PipelineTriggerResponse{
		Name:   run.Name(),
		Repo:   run.Param(pipeline.ParamRepo),
		Course: run.Param(pipeline.ParamCourse),
		Stage:  run.Param(pipeline.ParamStage),
	})
}
