package handler

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/observability"
	"github.com/noah-isme/stagerun-api/internal/service"
	"github.com/noah-isme/stagerun-api/internal/utils"
)

// WebhookHandler receives push hooks from the git server and run notifications from the pipeline.
type WebhookHandler struct {
	pushes        service.PushService
	notifications service.WebhookService
	logger        zerolog.Logger
}

// NewWebhookHandler constructs a webhook handler.
func NewWebhookHandler(pushes service.PushService, notifications service.WebhookService, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		pushes:        pushes,
		notifications: notifications,
		logger:        logger.With().Str("component", "webhook_handler").Logger(),
	}
}

// Register binds the webhook routes.
func (h *WebhookHandler) Register(router fiber.Router) {
	router.Post("/gitea", h.gitea)
	router.Post("/tekton", h.tekton)
}

func (h *WebhookHandler) gitea(c *fiber.Ctx) error {
	var event dto.PushEvent
	if err := c.BodyParser(&event); err != nil {
		observability.Webhooks().WithLabelValues("gitea", "invalid").Inc()
		return utils.Fail(c, fiber.StatusBadRequest, "invalid push payload", errorCode("invalid_payload"))
	}

	requestLogger(h.logger, c).Debug().
		Str("repository", event.Repository.FullName).
		Str("ref", event.Ref).
		Msg("push event received")

	outcome, err := h.pushes.HandlePush(requestContext(c), event)
	if err != nil {
		observability.Webhooks().WithLabelValues("gitea", "error").Inc()
		if errors.Is(err, service.ErrEnrollmentNotFound) {
			requestLogger(h.logger, c).Warn().Str("repository", event.Repository.FullName).Msg("push for unknown enrollment")
		}
		return sendServiceError(c, h.logger, err)
	}

	observability.Webhooks().WithLabelValues("gitea", string(outcome)).Inc()
	return utils.SendSuccess(c, "push processed", dto.WebhookAck{Outcome: string(outcome)})
}

func (h *WebhookHandler) tekton(c *fiber.Ctx) error {
	outcome, err := h.notifications.HandlePipelineNotification(requestContext(c), c.Body())
	if err != nil {
		observability.Webhooks().WithLabelValues("tekton", "error").Inc()
		return sendServiceError(c, h.logger, err)
	}

	observability.Webhooks().WithLabelValues("tekton", string(outcome)).Inc()
	return utils.SendSuccess(c, "notification processed", dto.WebhookAck{Outcome: string(outcome)})
}
