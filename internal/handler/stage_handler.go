package handler

import (
	"bufio"
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/stagerun-api/internal/dto"
	"github.com/noah-isme/stagerun-api/internal/models"
	"github.com/noah-isme/stagerun-api/internal/service"
	"github.com/noah-isme/stagerun-api/internal/utils"
)

// StageHandler serves the learner's view of their course progress.
type StageHandler struct {
	stages       service.StageService
	progress     service.ProgressService
	pollInterval time.Duration
	logger       zerolog.Logger
}

// NewStageHandler constructs a stage handler. pollInterval paces the status stream fallback poll.
func NewStageHandler(stages service.StageService, progress service.ProgressService, pollInterval time.Duration, logger zerolog.Logger) *StageHandler {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	return &StageHandler{
		stages:       stages,
		progress:     progress,
		pollInterval: pollInterval,
		logger:       logger.With().Str("component", "stage_handler").Logger(),
	}
}

// Register binds the user course routes.
func (h *StageHandler) Register(router fiber.Router) {
	router.Use("/:slug/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("request_ctx", requestContext(c))
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	router.Get("/:slug", h.enrollment)
	router.Get("/:slug/stages", h.list)
	router.Get("/:slug/stages/:stage", h.get)
	router.Get("/:slug/stages/:stage/status", h.status)
	router.Get("/:slug/ws", websocket.New(h.stream))
}

func (h *StageHandler) enrollment(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	enrollment, err := h.stages.GetEnrollment(requestContext(c), userID, c.Params("slug"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "enrollment", enrollment)
}

func (h *StageHandler) list(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	stages, err := h.stages.ListUserStages(requestContext(c), userID, c.Params("slug"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.OK(c, stages, "user stages", fiber.Map{"total": len(stages)})
}

func (h *StageHandler) get(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	stage, err := h.stages.GetUserStage(requestContext(c), userID, c.Params("slug"), c.Params("stage"))
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	return utils.SendSuccess(c, "user stage", stage)
}

// status streams the stage status as server-sent events. A new status is sent whenever it
// changes, driven by progress events with a periodic poll as fallback. The stream ends once
// the stage is completed.
func (h *StageHandler) status(c *fiber.Ctx) error {
	userID := userIDFromContext(c)
	if userID == "" {
		return utils.SendError(c, fiber.StatusUnauthorized, "user not authenticated")
	}

	course := c.Params("slug")
	stage := c.Params("stage")
	ctx := requestContext(c)

	initial, err := h.stages.StageStatus(ctx, userID, course, stage)
	if err != nil {
		return sendServiceError(c, h.logger, err)
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	ctx, cancel := context.WithCancel(ctx)
	events, cleanup := h.progress.Subscribe(userID)

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			cleanup()
			cancel()
		}()

		last := initial
		if err := writeSSEEvent(w, "status", last); err != nil {
			return
		}
		if last.Status == models.StageStatusCompleted {
			return
		}

		ticker := time.NewTicker(h.pollInterval)
		defer ticker.Stop()

		for {
			select {
			case event, ok := <-events:
				if !ok {
					return
				}
				if event.Course != course || event.Stage != stage {
					continue
				}
			case <-ticker.C:
			case <-ctx.Done():
				return
			}

			current, err := h.stages.StageStatus(ctx, userID, course, stage)
			if err != nil {
				h.logger.Debug().Err(err).Msg("failed to refresh stage status")
				if err := writeKeepAlive(w); err != nil {
					return
				}
				continue
			}

			if current != last {
				last = current
				if err := writeSSEEvent(w, "status", current); err != nil {
					h.logger.Debug().Err(err).Msg("failed to write status event")
					return
				}
			} else if err := writeKeepAlive(w); err != nil {
				return
			}

			if current.Status == models.StageStatusCompleted {
				return
			}
		}
	})

	return nil
}

// stream pushes every progress event of the course to a websocket client.
func (h *StageHandler) stream(conn *websocket.Conn) {
	userID := userIDFromLocals(conn.Locals("user_id"))
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(fiber.StatusUnauthorized, "user id missing"))
		_ = conn.Close()
		return
	}

	course := conn.Params("slug")
	baseCtx, _ := conn.Locals("request_ctx").(context.Context)
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(baseCtx)
	defer cancel()

	events, cleanup := h.progress.Subscribe(userID)
	defer cleanup()

	// Reader loop detects client disconnects.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.logger.Debug().Str("user_id", userID).Str("course", course).Msg("progress websocket connected")
	defer h.logger.Debug().Str("user_id", userID).Str("course", course).Msg("progress websocket disconnected")

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Course != course {
				continue
			}
			if err := writeJSONMessage(conn, event); err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func writeJSONMessage(conn *websocket.Conn, event dto.StageProgressEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func userIDFromLocals(value interface{}) string {
	if id, ok := value.(string); ok {
		return id
	}
	return ""
}
