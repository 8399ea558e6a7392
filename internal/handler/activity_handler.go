package handler

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/vetting-api/internal/dto"
	"github.com/noah-isme/vetting-api/internal/service"
	"github.com/noah-isme/vetting-api/internal/utils"
)

const signalReadTimeout = 2 * time.Minute

// ActivityHandler accepts integrity signals over REST or a websocket stream.
type ActivityHandler struct {
	monitor     service.ActivityMonitor
	submissions service.SubmissionService
	validator   *validator.Validate
	logger      zerolog.Logger
}

// NewActivityHandler builds an activity handler.
func NewActivityHandler(monitor service.ActivityMonitor, submissions service.SubmissionService, validator *validator.Validate, logger zerolog.Logger) *ActivityHandler {
	return &ActivityHandler{
		monitor:     monitor,
		submissions: submissions,
		validator:   validator,
		logger:      logger.With().Str("component", "activity_handler").Logger(),
	}
}

// Register attaches the routes to the provided router group.
func (h *ActivityHandler) Register(router fiber.Router) {
	router.Post("/sessions/:id/signals", h.record)
	router.Use("/sessions/:id/signals/ws", h.upgrade)
	router.Get("/sessions/:id/signals/ws", websocket.New(h.stream))
}

func (h *ActivityHandler) record(c *fiber.Ctx) error {
	var payload dto.SignalRequest
	if err := bindJSON(c, h.validator, &payload); err != nil {
		return writeServiceError(c, h.logger, err)
	}

	ctx := withRequestContext(c)
	sessionID := c.Params("id")
	if _, err := h.submissions.Get(ctx, userIDFromContext(c), sessionID); err != nil {
		return writeServiceError(c, h.logger, err)
	}

	h.monitor.Record(ctx, sessionID, payload.Type)
	return utils.SendSuccessWithStatus(c, fiber.StatusAccepted, "signal recorded", fiber.Map{"session_id": sessionID, "type": payload.Type})
}

// upgrade checks ownership before handing the connection to the websocket handler.
func (h *ActivityHandler) upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	ctx := withRequestContext(c)
	sessionID := c.Params("id")
	session, err := h.submissions.Get(ctx, userIDFromContext(c), sessionID)
	if err != nil {
		return writeServiceError(c, h.logger, err)
	}
	if !session.IsOpen() {
		return utils.SendErrorCode(c, fiber.StatusConflict, "session_closed", "session already closed")
	}

	c.Locals("session_id", sessionID)
	c.Locals("request_ctx", context.WithoutCancel(ctx))
	return c.Next()
}

type signalMessage struct {
	Type string `json:"type"`
}

type signalAck struct {
	Type     string `json:"type"`
	Received bool   `json:"received"`
	Error    string `json:"error,omitempty"`
}

func (h *ActivityHandler) stream(conn *websocket.Conn) {
	sessionID, _ := conn.Locals("session_id").(string)
	ctx, _ := conn.Locals("request_ctx").(context.Context)
	if ctx == nil {
		ctx = context.Background()
	}
	logger := h.logger.With().Str("session_id", sessionID).Logger()
	logger.Debug().Msg("signal stream connected")
	defer logger.Debug().Msg("signal stream disconnected")

	for {
		_ = conn.SetReadDeadline(time.Now().Add(signalReadTimeout))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("signal stream read failed")
			}
			return
		}

		var message signalMessage
		ack := signalAck{Received: true}
		if err := json.Unmarshal(raw, &message); err != nil || strings.TrimSpace(message.Type) == "" {
			ack = signalAck{Received: false, Error: "expected {\"type\": \"<signal>\"}"}
		} else {
			ack.Type = message.Type
			h.monitor.Record(ctx, sessionID, message.Type)
		}

		if err := conn.WriteJSON(ack); err != nil {
			logger.Debug().Err(err).Msg("signal ack failed")
			return
		}
	}
}
